package truncated

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/countmodel/discrete"
	"github.com/kshedden/countmodel/statmodel"
)

// simulateHurdle generates data from a hurdle model: a Bernoulli draw
// determines whether the response is zero, and positive responses are
// zero-truncated Poisson draws.
func simulateHurdle(n int, czero, cpos []float64, seed uint64) statmodel.Dataset {

	rng := rand.New(rand.NewPCG(seed, seed+1))

	y := make([]float64, n)
	icept := make([]float64, n)
	x1 := make([]float64, n)

	for i := 0; i < n; i++ {
		icept[i] = 1
		x1[i] = rng.NormFloat64()

		// Zero with the probability a Poisson model implies
		muz := math.Exp(czero[0] + czero[1]*x1[i])
		if rng.Float64() < math.Exp(-muz) {
			continue
		}

		mu := math.Exp(cpos[0] + cpos[1]*x1[i])
		pois := distuv.Poisson{Lambda: mu, Src: rng}
		for {
			v := pois.Rand()
			if v > 0 {
				y[i] = v
				break
			}
		}
	}

	return statmodel.NewDataset([][]statmodel.Dtype{y, icept, x1},
		[]string{"y", "icept", "x1"})
}

func TestHurdleSplitIndex(t *testing.T) {

	da := simulateHurdle(50, []float64{0.5, 0.1}, []float64{1, -0.2}, 55)

	h, err := NewHurdle(da, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.SplitIndex() != 2 || h.NumParams() != 4 {
		t.Errorf("wrong parameter split: %d of %d", h.SplitIndex(), h.NumParams())
	}

	config := DefaultHurdleConfig()
	config.ZeroDist = discrete.NegBinomialPFamily
	config.Dist = discrete.NegBinomialPFamily

	h, err = NewHurdle(da, "y", []string{"icept", "x1"}, config)
	if err != nil {
		t.Fatal(err)
	}
	if h.SplitIndex() != 3 || h.NumParams() != 6 {
		t.Errorf("wrong parameter split: %d of %d", h.SplitIndex(), h.NumParams())
	}
}

func TestHurdleFamilyCheck(t *testing.T) {

	da := simulateHurdle(50, []float64{0.5, 0.1}, []float64{1, -0.2}, 56)

	config := DefaultHurdleConfig()
	config.Dist = discrete.GeneralizedPoissonFamily

	if _, err := NewHurdle(da, "y", []string{"icept", "x1"}, config); err == nil {
		t.Errorf("expected an error for a generalized Poisson hurdle stage")
	}
}

func TestHurdleParamNames(t *testing.T) {

	da := simulateHurdle(50, []float64{0.5, 0.1}, []float64{1, -0.2}, 57)

	config := DefaultHurdleConfig()
	config.ZeroDist = discrete.NegBinomialPFamily

	h, err := NewHurdle(da, "y", []string{"icept", "x1"}, config)
	if err != nil {
		t.Fatal(err)
	}

	na := h.ParamNames()
	expected := []string{"inflate_const", "zero_x1", "zero_alpha", "icept", "x1"}
	if len(na) != len(expected) {
		t.Fatalf("got %v", na)
	}
	for i := range na {
		if na[i] != expected[i] {
			t.Errorf("name %d: got %s, expected %s", i, na[i], expected[i])
		}
	}
}

// The hurdle pmf puts the zero stage probability at zero and distributes
// the remaining mass according to the truncated positive stage.
func TestHurdleProb(t *testing.T) {

	da := simulateHurdle(30, []float64{0.5, 0.1}, []float64{0.8, -0.2}, 58)

	h, err := NewHurdle(da, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	params := []float64{0.4, 0.2, 0.7, -0.1}

	yv := make([]float64, 60)
	for i := range yv {
		yv[i] = float64(i)
	}

	pr, err := h.Predict(params, "prob", yv, nil)
	if err != nil {
		t.Fatal(err)
	}

	pz, err := h.Predict(params, "prob-zero", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	nobs := h.NumObs()
	nc := len(yv)
	for i := 0; i < nobs; i++ {
		row := pr[i*nc : (i+1)*nc]
		if math.Abs(row[0]-pz[i]) > 1e-12 {
			t.Errorf("pmf at zero disagrees with the zero stage at observation %d", i)
		}
		if math.Abs(floats.Sum(row)-1) > 1e-6 {
			t.Errorf("pmf row %d sums to %f", i, floats.Sum(row))
		}
	}
}

// The hurdle mean must agree with the expected value of the hurdle pmf.
func TestHurdleMean(t *testing.T) {

	da := simulateHurdle(20, []float64{0.5, 0.1}, []float64{0.8, -0.2}, 59)

	h, err := NewHurdle(da, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	params := []float64{0.4, 0.2, 0.7, -0.1}

	mn, err := h.Predict(params, "mean", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	yv := make([]float64, 80)
	for i := range yv {
		yv[i] = float64(i)
	}
	pr, err := h.Predict(params, "prob", yv, nil)
	if err != nil {
		t.Fatal(err)
	}

	nc := len(yv)
	for i := range mn {
		var e float64
		for j, y := range yv {
			e += y * pr[i*nc+j]
		}
		if math.Abs(mn[i]-e) > 1e-6 {
			t.Errorf("mean %d: direct %f, from pmf %f", i, mn[i], e)
		}
	}

	// The overall mean factors as P(Y > 0) times the conditional mean.
	mp, err := h.Predict(params, "mean-nonzero", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	pz, err := h.Predict(params, "prob-zero", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range mn {
		if math.Abs(mn[i]-(1-pz[i])*mp[i]) > 1e-10 {
			t.Errorf("mean %d does not factor: %f vs %f", i, mn[i], (1-pz[i])*mp[i])
		}
	}
}

func TestHurdleVarUnsupported(t *testing.T) {

	da := simulateHurdle(20, []float64{0.5, 0.1}, []float64{0.8, -0.2}, 60)

	h, err := NewHurdle(da, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Predict([]float64{0.4, 0.2, 0.7, -0.1}, "var", nil, nil); err == nil {
		t.Errorf("expected an error for variance prediction")
	}
}

// Restarting a hurdle fit from the estimates of a previous fit returns the
// same optimum for both stages.
func TestHurdleStartValues(t *testing.T) {

	czero := []float64{0.5, 0.8}
	cpos := []float64{1.0, -0.5}
	da := simulateHurdle(1000, czero, cpos, 62)

	h, err := NewHurdle(da, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rslt, err := h.Fit()
	if err != nil {
		t.Fatal(err)
	}

	pa := rslt.Params()
	k := rslt.SplitIndex()

	config := DefaultHurdleConfig()
	config.StartZero = pa[0:k]
	config.Start = pa[k:]

	hs, err := NewHurdle(da, "y", []string{"icept", "x1"}, config)
	if err != nil {
		t.Fatal(err)
	}
	rslts, err := hs.Fit()
	if err != nil {
		t.Fatal(err)
	}
	if !rslts.Converged() {
		t.Errorf("restarted fit did not converge")
	}

	if !floats.EqualApprox(rslts.Params(), pa, 1e-4) {
		t.Errorf("restarted estimates %v far from %v", rslts.Params(), pa)
	}
}

func TestHurdleFit(t *testing.T) {

	czero := []float64{0.5, 0.8}
	cpos := []float64{1.0, -0.5}
	da := simulateHurdle(3000, czero, cpos, 61)

	h, err := NewHurdle(da, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rslt, err := h.Fit()
	if err != nil {
		t.Fatal(err)
	}
	if !rslt.Converged() {
		t.Errorf("fit did not converge")
	}

	pa := rslt.Params()
	k := rslt.SplitIndex()
	if !floats.EqualApprox(pa[0:k], czero, 0.2) {
		t.Errorf("zero stage estimates %v far from %v", pa[0:k], czero)
	}
	if !floats.EqualApprox(pa[k:], cpos, 0.2) {
		t.Errorf("count stage estimates %v far from %v", pa[k:], cpos)
	}

	// The combined log-likelihood matches the joint evaluation.
	par := discrete.NewCountParams(pa, nil)
	if math.Abs(rslt.LogLike()-h.LogLike(par, true)) > 1e-8 {
		t.Errorf("combined log-likelihood mismatch")
	}

	// Cross blocks of the covariance matrix are zero.
	vc := rslt.VCov()
	np := len(pa)
	for i := 0; i < k; i++ {
		for j := k; j < np; j++ {
			if vc[i*np+j] != 0 || vc[j*np+i] != 0 {
				t.Errorf("nonzero cross covariance at %d,%d", i, j)
			}
		}
	}

	s := rslt.Summary().String()
	if !strings.Contains(s, "inflate_const") || !strings.Contains(s, "zero_x1") {
		t.Errorf("summary is missing zero stage parameters")
	}

	// The null model cannot fit better than the full model.
	if !(rslt.LogLikeNull() <= rslt.LogLike()+1e-6) {
		t.Errorf("null log-likelihood %f exceeds %f", rslt.LogLikeNull(), rslt.LogLike())
	}

	fv := rslt.FittedValues(nil)
	if len(fv) != h.NumObs() {
		t.Errorf("wrong number of fitted values")
	}
	for _, v := range fv {
		if !(v >= 0) {
			t.Errorf("negative fitted mean %f", v)
		}
	}
}
