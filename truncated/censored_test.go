package truncated

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/countmodel/discrete"
	"github.com/kshedden/countmodel/statmodel"
)

// The censored log-likelihood orders the zero-response rows before the
// positive-response rows.
func TestCensoredOrdering(t *testing.T) {

	y := []float64{0, 2, 0, 5}
	icept := []float64{1, 1, 1, 1}
	x1 := []float64{-1, 0, 1, 2}
	da := statmodel.NewDataset([][]statmodel.Dtype{y, icept, x1},
		[]string{"y", "icept", "x1"})

	model, err := NewCensoredModel(da, discrete.PoissonFamily, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	params := []float64{0.2, 0.3}

	ll := make([]float64, 4)
	model.LogLikeObs(params, ll)

	// Expected order: rows 0 and 2 (zeros), then rows 1 and 3.
	mu := func(i int) float64 {
		return math.Exp(params[0] + params[1]*x1[i])
	}
	expected := []float64{
		-mu(0),
		-mu(2),
		math.Log(1 - math.Exp(-mu(1))),
		math.Log(1 - math.Exp(-mu(3))),
	}

	if !floats.EqualApprox(ll, expected, 1e-10) {
		t.Errorf("got %v, expected %v", ll, expected)
	}
}

// The censored log-likelihood depends on the response only through its
// zero/nonzero status.
func TestCensoredInvariance(t *testing.T) {

	icept := []float64{1, 1, 1, 1, 1}
	x1 := []float64{-1, 0, 1, 2, 0.5}
	y1 := []float64{0, 2, 0, 5, 1}
	y2 := []float64{0, 7, 0, 1, 3}

	da1 := statmodel.NewDataset([][]statmodel.Dtype{y1, icept, x1},
		[]string{"y", "icept", "x1"})
	da2 := statmodel.NewDataset([][]statmodel.Dtype{y2, icept, x1},
		[]string{"y", "icept", "x1"})

	m1, err := NewCensoredModel(da1, discrete.PoissonFamily, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := NewCensoredModel(da2, discrete.PoissonFamily, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	params := []float64{0.3, -0.2}

	if math.Abs(m1.logLikeFlat(params)-m2.logLikeFlat(params)) > 1e-12 {
		t.Errorf("likelihood depends on the magnitude of positive responses")
	}
}

func TestCensoredProbZero(t *testing.T) {

	y := []float64{0, 2, 0, 5}
	icept := []float64{1, 1, 1, 1}
	x1 := []float64{-1, 0, 1, 2}
	da := statmodel.NewDataset([][]statmodel.Dtype{y, icept, x1},
		[]string{"y", "icept", "x1"})

	model, err := NewCensoredModel(da, discrete.PoissonFamily, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	params := []float64{0.2, 0.3}
	pz := make([]float64, 4)
	model.ProbZero(params, nil, pz)

	for i := range pz {
		mu := math.Exp(params[0] + params[1]*x1[i])
		if math.Abs(pz[i]-math.Exp(-mu)) > 1e-12 {
			t.Errorf("observation %d: got %f, expected %f", i, pz[i], math.Exp(-mu))
		}
	}
}

func TestCensoredFit(t *testing.T) {

	coeff := []float64{0.5, -0.8}
	n := 3000

	rng := rand.New(rand.NewPCG(91, 92))
	y := make([]float64, n)
	icept := make([]float64, n)
	x1 := make([]float64, n)
	for i := 0; i < n; i++ {
		icept[i] = 1
		x1[i] = rng.NormFloat64()
		mu := math.Exp(coeff[0] + coeff[1]*x1[i])
		y[i] = distuv.Poisson{Lambda: mu, Src: rng}.Rand()
	}

	da := statmodel.NewDataset([][]statmodel.Dtype{y, icept, x1},
		[]string{"y", "icept", "x1"})

	model, err := NewCensoredModel(da, discrete.PoissonFamily, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rslt, err := model.Fit()
	if err != nil {
		t.Fatal(err)
	}
	if !rslt.Converged() {
		t.Errorf("fit did not converge")
	}

	// The zero/nonzero outcome identifies the Poisson rate, so the
	// estimates should be near the generating coefficients.
	if !floats.EqualApprox(rslt.Params(), coeff, 0.2) {
		t.Errorf("estimates %v far from %v", rslt.Params(), coeff)
	}

	score := make([]float64, model.NumParams())
	model.scoreFlat(rslt.Params(), score)
	if floats.Norm(score, math.Inf(1)) > 1e-4 {
		t.Errorf("score not zero at MLE: %v", score)
	}

	s := rslt.Summary().String()
	if len(s) == 0 {
		t.Errorf("empty summary")
	}
}

func TestCensoredFitRegularized(t *testing.T) {

	coeff := []float64{0.5, -0.8}
	n := 1000

	rng := rand.New(rand.NewPCG(93, 94))
	y := make([]float64, n)
	icept := make([]float64, n)
	x1 := make([]float64, n)
	for i := 0; i < n; i++ {
		icept[i] = 1
		x1[i] = rng.NormFloat64()
		mu := math.Exp(coeff[0] + coeff[1]*x1[i])
		y[i] = distuv.Poisson{Lambda: mu, Src: rng}.Rand()
	}

	da := statmodel.NewDataset([][]statmodel.Dtype{y, icept, x1},
		[]string{"y", "icept", "x1"})

	model, err := NewCensoredModel(da, discrete.PoissonFamily, "y", []string{"icept", "x1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rslt, err := model.Fit()
	if err != nil {
		t.Fatal(err)
	}

	config := discrete.DefaultCountConfig()
	config.L1Penalty = map[string]float64{"icept": 0, "x1": 0.1}

	modelr, err := NewCensoredModel(da, discrete.PoissonFamily, "y", []string{"icept", "x1"}, config)
	if err != nil {
		t.Fatal(err)
	}
	rsltr, err := modelr.Fit()
	if err != nil {
		t.Fatal(err)
	}

	if math.Abs(rsltr.Params()[1]) > math.Abs(rslt.Params()[1])+1e-8 {
		t.Errorf("penalized estimate not shrunk: %f vs %f", rsltr.Params()[1], rslt.Params()[1])
	}
}
