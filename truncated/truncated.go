// Package truncated provides maximum likelihood estimation for count
// regression models under left truncation and zero censoring, and hurdle
// models that combine the two.
//
// A left-truncated model describes counts that are only observed when they
// exceed a truncation point: the likelihood of each observation is
// renormalized by the probability mass above the truncation point.  A
// zero-censored model collapses all positive counts to the single event
// "nonzero".  A hurdle model uses a zero-censored model for the zero/nonzero
// outcome and a zero-truncated model for the magnitude of the positive
// counts.
package truncated

import (
	"fmt"
	"log"
	"math"
	"os"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/kshedden/countmodel/discrete"
	"github.com/kshedden/countmodel/statmodel"
)

// TruncatedModel is a count regression model for data subject to left
// truncation: a count is observed only when it exceeds the truncation
// point.  Rows of the training data whose response does not exceed the
// truncation point are dropped when the model is constructed.
type TruncatedModel struct {

	// The count model providing the untruncated distribution.  It holds
	// the filtered data.
	base *discrete.CountModel

	// The truncation point.  Counts are observed only when strictly
	// greater than trunc.  A value of -1 disables truncation.
	trunc int

	// Number of training rows dropped for not exceeding trunc
	dropped int

	// Starting values, optional
	start []float64

	// L1 (lasso) penalty weights, optional
	l1wgt []float64

	settings *optimize.Settings
	method   optimize.Method
	log      *log.Logger
}

// NewTruncatedModel returns a model for counts that are observed only when
// strictly greater than trunc.  Pass trunc=0 for the usual zero-truncated
// model, and trunc=-1 for no truncation.  Training rows with responses not
// exceeding trunc are excluded from the fit.
func NewTruncatedModel(data statmodel.Dataset, family discrete.FamilyType, yname string, predictors []string, trunc int, config *discrete.CountConfig) (*TruncatedModel, error) {

	if trunc < -1 {
		return nil, fmt.Errorf("truncated: invalid truncation point %d", trunc)
	}

	if config == nil {
		config = discrete.DefaultCountConfig()
	}

	pos := -1
	for i, v := range data.Names() {
		if v == yname {
			pos = i
		}
	}
	if pos == -1 {
		return nil, fmt.Errorf("truncated: response variable '%s' not found in dataset", yname)
	}

	var dropped int
	if trunc >= 0 {
		y := data.Data()[pos]
		var keep []int
		for i := range y {
			if float64(y[i]) > float64(trunc) {
				keep = append(keep, i)
			}
		}
		dropped = len(y) - len(keep)

		if len(keep) == 0 {
			return nil, fmt.Errorf("truncated: no observations exceed the truncation point %d", trunc)
		}

		if dropped > 0 {
			cols := make([][]statmodel.Dtype, len(data.Data()))
			for j, col := range data.Data() {
				z := make([]statmodel.Dtype, len(keep))
				for i, k := range keep {
					z[i] = col[k]
				}
				cols[j] = z
			}
			data = statmodel.NewDataset(cols, data.Names())
		}
	}

	// The base model holds the filtered data; its starting values and
	// penalties are managed here.
	bconfig := *config
	bconfig.Start = nil
	bconfig.L1Penalty = nil

	base, err := discrete.NewCountModel(data, family, yname, predictors, &bconfig)
	if err != nil {
		return nil, err
	}

	var l1wgt []float64
	if len(config.L1Penalty) > 0 {
		l1wgt = make([]float64, len(predictors))
		for j, na := range predictors {
			l1wgt[j] = config.L1Penalty[na]
		}
	}

	return &TruncatedModel{
		base:     base,
		trunc:    trunc,
		dropped:  dropped,
		start:    config.Start,
		l1wgt:    l1wgt,
		settings: config.OptSettings,
		method:   config.OptMethod,
		log:      config.Log,
	}, nil
}

// Base returns the count model providing the untruncated distribution.
func (m *TruncatedModel) Base() *discrete.CountModel {
	return m.base
}

// Trunc returns the truncation point, or -1 if the model is not truncated.
func (m *TruncatedModel) Trunc() int {
	return m.trunc
}

// Family returns the distribution family of the model.
func (m *TruncatedModel) Family() discrete.FamilyType {
	return m.base.Family()
}

// NumObs returns the number of observations used to fit the model, after
// excluding rows that do not exceed the truncation point.
func (m *TruncatedModel) NumObs() int {
	return m.base.NumObs()
}

// NumParams returns the number of model parameters.
func (m *TruncatedModel) NumParams() int {
	return m.base.NumParams()
}

// Xpos returns the positions of the covariates in the model's dataset.
func (m *TruncatedModel) Xpos() []int {
	return m.base.Xpos()
}

// Dataset returns the data columns used to fit the model.
func (m *TruncatedModel) Dataset() [][]statmodel.Dtype {
	return m.base.Dataset()
}

// ParamNames returns the names of the model parameters.
func (m *TruncatedModel) ParamNames() []string {
	return m.base.ParamNames()
}

// flat converts a Parameter value to the flat vector layout of the base
// model.  Dispersion values are omitted when the base holds them frozen, as
// in focused models.
func (m *TruncatedModel) flat(par statmodel.Parameter) []float64 {
	cp := par.(*discrete.CountParams)
	x := make([]float64, 0, m.NumParams())
	x = append(x, cp.GetCoeff()...)
	if m.base.KExtra() > 0 {
		x = append(x, cp.Extra()...)
	}
	return x
}

// LogLikeObs writes the per-observation truncated log-likelihood at the
// flat parameter vector params into ll.  Each value is the log probability
// of the observed count minus the log probability of exceeding the
// truncation point.
func (m *TruncatedModel) LogLikeObs(params []float64, ll []float64) {

	m.base.LogLikeObs(params, ll)
	if m.trunc < 0 {
		return
	}

	nobs := m.NumObs()
	psum := make([]float64, nobs)
	lp := make([]float64, nobs)

	for k := 0; k <= m.trunc; k++ {
		m.base.LogProbObs(params, float64(k), lp)
		for i := range psum {
			psum[i] += math.Exp(lp[i])
		}
	}

	for i := range ll {
		ll[i] -= math.Log1p(-psum[i])
	}
}

// ScoreObs writes the per-observation score vectors of the truncated
// log-likelihood into score, a row-major nobs x NumParams matrix in
// vectorized form.
func (m *TruncatedModel) ScoreObs(params []float64, score []float64) {

	m.base.ScoreObs(params, score)
	if m.trunc < 0 {
		return
	}

	nobs := m.NumObs()
	np := m.NumParams()

	psum := make([]float64, nobs)
	num := make([]float64, nobs*np)
	lp := make([]float64, nobs)
	sk := make([]float64, nobs*np)

	for k := 0; k <= m.trunc; k++ {
		m.base.LogProbObs(params, float64(k), lp)
		m.base.ScoreAtObs(params, float64(k), sk)
		for i := 0; i < nobs; i++ {
			pk := math.Exp(lp[i])
			psum[i] += pk
			for j := 0; j < np; j++ {
				num[i*np+j] += pk * sk[i*np+j]
			}
		}
	}

	// d/dtheta of -log(1 - sum_k p_k) is (sum_k p_k * s_k) / (1 - sum_k p_k)
	for i := 0; i < nobs; i++ {
		f := 1 - psum[i]
		for j := 0; j < np; j++ {
			score[i*np+j] += num[i*np+j] / f
		}
	}
}

func (m *TruncatedModel) logLikeFlat(params []float64) float64 {

	ll := make([]float64, m.NumObs())
	m.LogLikeObs(params, ll)
	return floats.Sum(ll)
}

func (m *TruncatedModel) scoreFlat(params []float64, score []float64) {

	nobs := m.NumObs()
	np := m.NumParams()

	scobs := make([]float64, nobs*np)
	m.ScoreObs(params, scobs)

	for j := range score {
		score[j] = 0
	}
	for i := 0; i < nobs; i++ {
		floats.Add(score, scobs[i*np:(i+1)*np])
	}
}

// LogLike returns the truncated log-likelihood at the given parameter
// value.  The exact flag has no effect.
func (m *TruncatedModel) LogLike(par statmodel.Parameter, exact bool) float64 {
	return m.logLikeFlat(m.flat(par))
}

// Score computes the score vector at the given parameter value.
func (m *TruncatedModel) Score(par statmodel.Parameter, score []float64) {
	m.scoreFlat(m.flat(par), score)
}

// Hessian computes the Hessian matrix of the truncated log-likelihood at
// the given parameter value by numerical differentiation, returning it in
// vectorized form.
func (m *TruncatedModel) Hessian(par statmodel.Parameter, ht statmodel.HessType, hess []float64) {
	numHess(m.logLikeFlat, m.flat(par), hess)
}

// numHess fills hess (vectorized np x np) with the numerically
// differentiated Hessian of f at x.
func numHess(f func([]float64) float64, x []float64, hess []float64) {

	np := len(x)
	sym := mat.NewSymDense(np, nil)
	fd.Hessian(sym, f, x, nil)

	for i := 0; i < np; i++ {
		for j := 0; j < np; j++ {
			hess[i*np+j] = sym.At(i, j)
		}
	}
}

// Focus returns a model for the single covariate with the given index,
// absorbing the effects of the other covariates into an offset.
func (m *TruncatedModel) Focus(pos int, coeff []float64, offset []float64) statmodel.RegFitter {

	fb := m.base.Focus(pos, coeff, offset).(*discrete.CountModel)

	fm := *m
	fm.base = fb
	fm.l1wgt = nil
	return &fm
}

// TruncatedResults describes the results of a fitted truncated count
// regression model.
type TruncatedResults struct {
	statmodel.BaseResults

	converged bool
}

// Converged returns true if the optimizer converged.
func (rslt *TruncatedResults) Converged() bool {
	return rslt.converged
}

// startValues returns starting values for the truncated fit: the configured
// values if present, otherwise the fitted parameters of the untruncated
// model on the same (filtered) data.
func (m *TruncatedModel) startValues() []float64 {

	start := make([]float64, m.NumParams())
	if m.start != nil {
		copy(start, m.start)
		return start
	}

	brslt, err := m.base.Fit()
	if err == nil && brslt.Converged() {
		copy(start, brslt.Params())
		return start
	}

	copy(start, m.base.StartValues())
	return start
}

func (m *TruncatedModel) failMessage(optrslt *optimize.Result) {

	na := m.ParamNames()
	os.Stderr.WriteString("Current point and gradient:\n")
	for j, x := range optrslt.X {
		os.Stderr.WriteString(fmt.Sprintf("%16.8f %16.8f %s\n", x, optrslt.Gradient[j], na[j]))
	}
}

// Fit fits the model to the data and returns the results.  The fit starts
// from the untruncated maximum likelihood estimate unless starting values
// were configured.  When the optimizer fails, partial results with
// Converged()==false are returned along with the error.
func (m *TruncatedModel) Fit() (*TruncatedResults, error) {

	if m.l1wgt != nil {
		return m.fitRegularized()
	}

	start := m.startValues()

	p := optimize.Problem{
		Func: func(x []float64) float64 {
			return -m.logLikeFlat(x)
		},
		Grad: func(grad, x []float64) {
			m.scoreFlat(x, grad)
			negative(grad)
		},
	}

	settings := m.settings
	if settings == nil {
		settings = &optimize.Settings{
			GradientThreshold: 1e-5,
		}
	}

	if m.log != nil {
		m.log.Printf("truncated %s model, trunc=%d, %d observations, %d dropped\n",
			m.Family(), m.trunc, m.NumObs(), m.dropped)
	}

	xna := m.ParamNames()

	optrslt, err := optimize.Minimize(p, start, settings, m.method)
	if err != nil {
		if optrslt == nil {
			return nil, err
		}
		results := &TruncatedResults{
			BaseResults: statmodel.NewBaseResults(m, -optrslt.F, optrslt.X, xna, nil),
		}
		m.failMessage(optrslt)
		return results, err
	}
	if serr := optrslt.Status.Err(); serr != nil {
		results := &TruncatedResults{
			BaseResults: statmodel.NewBaseResults(m, -optrslt.F, optrslt.X, xna, nil),
		}
		return results, serr
	}

	params := make([]float64, len(optrslt.X))
	copy(params, optrslt.X)

	vcov, _ := statmodel.GetVcov(m, toParams(m.base, params))

	results := &TruncatedResults{
		BaseResults: statmodel.NewBaseResults(m, -optrslt.F, params, xna, vcov),
		converged:   true,
	}

	return results, nil
}

// toParams converts a flat parameter vector to a CountParams value for a
// model sharing the layout of base.
func toParams(base *discrete.CountModel, params []float64) *discrete.CountParams {
	nx := base.NumCoeff()
	return discrete.NewCountParams(params[0:nx], params[nx:])
}

// fitRegularized estimates the parameters using L1-penalized coordinate
// descent on the truncated likelihood.  The dispersion parameter, if
// present, is held at its starting value.
func (m *TruncatedModel) fitRegularized() (*TruncatedResults, error) {

	if m.log != nil {
		m.log.Print("L1 regularized fitting\n")
	}

	start := m.startValues()
	nx := m.base.NumCoeff()
	m.base.FreezeDispersion(start[nx:])

	par := discrete.NewCountParams(start[0:nx], start[nx:])

	rpar := statmodel.FitL1Reg(m, par, m.l1wgt, nil, true)
	coeff := rpar.GetCoeff()

	params := make([]float64, m.NumParams())
	copy(params, coeff)
	copy(params[nx:], start[nx:])

	ll := m.logLikeFlat(params)

	results := &TruncatedResults{
		BaseResults: statmodel.NewBaseResults(m, ll, params, m.ParamNames(), nil),
		converged:   true,
	}

	return results, nil
}

func negative(x []float64) {
	for i := 0; i < len(x); i++ {
		x[i] *= -1
	}
}
