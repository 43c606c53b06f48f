package truncated

import (
	"fmt"
	"log"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/kshedden/countmodel/discrete"
	"github.com/kshedden/countmodel/statmodel"
)

// CensoredModel is a count regression model in which all positive counts
// are censored to the single outcome "nonzero".  Observations with a zero
// response contribute P(Y=0) to the likelihood and the remaining
// observations contribute 1-P(Y=0).  It is the zero/nonzero stage of a
// hurdle model.
type CensoredModel struct {

	// The count model providing the underlying distribution, holding the
	// full data.
	base *discrete.CountModel

	// Row indices with zero and with positive responses.  Likelihood and
	// score values are ordered with the zero rows first.
	zeroIdx    []int
	nonzeroIdx []int

	start []float64

	// L1 (lasso) penalty weights, optional
	l1wgt []float64

	settings *optimize.Settings
	method   optimize.Method
	log      *log.Logger
}

// NewCensoredModel returns a model for the zero/nonzero status of the
// response, derived from the given count distribution family.  The
// underlying count model is built over the observed responses, but the
// censored likelihood reads them only through their zero/nonzero status;
// the observed counts serve to produce starting values for the fit.
func NewCensoredModel(data statmodel.Dataset, family discrete.FamilyType, yname string, predictors []string, config *discrete.CountConfig) (*CensoredModel, error) {

	if config == nil {
		config = discrete.DefaultCountConfig()
	}

	bconfig := *config
	bconfig.Start = nil
	bconfig.L1Penalty = nil

	base, err := discrete.NewCountModel(data, family, yname, predictors, &bconfig)
	if err != nil {
		return nil, err
	}

	pos := -1
	for i, v := range data.Names() {
		if v == yname {
			pos = i
		}
	}

	var zeroIdx, nonzeroIdx []int
	for i, v := range data.Data()[pos] {
		if v == 0 {
			zeroIdx = append(zeroIdx, i)
		} else {
			nonzeroIdx = append(nonzeroIdx, i)
		}
	}

	var l1wgt []float64
	if len(config.L1Penalty) > 0 {
		l1wgt = make([]float64, len(predictors))
		for j, na := range predictors {
			l1wgt[j] = config.L1Penalty[na]
		}
	}

	return &CensoredModel{
		base:       base,
		zeroIdx:    zeroIdx,
		nonzeroIdx: nonzeroIdx,
		start:      config.Start,
		l1wgt:      l1wgt,
		settings:   config.OptSettings,
		method:     config.OptMethod,
		log:        config.Log,
	}, nil
}

// Base returns the count model providing the underlying distribution.
func (m *CensoredModel) Base() *discrete.CountModel {
	return m.base
}

// Family returns the distribution family of the model.
func (m *CensoredModel) Family() discrete.FamilyType {
	return m.base.Family()
}

// NumObs returns the number of observations in the data set.
func (m *CensoredModel) NumObs() int {
	return m.base.NumObs()
}

// NumParams returns the number of model parameters.
func (m *CensoredModel) NumParams() int {
	return m.base.NumParams()
}

// Xpos returns the positions of the covariates in the model's dataset.
func (m *CensoredModel) Xpos() []int {
	return m.base.Xpos()
}

// Dataset returns the data columns used to fit the model.
func (m *CensoredModel) Dataset() [][]statmodel.Dtype {
	return m.base.Dataset()
}

// ParamNames returns the names of the model parameters.
func (m *CensoredModel) ParamNames() []string {
	return m.base.ParamNames()
}

// LogLikeObs writes the per-observation censored log-likelihood at the flat
// parameter vector params into ll.  The values are ordered with the
// zero-response rows first, then the positive-response rows.
func (m *CensoredModel) LogLikeObs(params []float64, ll []float64) {

	ll0 := make([]float64, m.NumObs())
	m.base.LogProbObs(params, 0, ll0)

	pos := 0
	for _, i := range m.zeroIdx {
		ll[pos] = ll0[i]
		pos++
	}
	for _, i := range m.nonzeroIdx {
		// log(1 - P(Y=0))
		ll[pos] = math.Log(-math.Expm1(ll0[i]))
		pos++
	}
}

// ScoreObs writes the per-observation score vectors of the censored
// log-likelihood into score, a row-major nobs x NumParams matrix in
// vectorized form, ordered as in LogLikeObs.
func (m *CensoredModel) ScoreObs(params []float64, score []float64) {

	nobs := m.NumObs()
	np := m.NumParams()

	ll0 := make([]float64, nobs)
	m.base.LogProbObs(params, 0, ll0)

	s0 := make([]float64, nobs*np)
	m.base.ScoreAtObs(params, 0, s0)

	pos := 0
	for _, i := range m.zeroIdx {
		copy(score[pos*np:(pos+1)*np], s0[i*np:(i+1)*np])
		pos++
	}
	for _, i := range m.nonzeroIdx {
		// d/dtheta log(1-p0) = -p0 * s0 / (1-p0)
		p0 := math.Exp(ll0[i])
		f := -p0 / (1 - p0)
		for j := 0; j < np; j++ {
			score[pos*np+j] = f * s0[i*np+j]
		}
		pos++
	}
}

func (m *CensoredModel) logLikeFlat(params []float64) float64 {

	ll := make([]float64, m.NumObs())
	m.LogLikeObs(params, ll)
	return floats.Sum(ll)
}

func (m *CensoredModel) scoreFlat(params []float64, score []float64) {

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

// LogLike returns the censored log-likelihood at the given parameter value.
// The exact flag has no effect.
func (m *CensoredModel) LogLike(par statmodel.Parameter, exact bool) float64 {
	return m.logLikeFlat(m.flatc(par))
}

// Score computes the score vector at the given parameter value.
func (m *CensoredModel) Score(par statmodel.Parameter, score []float64) {
	m.scoreFlat(m.flatc(par), score)
}

// Hessian computes the Hessian matrix of the censored log-likelihood at the
// given parameter value by numerical differentiation, returning it in
// vectorized form.
func (m *CensoredModel) Hessian(par statmodel.Parameter, ht statmodel.HessType, hess []float64) {
	numHess(m.logLikeFlat, m.flatc(par), hess)
}

// Focus returns a model for the single covariate with the given index,
// absorbing the effects of the other covariates into an offset.  The
// zero/nonzero split is unchanged since the focused model keeps the same
// rows.
func (m *CensoredModel) Focus(pos int, coeff []float64, offset []float64) statmodel.RegFitter {

	fb := m.base.Focus(pos, coeff, offset).(*discrete.CountModel)

	fm := *m
	fm.base = fb
	fm.l1wgt = nil
	return &fm
}

func (m *CensoredModel) flatc(par statmodel.Parameter) []float64 {
	cp := par.(*discrete.CountParams)
	x := make([]float64, 0, m.NumParams())
	x = append(x, cp.GetCoeff()...)
	if m.base.KExtra() > 0 {
		x = append(x, cp.Extra()...)
	}
	return x
}

// ProbZero writes P(Y=0|x) for each observation into dst.  If da is nil the
// training data are used.
func (m *CensoredModel) ProbZero(params []float64, da [][]statmodel.Dtype, dst []float64) {
	m.base.ProbNonzero(params, da, dst)
	for i := range dst {
		dst[i] = 1 - dst[i]
	}
}

// CensoredResults describes the results of a fitted censored count
// regression model.
type CensoredResults struct {
	statmodel.BaseResults

	converged bool
}

// Converged returns true if the optimizer converged.
func (rslt *CensoredResults) Converged() bool {
	return rslt.converged
}

// startValues returns starting values for the censored fit: the configured
// values if present, otherwise the fitted parameters of the uncensored
// model for the observed counts.
func (m *CensoredModel) startValues() []float64 {

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

func (m *CensoredModel) failMessage(optrslt *optimize.Result) {

	na := m.ParamNames()
	os.Stderr.WriteString("Current point and gradient:\n")
	for j, x := range optrslt.X {
		os.Stderr.WriteString(fmt.Sprintf("%16.8f %16.8f %s\n", x, optrslt.Gradient[j], na[j]))
	}
}

// Fit fits the model to the data and returns the results.  When the
// optimizer fails, partial results with Converged()==false are returned
// along with the error.
func (m *CensoredModel) Fit() (*CensoredResults, error) {

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
		m.log.Printf("censored %s model, %d observations, %d zero\n",
			m.Family(), m.NumObs(), len(m.zeroIdx))
	}

	xna := m.ParamNames()

	optrslt, err := optimize.Minimize(p, start, settings, m.method)
	if err != nil {
		if optrslt == nil {
			return nil, err
		}
		results := &CensoredResults{
			BaseResults: statmodel.NewBaseResults(m, -optrslt.F, optrslt.X, xna, nil),
		}
		m.failMessage(optrslt)
		return results, err
	}
	if serr := optrslt.Status.Err(); serr != nil {
		results := &CensoredResults{
			BaseResults: statmodel.NewBaseResults(m, -optrslt.F, optrslt.X, xna, nil),
		}
		return results, serr
	}

	params := make([]float64, len(optrslt.X))
	copy(params, optrslt.X)

	vcov, _ := statmodel.GetVcov(m, toParams(m.base, params))

	results := &CensoredResults{
		BaseResults: statmodel.NewBaseResults(m, -optrslt.F, params, xna, vcov),
		converged:   true,
	}

	return results, nil
}

// fitRegularized estimates the parameters using L1-penalized coordinate
// descent on the censored likelihood.  The dispersion parameter, if
// present, is held at its starting value.
func (m *CensoredModel) fitRegularized() (*CensoredResults, error) {

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

	results := &CensoredResults{
		BaseResults: statmodel.NewBaseResults(m, ll, params, m.ParamNames(), nil),
		converged:   true,
	}

	return results, nil
}
