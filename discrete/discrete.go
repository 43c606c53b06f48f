// Package discrete provides regression models for count data (Poisson,
// Generalized Poisson, Negative Binomial-P) with log link.  The models
// expose per-observation likelihood and score values, and can evaluate both
// at counterfactual count values, which is what the truncated and censored
// adaptations in the truncated package are built on.
package discrete

import (
	"fmt"
	"log"
	"math"
	"os"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/kshedden/countmodel/statmodel"
)

// CountParams represents the parameters of a count regression model: the
// regression coefficients, followed by any dispersion parameters.
type CountParams struct {
	coeff []float64
	extra []float64
}

// NewCountParams returns a CountParams holding the given coefficients and
// dispersion parameters.
func NewCountParams(coeff, extra []float64) *CountParams {
	return &CountParams{coeff: coeff, extra: extra}
}

// GetCoeff returns the regression coefficients from the parameter.
func (p *CountParams) GetCoeff() []float64 {
	return p.coeff
}

// SetCoeff sets the regression coefficients for the parameter.
func (p *CountParams) SetCoeff(coeff []float64) {
	p.coeff = coeff
}

// Extra returns the dispersion parameters from the parameter.
func (p *CountParams) Extra() []float64 {
	return p.extra
}

// Clone produces a deep copy of the parameter value.
func (p *CountParams) Clone() statmodel.Parameter {
	coeff := make([]float64, len(p.coeff))
	copy(coeff, p.coeff)
	extra := make([]float64, len(p.extra))
	copy(extra, p.extra)
	return &CountParams{coeff: coeff, extra: extra}
}

// CountModel is a count regression model with log link.  The mean for
// observation i is exp(x_i'b + offset_i + log(exposure_i)).
type CountModel struct {

	// The data columns
	data [][]statmodel.Dtype

	// The names of the data columns
	varnames []string

	// Position of the response variable
	ypos int

	// Positions of the covariates
	xpos []int

	// Position of the offset variable, or -1
	offsetpos int

	// Position of the exposure variable, or -1
	exposurepos int

	// Precomputed log exposure for the training data
	logexpo []float64

	// The distribution family
	famtype FamilyType

	// The dispersion parameterization power
	p float64

	kern kernel

	// Number of dispersion parameters carried in the parameter vector
	kextra int

	// Dispersion values used when the parameter vector carries none
	// (focused models during coordinate descent)
	extraFixed []float64

	// Starting values, optional
	start []float64

	// L1 (lasso) penalty weights, optional
	l1wgtMap map[string]float64
	l1wgt    []float64

	// Optimization settings
	settings *optimize.Settings

	// Optimization method
	method optimize.Method

	// If not nil, write log messages here
	log *log.Logger
}

// CountConfig defines configuration parameters for a count regression model.
type CountConfig struct {

	// A logger to which logging information is written
	Log *log.Logger

	// Start contains starting values for the parameter estimates
	Start []float64

	// OffsetVar is the name of a variable added to the linear predictor
	// with coefficient 1.
	OffsetVar string

	// ExposureVar is the name of a variable whose log is added to the
	// linear predictor with coefficient 1.
	ExposureVar string

	// L1Penalty gives L1 (lasso) penalty weights by variable name.  If
	// present, Fit uses coordinate descent instead of gradient
	// optimization.
	L1Penalty map[string]float64

	// P is the dispersion parameterization power for the Generalized
	// Poisson and Negative Binomial-P families.
	P float64

	// OptMethod is the Gonum optimization method used to fit the model.
	OptMethod optimize.Method

	// OptSettings configures the Gonum optimization routine.
	OptSettings *optimize.Settings
}

// DefaultCountConfig returns a default configuration for a count regression
// model.
func DefaultCountConfig() *CountConfig {
	return &CountConfig{
		P: 2,
		OptMethod: &optimize.BFGS{
			Linesearcher: &optimize.MoreThuente{},
		},
	}
}

// NewCountModel returns a count regression model for the given family, fit
// to the response variable yname using the named predictors.
func NewCountModel(data statmodel.Dataset, family FamilyType, yname string, predictors []string, config *CountConfig) (*CountModel, error) {

	if config == nil {
		config = DefaultCountConfig()
	}
	if config.P == 0 {
		config.P = 2
	}
	if config.OptMethod == nil {
		config.OptMethod = &optimize.BFGS{
			Linesearcher: &optimize.MoreThuente{},
		}
	}

	pos := make(map[string]int)
	for i, v := range data.Names() {
		pos[v] = i
	}

	ypos, ok := pos[yname]
	if !ok {
		return nil, fmt.Errorf("discrete: response variable '%s' not found in dataset", yname)
	}

	var xpos []int
	for _, xna := range predictors {
		xp, ok := pos[xna]
		if !ok {
			return nil, fmt.Errorf("discrete: predictor '%s' not found in dataset", xna)
		}
		xpos = append(xpos, xp)
	}

	getpos := func(vn string) (int, error) {
		if vn == "" {
			return -1, nil
		}
		loc, ok := pos[vn]
		if !ok {
			return -1, fmt.Errorf("discrete: variable '%s' not found in dataset", vn)
		}
		return loc, nil
	}

	offsetpos, err := getpos(config.OffsetVar)
	if err != nil {
		return nil, err
	}
	exposurepos, err := getpos(config.ExposureVar)
	if err != nil {
		return nil, err
	}

	kern, err := newKernel(family, config.P)
	if err != nil {
		return nil, err
	}

	varnames := data.Names()

	var l1wgt []float64
	if len(config.L1Penalty) > 0 {
		l1wgt = make([]float64, len(xpos))
		for j, k := range xpos {
			l1wgt[j] = config.L1Penalty[varnames[k]]
		}
	}

	m := &CountModel{
		data:        data.Data(),
		varnames:    varnames,
		ypos:        ypos,
		xpos:        xpos,
		offsetpos:   offsetpos,
		exposurepos: exposurepos,
		famtype:     family,
		p:           config.P,
		kern:        kern,
		kextra:      kern.kExtra(),
		start:       config.Start,
		l1wgtMap:    config.L1Penalty,
		l1wgt:       l1wgt,
		settings:    config.OptSettings,
		method:      config.OptMethod,
		log:         config.Log,
	}

	if exposurepos != -1 {
		expo := m.data[exposurepos]
		m.logexpo = make([]float64, len(expo))
		for i, e := range expo {
			m.logexpo[i] = math.Log(float64(e))
		}
	}

	return m, nil
}

// Family returns the distribution family of the model.
func (m *CountModel) Family() FamilyType {
	return m.famtype
}

// NumObs returns the number of observations in the data set.
func (m *CountModel) NumObs() int {
	return len(m.data[m.ypos])
}

// NumParams returns the number of model parameters (regression coefficients
// plus dispersion parameters).
func (m *CountModel) NumParams() int {
	return len(m.xpos) + m.kextra
}

// NumCoeff returns the number of regression coefficients in the model.
func (m *CountModel) NumCoeff() int {
	return len(m.xpos)
}

// KExtra returns the number of dispersion parameters in the model.
func (m *CountModel) KExtra() int {
	return m.kextra
}

// Dataset returns the data columns that are used to fit the model.
func (m *CountModel) Dataset() [][]statmodel.Dtype {
	return m.data
}

// Xpos returns the positions of the covariates in the model's dataset.
func (m *CountModel) Xpos() []int {
	return m.xpos
}

// ParamNames returns the names of the model parameters, the covariate names
// followed by the dispersion parameter name if the family has one.
func (m *CountModel) ParamNames() []string {
	var na []string
	for _, k := range m.xpos {
		na = append(na, m.varnames[k])
	}
	if m.kextra == 1 {
		na = append(na, "alpha")
	}
	return na
}

// split separates a flat parameter vector into coefficients and dispersion
// parameters.
func (m *CountModel) split(params []float64) ([]float64, []float64) {
	nx := len(m.xpos)
	if m.kextra > 0 {
		return params[0:nx], params[nx:]
	}
	return params[0:nx], m.extraFixed
}

// flat converts a Parameter to the flat vector layout used internally.
func (m *CountModel) flat(par statmodel.Parameter) []float64 {
	cp := par.(*CountParams)
	x := make([]float64, 0, m.NumParams())
	x = append(x, cp.coeff...)
	if m.kextra > 0 {
		x = append(x, cp.extra...)
	}
	return x
}

// LinPred computes the linear predictor at the given coefficients, writing
// the result into lp.  If da is nil the training data are used, otherwise da
// must have the same column layout as the training data.
func (m *CountModel) LinPred(coeff []float64, da [][]statmodel.Dtype, lp []float64) {

	train := da == nil
	if train {
		da = m.data
	} else if len(da) != len(m.data) {
		msg := fmt.Sprintf("Data has incorrect number of columns, %d != %d\n", len(da), len(m.data))
		panic(msg)
	}

	zero(lp)
	for j, k := range m.xpos {
		floats.AddScaled(lp, coeff[j], da[k])
	}

	if m.offsetpos != -1 {
		floats.Add(lp, da[m.offsetpos])
	}

	if m.exposurepos != -1 {
		if train {
			floats.Add(lp, m.logexpo)
		} else {
			expo := da[m.exposurepos]
			for i := range lp {
				lp[i] += math.Log(float64(expo[i]))
			}
		}
	}
}

// LogLikeObs writes the per-observation log-likelihood at params into ll.
func (m *CountModel) LogLikeObs(params []float64, ll []float64) {

	coeff, extra := m.split(params)
	y := m.data[m.ypos]

	lp := make([]float64, len(y))
	m.LinPred(coeff, nil, lp)

	for i := range y {
		ll[i] = m.kern.logProb(float64(y[i]), math.Exp(lp[i]), extra)
	}
}

// LogProbObs writes the per-observation log probability of the count value
// yval into ll, using each observation's own covariates.  This is the
// counterfactual evaluation used by truncated and censored likelihoods: the
// stored response plays no role.
func (m *CountModel) LogProbObs(params []float64, yval float64, ll []float64) {

	coeff, extra := m.split(params)

	lp := make([]float64, m.NumObs())
	m.LinPred(coeff, nil, lp)

	for i := range lp {
		ll[i] = m.kern.logProb(yval, math.Exp(lp[i]), extra)
	}
}

// ScoreObs writes the per-observation score vectors at params into score,
// which is a row-major nobs x NumParams matrix in vectorized form.
func (m *CountModel) ScoreObs(params []float64, score []float64) {

	y := m.data[m.ypos]
	m.scoreAt(params, y, score)
}

// ScoreAtObs writes the per-observation score vectors into score, with the
// response replaced by the constant count value yval for every observation.
// score is a row-major nobs x NumParams matrix in vectorized form.
func (m *CountModel) ScoreAtObs(params []float64, yval float64, score []float64) {

	y := make([]statmodel.Dtype, m.NumObs())
	for i := range y {
		y[i] = statmodel.Dtype(yval)
	}
	m.scoreAt(params, y, score)
}

func (m *CountModel) scoreAt(params []float64, y []statmodel.Dtype, score []float64) {

	coeff, extra := m.split(params)
	nx := len(m.xpos)
	np := m.NumParams()

	lp := make([]float64, len(y))
	m.LinPred(coeff, nil, lp)

	dextra := make([]float64, m.kextra)

	for i := range y {
		deta := m.kern.scoreFactors(float64(y[i]), math.Exp(lp[i]), extra, dextra)
		for j, k := range m.xpos {
			score[i*np+j] = deta * float64(m.data[k][i])
		}
		for q := 0; q < m.kextra; q++ {
			score[i*np+nx+q] = dextra[q]
		}
	}
}

// logLikeFlat returns the total log-likelihood at a flat parameter vector.
func (m *CountModel) logLikeFlat(params []float64) float64 {

	ll := make([]float64, m.NumObs())
	m.LogLikeObs(params, ll)

	var f float64
	for _, v := range ll {
		f += v
	}
	return f
}

// scoreFlat writes the total score at a flat parameter vector into score.
func (m *CountModel) scoreFlat(params []float64, score []float64) {

	coeff, extra := m.split(params)
	nx := len(m.xpos)
	y := m.data[m.ypos]

	lp := make([]float64, len(y))
	m.LinPred(coeff, nil, lp)

	dextra := make([]float64, m.kextra)
	zero(score)

	for i := range y {
		deta := m.kern.scoreFactors(float64(y[i]), math.Exp(lp[i]), extra, dextra)
		for j, k := range m.xpos {
			score[j] += deta * float64(m.data[k][i])
		}
		for q := 0; q < m.kextra; q++ {
			score[nx+q] += dextra[q]
		}
	}
}

// LogLike returns the log-likelihood at the given parameter value.  The
// count kernels always include their normalizing constants, so the exact
// flag has no effect.
func (m *CountModel) LogLike(par statmodel.Parameter, exact bool) float64 {
	return m.logLikeFlat(m.flat(par))
}

// Score computes the score vector at the given parameter value.
func (m *CountModel) Score(par statmodel.Parameter, score []float64) {
	m.scoreFlat(m.flat(par), score)
}

// Hessian computes the Hessian matrix of the log-likelihood at the given
// parameter value by numerical differentiation, returning it in vectorized
// form.  The observed and expected Hessian requests are treated identically.
func (m *CountModel) Hessian(par statmodel.Parameter, ht statmodel.HessType, hess []float64) {
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

// ProbNonzero writes 1 - P(Y=0|x) for each observation into dst.  If da is
// nil the training data are used.
func (m *CountModel) ProbNonzero(params []float64, da [][]statmodel.Dtype, dst []float64) {

	coeff, extra := m.split(params)

	lp := make([]float64, len(dst))
	m.LinPred(coeff, da, lp)

	for i := range lp {
		dst[i] = -math.Expm1(m.kern.logProb(0, math.Exp(lp[i]), extra))
	}
}

// Variance writes the family variance Var(Y|x) for each observation into
// dst.  If da is nil the training data are used.
func (m *CountModel) Variance(params []float64, da [][]statmodel.Dtype, dst []float64) {

	coeff, extra := m.split(params)

	lp := make([]float64, len(dst))
	m.LinPred(coeff, da, lp)

	for i := range lp {
		dst[i] = m.kern.variance(math.Exp(lp[i]), extra)
	}
}

// FreezeDispersion fixes the dispersion values used by focused models
// produced from this model during coordinate descent.
func (m *CountModel) FreezeDispersion(extra []float64) {
	m.extraFixed = extra
}

// StartValues returns starting values for the optimizer: the configured
// values if any, otherwise zero coefficients with a method of moments
// estimate for the dispersion parameter.
func (m *CountModel) StartValues() []float64 {

	start := make([]float64, m.NumParams())
	if m.start != nil {
		copy(start, m.start)
		return start
	}

	if m.kextra > 0 {
		y := m.data[m.ypos]
		mn, _ := stats.Mean(y)
		va, _ := stats.SampleVariance(y)
		a := (va - mn) / math.Pow(mn, m.p)
		if !(a > 0.05) || math.IsNaN(a) {
			a = 0.05
		}
		start[len(m.xpos)] = a
	}

	return start
}

// CountResults describes the results of a fitted count regression model.
type CountResults struct {
	statmodel.BaseResults

	converged bool
}

// Converged returns true if the optimizer converged.
func (rslt *CountResults) Converged() bool {
	return rslt.converged
}

// Summary displays a summary table of the model results.
func (rslt *CountResults) Summary() *statmodel.SummaryTable {

	m := rslt.Model().(*CountModel)

	sum := &statmodel.SummaryTable{}
	sum.Title = fmt.Sprintf("%s regression analysis", m.famtype)

	sum.Top = append(sum.Top, fmt.Sprintf("  Sample size: %10d", m.NumObs()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Log-likelihood: %7.2f", rslt.LogLike()))

	fs := statmodel.SummaryStringFmter
	fn := statmodel.SummaryNumberFmter

	if m.l1wgt == nil && rslt.StdErr() != nil {
		sum.ColNames = []string{"Variable   ", "Coefficient", "SE", "LCB", "UCB", "Z-score", "P-value"}
		sum.ColFmt = []statmodel.Fmter{fs, fn, fn, fn, fn, fn, fn}

		var lcb, ucb []float64
		for j := range rslt.Params() {
			lcb = append(lcb, rslt.Params()[j]-2*rslt.StdErr()[j])
			ucb = append(ucb, rslt.Params()[j]+2*rslt.StdErr()[j])
		}
		sum.Cols = []interface{}{rslt.Names(), rslt.Params(), rslt.StdErr(), lcb, ucb,
			rslt.ZScores(), rslt.PValues()}
	} else {
		sum.ColNames = []string{"Variable   ", "Coefficient"}
		sum.ColFmt = []statmodel.Fmter{fs, fn}
		sum.Cols = []interface{}{rslt.Names(), rslt.Params()}
	}

	return sum
}

// failMessage prints information that can help diagnose optimization failures.
func (m *CountModel) failMessage(optrslt *optimize.Result) {

	na := m.ParamNames()
	os.Stderr.WriteString("Current point and gradient:\n")
	for j, x := range optrslt.X {
		os.Stderr.WriteString(fmt.Sprintf("%16.8f %16.8f %s\n", x, optrslt.Gradient[j], na[j]))
	}
}

// Fit fits the model to the data and returns the results.  If L1 penalty
// weights were configured, the fit uses coordinate descent, otherwise BFGS.
// When the optimizer fails, partial results with Converged()==false are
// returned along with the error.
func (m *CountModel) Fit() (*CountResults, error) {

	if m.l1wgt != nil {
		return m.fitRegularized()
	}

	start := m.StartValues()

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
		m.log.Printf("%s model, %d observations, %d parameters\n",
			m.famtype, m.NumObs(), m.NumParams())
	}

	xna := m.ParamNames()

	optrslt, err := optimize.Minimize(p, start, settings, m.method)
	if err != nil {
		if optrslt == nil {
			return nil, err
		}
		results := &CountResults{
			BaseResults: statmodel.NewBaseResults(m, -optrslt.F, optrslt.X, xna, nil),
		}
		m.failMessage(optrslt)
		return results, err
	}
	if serr := optrslt.Status.Err(); serr != nil {
		results := &CountResults{
			BaseResults: statmodel.NewBaseResults(m, -optrslt.F, optrslt.X, xna, nil),
		}
		return results, serr
	}

	params := make([]float64, len(optrslt.X))
	copy(params, optrslt.X)

	ll := -optrslt.F
	vcov, _ := statmodel.GetVcov(m, m.toParams(params))

	results := &CountResults{
		BaseResults: statmodel.NewBaseResults(m, ll, params, xna, vcov),
		converged:   true,
	}

	return results, nil
}

// toParams converts a flat parameter vector to a CountParams value.
func (m *CountModel) toParams(params []float64) *CountParams {
	nx := len(m.xpos)
	return &CountParams{
		coeff: params[0:nx],
		extra: params[nx:],
	}
}

// fitRegularized estimates the parameters using L1-penalized coordinate
// descent.  The dispersion parameter, if present, is held at its starting
// value.
func (m *CountModel) fitRegularized() (*CountResults, error) {

	if m.log != nil {
		m.log.Print("L1 regularized fitting\n")
	}

	start := m.StartValues()
	nx := len(m.xpos)
	m.extraFixed = start[nx:]

	par := &CountParams{
		coeff: start[0:nx],
		extra: start[nx:],
	}

	rpar := statmodel.FitL1Reg(m, par, m.l1wgt, nil, true)
	coeff := rpar.GetCoeff()

	params := make([]float64, m.NumParams())
	copy(params, coeff)
	copy(params[nx:], m.extraFixed)

	ll := m.logLikeFlat(params)

	results := &CountResults{
		BaseResults: statmodel.NewBaseResults(m, ll, params, m.ParamNames(), nil),
		converged:   true,
	}

	return results, nil
}

// Focus returns a model for the single covariate with the given index,
// absorbing the effects of the other covariates, the offset, and the
// exposure into a constructed offset.  Dispersion parameters are frozen at
// their current values.  This is used by the L1 coordinate descent and is
// unlikely to be useful to ordinary users.
func (m *CountModel) Focus(pos int, coeff []float64, offset []float64) statmodel.RegFitter {

	fm := *m

	fm.varnames = []string{
		m.varnames[m.ypos],
		m.varnames[m.xpos[pos]],
		"__offset",
	}

	nobs := m.NumObs()
	if cap(offset) < nobs {
		offset = make([]float64, nobs)
	} else {
		offset = offset[0:nobs]
		zero(offset)
	}

	fm.data = [][]statmodel.Dtype{
		m.data[m.ypos],
		m.data[m.xpos[pos]],
		offset,
	}
	fm.ypos = 0
	fm.xpos = []int{1}
	fm.offsetpos = 2
	fm.exposurepos = -1
	fm.logexpo = nil
	fm.kextra = 0
	fm.extraFixed = m.extraFixed
	fm.start = []float64{coeff[pos]}
	fm.l1wgt = nil
	fm.l1wgtMap = nil

	// Fill in the offset
	for j, k := range m.xpos {
		if j != pos {
			for i := range offset {
				offset[i] += coeff[j] * float64(m.data[k][i])
			}
		}
	}
	if m.offsetpos != -1 {
		floats.Add(offset, m.data[m.offsetpos])
	}
	if m.logexpo != nil {
		floats.Add(offset, m.logexpo)
	}

	return &fm
}

// Predict returns a predicted quantity for each observation.  Supported
// values of which are "linear" (the linear predictor), "mean" (the expected
// count), and "prob" (the pmf evaluated at yValues, returned as a row-major
// nobs x len(yValues) matrix in vectorized form; if yValues is nil the
// values 0..max(y) are used).  If da is nil the training data are used.
func (m *CountModel) Predict(params []float64, which string, yValues []float64, da [][]statmodel.Dtype) ([]float64, error) {

	coeff, extra := m.split(params)

	n := m.NumObs()
	if da != nil {
		n = len(da[m.ypos])
	}

	lp := make([]float64, n)
	m.LinPred(coeff, da, lp)

	switch which {
	case "linear":
		return lp, nil
	case "mean":
		for i := range lp {
			lp[i] = math.Exp(lp[i])
		}
		return lp, nil
	case "prob":
		if yValues == nil {
			yValues = m.DefaultYValues()
		}
		nc := len(yValues)
		pr := make([]float64, n*nc)
		for i := range lp {
			mu := math.Exp(lp[i])
			for j, yv := range yValues {
				pr[i*nc+j] = math.Exp(m.kern.logProb(yv, mu, extra))
			}
		}
		return pr, nil
	default:
		return nil, fmt.Errorf("discrete: predict 'which=%s' is not supported", which)
	}
}

// DefaultYValues returns the count values 0..max(y) for the training
// response.
func (m *CountModel) DefaultYValues() []float64 {

	var mx float64
	for _, v := range m.data[m.ypos] {
		if float64(v) > mx {
			mx = float64(v)
		}
	}

	yv := make([]float64, int(mx)+1)
	for i := range yv {
		yv[i] = float64(i)
	}
	return yv
}

// zero sets all elements of the slice to 0
func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}

func negative(x []float64) {
	for i := 0; i < len(x); i++ {
		x[i] *= -1
	}
}
