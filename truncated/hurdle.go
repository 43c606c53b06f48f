package truncated

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/kshedden/countmodel/discrete"
	"github.com/kshedden/countmodel/statmodel"
)

// Hurdle is a two-part model for count data with excess or deficient
// zeros.  A censored model determines whether the response is zero, and a
// zero-truncated model determines the magnitude of the positive responses.
// The two parts have separate parameters and are fit independently.
type Hurdle struct {

	// Zero stage
	model1 *CensoredModel

	// Positive stage
	model2 *TruncatedModel

	data       statmodel.Dataset
	yname      string
	predictors []string
	config     *HurdleConfig

	log *log.Logger
}

// HurdleConfig defines configuration parameters for a hurdle model.
type HurdleConfig struct {

	// Dist is the distribution family for the positive counts.
	Dist discrete.FamilyType

	// ZeroDist is the distribution family for the zero/nonzero outcome.
	ZeroDist discrete.FamilyType

	// P and PZero are the dispersion powers for the two stages.
	P     float64
	PZero float64

	// Start and StartZero are optional starting values for the positive
	// and zero stage fits.  When nil each stage produces its own.
	Start     []float64
	StartZero []float64

	// OffsetVar is the name of a variable added to the linear predictor
	// of both stages with coefficient 1.
	OffsetVar string

	// ExposureVar is the name of a variable whose log is added to the
	// linear predictor of both stages with coefficient 1.
	ExposureVar string

	// A logger to which logging information is written
	Log *log.Logger

	// OptMethod is the Gonum optimization method used to fit the model.
	OptMethod optimize.Method

	// OptSettings configures the Gonum optimization routine.
	OptSettings *optimize.Settings
}

// DefaultHurdleConfig returns a default configuration for a hurdle model.
func DefaultHurdleConfig() *HurdleConfig {
	return &HurdleConfig{
		Dist:     discrete.PoissonFamily,
		ZeroDist: discrete.PoissonFamily,
		P:        2,
		PZero:    2,
	}
}

// NewHurdle returns a hurdle model for the response variable yname using
// the named predictors in both stages.  The zero and positive stage
// families must be Poisson or Negative Binomial-P.
func NewHurdle(data statmodel.Dataset, yname string, predictors []string, config *HurdleConfig) (*Hurdle, error) {

	if config == nil {
		config = DefaultHurdleConfig()
	}

	for _, ft := range []discrete.FamilyType{config.Dist, config.ZeroDist} {
		switch ft {
		case discrete.PoissonFamily, discrete.NegBinomialPFamily:
		default:
			return nil, fmt.Errorf("truncated: family %v is not supported in hurdle models", ft)
		}
	}

	config1 := discrete.DefaultCountConfig()
	config1.P = config.PZero
	config1.Start = config.StartZero
	config1.OffsetVar = config.OffsetVar
	config1.ExposureVar = config.ExposureVar
	config1.OptMethod = config.OptMethod
	config1.OptSettings = config.OptSettings
	config1.Log = config.Log

	model1, err := NewCensoredModel(data, config.ZeroDist, yname, predictors, config1)
	if err != nil {
		return nil, err
	}

	config2 := discrete.DefaultCountConfig()
	config2.P = config.P
	config2.Start = config.Start
	config2.OffsetVar = config.OffsetVar
	config2.ExposureVar = config.ExposureVar
	config2.OptMethod = config.OptMethod
	config2.OptSettings = config.OptSettings
	config2.Log = config.Log

	model2, err := NewTruncatedModel(data, config.Dist, yname, predictors, 0, config2)
	if err != nil {
		return nil, err
	}

	return &Hurdle{
		model1:     model1,
		model2:     model2,
		data:       data,
		yname:      yname,
		predictors: predictors,
		config:     config,
		log:        config.Log,
	}, nil
}

// ZeroModel returns the censored model for the zero/nonzero outcome.
func (h *Hurdle) ZeroModel() *CensoredModel {
	return h.model1
}

// CountModel returns the zero-truncated model for the positive counts.
func (h *Hurdle) CountModel() *TruncatedModel {
	return h.model2
}

// NumObs returns the number of observations in the data set.
func (h *Hurdle) NumObs() int {
	return h.model1.NumObs()
}

// NumParams returns the total number of parameters in both stages.
func (h *Hurdle) NumParams() int {
	return h.model1.NumParams() + h.model2.NumParams()
}

// SplitIndex returns the position in the combined parameter vector where
// the positive stage parameters begin.  The zero stage parameters occupy
// positions 0..SplitIndex()-1.
func (h *Hurdle) SplitIndex() int {
	return h.model1.NumParams()
}

// Xpos returns the positions of the covariates in the model's dataset.
func (h *Hurdle) Xpos() []int {
	return h.model1.Xpos()
}

// Dataset returns the data columns used to fit the model.
func (h *Hurdle) Dataset() [][]statmodel.Dtype {
	return h.data.Data()
}

// ParamNames returns the names of the combined parameters.  The leading
// zero stage coefficient is assumed to belong to the model constant and is
// named "inflate_const"; the remaining zero stage names carry a "zero_"
// prefix, followed by the positive stage names unchanged.
func (h *Hurdle) ParamNames() []string {

	var na []string
	for i, v := range h.model1.ParamNames() {
		if i == 0 {
			na = append(na, "inflate_const")
		} else {
			na = append(na, "zero_"+v)
		}
	}
	return append(na, h.model2.ParamNames()...)
}

// LogLike returns the combined log-likelihood of both stages at the given
// parameter value, whose coefficients hold the full combined parameter
// vector.  The exact flag has no effect.
func (h *Hurdle) LogLike(par statmodel.Parameter, exact bool) float64 {
	x := par.GetCoeff()
	k := h.SplitIndex()
	return h.model1.logLikeFlat(x[0:k]) + h.model2.logLikeFlat(x[k:])
}

// Score computes the score vector of the combined log-likelihood at the
// given parameter value.
func (h *Hurdle) Score(par statmodel.Parameter, score []float64) {
	x := par.GetCoeff()
	k := h.SplitIndex()
	h.model1.scoreFlat(x[0:k], score[0:k])
	h.model2.scoreFlat(x[k:], score[k:])
}

// Hessian computes the Hessian matrix of the combined log-likelihood at
// the given parameter value, in vectorized form.  The likelihood separates
// over the two stages, so the cross blocks are zero.
func (h *Hurdle) Hessian(par statmodel.Parameter, ht statmodel.HessType, hess []float64) {

	x := par.GetCoeff()
	k := h.SplitIndex()
	np := h.NumParams()

	for i := range hess {
		hess[i] = 0
	}

	h1 := make([]float64, k*k)
	numHess(h.model1.logLikeFlat, x[0:k], h1)

	n2 := np - k
	h2 := make([]float64, n2*n2)
	numHess(h.model2.logLikeFlat, x[k:], h2)

	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			hess[i*np+j] = h1[i*k+j]
		}
	}
	for i := 0; i < n2; i++ {
		for j := 0; j < n2; j++ {
			hess[(k+i)*np+(k+j)] = h2[i*n2+j]
		}
	}
}

// HurdleResults describes the results of a fitted hurdle model.
type HurdleResults struct {
	statmodel.BaseResults

	splitIndex int

	llnull float64

	converged1 bool
	converged2 bool
}

// Converged returns true if the optimizers for both stages converged.
func (rslt *HurdleResults) Converged() bool {
	return rslt.converged1 && rslt.converged2
}

// ConvergedZero returns true if the zero stage optimizer converged.
func (rslt *HurdleResults) ConvergedZero() bool {
	return rslt.converged1
}

// ConvergedCount returns true if the positive stage optimizer converged.
func (rslt *HurdleResults) ConvergedCount() bool {
	return rslt.converged2
}

// SplitIndex returns the position in the parameter vector where the
// positive stage parameters begin.
func (rslt *HurdleResults) SplitIndex() int {
	return rslt.splitIndex
}

// LogLikeNull returns the combined log-likelihood of a hurdle model whose
// stages contain only the leading covariate, which is assumed to be the
// model constant.  It is NaN if the null fit failed.
func (rslt *HurdleResults) LogLikeNull() float64 {
	return rslt.llnull
}

// FittedValues returns the fitted means of the hurdle model.  If da is
// nil, the fitted values are based on the data used to fit the model.
func (rslt *HurdleResults) FittedValues(da [][]statmodel.Dtype) []float64 {

	h := rslt.Model().(*Hurdle)
	fv, err := h.Predict(rslt.Params(), "mean", nil, da)
	if err != nil {
		panic(err)
	}
	return fv
}

// Fit fits both stages of the model independently and returns the combined
// results.  The sampling covariance matrix is block diagonal since the two
// stages share no parameters.
func (h *Hurdle) Fit() (*HurdleResults, error) {

	if h.log != nil {
		h.log.Printf("hurdle model, zero stage %s, count stage %s, %d observations\n",
			h.model1.Family(), h.model2.Family(), h.NumObs())
	}

	rslt1, err := h.model1.Fit()
	if err != nil && rslt1 == nil {
		return nil, err
	}
	rslt2, err := h.model2.Fit()
	if err != nil && rslt2 == nil {
		return nil, err
	}

	p1 := rslt1.Params()
	p2 := rslt2.Params()
	n1 := len(p1)
	n2 := len(p2)
	np := n1 + n2

	params := make([]float64, np)
	copy(params, p1)
	copy(params[n1:], p2)

	var vcov []float64
	if rslt1.VCov() != nil && rslt2.VCov() != nil {
		vcov = make([]float64, np*np)
		for i := 0; i < n1; i++ {
			for j := 0; j < n1; j++ {
				vcov[i*np+j] = rslt1.VCov()[i*n1+j]
			}
		}
		for i := 0; i < n2; i++ {
			for j := 0; j < n2; j++ {
				vcov[(n1+i)*np+(n1+j)] = rslt2.VCov()[i*n2+j]
			}
		}
	}

	ll := rslt1.LogLike() + rslt2.LogLike()

	results := &HurdleResults{
		BaseResults: statmodel.NewBaseResults(h, ll, params, h.ParamNames(), vcov),
		splitIndex:  n1,
		llnull:      h.logLikeNull(ll),
		converged1:  rslt1.Converged(),
		converged2:  rslt2.Converged(),
	}

	if !results.Converged() {
		return results, fmt.Errorf("truncated: hurdle stage did not converge (zero=%v, count=%v)",
			rslt1.Converged(), rslt2.Converged())
	}

	return results, nil
}

// logLikeNull fits a hurdle model containing only the leading covariate,
// assumed to be the model constant, and returns its combined
// log-likelihood.  ll is the log-likelihood of the full model, which is the
// answer when there are no other covariates.
func (h *Hurdle) logLikeNull(ll float64) float64 {

	if len(h.predictors) <= 1 {
		return ll
	}

	// Configured starting values have the wrong length for the null model.
	nconfig := *h.config
	nconfig.Start = nil
	nconfig.StartZero = nil

	nh, err := NewHurdle(h.data, h.yname, h.predictors[0:1], &nconfig)
	if err != nil {
		return math.NaN()
	}

	nr, err := nh.Fit()
	if err != nil {
		return math.NaN()
	}
	return nr.LogLike()
}

// Predict returns a predicted quantity for each observation of the hurdle
// model.  params is the combined parameter vector.  Supported values of
// which are:
//
//	"linear"        the linear predictor of the positive stage
//	"mean-main"     the untruncated mean of the positive stage
//	"mean-nonzero"  the mean among positive responses, E[Y | Y > 0]
//	"mean"          the overall mean, P(Y > 0) * E[Y | Y > 0]
//	"prob-zero"     P(Y = 0) from the zero stage
//	"prob-main"     the untruncated pmf of the positive stage at yValues
//	"prob-trunc"    the zero-truncated pmf of the positive stage at yValues
//	"prob"          the pmf of the hurdle model at yValues
//
// The pmf predictions return a row-major nobs x len(yValues) matrix in
// vectorized form.  If da is nil the training data are used.
func (h *Hurdle) Predict(params []float64, which string, yValues []float64, da [][]statmodel.Dtype) ([]float64, error) {

	k := h.SplitIndex()
	p1 := params[0:k]
	p2 := params[k:]

	// The positive stage holds filtered training data, so predictions
	// are always made with explicit data columns.
	if da == nil {
		da = h.data.Data()
	}
	n := len(da[0])

	switch which {
	case "linear":
		return h.model2.base.Predict(p2, "linear", nil, da)
	case "mean-main":
		return h.model2.base.Predict(p2, "mean", nil, da)
	case "mean-nonzero":
		return h.model2.Predict(p2, "mean", nil, da)
	case "prob-zero":
		pz := make([]float64, n)
		h.model1.ProbZero(p1, da, pz)
		return pz, nil
	case "prob-main":
		return h.model2.base.Predict(p2, "prob", yValues, da)
	case "prob-trunc":
		return h.model2.Predict(p2, "prob", yValues, da)
	case "mean":
		mn, err := h.model2.Predict(p2, "mean", nil, da)
		if err != nil {
			return nil, err
		}
		pz := make([]float64, n)
		h.model1.ProbZero(p1, da, pz)
		for i := range mn {
			mn[i] *= 1 - pz[i]
		}
		return mn, nil
	case "prob":
		return h.predictProb(p1, p2, yValues, da)
	case "var":
		return nil, fmt.Errorf("truncated: predict 'which=var' is not supported for hurdle models")
	default:
		return nil, fmt.Errorf("truncated: predict 'which=%s' is not supported", which)
	}
}

// predictProb returns the pmf of the hurdle model: P(Y=0) comes from the
// zero stage, and the mass above zero is the zero-truncated positive stage
// pmf scaled by P(Y>0).
func (h *Hurdle) predictProb(p1, p2, yValues []float64, da [][]statmodel.Dtype) ([]float64, error) {

	if yValues == nil {
		yValues = h.model2.base.DefaultYValues()
	}

	pt, err := h.model2.Predict(p2, "prob", yValues, da)
	if err != nil {
		return nil, err
	}

	nc := len(yValues)
	nobs := len(pt) / nc

	pz := make([]float64, nobs)
	h.model1.ProbZero(p1, da, pz)

	for i := 0; i < nobs; i++ {
		for j, yv := range yValues {
			if yv == 0 {
				pt[i*nc+j] = pz[i]
			} else {
				pt[i*nc+j] *= 1 - pz[i]
			}
		}
	}

	return pt, nil
}
