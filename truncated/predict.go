package truncated

import (
	"fmt"

	"github.com/kshedden/countmodel/discrete"
	"github.com/kshedden/countmodel/statmodel"
)

// Predict returns a predicted quantity for each observation of the
// truncated model.  Supported values of which are:
//
//	"linear"     the linear predictor
//	"mean-main"  the mean of the untruncated distribution
//	"mean"       the mean of the truncated distribution, E[Y | Y > trunc]
//	"var"        the variance of the truncated distribution
//	"prob-main"  the untruncated pmf evaluated at yValues
//	"prob"       the truncated pmf evaluated at yValues
//
// The pmf predictions return a row-major nobs x len(yValues) matrix in
// vectorized form; if yValues is nil the values 0..max(y) of the training
// response are used.  If da is nil the training data are used, otherwise da
// must have the same column layout as the training data.
func (m *TruncatedModel) Predict(params []float64, which string, yValues []float64, da [][]statmodel.Dtype) ([]float64, error) {

	switch which {
	case "linear":
		return m.base.Predict(params, "linear", nil, da)
	case "mean-main":
		return m.base.Predict(params, "mean", nil, da)
	case "prob-main":
		return m.base.Predict(params, "prob", yValues, da)
	case "mean":
		return m.predictMean(params, da)
	case "var":
		return m.predictVar(params, da)
	case "prob", "prob-trunc":
		return m.predictProb(params, yValues, da)
	default:
		return nil, fmt.Errorf("truncated: predict 'which=%s' is not supported", which)
	}
}

// lowTail returns the pmf of the base distribution at 0..trunc as a
// row-major nobs x (trunc+1) matrix.
func (m *TruncatedModel) lowTail(params []float64, da [][]statmodel.Dtype) ([]float64, error) {

	yv := make([]float64, m.trunc+1)
	for k := range yv {
		yv[k] = float64(k)
	}
	return m.base.Predict(params, "prob", yv, da)
}

// predictMean returns E[Y | Y > trunc] for each observation, obtained by
// removing the probability mass at 0..trunc from the untruncated mean and
// renormalizing.
func (m *TruncatedModel) predictMean(params []float64, da [][]statmodel.Dtype) ([]float64, error) {

	if m.Family() == discrete.GeneralizedPoissonFamily && m.trunc > 0 {
		return nil, fmt.Errorf("truncated: mean prediction is not implemented for the generalized Poisson family with a positive truncation point")
	}

	mu, err := m.base.Predict(params, "mean", nil, da)
	if err != nil {
		return nil, err
	}
	if m.trunc < 0 {
		return mu, nil
	}

	pr, err := m.lowTail(params, da)
	if err != nil {
		return nil, err
	}

	nc := m.trunc + 1
	for i := range mu {
		var psum, msum float64
		for k := 0; k < nc; k++ {
			psum += pr[i*nc+k]
			msum += float64(k) * pr[i*nc+k]
		}
		mu[i] = (mu[i] - msum) / (1 - psum)
	}

	return mu, nil
}

// predictVar returns Var[Y | Y > trunc] for each observation.
func (m *TruncatedModel) predictVar(params []float64, da [][]statmodel.Dtype) ([]float64, error) {

	if m.Family() == discrete.GeneralizedPoissonFamily {
		return nil, fmt.Errorf("truncated: variance prediction is not implemented for the generalized Poisson family")
	}

	mu, err := m.base.Predict(params, "mean", nil, da)
	if err != nil {
		return nil, err
	}

	va := make([]float64, len(mu))
	m.base.Variance(params, da, va)

	if m.trunc < 0 {
		return va, nil
	}

	pr, err := m.lowTail(params, da)
	if err != nil {
		return nil, err
	}

	nc := m.trunc + 1
	for i := range mu {
		var psum, msum, ssum float64
		for k := 0; k < nc; k++ {
			psum += pr[i*nc+k]
			msum += float64(k) * pr[i*nc+k]
			ssum += float64(k*k) * pr[i*nc+k]
		}

		// First two conditional moments of the truncated distribution
		mn := (mu[i] - msum) / (1 - psum)
		ey2 := (va[i] + mu[i]*mu[i] - ssum) / (1 - psum)

		va[i] = ey2 - mn*mn
	}

	return va, nil
}

// predictProb returns the truncated pmf at yValues as a row-major matrix:
// the untruncated pmf with the mass at 0..trunc removed and the remainder
// renormalized.
func (m *TruncatedModel) predictProb(params []float64, yValues []float64, da [][]statmodel.Dtype) ([]float64, error) {

	if yValues == nil {
		yValues = m.base.DefaultYValues()
	}

	if m.trunc < 0 {
		return m.base.Predict(params, "prob", yValues, da)
	}

	// Evaluate the low tail and the requested values in one pass.
	nt := m.trunc + 1
	yall := make([]float64, nt+len(yValues))
	for k := 0; k < nt; k++ {
		yall[k] = float64(k)
	}
	copy(yall[nt:], yValues)

	pr, err := m.base.Predict(params, "prob", yall, da)
	if err != nil {
		return nil, err
	}

	na := len(yall)
	nc := len(yValues)
	nobs := len(pr) / na

	out := make([]float64, nobs*nc)
	for i := 0; i < nobs; i++ {
		var psum float64
		for k := 0; k < nt; k++ {
			psum += pr[i*na+k]
		}
		for j, yv := range yValues {
			if yv > float64(m.trunc) {
				out[i*nc+j] = pr[i*na+nt+j] / (1 - psum)
			}
		}
	}

	return out, nil
}
