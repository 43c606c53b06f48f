package truncated

import (
	"fmt"

	"github.com/kshedden/countmodel/statmodel"
)

// coefTable fills the coefficient columns of a summary table from a
// results value, with standard errors and test statistics when a sampling
// covariance matrix is available.
func coefTable(sum *statmodel.SummaryTable, names []string, params, stderr, zscores, pvalues []float64) {

	fs := statmodel.SummaryStringFmter
	fn := statmodel.SummaryNumberFmter

	if stderr != nil {
		sum.ColNames = []string{"Variable   ", "Coefficient", "SE", "LCB", "UCB", "Z-score", "P-value"}
		sum.ColFmt = []statmodel.Fmter{fs, fn, fn, fn, fn, fn, fn}

		var lcb, ucb []float64
		for j := range params {
			lcb = append(lcb, params[j]-2*stderr[j])
			ucb = append(ucb, params[j]+2*stderr[j])
		}
		sum.Cols = []interface{}{names, params, stderr, lcb, ucb, zscores, pvalues}
	} else {
		sum.ColNames = []string{"Variable   ", "Coefficient"}
		sum.ColFmt = []statmodel.Fmter{fs, fn}
		sum.Cols = []interface{}{names, params}
	}
}

// Summary displays a summary table of the fitted truncated model.
func (rslt *TruncatedResults) Summary() *statmodel.SummaryTable {

	m := rslt.Model().(*TruncatedModel)

	sum := &statmodel.SummaryTable{}
	sum.Title = fmt.Sprintf("Truncated %s regression analysis", m.Family())

	sum.Top = append(sum.Top, fmt.Sprintf("  Sample size: %10d", m.NumObs()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Truncation:  %10d", m.trunc))
	sum.Top = append(sum.Top, fmt.Sprintf("  Log-likelihood: %7.2f", rslt.LogLike()))

	coefTable(sum, rslt.Names(), rslt.Params(), rslt.StdErr(), rslt.ZScores(), rslt.PValues())

	if m.dropped > 0 {
		msg := fmt.Sprintf("%d observations dropped for not exceeding the truncation point", m.dropped)
		sum.Msg = append(sum.Msg, msg)
	}

	return sum
}

// Summary displays a summary table of the fitted censored model.
func (rslt *CensoredResults) Summary() *statmodel.SummaryTable {

	m := rslt.Model().(*CensoredModel)

	sum := &statmodel.SummaryTable{}
	sum.Title = fmt.Sprintf("Zero-censored %s regression analysis", m.Family())

	sum.Top = append(sum.Top, fmt.Sprintf("  Sample size: %10d", m.NumObs()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Zeros:       %10d", len(m.zeroIdx)))
	sum.Top = append(sum.Top, fmt.Sprintf("  Log-likelihood: %7.2f", rslt.LogLike()))

	coefTable(sum, rslt.Names(), rslt.Params(), rslt.StdErr(), rslt.ZScores(), rslt.PValues())

	return sum
}

// Summary displays a summary table of the fitted hurdle model, covering
// the parameters of both stages.
func (rslt *HurdleResults) Summary() *statmodel.SummaryTable {

	h := rslt.Model().(*Hurdle)

	sum := &statmodel.SummaryTable{}
	sum.Title = "Hurdle regression analysis"

	sum.Top = append(sum.Top, fmt.Sprintf("  Sample size: %10d", h.NumObs()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Zero stage:  %10s", h.model1.Family().String()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Count stage: %10s", h.model2.Family().String()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Log-likelihood: %7.2f", rslt.LogLike()))

	coefTable(sum, rslt.Names(), rslt.Params(), rslt.StdErr(), rslt.ZScores(), rslt.PValues())

	if !rslt.ConvergedZero() {
		sum.Msg = append(sum.Msg, "The zero stage optimizer did not converge")
	}
	if !rslt.ConvergedCount() {
		sum.Msg = append(sum.Msg, "The count stage optimizer did not converge")
	}

	return sum
}
