package discrete

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
)

// FamilyType is the type of count distribution used in a model.
type FamilyType uint8

// PoissonFamily, ... are the supported count distribution families.
const (
	PoissonFamily FamilyType = iota
	GeneralizedPoissonFamily
	NegBinomialPFamily
)

// String returns the name of the family.
func (ft FamilyType) String() string {
	switch ft {
	case PoissonFamily:
		return "Poisson"
	case GeneralizedPoissonFamily:
		return "GeneralizedPoisson"
	case NegBinomialPFamily:
		return "NegBinomialP"
	default:
		return fmt.Sprintf("FamilyType(%d)", int(ft))
	}
}

// kernel evaluates the log probability mass function of a count distribution
// and its derivatives for a single observation.  The mean mu is always the
// exponentiated linear predictor; extra holds any dispersion parameters
// beyond the regression coefficients.
type kernel interface {

	// The number of dispersion parameters.
	kExtra() int

	// logProb returns log P(Y=y) with all normalizing constants included.
	logProb(y, mu float64, extra []float64) float64

	// scoreFactors returns the derivative of logProb with respect to the
	// linear predictor, and writes the derivatives with respect to the
	// dispersion parameters into dextra.
	scoreFactors(y, mu float64, extra []float64, dextra []float64) float64

	// variance returns Var(Y) at the given mean.
	variance(mu float64, extra []float64) float64
}

// newKernel returns the kernel for a family.  The power p selects the
// dispersion parameterization for the Generalized Poisson and Negative
// Binomial families (p=1 and p=2 give the NB1 and NB2 style models); it is
// ignored for Poisson.
func newKernel(family FamilyType, p float64) (kernel, error) {
	switch family {
	case PoissonFamily:
		return poissonKernel{}, nil
	case GeneralizedPoissonFamily:
		return gpKernel{p: p}, nil
	case NegBinomialPFamily:
		return nbpKernel{p: p}, nil
	default:
		return nil, fmt.Errorf("discrete: unknown family %v", family)
	}
}

type poissonKernel struct{}

func (poissonKernel) kExtra() int { return 0 }

func (poissonKernel) logProb(y, mu float64, extra []float64) float64 {
	g, _ := math.Lgamma(y + 1)
	return y*math.Log(mu) - mu - g
}

func (poissonKernel) scoreFactors(y, mu float64, extra []float64, dextra []float64) float64 {
	return y - mu
}

func (poissonKernel) variance(mu float64, extra []float64) float64 {
	return mu
}

// nbpKernel is the Negative Binomial distribution with variance
// mu + alpha*mu^p, written with size parameter a = mu^(2-p)/alpha.
type nbpKernel struct {
	p float64
}

func (nbpKernel) kExtra() int { return 1 }

func (k nbpKernel) logProb(y, mu float64, extra []float64) float64 {

	alpha := extra[0]
	a := math.Pow(mu, 2-k.p) / alpha

	g1, _ := math.Lgamma(y + a)
	g2, _ := math.Lgamma(a)
	g3, _ := math.Lgamma(y + 1)

	return g1 - g2 - g3 + a*math.Log(a/(a+mu)) + y*math.Log(mu/(a+mu))
}

func (k nbpKernel) scoreFactors(y, mu float64, extra []float64, dextra []float64) float64 {

	alpha := extra[0]
	a := math.Pow(mu, 2-k.p) / alpha

	// Partials with respect to mu (holding a fixed) and to a.
	dmu := y/mu - (a+y)/(a+mu)
	da := mathext.Digamma(y+a) - mathext.Digamma(a) + math.Log(a/(a+mu)) + 1 - (a+y)/(a+mu)

	// a depends on both mu and alpha: da/dmu = (2-p)*a/mu, da/dalpha = -a/alpha.
	dextra[0] = -a / alpha * da
	return mu*dmu + (2-k.p)*a*da
}

func (k nbpKernel) variance(mu float64, extra []float64) float64 {
	return mu + extra[0]*math.Pow(mu, k.p)
}

// gpKernel is the Generalized Poisson distribution with variance
// mu * (1 + alpha*mu^(p-1))^2.
type gpKernel struct {
	p float64
}

func (gpKernel) kExtra() int { return 1 }

func (k gpKernel) logProb(y, mu float64, extra []float64) float64 {

	alpha := extra[0]
	m := math.Pow(mu, k.p-1)
	a1 := 1 + alpha*m
	a2 := mu + alpha*m*y

	g, _ := math.Lgamma(y + 1)
	return math.Log(mu) + (y-1)*math.Log(a2) - y*math.Log(a1) - a2/a1 - g
}

func (k gpKernel) scoreFactors(y, mu float64, extra []float64, dextra []float64) float64 {

	alpha := extra[0]
	m := math.Pow(mu, k.p-1)
	a1 := 1 + alpha*m
	a2 := mu + alpha*m*y

	dm := (k.p - 1) * m / mu
	da1 := alpha * dm
	da2 := 1 + alpha*dm*y

	dmu := 1/mu + (y-1)/a2*da2 - y/a1*da1 - (da2*a1-a2*da1)/(a1*a1)
	dextra[0] = (y-1)*m*y/a2 - y*m/a1 - (m*y*a1-a2*m)/(a1*a1)

	return mu * dmu
}

func (k gpKernel) variance(mu float64, extra []float64) float64 {
	c := 1 + extra[0]*math.Pow(mu, k.p-1)
	return mu * c * c
}
