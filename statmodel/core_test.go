package statmodel

import (
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats"
)

// mockParams is a minimal Parameter for the mock model.
type mockParams struct {
	coeff []float64
}

func (p *mockParams) GetCoeff() []float64 {
	return p.coeff
}

func (p *mockParams) SetCoeff(x []float64) {
	p.coeff = x
}

func (p *mockParams) Clone() Parameter {
	coeff := make([]float64, len(p.coeff))
	copy(coeff, p.coeff)
	return &mockParams{coeff: coeff}
}

// mock is a least squares model: the log-likelihood is -||y - Xb||^2/2, so
// the Hessian is -X'X everywhere.
type mock struct {
	data [][]Dtype
	ypos int
	xpos []int
}

func (m *mock) NumParams() int { return len(m.xpos) }

func (m *mock) NumObs() int { return len(m.data[m.ypos]) }

func (m *mock) Xpos() []int { return m.xpos }

func (m *mock) Dataset() [][]Dtype { return m.data }

func (m *mock) resid(coeff []float64) []float64 {
	y := m.data[m.ypos]
	r := make([]float64, len(y))
	copy(r, y)
	for j, k := range m.xpos {
		floats.AddScaled(r, -coeff[j], m.data[k])
	}
	return r
}

func (m *mock) LogLike(par Parameter, exact bool) float64 {
	r := m.resid(par.GetCoeff())
	return -floats.Dot(r, r) / 2
}

func (m *mock) Score(par Parameter, score []float64) {
	r := m.resid(par.GetCoeff())
	for j, k := range m.xpos {
		score[j] = floats.Dot(r, m.data[k])
	}
}

func (m *mock) Hessian(par Parameter, ht HessType, hess []float64) {
	np := len(m.xpos)
	for i, ki := range m.xpos {
		for j, kj := range m.xpos {
			hess[i*np+j] = -floats.Dot(m.data[ki], m.data[kj])
		}
	}
}

func mockModel() *mock {
	y := []float64{1, 2, 3, 5}
	x1 := []float64{1, 1, 1, 1}
	x2 := []float64{0, 1, 2, 3}
	return &mock{
		data: [][]Dtype{y, x1, x2},
		ypos: 0,
		xpos: []int{1, 2},
	}
}

func TestDatasetPanics(t *testing.T) {

	for _, f := range []func(){
		func() {
			NewDataset([][]Dtype{{1, 2}}, []string{"a", "b"})
		},
		func() {
			NewDataset([][]Dtype{{1, 2}, {1}}, []string{"a", "b"})
		},
		func() {
			NewDataset(nil, nil)
		},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("expected a panic for a malformed dataset")
				}
			}()
			f()
		}()
	}
}

func TestFittedValues(t *testing.T) {

	m := mockModel()
	rslt := NewBaseResults(m, 0, []float64{1, 2}, []string{"x1", "x2"}, nil)

	fv := rslt.FittedValues(nil)
	expected := []float64{1, 3, 5, 7}
	if !floats.EqualApprox(fv, expected, 1e-12) {
		t.Errorf("got %v, expected %v", fv, expected)
	}

	// Same layout, different values
	da := [][]Dtype{{0, 0}, {1, 1}, {-1, 4}}
	fv = rslt.FittedValues(da)
	expected = []float64{-1, 9}
	if !floats.EqualApprox(fv, expected, 1e-12) {
		t.Errorf("got %v, expected %v", fv, expected)
	}
}

func TestGetVcov(t *testing.T) {

	m := mockModel()

	vcov, err := GetVcov(m, &mockParams{coeff: []float64{1, 2}})
	if err != nil {
		t.Fatal(err)
	}

	// (X'X)^-1 for X'X = [[4, 6], [6, 14]]
	expected := []float64{0.7, -0.3, -0.3, 0.2}
	if !floats.EqualApprox(vcov, expected, 1e-10) {
		t.Errorf("got %v, expected %v", vcov, expected)
	}
}

func TestInference(t *testing.T) {

	m := mockModel()
	vcov := []float64{0.25, 0, 0, 4}
	rslt := NewBaseResults(m, -3.5, []float64{1, -4}, []string{"x1", "x2"}, vcov)

	if !floats.EqualApprox(rslt.StdErr(), []float64{0.5, 2}, 1e-12) {
		t.Errorf("wrong standard errors: %v", rslt.StdErr())
	}
	if !floats.EqualApprox(rslt.ZScores(), []float64{2, -2}, 1e-12) {
		t.Errorf("wrong z-scores: %v", rslt.ZScores())
	}

	// Two-sided p-value for |z| = 2
	p := 2 * 0.5 * math.Erfc(2/math.Sqrt(2))
	if !floats.EqualApprox(rslt.PValues(), []float64{p, p}, 1e-12) {
		t.Errorf("wrong p-values: %v", rslt.PValues())
	}
}

func TestSummaryTable(t *testing.T) {

	names := []string{"x1", "x2"}
	params := []float64{1.25, -0.5}

	sum := &SummaryTable{
		Title:    "Mock analysis",
		Top:      []string{"  Sample size: 4"},
		ColNames: []string{"Variable   ", "Coefficient"},
		ColFmt:   []Fmter{SummaryStringFmter, SummaryNumberFmter},
		Cols:     []interface{}{names, params},
		Msg:      []string{"A message"},
	}

	s := sum.String()
	for _, frag := range []string{"Mock analysis", "Sample size", "x1", "1.2500", "-0.5000", "A message"} {
		if !strings.Contains(s, frag) {
			t.Errorf("summary is missing %q", frag)
		}
	}
}
