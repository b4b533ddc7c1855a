package rgcn

import (
	"math"

	"github.com/viterin/vek"
)

// Adam implements the Adam optimizer with bias-corrected step size:
//
//	m = β1·m + (1-β1)·g
//	v = β2·v + (1-β2)·g²
//	lr_t = lr·sqrt(1-β2^t) / (1-β1^t)
//	w -= lr_t·m / (sqrt(v) + ε)
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    map[string][]float64
	v    map[string][]float64
}

// AdamState is the serializable optimizer state.
type AdamState struct {
	Step int
	M    map[string][]float64
	V    map[string][]float64
}

// NewAdam returns an optimizer with the usual defaults for β1, β2 and ε.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		m:            make(map[string][]float64),
		v:            make(map[string][]float64),
	}
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.step }

// Step applies one update to every parameter from its accumulated gradient.
func (a *Adam) Step(params *Params) {
	a.step++
	t := float64(a.step)
	lrT := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))

	for _, p := range params.All() {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m, v := a.moments(p.Name, len(w))

		vek.MulNumber_Inplace(m, a.Beta1)
		vek.Add_Inplace(m, vek.MulNumber(g, 1-a.Beta1))

		g2 := vek.Mul(g, g)
		vek.MulNumber_Inplace(g2, 1-a.Beta2)
		vek.MulNumber_Inplace(v, a.Beta2)
		vek.Add_Inplace(v, g2)

		denom := vek.Sqrt(v)
		vek.AddNumber_Inplace(denom, a.Epsilon)
		update := vek.Div(m, denom)
		vek.MulNumber_Inplace(update, lrT)
		vek.Sub_Inplace(w, update)
	}
}

func (a *Adam) moments(name string, n int) ([]float64, []float64) {
	m, ok := a.m[name]
	if !ok || len(m) != n {
		m = make([]float64, n)
		a.m[name] = m
	}
	v, ok := a.v[name]
	if !ok || len(v) != n {
		v = make([]float64, n)
		a.v[name] = v
	}
	return m, v
}

// State copies out the moment estimates and step count.
func (a *Adam) State() AdamState {
	s := AdamState{
		Step: a.step,
		M:    make(map[string][]float64, len(a.m)),
		V:    make(map[string][]float64, len(a.v)),
	}
	for k, m := range a.m {
		s.M[k] = append([]float64(nil), m...)
	}
	for k, v := range a.v {
		s.V[k] = append([]float64(nil), v...)
	}
	return s
}

// SetState replaces the optimizer state with a copy of s.
func (a *Adam) SetState(s AdamState) {
	a.step = s.Step
	a.m = make(map[string][]float64, len(s.M))
	a.v = make(map[string][]float64, len(s.V))
	for k, m := range s.M {
		a.m[k] = append([]float64(nil), m...)
	}
	for k, v := range s.V {
		a.v[k] = append([]float64(nil), v...)
	}
}
