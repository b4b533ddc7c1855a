package rgcn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is one trainable tensor together with its gradient buffer and L2
// coefficient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
	L2    float64
}

func newParam(name string, rows, cols int, l2 float64) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
		L2:    l2,
	}
}

// Size is the number of scalars in the parameter.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Params is the ordered set of every trainable tensor in a stack.
type Params struct {
	list  []*Param
	index map[string]*Param
}

func newParams() *Params {
	return &Params{index: make(map[string]*Param)}
}

func (p *Params) add(params ...*Param) {
	for _, param := range params {
		if _, dup := p.index[param.Name]; dup {
			panic(fmt.Sprintf("rgcn: duplicate parameter %q", param.Name))
		}
		p.list = append(p.list, param)
		p.index[param.Name] = param
	}
}

// All returns the parameters in registration order.
func (p *Params) All() []*Param { return p.list }

// Get looks a parameter up by name.
func (p *Params) Get(name string) (*Param, bool) {
	param, ok := p.index[name]
	return param, ok
}

// Count is the total number of trainable scalars.
func (p *Params) Count() int {
	n := 0
	for _, param := range p.list {
		n += param.Size()
	}
	return n
}

func (p *Params) zeroGrad() {
	for _, param := range p.list {
		param.Grad.Zero()
	}
}

// Penalty is Σ λ·‖w‖² over parameters with a non-zero L2 coefficient.
func (p *Params) Penalty() float64 {
	total := 0.0
	for _, param := range p.list {
		if param.L2 == 0 {
			continue
		}
		w := param.Value.RawMatrix().Data
		total += param.L2 * floats.Dot(w, w)
	}
	return total
}

func (p *Params) addPenaltyGrad() {
	for _, param := range p.list {
		if param.L2 == 0 {
			continue
		}
		floats.AddScaled(param.Grad.RawMatrix().Data, 2*param.L2, param.Value.RawMatrix().Data)
	}
}

// Finite reports whether every parameter value is finite.
func (p *Params) Finite() bool {
	for _, param := range p.list {
		for _, v := range param.Value.RawMatrix().Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// glorotUniform fills m from U(-l, l) with l = sqrt(6 / (fanIn + fanOut)).
func glorotUniform(m *mat.Dense, rng *rand.Rand) {
	fanIn, fanOut := m.Dims()
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	data := m.RawMatrix().Data
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
}

// gemm returns op(a)·op(b), where op transposes when the flag is set.
func gemm(transA bool, a *mat.Dense, transB bool, b *mat.Dense) *mat.Dense {
	ar, ac := a.Dims()
	if transA {
		ar, ac = ac, ar
	}
	br, bc := b.Dims()
	if transB {
		br, bc = bc, br
	}
	if ac != br {
		panic(mat.ErrShape)
	}
	dst := mat.NewDense(ar, bc, nil)
	blas64.Gemm(transpose(transA), transpose(transB), 1, a.RawMatrix(), b.RawMatrix(), 0, dst.RawMatrix())
	return dst
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}
