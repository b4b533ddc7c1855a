package rgcn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// weightSet produces one in×out weight matrix per relation and routes
// gradients with respect to those matrices back to the underlying parameters.
type weightSet interface {
	materialize() []*mat.Dense
	accumulate(grads []*mat.Dense)
	params() []*Param
}

// independentWeights keeps a separate matrix per relation.
type independentWeights struct {
	w []*Param
}

func newIndependentWeights(prefix string, relations, in, out int, l2 float64, rng *rand.Rand) *independentWeights {
	iw := &independentWeights{w: make([]*Param, relations)}
	for r := range iw.w {
		p := newParam(fmt.Sprintf("%s/W_%d", prefix, r), in, out, l2)
		glorotUniform(p.Value, rng)
		iw.w[r] = p
	}
	return iw
}

func (iw *independentWeights) materialize() []*mat.Dense {
	ws := make([]*mat.Dense, len(iw.w))
	for r, p := range iw.w {
		ws[r] = p.Value
	}
	return ws
}

func (iw *independentWeights) accumulate(grads []*mat.Dense) {
	for r, g := range grads {
		iw.w[r].Grad.Add(iw.w[r].Grad, g)
	}
}

func (iw *independentWeights) params() []*Param { return iw.w }

// basisWeights shares B basis matrices across relations:
// W_r = Σ_b C[r,b]·V_b.
type basisWeights struct {
	bases []*Param
	coeff *Param
}

func newBasisWeights(prefix string, relations, numBases, in, out int, l2 float64, rng *rand.Rand) *basisWeights {
	bw := &basisWeights{bases: make([]*Param, numBases)}
	for b := range bw.bases {
		p := newParam(fmt.Sprintf("%s/V_%d", prefix, b), in, out, l2)
		glorotUniform(p.Value, rng)
		bw.bases[b] = p
	}
	bw.coeff = newParam(prefix+"/C", relations, numBases, l2)
	glorotUniform(bw.coeff.Value, rng)
	return bw
}

func (bw *basisWeights) materialize() []*mat.Dense {
	relations, _ := bw.coeff.Value.Dims()
	in, out := bw.bases[0].Value.Dims()
	ws := make([]*mat.Dense, relations)
	for r := range ws {
		w := mat.NewDense(in, out, nil)
		dst := w.RawMatrix().Data
		for b, v := range bw.bases {
			floats.AddScaled(dst, bw.coeff.Value.At(r, b), v.Value.RawMatrix().Data)
		}
		ws[r] = w
	}
	return ws
}

func (bw *basisWeights) accumulate(grads []*mat.Dense) {
	for r, g := range grads {
		gw := g.RawMatrix().Data
		for b, v := range bw.bases {
			floats.AddScaled(v.Grad.RawMatrix().Data, bw.coeff.Value.At(r, b), gw)
			bw.coeff.Grad.Set(r, b, bw.coeff.Grad.At(r, b)+floats.Dot(gw, v.Value.RawMatrix().Data))
		}
	}
}

func (bw *basisWeights) params() []*Param {
	return append(append([]*Param(nil), bw.bases...), bw.coeff)
}
