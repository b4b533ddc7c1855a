package rgcn

import (
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/SPINLab/mrgcn/core/sparse"
)

// Input is the node representation fed into a layer: the sparse feature
// matrix for the first layer, the previous layer's dense output afterwards.
type Input struct {
	sparse *sparse.CSR
	dense  *mat.Dense
}

// SparseInput wraps a sparse feature matrix.
func SparseInput(m *sparse.CSR) Input { return Input{sparse: m} }

// DenseInput wraps a dense activation matrix.
func DenseInput(m *mat.Dense) Input { return Input{dense: m} }

// Dims returns the input shape.
func (in Input) Dims() (int, int) {
	if in.sparse != nil {
		return in.sparse.Dims()
	}
	if in.dense != nil {
		return in.dense.Dims()
	}
	return 0, 0
}

// Layer is one stage of a stack. Backward must follow the Forward call whose
// activations it differentiates.
type Layer interface {
	Forward(in Input, training bool) (*mat.Dense, error)
	Backward(grad *mat.Dense) (*mat.Dense, error)
	Params() []*Param
	ParamCount() int
	OutputDim() int
	Dropout() float64
	Activation() Activation
}

// LayerSpec configures one graph convolution.
type LayerSpec struct {
	// OutputDim is the number of output units. Zero on the final layer means
	// one unit per class.
	OutputDim int
	// NumBases selects the basis decomposition when 0 < NumBases < number of
	// relations; any other non-positive value keeps one matrix per relation.
	NumBases    int
	Featureless bool
	Activation  Activation
	Dropout     float64
	L2          float64
	Bias        bool
}

// GraphConv is a relational graph convolution:
//
//	H' = act(Σ_r Â_r·H·W_r + b)
//
// Per-relation products run concurrently and are summed in relation order.
type GraphConv struct {
	name     string
	spec     LayerSpec
	inDim    int
	outDim   int
	supports []*sparse.CSR
	weights  weightSet
	bias     *Param
	workers  int
	dropout  bool
	rng      *rand.Rand

	// Â_r·X for a sparse input, computed once per bound input.
	axFor *sparse.CSR
	ax    []*sparse.CSR

	// tape of the last forward pass
	in   Input
	w    []*mat.Dense
	act  *mat.Dense
	mask []float64
}

type graphConvConfig struct {
	name     string
	spec     LayerSpec
	inDim    int
	supports []*sparse.CSR
	workers  int
	dropout  bool
	rng      *rand.Rand
}

func newGraphConv(cfg graphConvConfig) *GraphConv {
	g := &GraphConv{
		name:     cfg.name,
		spec:     cfg.spec,
		inDim:    cfg.inDim,
		outDim:   cfg.spec.OutputDim,
		supports: cfg.supports,
		workers:  cfg.workers,
		dropout:  cfg.dropout && cfg.spec.Dropout > 0,
		rng:      cfg.rng,
	}

	relations := len(cfg.supports)
	if b := cfg.spec.NumBases; b > 0 && b < relations {
		g.weights = newBasisWeights(g.name, relations, b, g.inDim, g.outDim, cfg.spec.L2, cfg.rng)
	} else {
		g.weights = newIndependentWeights(g.name, relations, g.inDim, g.outDim, cfg.spec.L2, cfg.rng)
	}
	if cfg.spec.Bias {
		g.bias = newParam(g.name+"/b", 1, g.outDim, 0)
	}
	return g
}

// Params returns the layer's trainable tensors.
func (g *GraphConv) Params() []*Param {
	ps := g.weights.params()
	if g.bias != nil {
		ps = append(ps, g.bias)
	}
	return ps
}

// ParamCount is the number of trainable scalars in the layer.
func (g *GraphConv) ParamCount() int {
	n := 0
	for _, p := range g.Params() {
		n += p.Size()
	}
	return n
}

func (g *GraphConv) OutputDim() int         { return g.outDim }
func (g *GraphConv) Dropout() float64       { return g.spec.Dropout }
func (g *GraphConv) Activation() Activation { return g.spec.Activation }

// Forward computes the layer output. Dropout is applied only when training.
func (g *GraphConv) Forward(in Input, training bool) (*mat.Dense, error) {
	if err := g.checkInput(in); err != nil {
		return nil, err
	}
	if in.sparse != nil && !g.spec.Featureless {
		if err := g.bindSparse(in.sparse); err != nil {
			return nil, err
		}
	}

	w := g.weights.materialize()
	parts := make([]*mat.Dense, len(g.supports))
	err := g.eachRelation(func(r int) error {
		parts[r] = g.propagate(r, in, w[r])
		return nil
	})
	if err != nil {
		return nil, err
	}

	z := parts[0]
	for _, p := range parts[1:] {
		z.Add(z, p)
	}
	if g.bias != nil {
		b := g.bias.Value.RawRowView(0)
		rows, _ := z.Dims()
		for i := 0; i < rows; i++ {
			floats.Add(z.RawRowView(i), b)
		}
	}

	act := g.spec.Activation.apply(z)
	g.in, g.w, g.act, g.mask = in, w, act, nil
	if !training || !g.dropout {
		return act, nil
	}

	keep := 1 - g.spec.Dropout
	out := mat.DenseCopyOf(act)
	data := out.RawMatrix().Data
	g.mask = make([]float64, len(data))
	for i := range data {
		if g.rng.Float64() < keep {
			g.mask[i] = 1 / keep
		}
		data[i] *= g.mask[i]
	}
	return out, nil
}

// Backward propagates grad (dL/d output) through the layer, accumulating
// parameter gradients. It returns dL/d input for dense inputs and nil for
// sparse ones, which are not trainable.
func (g *GraphConv) Backward(grad *mat.Dense) (*mat.Dense, error) {
	if g.act == nil {
		return nil, fmt.Errorf("%s: backward called before forward", g.name)
	}
	if r, c := grad.Dims(); r != g.act.RawMatrix().Rows || c != g.outDim {
		return nil, fmt.Errorf("%s: gradient is %dx%d, want %dx%d", g.name, r, c, g.act.RawMatrix().Rows, g.outDim)
	}

	dOut := grad
	if g.mask != nil {
		dOut = mat.DenseCopyOf(grad)
		floats.Mul(dOut.RawMatrix().Data, g.mask)
	}
	dz := g.spec.Activation.backward(g.act, dOut)

	if g.bias != nil {
		bg := g.bias.Grad.RawRowView(0)
		rows, _ := dz.Dims()
		for i := 0; i < rows; i++ {
			floats.Add(bg, dz.RawRowView(i))
		}
	}

	dW := make([]*mat.Dense, len(g.supports))
	var dIn []*mat.Dense
	if g.in.dense != nil {
		dIn = make([]*mat.Dense, len(g.supports))
	}
	err := g.eachRelation(func(r int) error {
		switch {
		case g.spec.Featureless:
			dW[r] = g.supports[r].TMulDense(dz)
		case g.in.sparse != nil:
			dW[r] = g.ax[r].TMulDense(dz)
		default:
			ag := g.supports[r].TMulDense(dz)
			dW[r] = gemm(true, g.in.dense, false, ag)
			dIn[r] = gemm(false, ag, true, g.w[r])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.weights.accumulate(dW)

	if dIn == nil {
		return nil, nil
	}
	sum := dIn[0]
	for _, d := range dIn[1:] {
		sum.Add(sum, d)
	}
	return sum, nil
}

func (g *GraphConv) propagate(r int, in Input, w *mat.Dense) *mat.Dense {
	switch {
	case g.spec.Featureless:
		return g.supports[r].MulDense(w)
	case in.sparse != nil:
		return g.ax[r].MulDense(w)
	default:
		return g.supports[r].MulDense(gemm(false, in.dense, false, w))
	}
}

func (g *GraphConv) bindSparse(x *sparse.CSR) error {
	if g.axFor == x {
		return nil
	}
	ax := make([]*sparse.CSR, len(g.supports))
	err := g.eachRelation(func(r int) error {
		m, err := g.supports[r].MulCSR(x)
		if err != nil {
			return fmt.Errorf("%s: relation %d: %w", g.name, r, err)
		}
		ax[r] = m
		return nil
	})
	if err != nil {
		return err
	}
	g.axFor, g.ax = x, ax
	return nil
}

func (g *GraphConv) checkInput(in Input) error {
	n, _ := g.supports[0].Dims()
	rows, cols := in.Dims()
	if in.sparse == nil && in.dense == nil {
		return fmt.Errorf("%s: empty input", g.name)
	}
	if rows != n {
		return fmt.Errorf("%s: input has %d rows for %d nodes", g.name, rows, n)
	}
	if !g.spec.Featureless && cols != g.inDim {
		return fmt.Errorf("%s: input has %d columns, want %d", g.name, cols, g.inDim)
	}
	return nil
}

func (g *GraphConv) eachRelation(fn func(r int) error) error {
	var eg errgroup.Group
	eg.SetLimit(g.workers)
	for r := range g.supports {
		eg.Go(func() error { return fn(r) })
	}
	return eg.Wait()
}
