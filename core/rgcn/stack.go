// Package rgcn implements relational graph convolutional networks for node
// classification over a fixed graph.
//
// A Stack binds the node feature matrix and the per-relation normalized
// adjacency matrices at compile time, then repeatedly runs full-graph
// forward and backward passes. The loss is restricted to training rows with a
// per-row sample weight; predictions always cover every node.
package rgcn

import (
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"

	"gonum.org/v1/gonum/mat"

	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/sparse"
)

// Spec is the architecture and training setup of a stack.
type Spec struct {
	Layers       []LayerSpec
	Loss         string
	LearningRate float64
	Seed         int64
	// Workers bounds per-relation concurrency. Non-positive uses GOMAXPROCS.
	Workers int
}

// Option customizes Compile.
type Option func(*Stack)

// WithLogger sets the logger used for compile-time diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stack) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Stack is a compiled sequence of graph convolutions bound to one graph.
type Stack struct {
	layers     []Layer
	params     *Params
	optimizer  *Adam
	loss       Loss
	features   *sparse.CSR
	numNodes   int
	numClasses int
	relations  int
	logger     *slog.Logger

	// dropout masks are drawn from rng, reseeded from seed and the step
	// count before every training step
	seed int64
	rng  *rand.Rand
}

// Compile validates spec against the data shapes and builds a stack.
//
// x is the N×F node feature matrix, supports holds one N×N matrix per
// relation and numClasses is the label width C. The final layer must
// produce C outputs; its OutputDim defaults to C when zero. Only the first
// layer may be featureless, and then x must be N×N.
func Compile(spec Spec, x *sparse.CSR, supports []*sparse.CSR, numClasses int, opts ...Option) (*Stack, error) {
	s := &Stack{
		params:     newParams(),
		features:   x,
		numClasses: numClasses,
		relations:  len(supports),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := validate(spec, x, supports, numClasses); err != nil {
		return nil, err
	}
	s.numNodes, _ = x.Dims()

	loss, err := ParseLoss(spec.Loss)
	if err != nil {
		return nil, coreerrors.Newf(coreerrors.ErrInvalidConfig, "compile", "%v", err)
	}
	s.loss = loss
	s.optimizer = NewAdam(spec.LearningRate)

	workers := spec.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	s.seed, s.rng = spec.Seed, rng

	_, inDim := x.Dims()
	last := len(spec.Layers) - 1
	for l, ls := range spec.Layers {
		if l == last && ls.OutputDim == 0 {
			ls.OutputDim = numClasses
		}
		if ls.Featureless {
			inDim = s.numNodes
		}
		layer := newGraphConv(graphConvConfig{
			name:     fmt.Sprintf("layer%d", l),
			spec:     ls,
			inDim:    inDim,
			supports: supports,
			workers:  workers,
			dropout:  l != last,
			rng:      rng,
		})
		s.layers = append(s.layers, layer)
		s.params.add(layer.Params()...)
		inDim = ls.OutputDim
	}

	s.logger.Info("compiled relational graph model",
		"nodes", s.numNodes,
		"relations", s.relations,
		"classes", numClasses,
		"layers", len(s.layers),
		"parameters", s.params.Count(),
		"loss", s.loss.Name())
	return s, nil
}

func validate(spec Spec, x *sparse.CSR, supports []*sparse.CSR, numClasses int) error {
	const op = "compile"
	if len(spec.Layers) < 2 {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, op, "need at least 2 layers, got %d", len(spec.Layers))
	}
	if spec.LearningRate <= 0 {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, op, "learning rate must be positive, got %g", spec.LearningRate)
	}
	if x == nil {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "missing feature matrix")
	}
	n, f := x.Dims()
	if n == 0 || f == 0 {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "feature matrix is %dx%d", n, f)
	}
	if len(supports) == 0 {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "no relation matrices")
	}
	for r, a := range supports {
		if a == nil {
			return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "relation %d is nil", r)
		}
		if ar, ac := a.Dims(); ar != n || ac != n {
			return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "relation %d is %dx%d, want %dx%d", r, ar, ac, n, n)
		}
	}
	if numClasses < 1 {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "need at least one class, got %d", numClasses)
	}

	last := len(spec.Layers) - 1
	for l, ls := range spec.Layers {
		switch {
		case ls.Featureless && l != 0:
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, op, "layer %d: only the first layer may be featureless", l)
		case ls.Featureless && f != n:
			return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "layer 0: featureless input must be %dx%d, got %dx%d", n, n, n, f)
		case ls.NumBases > len(supports):
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, op, "layer %d: %d bases for %d relations", l, ls.NumBases, len(supports))
		case ls.Dropout < 0 || ls.Dropout >= 1:
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, op, "layer %d: dropout %g outside [0, 1)", l, ls.Dropout)
		case ls.L2 < 0:
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, op, "layer %d: negative l2 coefficient", l)
		case l == last && ls.OutputDim != 0 && ls.OutputDim != numClasses:
			return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "final layer has %d outputs for %d classes", ls.OutputDim, numClasses)
		case l != last && ls.OutputDim < 1:
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, op, "layer %d: hidden width must be positive", l)
		}
	}
	return nil
}

// NumNodes is N.
func (s *Stack) NumNodes() int { return s.numNodes }

// NumClasses is C.
func (s *Stack) NumClasses() int { return s.numClasses }

// NumRelations is the number of adjacency matrices bound at compile time.
func (s *Stack) NumRelations() int { return s.relations }

// Layers returns the compiled layers in order.
func (s *Stack) Layers() []Layer { return s.layers }

// Params returns every trainable tensor.
func (s *Stack) Params() *Params { return s.params }

// Loss is the compiled training loss.
func (s *Stack) Loss() Loss { return s.loss }

// CheckLabels verifies that y has one row per node and one column per class.
func (s *Stack) CheckLabels(y mat.Matrix) error {
	r, c := y.Dims()
	if r != s.numNodes || c != s.numClasses {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, "labels", "labels are %dx%d, model expects %dx%d", r, c, s.numNodes, s.numClasses)
	}
	return nil
}

// Predict runs an inference pass and returns the N×C output.
func (s *Stack) Predict() (*mat.Dense, error) {
	return s.forward(false)
}

// TrainStep runs one full-graph forward and backward pass with dropout
// enabled, applies one optimizer update and returns the training loss
// (including the L2 penalty) measured before the update. weights holds one
// sample weight per node; zero-weight rows do not contribute.
func (s *Stack) TrainStep(y mat.Matrix, weights []float64) (float64, error) {
	loss, err := s.gradients(y, weights, true)
	if err != nil {
		return 0, err
	}
	s.optimizer.Step(s.params)
	return loss, nil
}

func (s *Stack) gradients(y mat.Matrix, weights []float64, training bool) (float64, error) {
	if err := s.CheckLabels(y); err != nil {
		return 0, err
	}
	if len(weights) != s.numNodes {
		return 0, coreerrors.Newf(coreerrors.ErrShapeMismatch, "train", "%d sample weights for %d nodes", len(weights), s.numNodes)
	}

	s.params.zeroGrad()
	if training {
		s.rng.Seed(s.seed + int64(s.optimizer.Steps()))
	}
	out, err := s.forward(training)
	if err != nil {
		return 0, err
	}
	loss := s.loss.Value(out, y, weights) + s.params.Penalty()

	grad := s.loss.Gradient(out, y, weights)
	for l := len(s.layers) - 1; l >= 0; l-- {
		grad, err = s.layers[l].Backward(grad)
		if err != nil {
			return 0, err
		}
		if grad == nil && l > 0 {
			return 0, fmt.Errorf("layer%d: no gradient for layer%d", l, l-1)
		}
	}
	s.params.addPenaltyGrad()
	return loss, nil
}

func (s *Stack) forward(training bool) (*mat.Dense, error) {
	in := SparseInput(s.features)
	var out *mat.Dense
	for _, layer := range s.layers {
		var err error
		out, err = layer.Forward(in, training)
		if err != nil {
			return nil, err
		}
		in = DenseInput(out)
	}
	return out, nil
}

// Tensor is a named, row-major copy of one parameter.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// Snapshot is the complete trainable state of a stack.
type Snapshot struct {
	Epoch     int
	Params    []Tensor
	Optimizer AdamState
}

// Snapshot copies out every parameter and the optimizer state.
func (s *Stack) Snapshot(epoch int) Snapshot {
	snap := Snapshot{Epoch: epoch, Optimizer: s.optimizer.State()}
	for _, p := range s.params.All() {
		r, c := p.Value.Dims()
		snap.Params = append(snap.Params, Tensor{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), p.Value.RawMatrix().Data...),
		})
	}
	return snap
}

// Restore loads a snapshot taken from a stack with the same architecture.
// Dropout masks depend only on the seed and the restored step count, so a
// resumed run continues exactly as an uninterrupted one.
func (s *Stack) Restore(snap Snapshot) error {
	if len(snap.Params) != len(s.params.All()) {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, "restore", "snapshot has %d tensors, model has %d", len(snap.Params), len(s.params.All()))
	}
	for _, t := range snap.Params {
		p, ok := s.params.Get(t.Name)
		if !ok {
			return coreerrors.Newf(coreerrors.ErrShapeMismatch, "restore", "unknown tensor %q", t.Name)
		}
		if r, c := p.Value.Dims(); r != t.Rows || c != t.Cols || len(t.Data) != r*c {
			return coreerrors.Newf(coreerrors.ErrShapeMismatch, "restore", "tensor %q is %dx%d, model has %dx%d", t.Name, t.Rows, t.Cols, r, c)
		}
	}
	for _, t := range snap.Params {
		p, _ := s.params.Get(t.Name)
		copy(p.Value.RawMatrix().Data, t.Data)
	}
	s.optimizer.SetState(snap.Optimizer)
	return nil
}
