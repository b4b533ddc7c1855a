package rgcn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/sparse"
)

type fixture struct {
	x        *sparse.CSR
	supports []*sparse.CSR
	y        *sparse.CSR
	weights  []float64
}

// smallGraph is five nodes, two relations and three classes with three
// labeled nodes.
func smallGraph(t *testing.T) fixture {
	t.Helper()
	a0, err := sparse.New(5, 5, []sparse.Entry{
		{Row: 0, Col: 1, Value: 1}, {Row: 1, Col: 2, Value: 1}, {Row: 2, Col: 3, Value: 1}, {Row: 3, Col: 4, Value: 1},
	})
	require.NoError(t, err)
	a1, err := sparse.New(5, 5, []sparse.Entry{
		{Row: 4, Col: 0, Value: 1}, {Row: 0, Col: 2, Value: 1}, {Row: 0, Col: 3, Value: 1},
	})
	require.NoError(t, err)
	y, err := sparse.New(5, 3, []sparse.Entry{
		{Row: 0, Col: 0, Value: 1}, {Row: 2, Col: 1, Value: 1}, {Row: 4, Col: 2, Value: 1},
	})
	require.NoError(t, err)
	return fixture{
		x:        sparse.Identity(5),
		supports: []*sparse.CSR{a0.RowNormalize(), a1.RowNormalize()},
		y:        y,
		weights:  []float64{1, 0, 1, 0, 1},
	}
}

func randomSupports(t *testing.T, n, relations int, seed int64) []*sparse.CSR {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	out := make([]*sparse.CSR, relations)
	for r := range out {
		var entries []sparse.Entry
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if rng.Float64() < 0.3 {
					entries = append(entries, sparse.Entry{Row: i, Col: j, Value: 1})
				}
			}
		}
		a, err := sparse.New(n, n, entries)
		require.NoError(t, err)
		out[r] = a.RowNormalize()
	}
	return out
}

func twoLayerSpec(hidden int) Spec {
	return Spec{
		Layers: []LayerSpec{
			{OutputDim: hidden, Featureless: true, Activation: ReLU},
			{Activation: Softmax},
		},
		Loss:         "categorical_crossentropy",
		LearningRate: 0.01,
		Seed:         1,
		Workers:      2,
	}
}

func TestSmallGraphOneEpoch(t *testing.T) {
	f := smallGraph(t)
	s, err := Compile(twoLayerSpec(4), f.x, f.supports, 3)
	require.NoError(t, err)

	loss, err := s.TrainStep(f.y, f.weights)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss))
	assert.Greater(t, loss, 0.0)

	preds, err := s.Predict()
	require.NoError(t, err)
	r, c := preds.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 3, c)
	for i := 0; i < r; i++ {
		assert.InDelta(t, 1.0, floats.Sum(preds.RawRowView(i)), 1e-9)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	f := smallGraph(t)
	s, err := Compile(twoLayerSpec(8), f.x, f.supports, 3)
	require.NoError(t, err)

	first, err := s.TrainStep(f.y, f.weights)
	require.NoError(t, err)
	var last float64
	for i := 0; i < 100; i++ {
		last, err = s.TrainStep(f.y, f.weights)
		require.NoError(t, err)
	}
	assert.Less(t, last, first)
}

func TestParamShapes(t *testing.T) {
	f := smallGraph(t)
	spec := twoLayerSpec(4)
	spec.Layers[1].Bias = true
	s, err := Compile(spec, f.x, f.supports, 3)
	require.NoError(t, err)

	w, ok := s.Params().Get("layer0/W_1")
	require.True(t, ok)
	r, c := w.Value.Dims()
	assert.Equal(t, 5, r, "featureless weights have one row per node")
	assert.Equal(t, 4, c)

	b, ok := s.Params().Get("layer1/b")
	require.True(t, ok)
	_, c = b.Value.Dims()
	assert.Equal(t, 3, c)

	assert.Equal(t, 2*5*4+2*4*3+3, s.Params().Count())
	assert.Equal(t, 2*5*4, s.Layers()[0].ParamCount())
}

func TestBasisWeightsMatchExplicitCombination(t *testing.T) {
	const n, relations, bases = 7, 3, 2
	supports := randomSupports(t, n, relations, 3)
	x := sparse.Identity(n)
	rng := rand.New(rand.NewSource(4))

	basis := newGraphConv(graphConvConfig{
		name: "basis", spec: LayerSpec{OutputDim: 4, NumBases: bases, Activation: Tanh},
		inDim: n, supports: supports, workers: 2, rng: rng,
	})
	indep := newGraphConv(graphConvConfig{
		name: "indep", spec: LayerSpec{OutputDim: 4, Activation: Tanh},
		inDim: n, supports: supports, workers: 2, rng: rng,
	})
	require.IsType(t, &basisWeights{}, basis.weights)

	bw := basis.weights.(*basisWeights)
	for r, p := range indep.weights.(*independentWeights).w {
		p.Value.Zero()
		for b, v := range bw.bases {
			var scaled mat.Dense
			scaled.Scale(bw.coeff.Value.At(r, b), v.Value)
			p.Value.Add(p.Value, &scaled)
		}
	}

	got, err := basis.Forward(SparseInput(x), false)
	require.NoError(t, err)
	want, err := indep.Forward(SparseInput(x), false)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(want, got, 1e-12))
}

func TestFeaturelessMatchesIdentityProduct(t *testing.T) {
	const n = 6
	supports := randomSupports(t, n, 2, 5)
	x := sparse.Identity(n)

	featureless := newGraphConv(graphConvConfig{
		name: "a", spec: LayerSpec{OutputDim: 3, Featureless: true},
		inDim: n, supports: supports, workers: 1, rng: rand.New(rand.NewSource(6)),
	})
	withInput := newGraphConv(graphConvConfig{
		name: "b", spec: LayerSpec{OutputDim: 3},
		inDim: n, supports: supports, workers: 1, rng: rand.New(rand.NewSource(6)),
	})

	got, err := featureless.Forward(SparseInput(x), false)
	require.NoError(t, err)
	viaIdentity, err := withInput.Forward(SparseInput(x), false)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(viaIdentity, got, 1e-12))

	want := mat.NewDense(n, 3, nil)
	for r, a := range supports {
		var term mat.Dense
		term.Mul(a.ToDense(), featureless.weights.materialize()[r])
		want.Add(want, &term)
	}
	assert.True(t, mat.EqualApprox(want, got, 1e-12))
}

func TestDropoutOnlyWhileTraining(t *testing.T) {
	f := smallGraph(t)
	spec := twoLayerSpec(16)
	spec.Layers[0].Dropout = 0.5
	s, err := Compile(spec, f.x, f.supports, 3)
	require.NoError(t, err)

	a, err := s.Predict()
	require.NoError(t, err)
	b, err := s.Predict()
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b))

	infer, err := s.layers[0].Forward(SparseInput(f.x), false)
	require.NoError(t, err)
	train, err := s.layers[0].Forward(SparseInput(f.x), true)
	require.NoError(t, err)
	assert.False(t, mat.Equal(infer, train))
	for i, v := range train.RawMatrix().Data {
		if v != 0 {
			assert.InDelta(t, 2*infer.RawMatrix().Data[i], v, 1e-12)
		}
	}
}

// TestGradients compares backpropagated gradients with central differences
// on a stack that exercises sparse features, basis weights, bias and L2.
func TestGradients(t *testing.T) {
	const n, relations, classes = 6, 3, 3
	rng := rand.New(rand.NewSource(7))
	var entries []sparse.Entry
	for i := 0; i < n; i++ {
		entries = append(entries, sparse.Entry{Row: i, Col: rng.Intn(4), Value: rng.Float64() + 0.5})
	}
	x, err := sparse.New(n, 4, entries)
	require.NoError(t, err)
	y, err := sparse.New(n, classes, []sparse.Entry{
		{Row: 0, Col: 0, Value: 1}, {Row: 1, Col: 2, Value: 1}, {Row: 3, Col: 1, Value: 1}, {Row: 5, Col: 0, Value: 1},
	})
	require.NoError(t, err)
	weights := []float64{1, 1, 0, 1, 0, 1}

	for _, loss := range []string{"categorical_crossentropy", "mean_squared_error"} {
		t.Run(loss, func(t *testing.T) {
			spec := Spec{
				Layers: []LayerSpec{
					{OutputDim: 5, NumBases: 2, Activation: Tanh, L2: 1e-3, Bias: true},
					{OutputDim: 4, Activation: Sigmoid},
					{Activation: Softmax, Bias: true},
				},
				Loss:         loss,
				LearningRate: 0.01,
				Seed:         8,
			}
			s, err := Compile(spec, x, randomSupports(t, n, relations, 9), classes)
			require.NoError(t, err)

			_, err = s.gradients(y, weights, false)
			require.NoError(t, err)
			analytic := make(map[string][]float64)
			for _, p := range s.Params().All() {
				analytic[p.Name] = append([]float64(nil), p.Grad.RawMatrix().Data...)
			}

			objective := func() float64 {
				out, err := s.forward(false)
				require.NoError(t, err)
				return s.loss.Value(out, y, weights) + s.params.Penalty()
			}
			const h = 1e-6
			for _, p := range s.Params().All() {
				data := p.Value.RawMatrix().Data
				for i := range data {
					orig := data[i]
					data[i] = orig + h
					up := objective()
					data[i] = orig - h
					down := objective()
					data[i] = orig
					numeric := (up - down) / (2 * h)
					assert.InDelta(t, numeric, analytic[p.Name][i], 1e-6, "%s[%d]", p.Name, i)
				}
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	f := smallGraph(t)
	rect, err := sparse.New(5, 2, nil)
	require.NoError(t, err)
	bad, err := sparse.New(4, 4, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		mutate   func(*Spec)
		x        *sparse.CSR
		supports []*sparse.CSR
		classes  int
		want     error
	}{
		{"single layer", func(s *Spec) { s.Layers = s.Layers[:1] }, f.x, f.supports, 3, coreerrors.ErrInvalidConfig},
		{"featureless hidden layer", func(s *Spec) { s.Layers[1].Featureless = true }, f.x, f.supports, 3, coreerrors.ErrInvalidConfig},
		{"featureless needs square input", nil, rect, f.supports, 3, coreerrors.ErrShapeMismatch},
		{"too many bases", func(s *Spec) { s.Layers[0].NumBases = 3 }, f.x, f.supports, 3, coreerrors.ErrInvalidConfig},
		{"final width", func(s *Spec) { s.Layers[1].OutputDim = 2 }, f.x, f.supports, 3, coreerrors.ErrShapeMismatch},
		{"zero hidden width", func(s *Spec) { s.Layers[0].OutputDim = 0 }, f.x, f.supports, 3, coreerrors.ErrInvalidConfig},
		{"dropout one", func(s *Spec) { s.Layers[0].Dropout = 1 }, f.x, f.supports, 3, coreerrors.ErrInvalidConfig},
		{"unknown loss", func(s *Spec) { s.Loss = "hinge" }, f.x, f.supports, 3, coreerrors.ErrInvalidConfig},
		{"zero learning rate", func(s *Spec) { s.LearningRate = 0 }, f.x, f.supports, 3, coreerrors.ErrInvalidConfig},
		{"no relations", nil, f.x, nil, 3, coreerrors.ErrShapeMismatch},
		{"relation shape", nil, f.x, []*sparse.CSR{f.supports[0], bad}, 3, coreerrors.ErrShapeMismatch},
		{"no classes", nil, f.x, f.supports, 0, coreerrors.ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := twoLayerSpec(4)
			if tt.mutate != nil {
				tt.mutate(&spec)
			}
			_, err := Compile(spec, tt.x, tt.supports, tt.classes)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, coreerrors.IsFatal(err))
		})
	}
}

func TestTrainStepRejectsLabelShape(t *testing.T) {
	f := smallGraph(t)
	s, err := Compile(twoLayerSpec(4), f.x, f.supports, 3)
	require.NoError(t, err)

	_, err = s.TrainStep(sparse.Zeros(5, 2), f.weights)
	assert.ErrorIs(t, err, coreerrors.ErrShapeMismatch)

	_, err = s.TrainStep(f.y, []float64{1, 1})
	assert.ErrorIs(t, err, coreerrors.ErrShapeMismatch)
}

func TestSnapshotRestore(t *testing.T) {
	f := smallGraph(t)
	s, err := Compile(twoLayerSpec(4), f.x, f.supports, 3)
	require.NoError(t, err)

	_, err = s.TrainStep(f.y, f.weights)
	require.NoError(t, err)
	snap := s.Snapshot(1)
	want, err := s.TrainStep(f.y, f.weights)
	require.NoError(t, err)
	after, err := s.Predict()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = s.TrainStep(f.y, f.weights)
		require.NoError(t, err)
	}

	require.NoError(t, s.Restore(snap))
	got, err := s.TrainStep(f.y, f.weights)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	preds, err := s.Predict()
	require.NoError(t, err)
	assert.True(t, mat.Equal(after, preds))

	other, err := Compile(twoLayerSpec(6), f.x, f.supports, 3)
	require.NoError(t, err)
	assert.ErrorIs(t, other.Restore(snap), coreerrors.ErrShapeMismatch)
}

func TestResumedDropoutMatchesUninterruptedRun(t *testing.T) {
	f := smallGraph(t)
	spec := twoLayerSpec(4)
	spec.Layers[0].Dropout = 0.5

	full, err := Compile(spec, f.x, f.supports, 3)
	require.NoError(t, err)
	first, err := Compile(spec, f.x, f.supports, 3)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = full.TrainStep(f.y, f.weights)
		require.NoError(t, err)
		_, err = first.TrainStep(f.y, f.weights)
		require.NoError(t, err)
	}

	// The resumed stack has not drawn any dropout masks yet.
	resumed, err := Compile(spec, f.x, f.supports, 3)
	require.NoError(t, err)
	require.NoError(t, resumed.Restore(first.Snapshot(2)))

	for i := 0; i < 3; i++ {
		want, err := full.TrainStep(f.y, f.weights)
		require.NoError(t, err)
		got, err := resumed.TrainStep(f.y, f.weights)
		require.NoError(t, err)
		assert.Equal(t, want, got, "step %d", i+3)
	}
	for _, p := range full.Params().All() {
		q, ok := resumed.Params().Get(p.Name)
		require.True(t, ok)
		assert.True(t, mat.Equal(p.Value, q.Value), p.Name)
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	params := newParams()
	p := newParam("w", 1, 3, 0)
	p.Grad.SetRow(0, []float64{0.5, -2, 0})
	params.add(p)

	NewAdam(0.1).Step(params)

	got := p.Value.RawRowView(0)
	assert.InDelta(t, -0.1, got[0], 1e-6)
	assert.InDelta(t, 0.1, got[1], 1e-6)
	assert.Zero(t, got[2])
}

func TestPenalty(t *testing.T) {
	params := newParams()
	p := newParam("w", 1, 2, 0.5)
	p.Value.SetRow(0, []float64{1, 2})
	params.add(p, newParam("free", 1, 1, 0))

	assert.InDelta(t, 2.5, params.Penalty(), 1e-12)
	params.addPenaltyGrad()
	assert.Equal(t, []float64{1, 2}, p.Grad.RawRowView(0))
	assert.True(t, params.Finite())

	p.Value.Set(0, 0, math.NaN())
	assert.False(t, params.Finite())
}

func TestLossValues(t *testing.T) {
	out := mat.NewDense(2, 2, []float64{0.8, 0.2, 0.4, 0.6})
	y := mat.NewDense(2, 2, []float64{1, 0, 1, 0})

	cce, err := ParseLoss("categorical_crossentropy")
	require.NoError(t, err)
	assert.InDelta(t, -(math.Log(0.8)+math.Log(0.4))/2, cce.Value(out, y, []float64{1, 1}), 1e-12)
	assert.InDelta(t, -math.Log(0.8), cce.Value(out, y, []float64{1, 0}), 1e-12)
	assert.Zero(t, cce.Value(out, y, []float64{0, 0}))

	mse, err := ParseLoss("mse")
	require.NoError(t, err)
	assert.InDelta(t, (0.04+0.04)/2, mse.Value(out, y, []float64{1, 0}), 1e-12)

	_, err = ParseLoss("hinge")
	assert.Error(t, err)
}

func TestActivations(t *testing.T) {
	z := mat.NewDense(2, 3, []float64{1, 2, 3, -1, 0, 1000})

	sm := Softmax.apply(z)
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 1.0, floats.Sum(sm.RawRowView(i)), 1e-12)
	}
	assert.InDelta(t, 1.0, sm.At(1, 2), 1e-12)

	relu := ReLU.apply(z)
	assert.Equal(t, []float64{0, 0, 1000}, relu.RawRowView(1))
	assert.Equal(t, -1.0, z.At(1, 0), "apply must not modify its input")

	for _, name := range []string{"linear", "relu", "sigmoid", "tanh", "softmax"} {
		a, err := ParseActivation(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.String())
	}
	a, err := ParseActivation("")
	require.NoError(t, err)
	assert.Equal(t, Linear, a)
	_, err = ParseActivation("gelu")
	assert.Error(t, err)
}
