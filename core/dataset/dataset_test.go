package dataset

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/kg"
	"github.com/SPINLab/mrgcn/core/sparse"
)

func TestBuild(t *testing.T) {
	nodes := []string{"a", "b", "c", "d", "e"}
	targets := []kg.Triple{
		{Subject: "b", Predicate: "type", Object: "Robot"},
		{Subject: "a", Predicate: "type", Object: "Person"},
		{Subject: "d", Predicate: "type", Object: "Person"},
		{Subject: "a", Predicate: "type", Object: "Person"},
	}

	ds, err := Build(nodes, targets, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, ds.NumNodes())
	assert.Equal(t, []string{"Person", "Robot"}, ds.Classes)
	assert.Equal(t, []int{1, 0, 3}, ds.Labeled)

	r, c := ds.Y.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 3, ds.Y.NNZ(), "duplicate target statements set the label once")
	assert.Equal(t, 1.0, ds.Y.At(0, 0))
	assert.Equal(t, 1.0, ds.Y.At(1, 1))
	assert.Equal(t, 1.0, ds.Y.At(3, 0))

	assert.True(t, ds.X.IsIdentity())
	xr, xc := ds.X.Dims()
	assert.Equal(t, 5, xr)
	assert.Equal(t, 5, xc)
}

func TestBuildUnknownTargetNode(t *testing.T) {
	_, err := Build([]string{"a"}, []kg.Triple{{Subject: "z", Predicate: "type", Object: "X"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, coreerrors.ErrUnknownNode))
	assert.Equal(t, coreerrors.KindDataConsistency, coreerrors.KindOf(err))
}

func TestBuildRejectsEmptyInputs(t *testing.T) {
	_, err := Build(nil, []kg.Triple{{Subject: "a", Object: "X"}}, nil)
	assert.Error(t, err)

	_, err = Build([]string{"a"}, nil, nil)
	assert.ErrorIs(t, err, coreerrors.ErrNoTargets)
}

func labeledFixture(t *testing.T, n, labeled, classes int) ([]int, *sparse.CSR) {
	t.Helper()
	idx := make([]int, labeled)
	entries := make([]sparse.Entry, labeled)
	for i := 0; i < labeled; i++ {
		idx[i] = i * 2 % n
		entries[i] = sparse.Entry{Row: idx[i], Col: i % classes, Value: 1}
	}
	y, err := sparse.New(n, classes, entries)
	require.NoError(t, err)
	return idx, y
}

func TestSplitDisjointAndCovering(t *testing.T) {
	ratioSets := [][3]float64{
		{0.7, 0.1, 0.2},
		{0.5, 0.25, 0.25},
		{1.0 / 3, 1.0 / 3, 1.0 / 3},
		{0.8, 0.1, 0.1},
	}
	idx, y := labeledFixture(t, 101, 40, 3)

	for _, ratios := range ratioSets {
		for seed := int64(0); seed < 10; seed++ {
			t.Run(fmt.Sprintf("%v/seed=%d", ratios, seed), func(t *testing.T) {
				s, err := Split(idx, y, ratios, seed)
				require.NoError(t, err)

				var all []int
				all = append(all, s.Train.Indices...)
				all = append(all, s.Val.Indices...)
				all = append(all, s.Test.Indices...)
				sort.Ints(all)

				want := append([]int(nil), idx...)
				sort.Ints(want)
				if diff := cmp.Diff(want, all); diff != "" {
					t.Fatalf("splits do not cover labeled nodes exactly once (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestSplitSizesExactProducts(t *testing.T) {
	idx, y := labeledFixture(t, 201, 100, 3)

	// 0.57*100 evaluates to 56.99999999999999 in float64.
	s, err := Split(idx, y, [3]float64{0.57, 0.13, 0.30}, 1)
	require.NoError(t, err)
	assert.Equal(t, 57, s.Train.Len())
	assert.Equal(t, 13, s.Val.Len())
	assert.Equal(t, 30, s.Test.Len())

	assert.Equal(t, 57, splitSize(0.57, 100))
	assert.Equal(t, 2, splitSize(0.25, 10), "fractions still floor")
}

func TestSplitRestrictsLabels(t *testing.T) {
	idx, y := labeledFixture(t, 20, 10, 2)
	s, err := Split(idx, y, [3]float64{0.6, 0.2, 0.2}, 7)
	require.NoError(t, err)

	in := make(map[int]bool)
	for _, i := range s.Val.Indices {
		in[i] = true
	}
	for i := 0; i < 20; i++ {
		for c := 0; c < 2; c++ {
			if in[i] {
				assert.Equal(t, y.At(i, c), s.Val.Y.At(i, c))
			} else {
				assert.Zero(t, s.Val.Y.At(i, c))
			}
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	idx, y := labeledFixture(t, 60, 30, 3)

	a, err := Split(idx, y, [3]float64{0.6, 0.2, 0.2}, 42)
	require.NoError(t, err)
	b, err := Split(idx, y, [3]float64{0.6, 0.2, 0.2}, 42)
	require.NoError(t, err)

	assert.Equal(t, a.Train.Indices, b.Train.Indices)
	assert.Equal(t, a.Val.Indices, b.Val.Indices)
	assert.Equal(t, a.Test.Indices, b.Test.Indices)

	c, err := Split(idx, y, [3]float64{0.6, 0.2, 0.2}, 43)
	require.NoError(t, err)
	assert.NotEqual(t, a.Train.Indices, c.Train.Indices)
}

func TestSplitErrors(t *testing.T) {
	idx, y := labeledFixture(t, 10, 5, 2)

	tests := []struct {
		name   string
		idx    []int
		ratios [3]float64
		want   error
	}{
		{"ratios do not sum to one", idx, [3]float64{0.5, 0.2, 0.2}, coreerrors.ErrInvalidConfig},
		{"negative ratio", idx, [3]float64{1.2, -0.2, 0}, coreerrors.ErrInvalidConfig},
		{"empty validation split", idx, [3]float64{0.9, 0.0, 0.1}, coreerrors.ErrInvalidSplit},
		{"duplicate index", []int{0, 0, 2}, [3]float64{0.4, 0.3, 0.3}, coreerrors.ErrInvalidSplit},
		{"index out of range", []int{0, 10}, [3]float64{0.5, 0.0, 0.5}, coreerrors.ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(tt.idx, y, tt.ratios, 1)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSampleMask(t *testing.T) {
	assert.Equal(t, []float64{0, 1, 0, 1, 0}, SampleMask([]int{3, 1}, 5))
}
