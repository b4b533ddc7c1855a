package dataset

import (
	"math"
	"math/rand"

	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/sparse"
)

// ratioTolerance bounds how far dataset ratios may drift from summing to 1.
const ratioTolerance = 1e-6

// Subset is one split: its node indices and Y restricted to those rows
// (same N×C shape, every other row zero).
type Subset struct {
	Indices []int
	Y       *sparse.CSR
}

// Len returns the number of nodes in the subset.
func (s Subset) Len() int { return len(s.Indices) }

// Splits holds the three disjoint subsets of the labeled nodes.
type Splits struct {
	Train Subset
	Val   Subset
	Test  Subset
}

// ValidateRatios checks that ratios are non-negative and sum to 1.
func ValidateRatios(ratios [3]float64) error {
	sum := 0.0
	for i, r := range ratios {
		if r < 0 || math.IsNaN(r) {
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, "split", "ratio %d is %v", i, r)
		}
		sum += r
	}
	if math.Abs(sum-1) > ratioTolerance {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, "split", "ratios sum to %v, want 1", sum)
	}
	return nil
}

// Split shuffles the labeled indices with seed and cuts them into train,
// validation and test by ratios. Train and validation sizes are floored;
// test receives the remainder, so every labeled node lands in exactly one
// subset. A subset that ends up empty is an error.
func Split(labeled []int, y *sparse.CSR, ratios [3]float64, seed int64) (*Splits, error) {
	if err := ValidateRatios(ratios); err != nil {
		return nil, err
	}

	n, _ := y.Dims()
	seen := make(map[int]struct{}, len(labeled))
	for _, i := range labeled {
		if i < 0 || i >= n {
			return nil, coreerrors.Newf(coreerrors.ErrShapeMismatch, "split", "labeled index %d outside %d nodes", i, n)
		}
		if _, dup := seen[i]; dup {
			return nil, coreerrors.Newf(coreerrors.ErrInvalidSplit, "split", "labeled index %d listed twice", i)
		}
		seen[i] = struct{}{}
	}

	order := make([]int, len(labeled))
	copy(order, labeled)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })

	total := len(order)
	nTrain := splitSize(ratios[0], total)
	nVal := splitSize(ratios[1], total)

	parts := [3][]int{
		order[:nTrain],
		order[nTrain : nTrain+nVal],
		order[nTrain+nVal:],
	}
	names := [3]string{"train", "val", "test"}

	var subsets [3]Subset
	for k, idx := range parts {
		if len(idx) == 0 {
			return nil, coreerrors.Newf(coreerrors.ErrInvalidSplit, "split", "%s split is empty (%d labeled nodes, ratios %v)", names[k], total, ratios)
		}
		ys, err := y.KeepRows(idx)
		if err != nil {
			return nil, err
		}
		subsets[k] = Subset{Indices: idx, Y: ys}
	}

	return &Splits{Train: subsets[0], Val: subsets[1], Test: subsets[2]}, nil
}

// splitSize floors ratio*total, tolerating products such as 0.57*100 that
// land just below the integer.
func splitSize(ratio float64, total int) int {
	return int(math.Floor(ratio*float64(total) + 1e-9))
}

// SampleMask returns a length-n vector with 1 at the given indices and 0
// elsewhere.
func SampleMask(indices []int, n int) []float64 {
	mask := make([]float64, n)
	for _, i := range indices {
		mask[i] = 1
	}
	return mask
}
