// Package eval scores full-graph predictions on node subsets.
//
// Predictions always cover the whole node universe because graph convolution
// is not separable per node; the evaluator restricts loss and accuracy to the
// rows of one split at a time.
package eval

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	coreerrors "github.com/SPINLab/mrgcn/core/errors"
)

// Evaluate computes categorical cross-entropy and accuracy for each
// (labels[i], indices[i]) pair, in input order. Neither preds nor labels are
// modified.
//
// An empty index subset fails with ErrEmptySubset. A non-empty subset whose
// label rows are all zero has no positions to score, and its loss is NaN.
func Evaluate(preds mat.Matrix, labels []mat.Matrix, indices [][]int) (loss, acc []float64, err error) {
	if len(labels) != len(indices) {
		return nil, nil, coreerrors.Newf(coreerrors.ErrShapeMismatch, "evaluate", "%d label matrices for %d index subsets", len(labels), len(indices))
	}

	loss = make([]float64, len(labels))
	acc = make([]float64, len(labels))
	for k := range labels {
		l, err := CategoricalCrossEntropy(preds, labels[k], indices[k])
		if err != nil {
			return nil, nil, err
		}
		a, err := Accuracy(preds, labels[k], indices[k])
		if err != nil {
			return nil, nil, err
		}
		loss[k], acc[k] = l, a
	}
	return loss, acc, nil
}

// CategoricalCrossEntropy returns the mean of -log(p) over every position in
// the subset rows where the label is non-zero. Probabilities are not clipped,
// so a zero probability on a true class yields +Inf.
func CategoricalCrossEntropy(preds, labels mat.Matrix, idx []int) (float64, error) {
	if err := checkSubset(preds, labels, idx); err != nil {
		return 0, err
	}

	_, c := preds.Dims()
	p := make([]float64, c)
	y := make([]float64, c)
	var terms []float64
	for _, i := range idx {
		mat.Row(p, i, preds)
		mat.Row(y, i, labels)
		for j, v := range y {
			if v != 0 {
				terms = append(terms, -math.Log(p[j]))
			}
		}
	}
	if len(terms) == 0 {
		return math.NaN(), nil
	}
	return stat.Mean(terms, nil), nil
}

// Accuracy returns the fraction of subset rows whose prediction argmax equals
// the label argmax. Ties resolve to the lowest column.
func Accuracy(preds, labels mat.Matrix, idx []int) (float64, error) {
	if err := checkSubset(preds, labels, idx); err != nil {
		return 0, err
	}

	_, c := preds.Dims()
	p := make([]float64, c)
	y := make([]float64, c)
	hits := make([]float64, len(idx))
	for k, i := range idx {
		mat.Row(p, i, preds)
		mat.Row(y, i, labels)
		if floats.MaxIdx(p) == floats.MaxIdx(y) {
			hits[k] = 1
		}
	}
	return stat.Mean(hits, nil), nil
}

func checkSubset(preds, labels mat.Matrix, idx []int) error {
	if len(idx) == 0 {
		return coreerrors.Newf(coreerrors.ErrEmptySubset, "evaluate", "no rows to score")
	}
	pr, pc := preds.Dims()
	lr, lc := labels.Dims()
	if pr != lr || pc != lc {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, "evaluate", "predictions %dx%d, labels %dx%d", pr, pc, lr, lc)
	}
	for _, i := range idx {
		if i < 0 || i >= pr {
			return coreerrors.Newf(coreerrors.ErrShapeMismatch, "evaluate", "row %d outside %d rows", i, pr)
		}
	}
	return nil
}
