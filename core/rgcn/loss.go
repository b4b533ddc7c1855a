package rgcn

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// clipEpsilon keeps log and division away from exact zeros and ones.
const clipEpsilon = 1e-7

// Loss scores the stack output against labels, weighted per row. Rows with
// zero weight neither contribute to the value nor receive gradient; the value
// is averaged over rows with non-zero weight.
type Loss interface {
	Name() string
	Value(out *mat.Dense, y mat.Matrix, weights []float64) float64
	Gradient(out *mat.Dense, y mat.Matrix, weights []float64) *mat.Dense
}

// ParseLoss maps a configuration name to a Loss.
func ParseLoss(name string) (Loss, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "categorical_crossentropy":
		return categoricalCrossEntropy{}, nil
	case "mean_squared_error", "mse":
		return meanSquaredError{}, nil
	default:
		return nil, fmt.Errorf("unknown loss %q", name)
	}
}

func activeRows(weights []float64) float64 {
	n := 0.0
	for _, w := range weights {
		if w != 0 {
			n++
		}
	}
	return n
}

type categoricalCrossEntropy struct{}

func (categoricalCrossEntropy) Name() string { return "categorical_crossentropy" }

func (categoricalCrossEntropy) Value(out *mat.Dense, y mat.Matrix, weights []float64) float64 {
	count := activeRows(weights)
	if count == 0 {
		return 0
	}
	_, c := out.Dims()
	label := make([]float64, c)
	total := 0.0
	for i, w := range weights {
		if w == 0 {
			continue
		}
		mat.Row(label, i, y)
		p := out.RawRowView(i)
		for j, v := range label {
			if v != 0 {
				total -= w * v * math.Log(clip(p[j]))
			}
		}
	}
	return total / count
}

func (categoricalCrossEntropy) Gradient(out *mat.Dense, y mat.Matrix, weights []float64) *mat.Dense {
	r, c := out.Dims()
	grad := mat.NewDense(r, c, nil)
	count := activeRows(weights)
	if count == 0 {
		return grad
	}
	label := make([]float64, c)
	for i, w := range weights {
		if w == 0 {
			continue
		}
		mat.Row(label, i, y)
		p := out.RawRowView(i)
		g := grad.RawRowView(i)
		for j, v := range label {
			if v != 0 {
				g[j] = -w * v / clip(p[j]) / count
			}
		}
	}
	return grad
}

type meanSquaredError struct{}

func (meanSquaredError) Name() string { return "mean_squared_error" }

func (meanSquaredError) Value(out *mat.Dense, y mat.Matrix, weights []float64) float64 {
	count := activeRows(weights)
	if count == 0 {
		return 0
	}
	_, c := out.Dims()
	label := make([]float64, c)
	total := 0.0
	for i, w := range weights {
		if w == 0 {
			continue
		}
		mat.Row(label, i, y)
		p := out.RawRowView(i)
		row := 0.0
		for j := range label {
			d := p[j] - label[j]
			row += d * d
		}
		total += w * row / float64(c)
	}
	return total / count
}

func (meanSquaredError) Gradient(out *mat.Dense, y mat.Matrix, weights []float64) *mat.Dense {
	r, c := out.Dims()
	grad := mat.NewDense(r, c, nil)
	count := activeRows(weights)
	if count == 0 {
		return grad
	}
	label := make([]float64, c)
	for i, w := range weights {
		if w == 0 {
			continue
		}
		mat.Row(label, i, y)
		p := out.RawRowView(i)
		g := grad.RawRowView(i)
		for j := range label {
			g[j] = 2 * w * (p[j] - label[j]) / float64(c) / count
		}
	}
	return grad
}

func clip(p float64) float64 {
	return math.Min(math.Max(p, clipEpsilon), 1-clipEpsilon)
}
