package rgcn

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Activation is a layer nonlinearity.
type Activation int

const (
	Linear Activation = iota
	ReLU
	Sigmoid
	Tanh
	Softmax
)

var activationNames = map[Activation]string{
	Linear:  "linear",
	ReLU:    "relu",
	Sigmoid: "sigmoid",
	Tanh:    "tanh",
	Softmax: "softmax",
}

func (a Activation) String() string {
	if name, ok := activationNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseActivation maps a configuration name to an Activation. The empty name
// is linear.
func ParseActivation(name string) (Activation, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return Linear, nil
	}
	for a, s := range activationNames {
		if s == n {
			return a, nil
		}
	}
	return Linear, fmt.Errorf("unknown activation %q", name)
}

// apply returns a new matrix holding a(z).
func (a Activation) apply(z *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(z)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		switch a {
		case ReLU:
			for j, v := range row {
				if v < 0 {
					row[j] = 0
				}
			}
		case Sigmoid:
			for j, v := range row {
				row[j] = 1 / (1 + math.Exp(-v))
			}
		case Tanh:
			for j, v := range row {
				row[j] = math.Tanh(v)
			}
		case Softmax:
			m := floats.Max(row)
			for j, v := range row {
				row[j] = math.Exp(v - m)
			}
			floats.Scale(1/floats.Sum(row), row)
		}
	}
	return out
}

// backward returns dL/dz given the activation output and dL/d(output).
func (a Activation) backward(out, grad *mat.Dense) *mat.Dense {
	dz := mat.DenseCopyOf(grad)
	r, _ := dz.Dims()
	for i := 0; i < r; i++ {
		d := dz.RawRowView(i)
		o := out.RawRowView(i)
		switch a {
		case ReLU:
			for j := range d {
				if o[j] <= 0 {
					d[j] = 0
				}
			}
		case Sigmoid:
			for j := range d {
				d[j] *= o[j] * (1 - o[j])
			}
		case Tanh:
			for j := range d {
				d[j] *= 1 - o[j]*o[j]
			}
		case Softmax:
			dot := floats.Dot(d, o)
			for j := range d {
				d[j] = o[j] * (d[j] - dot)
			}
		}
	}
	return dz
}
