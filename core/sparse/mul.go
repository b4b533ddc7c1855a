package sparse

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MulDense returns m·d.
func (m *CSR) MulDense(d *mat.Dense) *mat.Dense {
	_, c := d.Dims()
	dst := mat.NewDense(m.rows, c, nil)
	m.MulDenseAdd(dst, d)
	return dst
}

// MulDenseAdd accumulates m·d into dst.
func (m *CSR) MulDenseAdd(dst, d *mat.Dense) {
	r, c := d.Dims()
	if r != m.cols {
		panic(fmt.Sprintf("sparse: MulDense inner dimension %d != %d", m.cols, r))
	}
	if dr, dc := dst.Dims(); dr != m.rows || dc != c {
		panic(fmt.Sprintf("sparse: MulDense destination %dx%d, want %dx%d", dr, dc, m.rows, c))
	}
	for i := 0; i < m.rows; i++ {
		out := dst.RawRowView(i)
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			floats.AddScaled(out, m.data[k], d.RawRowView(m.indices[k]))
		}
	}
}

// TMulDense returns mᵀ·d without materialising the transpose.
func (m *CSR) TMulDense(d *mat.Dense) *mat.Dense {
	r, c := d.Dims()
	if r != m.rows {
		panic(fmt.Sprintf("sparse: TMulDense inner dimension %d != %d", m.rows, r))
	}
	dst := mat.NewDense(m.cols, c, nil)
	for i := 0; i < m.rows; i++ {
		src := d.RawRowView(i)
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			floats.AddScaled(dst.RawRowView(m.indices[k]), m.data[k], src)
		}
	}
	return dst
}

// MulCSR returns the sparse product m·o using Gustavson's row-by-row
// accumulation, so the result never passes through a dense form.
func (m *CSR) MulCSR(o *CSR) (*CSR, error) {
	if m.cols != o.rows {
		return nil, fmt.Errorf("sparse: MulCSR inner dimension %d != %d", m.cols, o.rows)
	}

	out := &CSR{rows: m.rows, cols: o.cols, indptr: make([]int, m.rows+1)}
	acc := make([]float64, o.cols)
	marker := make([]int, o.cols)
	for j := range marker {
		marker[j] = -1
	}
	var touched []int

	for i := 0; i < m.rows; i++ {
		touched = touched[:0]
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			a, v := m.indices[k], m.data[k]
			for q := o.indptr[a]; q < o.indptr[a+1]; q++ {
				j := o.indices[q]
				if marker[j] != i {
					marker[j] = i
					acc[j] = 0
					touched = append(touched, j)
				}
				acc[j] += v * o.data[q]
			}
		}
		sort.Ints(touched)
		for _, j := range touched {
			if acc[j] != 0 {
				out.indices = append(out.indices, j)
				out.data = append(out.data, acc[j])
			}
		}
		out.indptr[i+1] = len(out.data)
	}
	return out, nil
}
