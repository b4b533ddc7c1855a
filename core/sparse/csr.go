// Package sparse provides the compressed-sparse-row matrix used for adjacency,
// feature and label matrices. It implements gonum's mat.Matrix so sparse
// operands interoperate with dense code, and it never densifies on its own.
package sparse

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Entry is a single coordinate-format value.
type Entry struct {
	Row   int
	Col   int
	Value float64
}

// CSR is an immutable compressed-sparse-row matrix.
//
// Row i owns indices[indptr[i]:indptr[i+1]], sorted by column, with no
// duplicate columns and no explicit zeros.
type CSR struct {
	rows, cols int
	indptr     []int
	indices    []int
	data       []float64
}

var _ mat.Matrix = (*CSR)(nil)

// New builds a CSR matrix from coordinate entries. Duplicate coordinates are
// summed and resulting zeros dropped.
func New(rows, cols int, entries []Entry) (*CSR, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("sparse: negative dimension %dx%d", rows, cols)
	}
	for _, e := range entries {
		if e.Row < 0 || e.Row >= rows || e.Col < 0 || e.Col >= cols {
			return nil, fmt.Errorf("sparse: entry (%d,%d) outside %dx%d", e.Row, e.Col, rows, cols)
		}
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Row != sorted[b].Row {
			return sorted[a].Row < sorted[b].Row
		}
		return sorted[a].Col < sorted[b].Col
	})

	m := &CSR{
		rows:    rows,
		cols:    cols,
		indptr:  make([]int, rows+1),
		indices: make([]int, 0, len(sorted)),
		data:    make([]float64, 0, len(sorted)),
	}

	for i := 0; i < len(sorted); {
		e := sorted[i]
		v := e.Value
		j := i + 1
		for ; j < len(sorted) && sorted[j].Row == e.Row && sorted[j].Col == e.Col; j++ {
			v += sorted[j].Value
		}
		i = j
		if v == 0 {
			continue
		}
		m.indices = append(m.indices, e.Col)
		m.data = append(m.data, v)
		m.indptr[e.Row+1]++
	}
	for i := 0; i < rows; i++ {
		m.indptr[i+1] += m.indptr[i]
	}
	return m, nil
}

// FromTriplets builds a CSR matrix from parallel row, column and value slices.
func FromTriplets(rows, cols int, r, c []int, v []float64) (*CSR, error) {
	if len(r) != len(c) || len(r) != len(v) {
		return nil, fmt.Errorf("sparse: triplet lengths differ (%d, %d, %d)", len(r), len(c), len(v))
	}
	entries := make([]Entry, len(r))
	for i := range r {
		entries[i] = Entry{Row: r[i], Col: c[i], Value: v[i]}
	}
	return New(rows, cols, entries)
}

// Identity returns the n×n identity matrix.
func Identity(n int) *CSR {
	m := &CSR{
		rows:    n,
		cols:    n,
		indptr:  make([]int, n+1),
		indices: make([]int, n),
		data:    make([]float64, n),
	}
	for i := 0; i < n; i++ {
		m.indptr[i+1] = i + 1
		m.indices[i] = i
		m.data[i] = 1
	}
	return m
}

// Zeros returns an empty rows×cols matrix.
func Zeros(rows, cols int) *CSR {
	return &CSR{rows: rows, cols: cols, indptr: make([]int, rows+1)}
}

// Dims returns the number of rows and columns.
func (m *CSR) Dims() (int, int) { return m.rows, m.cols }

// At returns the value at (i, j).
func (m *CSR) At(i, j int) float64 {
	if uint(i) >= uint(m.rows) || uint(j) >= uint(m.cols) {
		panic(mat.ErrIndexOutOfRange)
	}
	cols := m.indices[m.indptr[i]:m.indptr[i+1]]
	k := sort.SearchInts(cols, j)
	if k < len(cols) && cols[k] == j {
		return m.data[m.indptr[i]+k]
	}
	return 0
}

// T returns the implicit transpose.
func (m *CSR) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// NNZ returns the number of stored values.
func (m *CSR) NNZ() int { return len(m.data) }

// Row returns the column indices and values of row i. The slices alias the
// matrix and must not be modified.
func (m *CSR) Row(i int) ([]int, []float64) {
	lo, hi := m.indptr[i], m.indptr[i+1]
	return m.indices[lo:hi], m.data[lo:hi]
}

// DoNonZero calls fn for every stored value in row-major order.
func (m *CSR) DoNonZero(fn func(i, j int, v float64)) {
	for i := 0; i < m.rows; i++ {
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			fn(i, m.indices[k], m.data[k])
		}
	}
}

// Triplets returns copies of the stored coordinates and values.
func (m *CSR) Triplets() (r, c []int, v []float64) {
	r = make([]int, 0, len(m.data))
	c = make([]int, 0, len(m.data))
	v = make([]float64, 0, len(m.data))
	m.DoNonZero(func(i, j int, x float64) {
		r = append(r, i)
		c = append(c, j)
		v = append(v, x)
	})
	return r, c, v
}

// IsIdentity reports whether m is square with exactly one 1 on each diagonal
// position and nothing else.
func (m *CSR) IsIdentity() bool {
	if m.rows != m.cols || len(m.data) != m.rows {
		return false
	}
	for i := 0; i < m.rows; i++ {
		if m.indptr[i+1]-m.indptr[i] != 1 || m.indices[m.indptr[i]] != i || m.data[m.indptr[i]] != 1 {
			return false
		}
	}
	return true
}

// ToDense materialises m. Intended for small matrices and tests.
func (m *CSR) ToDense() *mat.Dense {
	if m.rows == 0 || m.cols == 0 {
		return &mat.Dense{}
	}
	d := mat.NewDense(m.rows, m.cols, nil)
	m.DoNonZero(func(i, j int, v float64) { d.Set(i, j, v) })
	return d
}

// RowNormalize returns D⁻¹·m where D holds the row sums. Rows summing to zero
// stay empty.
func (m *CSR) RowNormalize() *CSR {
	out := m.clonePattern()
	for i := 0; i < m.rows; i++ {
		lo, hi := m.indptr[i], m.indptr[i+1]
		sum := floats.Sum(m.data[lo:hi])
		if sum == 0 {
			continue
		}
		floats.ScaleTo(out.data[lo:hi], 1/sum, m.data[lo:hi])
	}
	return out
}

// KeepRows returns a matrix of the same shape holding only the listed rows.
func (m *CSR) KeepRows(idx []int) (*CSR, error) {
	keep := make([]bool, m.rows)
	for _, i := range idx {
		if i < 0 || i >= m.rows {
			return nil, fmt.Errorf("sparse: row %d outside %d rows", i, m.rows)
		}
		keep[i] = true
	}
	out := &CSR{rows: m.rows, cols: m.cols, indptr: make([]int, m.rows+1)}
	for i := 0; i < m.rows; i++ {
		lo, hi := m.indptr[i], m.indptr[i+1]
		if keep[i] {
			out.indices = append(out.indices, m.indices[lo:hi]...)
			out.data = append(out.data, m.data[lo:hi]...)
		}
		out.indptr[i+1] = len(out.data)
	}
	return out, nil
}

func (m *CSR) clonePattern() *CSR {
	out := &CSR{
		rows:    m.rows,
		cols:    m.cols,
		indptr:  make([]int, len(m.indptr)),
		indices: make([]int, len(m.indices)),
		data:    make([]float64, len(m.data)),
	}
	copy(out.indptr, m.indptr)
	copy(out.indices, m.indices)
	copy(out.data, m.data)
	return out
}
