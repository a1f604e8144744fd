// Package parmat multiplies dense matrices across the ranks of an MPI-like
// group.
//
// Every rank runs the same program and calls Multiply with the same shapes.
// Rank 0, the coordinator, supplies the operands and receives the product;
// the other ranks contribute a contiguous block of output rows each. See
// package github.com/btracey/parmat/mpi for the communication layer.
package parmat

import (
	"fmt"
	"strings"
)

// Matrix is a dense matrix of float64 values stored in row-major order:
// the element at (i, j) is Data[i*Cols+j].
type Matrix struct {
	Rows, Cols int
	Data       []float64
}

// NewMatrix returns a zeroed rows×cols matrix. Either dimension may be zero.
func NewMatrix(rows, cols int) *Matrix {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("parmat: negative dimensions %dx%d", rows, cols))
	}
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns the element at (i, j).
func (m *Matrix) At(i, j int) float64 {
	return m.Data[m.index(i, j)]
}

// Set sets the element at (i, j) to v.
func (m *Matrix) Set(i, j int, v float64) {
	m.Data[m.index(i, j)] = v
}

// Incr adds v to the element at (i, j).
func (m *Matrix) Incr(i, j int, v float64) {
	m.Data[m.index(i, j)] += v
}

// Row returns row i as a slice of Data.
func (m *Matrix) Row(i int) []float64 {
	if i < 0 || i >= m.Rows {
		panic(fmt.Sprintf("parmat: row %d out of range [0, %d)", i, m.Rows))
	}
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Zero sets every element to zero.
func (m *Matrix) Zero() {
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// Equal reports whether m and o have the same shape and elements.
func (m *Matrix) Equal(o *Matrix) bool {
	if m.Rows != o.Rows || m.Cols != o.Cols {
		return false
	}
	for i, v := range m.Data {
		if o.Data[i] != v {
			return false
		}
	}
	return true
}

func (m *Matrix) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%dx%d[", m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		if i > 0 {
			b.WriteString("; ")
		}
		for j, v := range m.Row(i) {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprint(&b, v)
		}
	}
	b.WriteByte(']')
	return b.String()
}

func (m *Matrix) index(i, j int) int {
	if i < 0 || i >= m.Rows || j < 0 || j >= m.Cols {
		panic(fmt.Sprintf("parmat: index (%d, %d) out of range for %dx%d matrix", i, j, m.Rows, m.Cols))
	}
	return i*m.Cols + j
}
