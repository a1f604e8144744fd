package parmat

import "fmt"

// Partition returns the half-open range of rows [start, end) owned by rank
// when rows are divided among size ranks. Rows are dealt out in contiguous
// chunks of ceil(rows/size); the last chunks may be short or empty, so ranks
// beyond the end of the matrix get start == end.
//
// Partition is a pure function of its arguments. The coordinator relies on
// this to know, without asking, which rows every other rank sends it.
func Partition(rank, size, rows int) (start, end int) {
	if size < 1 || rank < 0 || rank >= size || rows < 0 {
		panic(fmt.Sprintf("parmat: bad partition arguments rank=%d size=%d rows=%d", rank, size, rows))
	}
	chunk := (rows + size - 1) / size
	start = min(rank*chunk, rows)
	end = min((rank+1)*chunk, rows)
	return start, end
}

// span returns the part of c.Data holding rank's rows.
func span(rank, size int, c *Matrix) []float64 {
	start, end := Partition(rank, size, c.Rows)
	return c.Data[start*c.Cols : end*c.Cols]
}
