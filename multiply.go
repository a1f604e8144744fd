package parmat

import (
	"fmt"

	"github.com/btracey/parmat/mpi"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// coordinator is the rank that holds the operands on entry and the product
// on exit.
const coordinator = 0

// Communicator is the part of the communication layer used by Multiply.
// *mpi.Comm implements it.
type Communicator interface {
	Rank() int
	Size() int
	// Bcast copies root's buf into buf on every rank, blocking until it has.
	Bcast(buf []float64, root int) error
	// Send blocks until buf has been transferred to dest.
	Send(buf []float64, dest, tag int) error
	// Irecv posts a receive into buf and returns without waiting for it.
	Irecv(buf []float64, source, tag int) (*mpi.Request, error)
	Waitall(reqs []*mpi.Request) error
}

var _ Communicator = (*mpi.Comm)(nil)

// Multiply computes c = a·b across all ranks of comm. It must be called by
// every rank with matrices of the same shapes.
//
// On entry only the coordinator's a and b need hold the operands; on the
// other ranks they are overwritten with the coordinator's. On return the
// coordinator's c holds the product. The contents of c on other ranks are
// unspecified.
//
// Multiply returns an errors.Invalid error if the shapes are inconsistent,
// before communicating. Errors from comm are returned as is; the
// multiplication cannot be resumed after one and c is left undefined on all
// ranks. Multiply does not return while a receive it posted is pending.
func Multiply(a, b, c *Matrix, comm Communicator) error {
	if err := checkShapes(a, b, c); err != nil {
		return err
	}
	rank, size := comm.Rank(), comm.Size()
	start, end := Partition(rank, size, c.Rows)
	log.Debug.Printf("parmat: rank %d/%d computing rows [%d, %d) of %dx%d", rank, size, start, end, c.Rows, c.Cols)

	if err := comm.Bcast(a.Data, coordinator); err != nil {
		return err
	}
	if err := comm.Bcast(b.Data, coordinator); err != nil {
		return err
	}

	multiplyRows(a, b, c, start, end)

	// Empty blocks are neither sent nor received. Both sides decide this
	// from span, so they agree.
	if rank != coordinator {
		buf := span(rank, size, c)
		if len(buf) == 0 {
			return nil
		}
		return comm.Send(buf, coordinator, rank)
	}
	reqs := make([]*mpi.Request, 0, size-1)
	for r := 0; r < size; r++ {
		if r == coordinator {
			continue
		}
		buf := span(r, size, c)
		if len(buf) == 0 {
			continue
		}
		req, err := comm.Irecv(buf, r, r)
		if err != nil {
			// Receives already posted write into c; finish them first.
			comm.Waitall(reqs)
			return err
		}
		reqs = append(reqs, req)
	}
	if err := comm.Waitall(reqs); err != nil {
		return err
	}
	log.Debug.Printf("parmat: coordinator collected %d blocks", len(reqs))
	return nil
}

// MultiplySeq computes c = a·b on a single process.
func MultiplySeq(a, b, c *Matrix) error {
	if err := checkShapes(a, b, c); err != nil {
		return err
	}
	multiplyRows(a, b, c, 0, c.Rows)
	return nil
}

// multiplyRows computes rows [start, end) of c = a·b. Other rows of c are
// not touched.
func multiplyRows(a, b, c *Matrix, start, end int) {
	for i := start; i < end; i++ {
		arow := a.Data[i*a.Cols : (i+1)*a.Cols]
		crow := c.Data[i*c.Cols : (i+1)*c.Cols]
		for j := range crow {
			var sum float64
			for k, av := range arow {
				sum += av * b.Data[k*b.Cols+j]
			}
			crow[j] = sum
		}
	}
}

func checkShapes(a, b, c *Matrix) error {
	switch {
	case a.Cols != b.Rows:
		return errors.E(errors.Invalid, fmt.Sprintf("parmat: cannot multiply %dx%d by %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	case c.Rows != a.Rows || c.Cols != b.Cols:
		return errors.E(errors.Invalid, fmt.Sprintf("parmat: product of %dx%d and %dx%d stored in %dx%d", a.Rows, a.Cols, b.Rows, b.Cols, c.Rows, c.Cols))
	case len(a.Data) != a.Rows*a.Cols, len(b.Data) != b.Rows*b.Cols, len(c.Data) != c.Rows*c.Cols:
		return errors.E(errors.Invalid, "parmat: matrix data does not match its dimensions")
	}
	return nil
}
