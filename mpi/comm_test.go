package mpi

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/require"
)

func TestCommBcast(t *testing.T) {
	for _, size := range []int{1, 2, 5} {
		for _, root := range []int{0, size - 1} {
			t.Run(fmt.Sprintf("size=%d/root=%d", size, root), func(t *testing.T) {
				err := RunLocal(size, func(m Mpi) error {
					c := NewComm(m)
					buf := make([]float64, 4)
					if c.Rank() == root {
						copy(buf, []float64{1, 2, 3, 4})
					}
					if err := c.Bcast(buf, root); err != nil {
						return err
					}
					// Twice in a row on the same reserved tag.
					if err := c.Bcast(buf, root); err != nil {
						return err
					}
					for i, v := range buf {
						if v != float64(i+1) {
							return fmt.Errorf("rank %d: buf = %v", c.Rank(), buf)
						}
					}
					return nil
				})
				require.NoError(t, err)
			})
		}
	}
}

func TestCommBcastEmpty(t *testing.T) {
	err := RunLocal(3, func(m Mpi) error {
		return NewComm(m).Bcast(nil, 0)
	})
	require.NoError(t, err)
}

func TestCommBcastLengthMismatch(t *testing.T) {
	err := RunLocal(2, func(m Mpi) error {
		c := NewComm(m)
		buf := make([]float64, 2+c.Rank())
		return c.Bcast(buf, 0)
	})
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}

func TestCommSendIrecv(t *testing.T) {
	const n = 4
	err := RunLocal(n, func(m Mpi) error {
		c := NewComm(m)
		if c.Rank() != 0 {
			buf := []float64{float64(c.Rank()), float64(c.Rank())}
			return c.Send(buf, 0, c.Rank())
		}
		out := make([]float64, 2*n)
		var reqs []*Request
		for r := 1; r < n; r++ {
			req, err := c.Irecv(out[2*r:2*r+2], r, r)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		}
		if err := c.Waitall(reqs); err != nil {
			return err
		}
		want := []float64{0, 0, 1, 1, 2, 2, 3, 3}
		for i := range want {
			if out[i] != want[i] {
				return fmt.Errorf("out = %v, want %v", out, want)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCommReservedTag(t *testing.T) {
	c := NewComm(NewLocal(2)[0])
	err := c.Send([]float64{1}, 1, bcastTag)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	_, err = c.Irecv(make([]float64, 1), 1, -5)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	_, err = c.Irecv(make([]float64, 1), 2, 0)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}

func TestCommBarrier(t *testing.T) {
	const n = 5
	var entered int32
	err := RunLocal(n, func(m Mpi) error {
		c := NewComm(m)
		atomic.AddInt32(&entered, 1)
		if err := c.Barrier(); err != nil {
			return err
		}
		if got := atomic.LoadInt32(&entered); got != n {
			return fmt.Errorf("rank %d left barrier with %d ranks entered", c.Rank(), got)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestWaitallFirstError(t *testing.T) {
	ranks := NewLocal(2)
	c := NewComm(ranks[1])
	x, y := make([]float64, 1), make([]float64, 1)
	r1, err := c.Irecv(x, 0, 1)
	require.NoError(t, err)
	r2, err := c.Irecv(y, 0, 2)
	require.NoError(t, err)
	require.NoError(t, NewComm(ranks[0]).Send([]float64{42}, 1, 1))
	require.NoError(t, r1.Wait())
	require.Equal(t, []float64{42}, x)

	ranks[0].Finalize()
	err = c.Waitall([]*Request{r1, r2})
	require.True(t, errors.Is(errors.Canceled, err), "got %v", err)
}
