package parmat

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/btracey/parmat/mpi"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// loopbackAddrs returns n loopback addresses that were free a moment ago.
func loopbackAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = l.Addr().String()
		require.NoError(t, l.Close())
	}
	return addrs
}

// TestMultiplyNetwork runs Multiply on TCP ranks that finalize as soon as
// they return. With 4 rows on 3 ranks the last rank has no rows and leaves
// right after the broadcasts.
func TestMultiplyNetwork(t *testing.T) {
	a := &Matrix{Rows: 4, Cols: 3, Data: []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
		10, 11, 12,
	}}
	b := &Matrix{Rows: 3, Cols: 2, Data: []float64{
		1, 0,
		0, 1,
		1, 1,
	}}
	want := NewMatrix(4, 2)
	require.NoError(t, MultiplySeq(a, b, want))

	for round := 0; round < 5; round++ {
		addrs := loopbackAddrs(t, 3)
		var g errgroup.Group
		for _, addr := range addrs {
			nw := &mpi.Network{
				NetProto:    "tcp",
				Addr:        addr,
				Addrs:       addrs,
				Timeout:     5 * time.Second,
				DialBackoff: 10 * time.Millisecond,
			}
			g.Go(func() error {
				if err := nw.Init(); err != nil {
					return err
				}
				defer nw.Finalize()
				ra, rb := NewMatrix(4, 3), NewMatrix(3, 2)
				if nw.Rank() == 0 {
					copy(ra.Data, a.Data)
					copy(rb.Data, b.Data)
				}
				c := NewMatrix(4, 2)
				if err := Multiply(ra, rb, c, mpi.NewComm(nw)); err != nil {
					return fmt.Errorf("rank %d: %v", nw.Rank(), err)
				}
				if nw.Rank() == 0 && !want.Equal(c) {
					return fmt.Errorf("got %v, want %v", c, want)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait(), "round %d", round)
	}
}
