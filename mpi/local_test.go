package mpi

import (
	"fmt"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/require"
)

func TestTagManagerAdd(t *testing.T) {
	tm := newTagManager()
	require.NoError(t, tm.Add(3))
	require.Equal(t, TagExists{Tag: 3}, tm.Add(3))
	require.NoError(t, tm.Add(4))

	tm.Delete(3)
	require.NoError(t, tm.Add(3))
}

func TestTagManagerChannelBeforeAdd(t *testing.T) {
	tm := newTagManager()
	c := tm.Channel(7)
	c <- []byte("x")
	require.Equal(t, c, tm.Channel(7))
	require.Equal(t, []byte("x"), <-tm.Channel(7))
}

func TestLocalSendReceive(t *testing.T) {
	ranks := NewLocal(2)
	require.Equal(t, 2, ranks[0].Size())
	require.Equal(t, 1, ranks[1].Rank())

	require.NoError(t, ranks[0].Send("hello", 1, 5))
	var got string
	require.NoError(t, ranks[1].Receive(&got, 0, 5))
	require.Equal(t, "hello", got)
	require.NoError(t, ranks[0].Wait(1, 5))

	// The tag is free again after Wait.
	require.NoError(t, ranks[0].Send("again", 1, 5))
	require.NoError(t, ranks[1].Receive(&got, 0, 5))
	require.Equal(t, "again", got)
	require.NoError(t, ranks[0].Wait(1, 5))
}

func TestLocalTagInUse(t *testing.T) {
	ranks := NewLocal(2)
	require.NoError(t, ranks[0].Send(1, 1, 0))
	require.Equal(t, TagExists{Tag: 0}, ranks[0].Send(2, 1, 0))
	// Same tag to a different destination is fine.
	require.NoError(t, ranks[0].Send(3, 0, 0))
}

func TestLocalSendToSelf(t *testing.T) {
	ranks := NewLocal(1)
	require.NoError(t, ranks[0].Send([]int{1, 2, 3}, 0, 1))
	var got []int
	require.NoError(t, ranks[0].Receive(&got, 0, 1))
	require.Equal(t, []int{1, 2, 3}, got)
	require.NoError(t, ranks[0].Wait(0, 1))
}

func TestLocalCopiesData(t *testing.T) {
	ranks := NewLocal(2)
	data := []float64{1, 2}
	require.NoError(t, ranks[0].Send(data, 1, 0))
	data[0] = 100
	var got []float64
	require.NoError(t, ranks[1].Receive(&got, 0, 0))
	require.Equal(t, []float64{1, 2}, got)
}

func TestLocalReceiveOutOfOrder(t *testing.T) {
	ranks := NewLocal(2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for tag := 0; tag < 4; tag++ {
			require.NoError(t, ranks[0].Send(tag*10, 1, tag))
		}
	}()
	for tag := 3; tag >= 0; tag-- {
		var got int
		require.NoError(t, ranks[1].Receive(&got, 0, tag))
		require.Equal(t, tag*10, got)
	}
	wg.Wait()
}

func TestLocalBadRank(t *testing.T) {
	ranks := NewLocal(2)
	err := ranks[0].Send(1, 2, 0)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	var x int
	err = ranks[0].Receive(&x, -1, 0)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}

func TestLocalFinalizeUnblocks(t *testing.T) {
	ranks := NewLocal(2)
	errc := make(chan error, 1)
	go func() {
		var x int
		errc <- ranks[1].Receive(&x, 0, 0)
	}()
	ranks[0].Finalize()
	err := <-errc
	require.True(t, errors.Is(errors.Canceled, err), "got %v", err)
	require.Error(t, ranks[1].Init())
}

func TestRunLocal(t *testing.T) {
	const n = 4
	var mu sync.Mutex
	seen := make(map[int]bool)
	err := RunLocal(n, func(m Mpi) error {
		rank := m.Rank()
		if err := m.Send(rank, (rank+1)%n, 0); err != nil {
			return err
		}
		var from int
		if err := m.Receive(&from, (rank+n-1)%n, 0); err != nil {
			return err
		}
		if want := (rank + n - 1) % n; from != want {
			return fmt.Errorf("rank %d received %d, want %d", rank, from, want)
		}
		mu.Lock()
		seen[rank] = true
		mu.Unlock()
		return m.Wait((rank+1)%n, 0)
	})
	require.NoError(t, err)
	require.Len(t, seen, n)
}

func TestRunLocalFirstError(t *testing.T) {
	boom := errors.E(errors.Net, "boom")
	err := RunLocal(3, func(m Mpi) error {
		if m.Rank() == 2 {
			return boom
		}
		// Blocks until the group is torn down.
		var x int
		return m.Receive(&x, 2, 0)
	})
	require.Equal(t, boom, err)
}
