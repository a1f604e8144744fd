package mpi

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// Local is an Mpi implementation connecting a fixed group of ranks that
// live in the same process. Messages are serialized with encoding/gob exactly
// as they are by Network, so a program behaves the same way under both.
//
// A group is created with NewLocal. Finalize on any member shuts down the
// whole group: calls blocked in Receive or Wait return an error.
type Local struct {
	rank  int
	group *localGroup
}

type localGroup struct {
	size int
	// links[src][dst] carries messages from src to dst and the receipts
	// for them.
	links [][]localLink

	once sync.Once
	done chan struct{}
}

type localLink struct {
	data *tagManager
	acks *tagManager
}

// NewLocal creates a group of n connected ranks. The returned slice is
// indexed by rank.
func NewLocal(n int) []*Local {
	if n < 1 {
		panic(fmt.Sprintf("mpi: NewLocal with %d ranks", n))
	}
	g := &localGroup{
		size:  n,
		links: make([][]localLink, n),
		done:  make(chan struct{}),
	}
	for src := range g.links {
		g.links[src] = make([]localLink, n)
		for dst := range g.links[src] {
			g.links[src][dst] = localLink{data: newTagManager(), acks: newTagManager()}
		}
	}
	ranks := make([]*Local, n)
	for i := range ranks {
		ranks[i] = &Local{rank: i, group: g}
	}
	return ranks
}

// Init implements the Mpi function. The group is connected by NewLocal, so
// Init only reports whether the group has already been finalized.
func (l *Local) Init() error {
	select {
	case <-l.group.done:
		return l.closedErr()
	default:
		return nil
	}
}

// Finalize implements the Mpi function.
func (l *Local) Finalize() {
	l.group.once.Do(func() {
		close(l.group.done)
	})
}

func (l *Local) Rank() int {
	return l.rank
}

func (l *Local) Size() int {
	return l.group.size
}

func (l *Local) closedErr() error {
	return errors.E(errors.Canceled, fmt.Sprintf("mpi: local group finalized (rank %d)", l.rank))
}

// Send implements the Mpi function.
func (l *Local) Send(data interface{}, destination, tag int) error {
	if err := checkRank("send", destination, l.group.size); err != nil {
		return err
	}
	b, err := encode(data)
	if err != nil {
		return err
	}
	link := l.group.links[l.rank][destination]
	if err := link.acks.Add(tag); err != nil {
		return err
	}
	select {
	case link.data.Channel(tag) <- b:
		return nil
	case <-l.group.done:
		link.acks.Delete(tag)
		return l.closedErr()
	}
}

// Wait implements the Mpi function.
func (l *Local) Wait(destination, tag int) error {
	if err := checkRank("wait", destination, l.group.size); err != nil {
		return err
	}
	acks := l.group.links[l.rank][destination].acks
	if _, err := await(acks.Channel(tag), l.group.done, l.closedErr); err != nil {
		return err
	}
	acks.Delete(tag)
	return nil
}

// Receive implements the Mpi function.
func (l *Local) Receive(data interface{}, source, tag int) error {
	if err := checkRank("receive", source, l.group.size); err != nil {
		return err
	}
	link := l.group.links[source][l.rank]
	b, err := await(link.data.Channel(tag), l.group.done, l.closedErr)
	if err != nil {
		return err
	}
	link.data.Delete(tag)
	// The sender holds the tag until this receipt, so the box is free.
	link.acks.Channel(tag) <- nil
	return decode(b, data)
}

// RunLocal runs fn concurrently on each rank of a new n-rank Local group and
// returns the first error. When any rank fails the group is finalized, so
// ranks blocked waiting on the failed one return instead of hanging.
func RunLocal(n int, fn func(m Mpi) error) error {
	ranks := NewLocal(n)
	g, ctx := errgroup.WithContext(context.Background())
	for _, r := range ranks {
		r := r
		g.Go(func() error {
			if err := fn(r); err != nil {
				log.Debug.Printf("mpi: local rank %d: %v", r.rank, err)
				return err
			}
			return nil
		})
	}
	go func() {
		<-ctx.Done()
		ranks[0].Finalize()
	}()
	return g.Wait()
}
