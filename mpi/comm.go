package mpi

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Tags below zero are reserved for collectives.
const (
	bcastTag   = -1
	barrierTag = -2
)

// Request is a handle to a pending non-blocking receive.
type Request struct {
	done chan struct{}
	err  error
}

// Wait blocks until the transfer has completed and returns its error. It may
// be called any number of times.
func (r *Request) Wait() error {
	<-r.done
	return r.err
}

// Waitall blocks until every request has completed. It returns the first
// error in argument order.
func Waitall(reqs ...*Request) error {
	var first error
	for _, r := range reqs {
		if err := r.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// post runs recv in the background and returns its request.
func post(recv func() error) *Request {
	r := &Request{done: make(chan struct{})}
	go func() {
		r.err = recv()
		close(r.done)
	}()
	return r
}

// Comm provides float64 buffer collectives and point-to-point transfers on
// top of an Mpi. Buffers are transferred by value: the receiving buffer must
// have exactly the length of the sent one.
type Comm struct {
	m Mpi
}

// NewComm returns a Comm over the ranks of m, which must be initialized.
func NewComm(m Mpi) *Comm {
	return &Comm{m: m}
}

type token struct {
	Rank int
}

// payload wraps buffers on the wire so that empty buffers round-trip.
type payload struct {
	Values []float64
}

func (c *Comm) Rank() int { return c.m.Rank() }
func (c *Comm) Size() int { return c.m.Size() }

// Bcast copies root's buf into buf on every rank. Every rank must call Bcast
// with the same root and buffer length. Bcast returns on the root only after
// every other rank has received the data, and on the other ranks once the
// data is in buf, so no rank leaves Bcast before all have entered it.
func (c *Comm) Bcast(buf []float64, root int) error {
	size, rank := c.Size(), c.Rank()
	if err := checkRank("bcast", root, size); err != nil {
		return err
	}
	if rank != root {
		return c.recv(buf, root, bcastTag)
	}
	p := payload{Values: buf}
	for r := 0; r < size; r++ {
		if r == root {
			continue
		}
		if err := c.m.Send(p, r, bcastTag); err != nil {
			return err
		}
	}
	for r := 0; r < size; r++ {
		if r == root {
			continue
		}
		if err := c.m.Wait(r, bcastTag); err != nil {
			return err
		}
	}
	return nil
}

// Send transfers buf to dest and blocks until dest has received it.
func (c *Comm) Send(buf []float64, dest, tag int) error {
	if err := checkTag(tag); err != nil {
		return err
	}
	if err := c.m.Send(payload{Values: buf}, dest, tag); err != nil {
		return err
	}
	return c.m.Wait(dest, tag)
}

// Irecv posts a receive from source into buf and returns immediately.
// buf must not be read or written until the request completes.
func (c *Comm) Irecv(buf []float64, source, tag int) (*Request, error) {
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	if err := checkRank("irecv", source, c.Size()); err != nil {
		return nil, err
	}
	return post(func() error { return c.recv(buf, source, tag) }), nil
}

// Waitall waits for all of reqs. See the package function Waitall.
func (c *Comm) Waitall(reqs []*Request) error {
	return Waitall(reqs...)
}

// Barrier blocks until every rank has entered Barrier.
func (c *Comm) Barrier() error {
	size, rank := c.Size(), c.Rank()
	if size == 1 {
		return nil
	}
	var t token
	if rank != 0 {
		if err := c.m.Send(token{Rank: rank}, 0, barrierTag); err != nil {
			return err
		}
		if err := c.m.Wait(0, barrierTag); err != nil {
			return err
		}
		return c.m.Receive(&t, 0, barrierTag)
	}
	for r := 1; r < size; r++ {
		if err := c.m.Receive(&t, r, barrierTag); err != nil {
			return err
		}
	}
	for r := 1; r < size; r++ {
		if err := c.m.Send(token{Rank: 0}, r, barrierTag); err != nil {
			return err
		}
	}
	for r := 1; r < size; r++ {
		if err := c.m.Wait(r, barrierTag); err != nil {
			return err
		}
	}
	return nil
}

func (c *Comm) recv(buf []float64, source, tag int) error {
	var p payload
	if err := c.m.Receive(&p, source, tag); err != nil {
		return err
	}
	if len(p.Values) != len(buf) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("mpi: received %d values from rank %d (tag %d), buffer holds %d", len(p.Values), source, tag, len(buf)))
	}
	copy(buf, p.Values)
	return nil
}

func checkTag(tag int) error {
	if tag < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("mpi: tag %d is reserved", tag))
	}
	return nil
}
