// Package mpi implements an mpi-like interface for go. This package seeks to
// enable distributed-memory parallel computation using only native go code.
// While this package seeks to present a familiar interface to users of MPI,
// it does not follow the MPI standard exactly. In cases where package
// documentation disagrees with the MPI standard, the package documentation
// should be considered correct.
//
// In MPI a single program is executed in parallel on different machines, and
// the MPI routines are used to communicate data between them. MPI emphasises
// speed over robustness, and should only be used in highly reliable systems,
// such as a computation cluster. Errors returned by this package are
// generally not recoverable: a failed connection means the computation as a
// whole has failed.
//
// Two implementations of Mpi are provided. Network builds an all-to-all
// set of connections using the net package. Local connects a fixed group of
// ranks within a single process, which is useful for testing SPMD programs
// and for running them on one machine without sockets.
//
// A MPI program must begin with a call to Init() and should end with a call
// to Finalize(). Init determines the size, or number of nodes, to be used
// during the computation, and assigns each node a unique integer identifier,
// "rank", which has a value 0 <= rank < size.
//
// Point-to-point messages are sent with Send, confirmed with Wait and read
// with Receive. Comm layers float64 buffer operations on top of an Mpi: a
// broadcast, a synchronous send and a non-blocking receive returning a
// Request.
//
// Package mpi also adds several flags to aid in simplicity.
//		-mpi-addr : address of the local running process
//		-mpi-alladdr: comma separated list of the strings of all the addresses
//		-mpi-inittimeout: time.Duration for how long init can take before timing out.
//		-mpi-protocol: string to represent the protocol to use
//		-mpi-password: password to use at MPI initialization
//		-mpi-dialbackoff: initial delay between dial attempts during init
// flag.Parse() must be called in order to use these flags.
package mpi

import (
	"fmt"
	"sync"
)

var (
	mu             sync.Mutex
	mpier          Mpi = &Network{}
	registerCalled bool
)

// Register sets an Mpi implementation to be used in calls to MPI. Register
// should be called during program initialization, and panics if it is called
// more than once.
func Register(m Mpi) {
	mu.Lock()
	defer mu.Unlock()
	if registerCalled {
		panic("mpi: Register called twice")
	}
	registerCalled = true
	mpier = m
}

// World returns the registered implementation, so that it may be passed
// explicitly to code that should not depend on package state.
func World() Mpi {
	mu.Lock()
	defer mu.Unlock()
	return mpier
}

// Init connects the registered implementation to its group and assigns the
// local rank. It is called once, before any other function of the package.
func Init() error {
	return World().Init()
}

// Finalize closes the local rank's connections. Calls blocked on this rank
// return an error, and no further calls may be made. Messages this rank has
// already confirmed still reach their senders.
func Finalize() {
	World().Finalize()
}

// Rank returns the rank of the local process. The value of rank will not
// change during program execution. 0 <= Rank() < Size(). As a special case,
// if the size of the network is zero (Init was not called), Rank returns -1.
func Rank() int {
	return World().Rank()
}

// Size returns the total number of nodes. Size returns 0 if MPI is not initialized
func Size() int {
	return World().Size()
}

// Send serializes data and queues it for destination under tag. It returns
// once data has been serialized, so the caller may modify it, without waiting
// for destination to receive it. A {destination, tag} pair stays in use, and
// a second Send on it fails with TagExists, until Wait for it returns. Send is
// safe for concurrent use, and a rank may send to itself.
func Send(data interface{}, destination, tag int) error {
	return World().Send(data, destination, tag)
}

// Wait blocks until destination confirms that it has received the message sent
// to it under tag, then releases the {destination, tag} pair.
func Wait(destination, tag int) error {
	return World().Wait(destination, tag)
}

// Receive blocks until a message with the given tag arrives from source and
// deserializes it into data. Data should be a pointer to a value of the type
// sent via Send. Messages that arrive before Receive is called are held until
// they are asked for.
func Receive(data interface{}, source, tag int) error {
	return World().Receive(data, source, tag)
}

// Mpi is a set of routines for performing parallel computation. See the
// function descriptions for documentation.
type Mpi interface {
	Init() error
	Finalize()
	Rank() int
	Size() int
	Send(data interface{}, destination, tag int) error
	Wait(destination, tag int) error
	Receive(data interface{}, source, tag int) error
}

// TagExists is an error type indicating the tag already has a concurrent request
// between the destination and source node
type TagExists struct {
	Tag int
}

func (t TagExists) Error() string {
	return fmt.Sprintf("Tag %v already in use sending", t.Tag)
}
