package mpi

import (
	"context"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

// Network implements the MPI protocol using network calls provided by the net
// package in the standard library. Network creates an all-to-all connection
// using the specified network protocol among all provided addresses: every
// process dials every other process, and accepts a connection from every
// other process. Data is sent on the dialed connection and received on the
// accepted one; receipts travel the other way. Network uses encoding/gob for
// (de)serialization, and so some network protocols may not be appropriate.
//
// Network is not built with security in mind, but the network does confirm
// that all processes were started with the same password before accepting
// any connection. Only a hash of the password is sent.
//
// Network uses the flags provided. It takes the values provided by the flags
// if the zero values are present for the network values.
type Network struct {
	NetProto    string        // Which network protocol to use (see net package for options)
	Addr        string        // Address of the local process
	Addrs       []string      // List of the addresses of all nodes. Addr must be among them
	Timeout     time.Duration // If set, Init fails if the connections are not made within the duration
	DialBackoff time.Duration // Initial delay between dial attempts

	Password       string
	hashedPassword string

	myrank int // rank of this process
	nNodes int // total number of processes

	listener net.Listener
	peers    []*peer // connections to all of the other nodes, indexed by rank
}

// peer holds the connections with one other process. The local process is
// its own peer, with no connections: its messages go straight to the
// mailboxes.
type peer struct {
	rank int

	data *tagManager // messages received from the peer
	acks *tagManager // receipts for messages sent to the peer

	dial   net.Conn // Send on, read receipts from
	listen net.Conn // Receive from, write receipts to

	dialEnc   *gob.Encoder
	dialDec   *gob.Decoder
	listenEnc *gob.Encoder
	listenDec *gob.Decoder
	sendMu    sync.Mutex // guards dialEnc
	ackMu     sync.Mutex // guards listenEnc

	// The two connections are lost independently. A peer that confirms
	// receipt and then finalizes closes both, and its receipt must still
	// reach Wait after the data connection has ended.
	in  *lost // listen connection; Receive fails once it ends
	out *lost // dial connection; Wait fails once it ends
}

func newPeer(rank int) *peer {
	return &peer{
		rank: rank,
		data: newTagManager(),
		acks: newTagManager(),
		in:   newLost(),
		out:  newLost(),
	}
}

// fail marks both connections with p as lost.
func (p *peer) fail(err error) {
	p.in.fail(err)
	p.out.fail(err)
}

// lost records the end of one connection. Calls blocked on it return err.
type lost struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLost() *lost {
	return &lost{done: make(chan struct{})}
}

func (l *lost) fail(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

func (l *lost) cause() error {
	return l.err
}

func (n *Network) Rank() int {
	if n.nNodes == 0 {
		return -1
	}
	return n.myrank
}

func (n *Network) Size() int {
	return n.nNodes
}

// initialMessage is the handshake exchanged on each new connection.
type initialMessage struct {
	Password string
	Id       int
}

func hashPassword(password string) string {
	sum := blake2b.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Init implements the Mpi init function
func (n *Network) Init() error {
	n.applyFlags()
	n.hashedPassword = hashPassword(n.Password)

	// Sort all of the addresses to ensure that all processes agree
	addrs := append([]string(nil), n.Addrs...)
	sort.Strings(addrs)
	n.Addrs = addrs

	for i := 0; i < len(n.Addrs)-1; i++ {
		if n.Addrs[i] == n.Addrs[i+1] {
			return errors.E(errors.Invalid, fmt.Sprintf("mpi init: address %s listed twice", n.Addrs[i]))
		}
	}

	// Rank is the order in the list
	n.myrank = sort.SearchStrings(n.Addrs, n.Addr)
	if !(n.myrank < len(n.Addrs) && n.Addrs[n.myrank] == n.Addr) {
		return errors.E(errors.Invalid, fmt.Sprintf("mpi init: local address %q not in global list", n.Addr))
	}
	n.nNodes = len(n.Addrs)

	n.peers = make([]*peer, n.nNodes)
	for i := range n.peers {
		n.peers[i] = newPeer(i)
	}

	ctx := context.Background()
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}
	if err := n.startConnections(ctx); err != nil {
		n.close()
		n.nNodes = 0
		if ctx.Err() == context.DeadlineExceeded || errors.Is(errors.Timeout, err) {
			return errors.E(errors.Timeout, fmt.Sprintf("mpi init: connections not made within %v", n.Timeout), err)
		}
		return err
	}
	for _, p := range n.peers {
		if p.rank == n.myrank {
			continue
		}
		go n.readData(p)
		go n.readAcks(p)
	}
	log.Printf("mpi: rank %d of %d listening on %s", n.myrank, n.nNodes, n.Addr)
	return nil
}

// startConnections creates bi-way all-to-all connections: it listens for all
// of the other processes while dialing all of them.
func (n *Network) startConnections(ctx context.Context) error {
	listener, err := net.Listen(n.NetProto, n.Addr)
	if err != nil {
		return errors.E(errors.Net, "mpi init: listen on "+n.Addr, err)
	}
	n.listener = listener

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.establishListenConnections(ctx)
	})
	for i := range n.peers {
		if i == n.myrank {
			continue // Don't dial yourself
		}
		p := n.peers[i]
		g.Go(func() error {
			return n.dialPeer(ctx, p)
		})
	}
	// The listener is only needed during init. Closing it when the group's
	// context ends also unblocks Accept if init fails or times out.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	return g.Wait()
}

// establishListenConnections accepts a connection from every other process
// and identifies it by its handshake.
func (n *Network) establishListenConnections(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n.nNodes-1; i++ {
		conn, err := n.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.E(errors.Net, "mpi init: accept", err)
		}
		g.Go(func() error {
			// A peer that connects but never completes the handshake must
			// not outlive init.
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			enc, dec := gob.NewEncoder(conn), gob.NewDecoder(conn)
			var msg initialMessage
			if err := dec.Decode(&msg); err != nil {
				conn.Close()
				return errors.E(errors.Net, "mpi init: reading handshake", err)
			}
			id, err := n.passwordAndId(msg)
			if err != nil {
				conn.Close()
				return err
			}
			// Send back a handshake the other way
			if err := enc.Encode(initialMessage{Password: n.hashedPassword, Id: n.myrank}); err != nil {
				conn.Close()
				return errors.E(errors.Net, fmt.Sprintf("mpi init: handshake with rank %d", id), err)
			}
			p := n.peers[id]
			p.listen, p.listenEnc, p.listenDec = conn, enc, dec
			return nil
		})
	}
	return g.Wait()
}

// dialPeer dials p until a connection is made, backing off between attempts,
// and performs the handshake.
func (n *Network) dialPeer(ctx context.Context, p *peer) error {
	addr := n.Addrs[p.rank]
	policy := retry.Backoff(n.DialBackoff, 10*n.DialBackoff, 1.5)
	var dialer net.Dialer
	var conn net.Conn
	for retries := 0; ; retries++ {
		var err error
		conn, err = dialer.DialContext(ctx, n.NetProto, addr)
		if err == nil {
			break
		}
		log.Debug.Printf("mpi init: dial %s (attempt %d): %v", addr, retries+1, err)
		if err := retry.Wait(ctx, policy, retries); err != nil {
			// retry.Wait reports errors.Timeout when the next attempt
			// would fall after the deadline; keep its kind.
			return errors.E("mpi init: dial "+addr, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	enc, dec := gob.NewEncoder(conn), gob.NewDecoder(conn)
	if err := enc.Encode(initialMessage{Password: n.hashedPassword, Id: n.myrank}); err != nil {
		conn.Close()
		return errors.E(errors.Net, "mpi init: handshake with "+addr, err)
	}
	var msg initialMessage
	if err := dec.Decode(&msg); err != nil {
		conn.Close()
		return errors.E(errors.Net, "mpi init: handshake reply from "+addr, err)
	}
	id, err := n.passwordAndId(msg)
	if err != nil {
		conn.Close()
		return err
	}
	if id != p.rank {
		conn.Close()
		return errors.E(errors.Invalid, fmt.Sprintf("mpi init: %s answered as rank %d, expected %d", addr, id, p.rank))
	}
	p.dial, p.dialEnc, p.dialDec = conn, enc, dec
	return nil
}

// Checks that the password matches what the network expects and that the
// id is valid
func (n *Network) passwordAndId(message initialMessage) (int, error) {
	if message.Password != n.hashedPassword {
		return -1, errors.E(errors.NotAllowed, "mpi init: bad password")
	}
	if message.Id >= n.nNodes || message.Id < 0 || message.Id == n.myrank {
		return -1, errors.E(errors.Invalid, fmt.Sprintf("mpi init: bad id: %v", message.Id))
	}
	return message.Id, nil
}

// readData reads messages sent by p and files them in p's data mailboxes
// until the connection fails.
func (n *Network) readData(p *peer) {
	for {
		var m message
		if err := p.listenDec.Decode(&m); err != nil {
			n.lose(p, p.in, err)
			return
		}
		p.data.Channel(m.Tag) <- m.Bytes
	}
}

// readAcks reads receipts from p for messages sent to it.
func (n *Network) readAcks(p *peer) {
	for {
		var m message
		if err := p.dialDec.Decode(&m); err != nil {
			n.lose(p, p.out, err)
			return
		}
		p.acks.Channel(m.Tag) <- nil
	}
}

// lose marks one of the connections with p as ended by err.
func (n *Network) lose(p *peer, l *lost, err error) {
	select {
	case <-l.done:
		return
	default:
	}
	if err == io.EOF {
		// The peer finalized.
		log.Debug.Printf("mpi: rank %d: rank %d closed its connection", n.myrank, p.rank)
	} else {
		log.Error.Printf("mpi: rank %d lost connection with rank %d: %v", n.myrank, p.rank, err)
	}
	l.fail(errors.E(errors.Net, fmt.Sprintf("mpi: connection with rank %d", p.rank), err))
}

// Finalize implements the Mpi function.
func (n *Network) Finalize() {
	n.close()
	log.Printf("mpi: rank %d finalized", n.myrank)
}

// close closes the listener and all of the connections.
func (n *Network) close() {
	if n.listener != nil {
		n.listener.Close()
	}
	for _, p := range n.peers {
		// Mark the peer before closing so that readers exit quietly.
		p.fail(errors.E(errors.Net, fmt.Sprintf("mpi: rank %d finalized", n.myrank)))
		if p.dial != nil {
			p.dial.Close()
		}
		if p.listen != nil {
			p.listen.Close()
		}
	}
}

// Send implements the Mpi function
func (n *Network) Send(data interface{}, destination, tag int) error {
	if err := checkRank("send", destination, n.nNodes); err != nil {
		return err
	}
	// The payload is serialized separately from the message so that the
	// receiving reader can file it without knowing its type.
	b, err := encode(data)
	if err != nil {
		return err
	}
	p := n.peers[destination]
	if err := p.acks.Add(tag); err != nil {
		return err
	}
	if destination == n.myrank {
		p.data.Channel(tag) <- b
		return nil
	}
	p.sendMu.Lock()
	err = p.dialEnc.Encode(message{Tag: tag, Bytes: b})
	p.sendMu.Unlock()
	if err != nil {
		p.acks.Delete(tag)
		n.lose(p, p.out, err)
		return p.out.cause()
	}
	return nil
}

// Wait implements the Mpi function
func (n *Network) Wait(destination, tag int) error {
	if err := checkRank("wait", destination, n.nNodes); err != nil {
		return err
	}
	p := n.peers[destination]
	if _, err := await(p.acks.Channel(tag), p.out.done, p.out.cause); err != nil {
		return err
	}
	p.acks.Delete(tag)
	return nil
}

// Receive implements the Mpi function
func (n *Network) Receive(data interface{}, source, tag int) error {
	if err := checkRank("receive", source, n.nNodes); err != nil {
		return err
	}
	p := n.peers[source]
	b, err := await(p.data.Channel(tag), p.in.done, p.in.cause)
	if err != nil {
		return err
	}
	p.data.Delete(tag)

	// Confirm receipt; the sender's Wait returns once this arrives.
	if source == n.myrank {
		p.acks.Channel(tag) <- nil
	} else {
		p.ackMu.Lock()
		err = p.listenEnc.Encode(message{Tag: tag})
		p.ackMu.Unlock()
		if err != nil {
			n.lose(p, p.in, err)
			return p.in.cause()
		}
	}
	return decode(b, data)
}
