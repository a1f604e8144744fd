package mpi

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// tagManager holds one mailbox per tag. A mailbox is created by whichever side
// touches the tag first, so a message may arrive before it is asked for.
// Mailboxes hold at most one message, which the {destination, tag} uniqueness
// rule guarantees is enough.
type tagManager struct {
	mu    sync.Mutex
	boxes map[int]chan []byte
}

func newTagManager() *tagManager {
	return &tagManager{boxes: make(map[int]chan []byte)}
}

// Add reserves the tag for a new send, returning TagExists if a send with the
// same tag is still unconfirmed.
func (t *tagManager) Add(tag int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.boxes[tag]; ok {
		return TagExists{Tag: tag}
	}
	t.boxes[tag] = make(chan []byte, 1)
	return nil
}

// Channel returns the mailbox for tag, creating it if needed.
func (t *tagManager) Channel(tag int) chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.boxes[tag]
	if !ok {
		c = make(chan []byte, 1)
		t.boxes[tag] = c
	}
	return c
}

// Delete frees the tag for reuse.
func (t *tagManager) Delete(tag int) {
	t.mu.Lock()
	delete(t.boxes, tag)
	t.mu.Unlock()
}

// await takes the next message from box, or fails once done is closed.
// The error is produced lazily since it is only known after done closes.
func await(box chan []byte, done <-chan struct{}, cause func() error) ([]byte, error) {
	select {
	case b := <-box:
		return b, nil
	case <-done:
		// A message may have raced with the shutdown.
		select {
		case b := <-box:
			return b, nil
		default:
		}
		return nil, cause()
	}
}

// message is the unit written on the wire. Data and receipts share the type;
// a receipt carries no bytes. Bytes is pre-encoded so that the reader does not
// need to know the payload type.
type message struct {
	Tag   int
	Bytes []byte
}

func encode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("mpi: encoding %T", data), err)
	}
	return buf.Bytes(), nil
}

func decode(b []byte, data interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(data); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("mpi: decoding into %T", data), err)
	}
	return nil
}

func checkRank(op string, rank, size int) error {
	if rank < 0 || rank >= size {
		return errors.E(errors.Invalid, fmt.Sprintf("mpi: %s: rank %d out of range [0, %d)", op, rank, size))
	}
	return nil
}
