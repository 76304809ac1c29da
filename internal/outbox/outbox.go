package outbox

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrAborted is returned when the abort predicate fired before the lock
	// could be taken. Nothing was appended or drained.
	ErrAborted = errors.New("outbox: aborted while waiting for lock")
	// ErrFull is returned by Offer when MaxPending bytes are already queued.
	ErrFull = errors.New("outbox: pending limit reached")
)

// Outbox is a byte buffer of framed messages written by any number of
// producers and drained by one consumer. Every append is a whole message;
// the consumer never observes a partial one.
type Outbox struct {
	// MaxPending caps the bytes Offer will queue. Zero means no cap.
	// Set before first use.
	MaxPending int

	lock    SpinLock
	buf     []byte
	dirty   atomic.Bool
	pending atomic.Int64

	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// Append runs fn under the lock to append one message to the buffer. If fn
// fails the buffer is restored to its previous length.
func (o *Outbox) Append(abort func() bool, fn func(dst []byte) ([]byte, error)) error {
	return o.append(abort, false, fn)
}

// Offer is Append subject to MaxPending. A refused message is counted as
// dropped and ErrFull is returned.
func (o *Outbox) Offer(abort func() bool, fn func(dst []byte) ([]byte, error)) error {
	return o.append(abort, true, fn)
}

func (o *Outbox) append(abort func() bool, limited bool, fn func([]byte) ([]byte, error)) error {
	if !o.lock.LockUnless(abort) {
		return ErrAborted
	}
	defer o.lock.Unlock()

	if limited && o.MaxPending > 0 && len(o.buf) >= o.MaxPending {
		o.dropped.Add(1)
		return ErrFull
	}

	before := len(o.buf)
	out, err := fn(o.buf)
	if err != nil {
		o.buf = o.buf[:before]
		return err
	}
	o.buf = out
	o.pending.Store(int64(len(o.buf)))
	o.accepted.Add(1)
	o.dirty.Store(true)
	return nil
}

// Drain appends every pending byte to dst, empties the buffer and clears the
// dirty flag. ok is false if abort fired before the lock was taken.
func (o *Outbox) Drain(abort func() bool, dst []byte) (out []byte, ok bool) {
	if !o.lock.LockUnless(abort) {
		return dst, false
	}
	defer o.lock.Unlock()

	dst = append(dst, o.buf...)
	o.buf = o.buf[:0]
	o.pending.Store(0)
	o.dirty.Store(false)
	return dst, true
}

// Dirty reports whether bytes were appended since the last Drain. It does
// not take the lock.
func (o *Outbox) Dirty() bool {
	return o.dirty.Load()
}

// Pending returns the number of queued bytes.
func (o *Outbox) Pending() int {
	return int(o.pending.Load())
}

// Accepted returns the number of messages appended.
func (o *Outbox) Accepted() uint64 {
	return o.accepted.Load()
}

// Dropped returns the number of messages refused by Offer.
func (o *Outbox) Dropped() uint64 {
	return o.dropped.Load()
}
