package tun

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Fake operations after Close.
var ErrClosed = errors.New("fake tun closed")

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Fake is an in-memory TUN device pair used for testing packet flow
// without touching real kernel devices. Packets written to one end are read
// from the other.
type Fake struct {
	peer      *Fake
	mu        sync.Mutex
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	deadline  time.Time
}

// NewFakePair returns two connected Fake devices with a small backlog.
func NewFakePair() (*Fake, *Fake) {
	return NewFakePairSize(8)
}

// NewFakePairSize returns two connected Fake devices, each buffering up to
// backlog unread packets.
func NewFakePairSize(backlog int) (*Fake, *Fake) {
	a := &Fake{inbox: make(chan []byte, backlog), done: make(chan struct{})}
	b := &Fake{inbox: make(chan []byte, backlog), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// WritePacket hands a copy of pkt to the peer. Packets sent to a closed peer
// are dropped, as the kernel drops packets nobody reads.
func (f *Fake) WritePacket(pkt []byte) (int, error) {
	select {
	case <-f.done:
		return 0, ErrClosed
	default:
	}
	if f.peer == nil {
		return 0, errors.New("fake tun not paired")
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case <-f.peer.done:
		return len(pkt), nil
	case f.peer.inbox <- cp:
		return len(pkt), nil
	default:
		return 0, errors.New("fake tun peer backlog full")
	}
}

func (f *Fake) ReadPacket(buf []byte) (int, error) {
	f.mu.Lock()
	deadline := f.deadline
	f.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-f.done:
		return 0, ErrClosed
	default:
	}

	select {
	case pkt := <-f.inbox:
		if len(pkt) > len(buf) {
			pkt = pkt[:len(buf)]
		}
		return copy(buf, pkt), nil
	case <-f.done:
		return 0, ErrClosed
	case <-timeout:
		return 0, timeoutError{}
	}
}

// Close unblocks pending reads. It is safe to call more than once.
func (f *Fake) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *Fake) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

var _ DeadlineDevice = (*Fake)(nil)
