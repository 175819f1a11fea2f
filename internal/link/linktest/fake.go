/*
Package linktest provides an in-memory link.Link double for session and
controller tests, so they can run without a real interface or root
privileges.
*/
package linktest

import (
	"sync"
	"time"

	"slacd/internal/clock"
	"slacd/internal/link"
)

const pollInterval = time.Millisecond

// Fake is an in-memory link.Link. Frames queued with Inject are returned in
// FIFO order by Recv; frames written with Send are recorded in Sent.
type Fake struct {
	mu       sync.Mutex
	inbox    [][]byte
	Sent     [][]byte
	closed   bool
	resetCnt int
	clk      clock.Clock
}

// New returns a ready-to-use Fake link whose Recv deadline is measured
// against the real wall clock.
func New() *Fake {
	return &Fake{clk: clock.Real{}}
}

// NewWithClock returns a Fake link whose Recv deadline is measured against
// clk instead of the real wall clock. Tests that also fake the caller's
// clock should share the same instance here, so that advancing it
// deterministically unblocks a pending Recv instead of waiting in real
// time.
func NewWithClock(clk clock.Clock) *Fake {
	return &Fake{clk: clk}
}

// Inject queues a frame to be returned by a future Recv call.
func (f *Fake) Inject(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, frame)
}

func (f *Fake) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return link.ErrClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.Sent = append(f.Sent, cp)
	return nil
}

// Recv polls for a queued frame until one is available, the link is
// closed, or timeout elapses. Polling (rather than a condition variable)
// keeps Close safely concurrent with an in-flight Recv without a goroutine
// left waiting on a broadcast no one sends.
func (f *Fake) Recv(timeout time.Duration) ([]byte, error) {
	deadline := f.clk.Now().Add(timeout)
	for {
		f.mu.Lock()
		if len(f.inbox) > 0 {
			frame := f.inbox[0]
			f.inbox = f.inbox[1:]
			f.mu.Unlock()
			return frame, nil
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return nil, link.ErrClosed
		}
		if f.clk.Now().After(deadline) {
			return nil, link.ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = false
	f.resetCnt++
	f.inbox = nil
	return nil
}

// ResetCount returns how many times Reset has been called.
func (f *Fake) ResetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetCnt
}
