/*
Package link provides the raw layer-2 socket a Session uses to exchange
HomePlug Green PHY management frames with the local chip and with EVs on the
shared interface. The only implementation shipped here is Linux's AF_PACKET
raw socket (link_linux.go); other platforms get a stub that always reports
the link as down (link_other.go).
*/
package link

import (
	"errors"
	"time"
)

// Link is the raw layer-2 transport a Session drives. Implementations must
// make Recv safe to call concurrently with Close from another goroutine, so
// that a controller-initiated cancellation can unblock a pending Recv
// (spec §5).
type Link interface {
	// Send pads frame to wire.MinFrameSize and transmits it.
	Send(frame []byte) error
	// Recv waits up to timeout for a frame matching the link's filter. It
	// returns Timeout if none arrives in time.
	Recv(timeout time.Duration) ([]byte, error)
	// Close releases the underlying socket.
	Close() error
	// Reset closes and reopens the socket, to recover from a wedged chip.
	Reset() error
}

// Error kinds returned by Link implementations (spec §4.2, §7).
var (
	ErrSend    = errors.New("link: send failed")
	ErrTimeout = errors.New("link: receive timed out")
	ErrDown    = errors.New("link: bind failed")
	ErrClosed  = errors.New("link: closed")
)

// MaxReceiveSize is the largest frame this package will read from the wire.
const MaxReceiveSize = 1500
