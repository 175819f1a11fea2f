//go:build !linux

package link

import "time"

// RawLink is unavailable on non-Linux platforms: AF_PACKET raw sockets are
// a Linux-specific facility. Open always fails with ErrDown so that
// callers fail fast during startup (spec §7, FatalConfig) instead of
// discovering the gap later.
type RawLink struct{}

func Open(ifaceName string) (*RawLink, error) {
	return nil, ErrDown
}

func (l *RawLink) Send(frame []byte) error                    { return ErrDown }
func (l *RawLink) Recv(timeout time.Duration) ([]byte, error) { return nil, ErrDown }
func (l *RawLink) Close() error                               { return nil }
func (l *RawLink) Reset() error                               { return ErrDown }
