//go:build linux

package link

import (
	"golang.org/x/sys/unix"

	"slacd/internal/wire"
)

// attachHomePlugFilter installs a classic BPF program on fd that accepts
// only frames whose Ether type (at offset 12) equals
// wire.EtherTypeHomePlug, dropping everything else at the kernel before it
// ever reaches userspace (spec §4.2: "a socket-attached filter restricting
// reads to the HomePlug Ether type").
func attachHomePlugFilter(fd int) error {
	prog := []unix.SockFilter{
		// ldh [12] - load the 16-bit Ether type field.
		{Code: 0x28, Jt: 0, Jf: 0, K: 12},
		// jeq #ethertype, accept next instr / skip to drop.
		{Code: 0x15, Jt: 0, Jf: 1, K: uint32(wire.EtherTypeHomePlug)},
		// ret #-1 (accept whole packet).
		{Code: 0x6, Jt: 0, Jf: 0, K: 0xFFFFFFFF},
		// ret #0 (drop).
		{Code: 0x6, Jt: 0, Jf: 0, K: 0x00000000},
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog)
}
