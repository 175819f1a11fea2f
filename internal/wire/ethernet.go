package wire

import "encoding/binary"

// EtherTypeHomePlug is the Ether type reserved for HomePlug Green PHY
// management traffic. It is the only Ether type this package ever encodes
// or expects to decode.
const EtherTypeHomePlug uint16 = 0x88E1

// EthernetHeaderSize is the on-wire size of EthernetHeader.
const EthernetHeaderSize = 14

// MinFrameSize is the minimum frame size on send; shorter frames are padded
// with trailing zeros.
const MinFrameSize = 60

// MAC is a 6-byte HomePlug/Ethernet hardware address.
type MAC [6]byte

// BroadcastMAC is the Ethernet broadcast address.
var BroadcastMAC = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// AtheroschipMAC is the fixed local address of the Atheros HPGP chip peer.
var AtheroschipMAC = MAC{0x00, 0xB0, 0x52, 0x00, 0x00, 0x01}

// String renders the MAC in the conventional colon-separated hex form.
func (m MAC) String() string {
	const hexDigits = "0123456789ABCDEF"
	b := make([]byte, 17)
	for i, v := range m {
		b[i*3] = hexDigits[v>>4]
		b[i*3+1] = hexDigits[v&0xF]
		if i < 5 {
			b[i*3+2] = ':'
		}
	}
	return string(b)
}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// EthernetHeader is the 14-byte Ethernet-II header carried by every frame on
// the wire.
type EthernetHeader struct {
	Dst       MAC
	Src       MAC
	EtherType uint16
}

// Encode serializes the header to its 14-byte wire form.
func (h EthernetHeader) Encode() []byte {
	buf := make([]byte, EthernetHeaderSize)
	copy(buf[0:6], h.Dst[:])
	copy(buf[6:12], h.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], h.EtherType)
	return buf
}

// DecodeEthernetHeader parses the leading 14 bytes of buf as an Ethernet-II
// header and returns the header along with the remaining bytes. It rejects
// any Ether type other than HomePlug's, since this package never needs to
// carry anything else.
func DecodeEthernetHeader(buf []byte) (EthernetHeader, []byte, error) {
	if len(buf) < EthernetHeaderSize {
		return EthernetHeader{}, nil, ErrFrameTooShort
	}
	var h EthernetHeader
	copy(h.Dst[:], buf[0:6])
	copy(h.Src[:], buf[6:12])
	h.EtherType = binary.BigEndian.Uint16(buf[12:14])
	if h.EtherType != EtherTypeHomePlug {
		return EthernetHeader{}, nil, ErrWrongEtherType
	}
	return h, buf[EthernetHeaderSize:], nil
}

// padTo60 returns buf, zero-padded at the tail to at least MinFrameSize
// bytes. It never truncates.
func padTo60(buf []byte) []byte {
	if len(buf) >= MinFrameSize {
		return buf
	}
	out := make([]byte, MinFrameSize)
	copy(out, buf)
	return out
}
