package wire

import "encoding/binary"

// HomePlugHeaderSize is the on-wire size of HomePlugHeader.
const HomePlugHeaderSize = 5

// Management message kinds, ORed onto an MM base to form mm_type.
const (
	KindReq uint16 = 0
	KindCnf uint16 = 1
	KindInd uint16 = 2
	KindRsp uint16 = 3
)

// Management message bases (spec §4.1 table).
const (
	MMSetKey         uint16 = 0x6008
	MMSlacParm       uint16 = 0x6064
	MMStartAttenChar uint16 = 0x6068
	MMMnbcSound      uint16 = 0x6074
	MMAttenProfile   uint16 = 0x6084
	MMAttenChar      uint16 = 0x606C
	MMSlacMatch      uint16 = 0x607C
)

const (
	mmvCurrent = 0x01
	fmsnZero   = 0x00
	fmidZero   = 0x00
)

// HomePlugHeader is the 5-byte HomePlug Green PHY management header that
// follows the Ethernet header on every frame this package handles.
type HomePlugHeader struct {
	MMV    byte
	MMType uint16
	FMSN   byte
	FMID   byte
}

// NewHomePlugHeader builds a header for the given MM base and kind, with the
// fixed MMV/FMSN/FMID values this protocol always uses.
func NewHomePlugHeader(base uint16, kind uint16) HomePlugHeader {
	return HomePlugHeader{
		MMV:    mmvCurrent,
		MMType: base | kind,
		FMSN:   fmsnZero,
		FMID:   fmidZero,
	}
}

// Base returns the MM base (mm_type with the low two kind bits cleared).
func (h HomePlugHeader) Base() uint16 {
	return h.MMType &^ 0x3
}

// Kind returns the REQ/CNF/IND/RSP kind encoded in the low two bits of
// mm_type.
func (h HomePlugHeader) Kind() uint16 {
	return h.MMType & 0x3
}

// Encode serializes the header to its 5-byte wire form. mm_type is
// little-endian on the wire, as is MatchCnf's mvf_length; every other
// multi-byte field in this protocol is big-endian (spec §9 endianness
// traps).
func (h HomePlugHeader) Encode() []byte {
	buf := make([]byte, HomePlugHeaderSize)
	buf[0] = h.MMV
	binary.LittleEndian.PutUint16(buf[1:3], h.MMType)
	buf[3] = h.FMSN
	buf[4] = h.FMID
	return buf
}

// DecodeHomePlugHeader parses the leading 5 bytes of buf as a HomePlug
// management header and returns the header along with the remaining bytes.
func DecodeHomePlugHeader(buf []byte) (HomePlugHeader, []byte, error) {
	if len(buf) < HomePlugHeaderSize {
		return HomePlugHeader{}, nil, ErrFrameTooShort
	}
	h := HomePlugHeader{
		MMV:    buf[0],
		MMType: binary.LittleEndian.Uint16(buf[1:3]),
		FMSN:   buf[3],
		FMID:   buf[4],
	}
	if h.MMV != mmvCurrent {
		return HomePlugHeader{}, nil, ErrWrongMMV
	}
	return h, buf[HomePlugHeaderSize:], nil
}
