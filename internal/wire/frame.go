package wire

import "fmt"

// Frame is a full layer-2 frame: Ethernet header, HomePlug management
// header, and an opaque payload. Encode pads the result to MinFrameSize;
// DecodeFrame performs only the header-peek step (spec §9) and leaves
// payload interpretation to Dispatch.
type Frame struct {
	Eth     EthernetHeader
	HP      HomePlugHeader
	Payload []byte
}

// Encode serializes the frame and zero-pads it to at least MinFrameSize
// bytes.
func (f Frame) Encode() []byte {
	buf := make([]byte, 0, EthernetHeaderSize+HomePlugHeaderSize+len(f.Payload))
	buf = append(buf, f.Eth.Encode()...)
	buf = append(buf, f.HP.Encode()...)
	buf = append(buf, f.Payload...)
	return padTo60(buf)
}

// DecodeFrame parses the Ethernet and HomePlug headers from buf and returns
// a Frame whose Payload is everything after them (including any trailing
// zero padding — payload decoders size themselves and ignore the rest).
func DecodeFrame(buf []byte) (Frame, error) {
	eth, rest, err := DecodeEthernetHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	hp, rest, err := DecodeHomePlugHeader(rest)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Eth: eth, HP: hp, Payload: rest}, nil
}

// Dispatch decodes the frame's payload into the concrete message type
// indicated by its mm_type, per the (mm_type, kind) sum-type dispatch
// described in spec §9. It returns ErrUnknownMMType for any mm_type this
// protocol does not define.
func (f Frame) Dispatch() (any, error) {
	switch f.HP.MMType {
	case MMSetKey | KindReq:
		return DecodeSetKeyReq(f.Payload)
	case MMSetKey | KindCnf:
		return DecodeSetKeyCnf(f.Payload)
	case MMSlacParm | KindReq:
		return DecodeSlacParmReq(f.Payload)
	case MMSlacParm | KindCnf:
		return DecodeSlacParmCnf(f.Payload)
	case MMStartAttenChar | KindInd:
		return DecodeStartAttenChar(f.Payload)
	case MMMnbcSound | KindInd:
		return DecodeMnbcSound(f.Payload)
	case MMAttenProfile | KindInd:
		return DecodeAttenProfile(f.Payload)
	case MMAttenChar | KindInd:
		return DecodeAttenChar(f.Payload)
	case MMAttenChar | KindRsp:
		return DecodeAttenCharRsp(f.Payload)
	case MMSlacMatch | KindReq:
		return DecodeMatchReq(f.Payload)
	case MMSlacMatch | KindCnf:
		return DecodeMatchCnf(f.Payload)
	default:
		return nil, &ParseError{MMType: f.HP.MMType, Err: fmt.Errorf("%w: 0x%04x", ErrUnknownMMType, f.HP.MMType)}
	}
}
