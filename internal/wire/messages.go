package wire

import (
	"encoding/binary"
	"fmt"
)

// NumCarrierGroups is the number of OFDM carrier groups a SLAC attenuation
// profile covers.
const NumCarrierGroups = 58

// --- CM_SET_KEY -------------------------------------------------------

// SetKeyReq is the EVSE-to-chip CM_SET_KEY.REQ payload that provisions the
// HPGP chip with a fresh NMK/NID pair.
type SetKeyReq struct {
	NID    NID
	NewKey NMK
}

const setKeyReqSize = 38

func (m SetKeyReq) Encode() []byte {
	buf := make([]byte, setKeyReqSize)
	buf[0] = 0x01 // key_type
	// my_nonce
	copy(buf[1:5], []byte{0xAA, 0xAA, 0xAA, 0xAA})
	// your_nonce is already zero
	buf[9] = 0x04 // pid
	// prn[2] already zero
	// pmn already zero
	// cco_cap already zero
	copy(buf[14:21], m.NID[:])
	buf[21] = 0x01 // new_eks
	copy(buf[22:38], m.NewKey[:])
	return buf
}

func DecodeSetKeyReq(buf []byte) (SetKeyReq, error) {
	if len(buf) < setKeyReqSize {
		return SetKeyReq{}, ErrPayloadTooShort
	}
	var m SetKeyReq
	copy(m.NID[:], buf[14:21])
	copy(m.NewKey[:], buf[22:38])
	return m, nil
}

// SetKeyCnf is the chip-to-EVSE CM_SET_KEY.CNF payload. The Result byte has
// inconsistent polarity across firmware and is intentionally not
// interpreted; arrival of the confirmation is treated as success (spec §9).
type SetKeyCnf struct {
	Result byte
}

const setKeyCnfSize = 41

func (m SetKeyCnf) Encode() []byte {
	buf := make([]byte, setKeyCnfSize)
	buf[0] = m.Result
	return buf
}

func DecodeSetKeyCnf(buf []byte) (SetKeyCnf, error) {
	if len(buf) < setKeyCnfSize {
		return SetKeyCnf{}, ErrPayloadTooShort
	}
	return SetKeyCnf{Result: buf[0]}, nil
}

// --- CM_SLAC_PARM -------------------------------------------------------

// SlacParmReq is the EV-to-EVSE broadcast CM_SLAC_PARM.REQ that opens a
// matching run.
type SlacParmReq struct {
	AppType byte
	SecType byte
	RunID   RunID
}

const slacParmReqSize = 10

func (m SlacParmReq) Encode() []byte {
	buf := make([]byte, slacParmReqSize)
	buf[0] = m.AppType
	buf[1] = m.SecType
	copy(buf[2:10], m.RunID[:])
	return buf
}

func DecodeSlacParmReq(buf []byte) (SlacParmReq, error) {
	if len(buf) < slacParmReqSize {
		return SlacParmReq{}, ErrPayloadTooShort
	}
	var m SlacParmReq
	m.AppType = buf[0]
	m.SecType = buf[1]
	copy(m.RunID[:], buf[2:10])
	return m, nil
}

// SlacParmCnf is the EVSE's response advertising the sounding parameters for
// the run.
type SlacParmCnf struct {
	MSoundTarget   MAC
	NumSounds      byte
	TimeOut        byte
	RespType       byte
	ForwardingSta  MAC
	AppType        byte
	SecType        byte
	RunID          RunID
}

const slacParmCnfSize = 25

func (m SlacParmCnf) Encode() []byte {
	buf := make([]byte, slacParmCnfSize)
	copy(buf[0:6], m.MSoundTarget[:])
	buf[6] = m.NumSounds
	buf[7] = m.TimeOut
	buf[8] = m.RespType
	copy(buf[9:15], m.ForwardingSta[:])
	buf[15] = m.AppType
	buf[16] = m.SecType
	copy(buf[17:25], m.RunID[:])
	return buf
}

func DecodeSlacParmCnf(buf []byte) (SlacParmCnf, error) {
	if len(buf) < slacParmCnfSize {
		return SlacParmCnf{}, ErrPayloadTooShort
	}
	var m SlacParmCnf
	copy(m.MSoundTarget[:], buf[0:6])
	m.NumSounds = buf[6]
	m.TimeOut = buf[7]
	m.RespType = buf[8]
	copy(m.ForwardingSta[:], buf[9:15])
	m.AppType = buf[15]
	m.SecType = buf[16]
	copy(m.RunID[:], buf[17:25])
	return m, nil
}

// --- CM_START_ATTEN_CHAR -------------------------------------------------

// StartAttenChar is the EV's broadcast CM_START_ATTEN_CHAR.IND that kicks
// off the sounding phase.
type StartAttenChar struct {
	AppType       byte
	SecType       byte
	NumSounds     byte
	TimeOut       byte
	RespType      byte
	ForwardingSta MAC
	RunID         RunID
}

const startAttenCharSize = 19

func (m StartAttenChar) Encode() []byte {
	buf := make([]byte, startAttenCharSize)
	buf[0] = m.AppType
	buf[1] = m.SecType
	buf[2] = m.NumSounds
	buf[3] = m.TimeOut
	buf[4] = m.RespType
	copy(buf[5:11], m.ForwardingSta[:])
	copy(buf[11:19], m.RunID[:])
	return buf
}

func DecodeStartAttenChar(buf []byte) (StartAttenChar, error) {
	if len(buf) < startAttenCharSize {
		return StartAttenChar{}, ErrPayloadTooShort
	}
	var m StartAttenChar
	m.AppType = buf[0]
	m.SecType = buf[1]
	m.NumSounds = buf[2]
	m.TimeOut = buf[3]
	m.RespType = buf[4]
	copy(m.ForwardingSta[:], buf[5:11])
	copy(m.RunID[:], buf[11:19])
	return m, nil
}

// --- CM_MNBC_SOUND --------------------------------------------------------

// MnbcSound is one EV-emitted sound indication, broadcast during the sounds
// loop.
type MnbcSound struct {
	AppType  byte
	SecType  byte
	SenderID Identifier
	Cnt      byte
	RunID    RunID
	Reserved [8]byte
	Rnd      [16]byte
}

const mnbcSoundSize = 52

func (m MnbcSound) Encode() []byte {
	buf := make([]byte, mnbcSoundSize)
	buf[0] = m.AppType
	buf[1] = m.SecType
	copy(buf[2:19], m.SenderID[:])
	buf[19] = m.Cnt
	copy(buf[20:28], m.RunID[:])
	copy(buf[28:36], m.Reserved[:])
	copy(buf[36:52], m.Rnd[:])
	return buf
}

func DecodeMnbcSound(buf []byte) (MnbcSound, error) {
	if len(buf) < mnbcSoundSize {
		return MnbcSound{}, ErrPayloadTooShort
	}
	var m MnbcSound
	m.AppType = buf[0]
	m.SecType = buf[1]
	copy(m.SenderID[:], buf[2:19])
	m.Cnt = buf[19]
	copy(m.RunID[:], buf[20:28])
	copy(m.Reserved[:], buf[28:36])
	copy(m.Rnd[:], buf[36:52])
	return m, nil
}

// --- CM_ATTEN_PROFILE ------------------------------------------------------

// AttenProfile is the chip-to-host indication of per-group attenuation for
// one received sound.
type AttenProfile struct {
	PevMac    MAC
	NumGroups byte
	AAG       []byte
}

func (m AttenProfile) Encode() []byte {
	buf := make([]byte, 8+len(m.AAG))
	copy(buf[0:6], m.PevMac[:])
	buf[6] = m.NumGroups
	// buf[7] reserved, zero
	copy(buf[8:], m.AAG)
	return buf
}

func DecodeAttenProfile(buf []byte) (AttenProfile, error) {
	if len(buf) < 8 {
		return AttenProfile{}, ErrPayloadTooShort
	}
	var m AttenProfile
	copy(m.PevMac[:], buf[0:6])
	m.NumGroups = buf[6]
	if len(buf) < 8+int(m.NumGroups) {
		return AttenProfile{}, ErrPayloadTooShort
	}
	m.AAG = append([]byte(nil), buf[8:8+int(m.NumGroups)]...)
	return m, nil
}

// --- CM_ATTEN_CHAR ----------------------------------------------------------

// AttenChar is the EVSE-to-EV CM_ATTEN_CHAR.IND carrying the averaged
// attenuation profile computed from the sounds loop.
type AttenChar struct {
	AppType   byte
	SecType   byte
	Source    MAC
	RunID     RunID
	SourceID  Identifier
	RespID    Identifier
	NumSounds byte
	NumGroups byte
	AAG       []byte
}

const attenCharFixedSize = 1 + 1 + 6 + 8 + 17 + 17 + 1 + 1

func (m AttenChar) Encode() []byte {
	buf := make([]byte, attenCharFixedSize+len(m.AAG))
	buf[0] = m.AppType
	buf[1] = m.SecType
	copy(buf[2:8], m.Source[:])
	copy(buf[8:16], m.RunID[:])
	copy(buf[16:33], m.SourceID[:])
	copy(buf[33:50], m.RespID[:])
	buf[50] = m.NumSounds
	buf[51] = m.NumGroups
	copy(buf[52:], m.AAG)
	return buf
}

func DecodeAttenChar(buf []byte) (AttenChar, error) {
	if len(buf) < attenCharFixedSize {
		return AttenChar{}, ErrPayloadTooShort
	}
	var m AttenChar
	m.AppType = buf[0]
	m.SecType = buf[1]
	copy(m.Source[:], buf[2:8])
	copy(m.RunID[:], buf[8:16])
	copy(m.SourceID[:], buf[16:33])
	copy(m.RespID[:], buf[33:50])
	m.NumSounds = buf[50]
	m.NumGroups = buf[51]
	if len(buf) < attenCharFixedSize+int(m.NumGroups) {
		return AttenChar{}, ErrPayloadTooShort
	}
	m.AAG = append([]byte(nil), buf[attenCharFixedSize:attenCharFixedSize+int(m.NumGroups)]...)
	return m, nil
}

// AttenCharRsp is the EV's response to AttenChar; Result == 0x00 signals
// acceptance of the advertised profile.
type AttenCharRsp struct {
	AppType  byte
	SecType  byte
	Source   MAC
	RunID    RunID
	SourceID Identifier
	RespID   Identifier
	Result   byte
}

const attenCharRspSize = 1 + 1 + 6 + 8 + 17 + 17 + 1

// AttenCharResultSuccess is the Result value that accepts the profile.
const AttenCharResultSuccess byte = 0x00

func (m AttenCharRsp) Encode() []byte {
	buf := make([]byte, attenCharRspSize)
	buf[0] = m.AppType
	buf[1] = m.SecType
	copy(buf[2:8], m.Source[:])
	copy(buf[8:16], m.RunID[:])
	copy(buf[16:33], m.SourceID[:])
	copy(buf[33:50], m.RespID[:])
	buf[50] = m.Result
	return buf
}

func DecodeAttenCharRsp(buf []byte) (AttenCharRsp, error) {
	if len(buf) < attenCharRspSize {
		return AttenCharRsp{}, ErrPayloadTooShort
	}
	var m AttenCharRsp
	m.AppType = buf[0]
	m.SecType = buf[1]
	copy(m.Source[:], buf[2:8])
	copy(m.RunID[:], buf[8:16])
	copy(m.SourceID[:], buf[16:33])
	copy(m.RespID[:], buf[33:50])
	m.Result = buf[50]
	return m, nil
}

// --- CM_SLAC_MATCH -----------------------------------------------------------

// MatchReq is the EV's CM_SLAC_MATCH.REQ asking the EVSE to complete the
// match.
type MatchReq struct {
	AppType  byte
	SecType  byte
	PevID    Identifier
	PevMac   MAC
	EvseID   Identifier
	EvseMac  MAC
	RunID    RunID
	Reserved [8]byte
}

// matchReqVariableFieldLen is the big-endian mvf_length value for
// MatchReq: the length, in bytes, of every field that follows mvf_length
// itself.
const matchReqVariableFieldLen = 0x003E

func (m MatchReq) Encode() []byte {
	buf := make([]byte, 2+2+matchReqVariableFieldLen)
	buf[0] = m.AppType
	buf[1] = m.SecType
	binary.BigEndian.PutUint16(buf[2:4], matchReqVariableFieldLen)
	off := 4
	copy(buf[off:off+17], m.PevID[:])
	off += 17
	copy(buf[off:off+6], m.PevMac[:])
	off += 6
	copy(buf[off:off+17], m.EvseID[:])
	off += 17
	copy(buf[off:off+6], m.EvseMac[:])
	off += 6
	copy(buf[off:off+8], m.RunID[:])
	off += 8
	copy(buf[off:off+8], m.Reserved[:])
	return buf
}

func DecodeMatchReq(buf []byte) (MatchReq, error) {
	const want = 4 + matchReqVariableFieldLen
	if len(buf) < want {
		return MatchReq{}, ErrPayloadTooShort
	}
	var m MatchReq
	m.AppType = buf[0]
	m.SecType = buf[1]
	mvf := binary.BigEndian.Uint16(buf[2:4])
	if mvf != matchReqVariableFieldLen {
		return MatchReq{}, fmt.Errorf("%w: mvf_length %d", ErrPayloadTooShort, mvf)
	}
	off := 4
	copy(m.PevID[:], buf[off:off+17])
	off += 17
	copy(m.PevMac[:], buf[off:off+6])
	off += 6
	copy(m.EvseID[:], buf[off:off+17])
	off += 17
	copy(m.EvseMac[:], buf[off:off+6])
	off += 6
	copy(m.RunID[:], buf[off:off+8])
	off += 8
	copy(m.Reserved[:], buf[off:off+8])
	return m, nil
}

// MatchCnf is the EVSE's CM_SLAC_MATCH.CNF carrying the fresh NID/NMK for
// the now-matched private logical network.
type MatchCnf struct {
	AppType  byte
	SecType  byte
	PevID    Identifier
	PevMac   MAC
	EvseID   Identifier
	EvseMac  MAC
	RunID    RunID
	Reserved [8]byte
	NID      NID
	NMK      NMK
}

// matchCnfVariableFieldLen is the little-endian mvf_length value for
// MatchCnf: everything after the mvf_length field, including the trailing
// NID/NMK not present in MatchReq.
const matchCnfVariableFieldLen = 0x0056

func (m MatchCnf) Encode() []byte {
	buf := make([]byte, 2+2+matchCnfVariableFieldLen)
	buf[0] = m.AppType
	buf[1] = m.SecType
	binary.LittleEndian.PutUint16(buf[2:4], matchCnfVariableFieldLen)
	off := 4
	copy(buf[off:off+17], m.PevID[:])
	off += 17
	copy(buf[off:off+6], m.PevMac[:])
	off += 6
	copy(buf[off:off+17], m.EvseID[:])
	off += 17
	copy(buf[off:off+6], m.EvseMac[:])
	off += 6
	copy(buf[off:off+8], m.RunID[:])
	off += 8
	copy(buf[off:off+8], m.Reserved[:])
	off += 8
	copy(buf[off:off+7], m.NID[:])
	off += 7
	// buf[off] reserved, zero
	off++
	copy(buf[off:off+16], m.NMK[:])
	return buf
}

func DecodeMatchCnf(buf []byte) (MatchCnf, error) {
	const want = 4 + matchCnfVariableFieldLen
	if len(buf) < want {
		return MatchCnf{}, ErrPayloadTooShort
	}
	var m MatchCnf
	m.AppType = buf[0]
	m.SecType = buf[1]
	mvf := binary.LittleEndian.Uint16(buf[2:4])
	if mvf != matchCnfVariableFieldLen {
		return MatchCnf{}, fmt.Errorf("%w: mvf_length %d", ErrPayloadTooShort, mvf)
	}
	off := 4
	copy(m.PevID[:], buf[off:off+17])
	off += 17
	copy(m.PevMac[:], buf[off:off+6])
	off += 6
	copy(m.EvseID[:], buf[off:off+17])
	off += 17
	copy(m.EvseMac[:], buf[off:off+6])
	off += 6
	copy(m.RunID[:], buf[off:off+8])
	off += 8
	copy(m.Reserved[:], buf[off:off+8])
	off += 8
	copy(m.NID[:], buf[off:off+7])
	off += 7
	off++ // reserved
	copy(m.NMK[:], buf[off:off+16])
	return m, nil
}
