package wire

// RunID is the 8-byte identifier of a matching run, chosen by the EV in its
// first CM_SLAC_PARM.REQ and constant for the lifetime of that run.
type RunID [8]byte

// Identifier is the 17-byte zero-filled EV/EVSE identifier field carried in
// several SLAC messages (source_id, resp_id, pev_id, evse_id). This
// implementation never assigns a non-zero identifier, matching spec §4.1.
type Identifier [17]byte

// NID is the 7-byte HomePlug network identifier derived from an NMK.
type NID [7]byte

// NMK is the 16-byte HomePlug network membership key.
type NMK [16]byte
