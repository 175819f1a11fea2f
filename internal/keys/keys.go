/*
Package keys derives HomePlug network identifiers and generates the random
key material a SLAC matching run provisions: the per-run NMK and the EV's
8-byte run identifier.
*/
package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"slacd/internal/wire"
)

// DeriveNID computes the 7-byte Network Identifier for a given NMK: five
// rounds of SHA-256 over the previous round's digest, keeping the first 7
// bytes of the fifth round and right-shifting the final byte by 4 (spec
// §4.3).
func DeriveNID(nmk wire.NMK) wire.NID {
	digest := nmk[:]
	for i := 0; i < 5; i++ {
		sum := sha256.Sum256(digest)
		digest = sum[:]
	}
	var nid wire.NID
	copy(nid[:], digest[:7])
	nid[6] = nid[6] >> 4
	return nid
}

// GenerateNMK reads 16 bytes from rnd to form a fresh Network Membership
// Key. rnd must be a cryptographic random source (spec §5); callers pass
// crypto/rand.Reader in production and a deterministic reader in tests.
func GenerateNMK(rnd io.Reader) (wire.NMK, error) {
	var nmk wire.NMK
	if _, err := io.ReadFull(rnd, nmk[:]); err != nil {
		return wire.NMK{}, fmt.Errorf("keys: generate NMK: %w", err)
	}
	return nmk, nil
}

// GenerateRunID reads 8 bytes from rnd to form a fresh run identifier, for
// implementations that originate a run (this codebase is EVSE-side and
// adopts the EV's run-id; nothing outside this package's tests calls it).
func GenerateRunID(rnd io.Reader) (wire.RunID, error) {
	var id wire.RunID
	if _, err := io.ReadFull(rnd, id[:]); err != nil {
		return wire.RunID{}, fmt.Errorf("keys: generate run-id: %w", err)
	}
	return id, nil
}
