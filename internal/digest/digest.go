// Package digest extracts the AURA producer slot from a block header's
// consensus digest logs (spec §4.3).
package digest

import (
	"encoding/binary"
	"errors"
)

// EngineID is the four-byte ASCII engine identifier tagging AURA
// consensus log entries (EID_A in §4.3).
const EngineID = "aura"

// ErrInvalidDigest is returned when no slot-bearing entry is found, or
// a candidate entry's payload is too short to contain a slot.
var ErrInvalidDigest = errors.New("digest: no valid AURA slot entry found")

// logKindPreRuntime is the one-byte kind tag (SCALE enum discriminant)
// identifying a PreRuntime digest item, the kind AURA slot entries use.
const logKindPreRuntime = 0x06

// ExtractSlot scans logs in order and returns the slot carried by the
// first PreRuntime entry tagged with EngineID. logs are raw
// (already-decoded) byte strings as delivered by chain_getHeader; each
// entry is [kind(1)][engine_id(4)][slot(8, LE)][...].
func ExtractSlot(logs [][]byte) (uint64, error) {
	for _, entry := range logs {
		if len(entry) < 1+4+8 {
			continue
		}
		if entry[0] != logKindPreRuntime {
			continue
		}
		if string(entry[1:5]) != EngineID {
			continue
		}
		return binary.LittleEndian.Uint64(entry[5:13]), nil
	}
	return 0, ErrInvalidDigest
}
