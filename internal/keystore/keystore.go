// Package keystore inspects the node's keystore directory filenames
// (spec §6). It never opens or parses file contents — keystore file
// parsing is explicitly out of scope — it only discovers which public
// keys the node holds by decoding filenames of the form
// <key_type_hex><public_key_hex>, concatenated without separator or
// extension.
package keystore

import (
	"encoding/hex"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	keyTypeHexLen = 8  // 4-byte ASCII key type, hex-encoded
	pubKeyHexLen  = 64 // 32-byte public key, hex-encoded
	filenameLen   = keyTypeHexLen + pubKeyHexLen
)

// KeyTypeAura and KeyTypeGrandpa are the two session key types this
// engine cares about attributing (§1: AURA block production, GRANDPA
// finality).
const (
	KeyTypeAura    = "aura"
	KeyTypeGrandpa = "gran"
)

// Entry is one discovered keystore file, decoded into its key type and
// public key bytes.
type Entry struct {
	KeyType string
	PubKey  [32]byte
}

// Scan lists dir (via fs, so tests can substitute an in-memory
// filesystem per SPEC_FULL §10) and decodes every filename matching
// the keystore naming contract. Filenames that don't fit the expected
// length or aren't valid hex are silently skipped — the directory may
// contain unrelated files.
func Scan(fs afero.Fs, dir string) ([]Entry, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "keystore: read dir %s", dir)
	}

	var out []Entry
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		name := fi.Name()
		if len(name) != filenameLen {
			continue
		}
		typeBytes, err := hex.DecodeString(name[:keyTypeHexLen])
		if err != nil {
			continue
		}
		keyBytes, err := hex.DecodeString(name[keyTypeHexLen:])
		if err != nil {
			continue
		}
		var pk [32]byte
		copy(pk[:], keyBytes)
		out = append(out, Entry{KeyType: string(typeBytes), PubKey: pk})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].KeyType != out[j].KeyType {
			return out[i].KeyType < out[j].KeyType
		}
		return hex.EncodeToString(out[i].PubKey[:]) < hex.EncodeToString(out[j].PubKey[:])
	})
	return out, nil
}

// HasKeyType reports whether entries contains at least one key of
// keyType.
func HasKeyType(entries []Entry, keyType string) bool {
	for _, e := range entries {
		if e.KeyType == keyType {
			return true
		}
	}
	return false
}
