package rpcclient

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Each node RPC method (§6) gets one typed function rather than a
// reflective dispatcher (§9 design note): fixed request shape in, fixed
// response shape out.

type HealthResult struct {
	Peers           int  `json:"peers"`
	IsSyncing       bool `json:"isSyncing"`
	ShouldHavePeers bool `json:"shouldHavePeers"`
}

func (c *Client) SystemHealth(ctx context.Context) (HealthResult, error) {
	var out HealthResult
	err := c.CallWithRetry(ctx, "system_health", []any{}, &out)
	return out, err
}

type SyncStateResult struct {
	StartingBlock uint64 `json:"startingBlock"`
	CurrentBlock  uint64 `json:"currentBlock"`
	HighestBlock  uint64 `json:"highestBlock"`
}

func (c *Client) SystemSyncState(ctx context.Context) (SyncStateResult, error) {
	var out SyncStateResult
	err := c.CallWithRetry(ctx, "system_syncState", []any{}, &out)
	return out, err
}

// HeaderResult mirrors the subset of chain_getHeader's response this
// engine consumes: the digest logs (§4.3) plus parent linkage (§8
// property 2).
type HeaderResult struct {
	ParentHash string   `json:"parentHash"`
	Number     string   `json:"number"` // hex-encoded, e.g. "0x3"
	StateRoot  string   `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
	Digest     struct {
		Logs []string `json:"logs"` // each a hex-encoded byte string
	} `json:"digest"`
}

func (c *Client) ChainGetHeader(ctx context.Context, hash string) (HeaderResult, error) {
	var out HeaderResult
	params := []any{}
	if hash != "" {
		params = []any{hash}
	}
	err := c.CallWithRetry(ctx, "chain_getHeader", params, &out)
	return out, err
}

type BlockResult struct {
	Block struct {
		Header     HeaderResult `json:"header"`
		Extrinsics []string     `json:"extrinsics"`
	} `json:"block"`
}

func (c *Client) ChainGetBlock(ctx context.Context, hash string) (BlockResult, error) {
	var out BlockResult
	err := c.CallWithRetry(ctx, "chain_getBlock", []any{hash}, &out)
	return out, err
}

func (c *Client) ChainGetBlockHash(ctx context.Context, number *uint64) (string, error) {
	var out string
	params := []any{}
	if number != nil {
		params = []any{fmt.Sprintf("0x%x", *number)}
	}
	err := c.CallWithRetry(ctx, "chain_getBlockHash", params, &out)
	return out, err
}

func (c *Client) ChainGetFinalizedHead(ctx context.Context) (string, error) {
	var out string
	err := c.CallWithRetry(ctx, "chain_getFinalizedHead", []any{}, &out)
	return out, err
}

// AuthorHasKey reports whether the node's keystore holds pubKeyHex for
// keyType. Per §6 this requires the node to expose unsafe RPCs; callers
// must treat a KindResponse error here as "unknown", never fatal.
func (c *Client) AuthorHasKey(ctx context.Context, pubKeyHex, keyType string) (bool, error) {
	var out bool
	err := c.CallWithRetry(ctx, "author_hasKey", []any{pubKeyHex, keyType}, &out)
	return out, err
}

// StateCallAuraAuthorities invokes the runtime's AuraApi_authorities
// entrypoint, optionally pinned to a historical block hash. The
// returned string is the hex-encoded compact-length-prefixed authority
// list decoded by package codec.
func (c *Client) StateCallAuraAuthorities(ctx context.Context, atBlockHash string) (string, error) {
	var out string
	params := []any{"AuraApi_authorities", "0x"}
	if atBlockHash != "" {
		params = append(params, atBlockHash)
	}
	err := c.CallWithRetry(ctx, "state_call", params, &out)
	return out, err
}

// SidechainStatus is the sidechain-specific status RPC (§6), giving
// both sidechain and mainchain epoch/slot context for a single
// snapshot in time (used once per batch, not once per block, per
// §4.7).
type SidechainStatus struct {
	Sidechain struct {
		Epoch             uint64 `json:"epoch"`
		Slot              uint64 `json:"slot"`
		NextEpochTimestamp uint64 `json:"nextEpochTimestamp"`
	} `json:"sidechain"`
	Mainchain struct {
		Epoch             uint64 `json:"epoch"`
		Slot              uint64 `json:"slot"`
		NextEpochTimestamp uint64 `json:"nextEpochTimestamp"`
	} `json:"mainchain"`
}

func (c *Client) SidechainGetStatus(ctx context.Context) (SidechainStatus, error) {
	var out SidechainStatus
	err := c.CallWithRetry(ctx, "sidechain_getStatus", []any{}, &out)
	return out, err
}

// RegistrationEntry is one candidate as returned by the registration
// RPC, keyed by mainchain epoch (§4.5, §6).
type RegistrationEntry struct {
	SidechainPubKey string  `json:"sidechainPubKey"`
	AuraPubKey      string  `json:"auraPubKey"`
	GrandpaPubKey   string  `json:"grandpaPubKey"`
	IsValid         bool    `json:"isValid"`
	Stake           *uint64 `json:"stake,omitempty"`
}

type RegistrationsResult struct {
	Permissioned  []RegistrationEntry            `json:"permissionedCandidates"`
	Registrations map[string][]RegistrationEntry `json:"candidateRegistrations"`
}

func (c *Client) SidechainGetRegistrations(ctx context.Context, mainchainEpoch uint64) (RegistrationsResult, error) {
	var out RegistrationsResult
	err := c.CallWithRetry(ctx, "sidechain_getRegistrations", []any{mainchainEpoch}, &out)
	return out, err
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// DecodeHex strips an optional 0x prefix and decodes the remaining hex
// digits; exported for callers (committee, ingest, registration, the
// CLI) that receive raw RPC-returned hex strings.
func DecodeHex(s string) ([]byte, error) { return decodeHex(s) }
