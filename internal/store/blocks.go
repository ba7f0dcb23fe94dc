package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"github.com/partnerwatch/sentryd/internal/chain"
)

func hashHex(h [32]byte) string     { return "0x" + hex.EncodeToString(h[:]) }
func keyHex(k chain.PubKey) string { return "0x" + hex.EncodeToString(k[:]) }

func fromHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := parseHex(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errors.Errorf("store: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func parseHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

// UpsertBlock inserts or updates a block by number (§4.6). On update:
// finalized may only transition false→true; author may only transition
// null→value; a non-null author can never be overwritten with a
// different non-null author (ErrConflictingAuthor). The validator's
// total_blocks counter is maintained in the same transaction so §3's
// invariant holds without a separate recompute pass.
func (s *Store) UpsertBlock(ctx context.Context, b chain.Block, nowMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: begin upsert_block")
	}
	defer tx.Rollback()

	var existingAuthor sql.NullString
	var existingFinalized bool
	err = tx.QueryRowContext(ctx, `SELECT author, finalized FROM blocks WHERE number = ?`, b.Number).
		Scan(&existingAuthor, &existingFinalized)

	authorHex := sql.NullString{}
	if b.Author != nil {
		authorHex = sql.NullString{String: keyHex(*b.Author), Valid: true}
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO blocks (number, hash, parent_hash, state_root, extrinsics_root, slot,
				sidechain_epoch, mainchain_epoch, timestamp_ms, finalized, author, extrinsics_count,
				created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			b.Number, hashHex(b.Hash), hashHex(b.ParentHash), hashHex(b.StateRoot), hashHex(b.ExtrinsicsRoot),
			b.Slot, b.SidechainEpoch, b.MainchainEpoch, b.TimestampMs, boolToInt(b.Finalized), authorHex,
			b.ExtrinsicsCount, nowMs, nowMs)
		if err != nil {
			return errors.Wrap(err, "store: insert block")
		}
		if b.Author != nil {
			if err := incrementBlockCount(ctx, tx, *b.Author, nowMs); err != nil {
				return err
			}
		}
	case err != nil:
		return errors.Wrap(err, "store: select block")
	default:
		finalized := existingFinalized || b.Finalized
		newAuthor := existingAuthor
		authorJustSet := false
		if existingAuthor.Valid && authorHex.Valid && existingAuthor.String != authorHex.String {
			return errors.Wrapf(ErrConflictingAuthor, "block %d: existing=%s incoming=%s", b.Number, existingAuthor.String, authorHex.String)
		}
		if !existingAuthor.Valid && authorHex.Valid {
			newAuthor = authorHex
			authorJustSet = true
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE blocks SET hash=?, parent_hash=?, state_root=?, extrinsics_root=?, slot=?,
				sidechain_epoch=?, mainchain_epoch=?, timestamp_ms=?, finalized=?, author=?,
				extrinsics_count=?, updated_at=?
			WHERE number = ?`,
			hashHex(b.Hash), hashHex(b.ParentHash), hashHex(b.StateRoot), hashHex(b.ExtrinsicsRoot),
			b.Slot, b.SidechainEpoch, b.MainchainEpoch, b.TimestampMs, boolToInt(finalized), newAuthor,
			b.ExtrinsicsCount, nowMs, b.Number)
		if err != nil {
			return errors.Wrap(err, "store: update block")
		}
		if authorJustSet && b.Author != nil {
			if err := incrementBlockCount(ctx, tx, *b.Author, nowMs); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func incrementBlockCount(ctx context.Context, tx *sql.Tx, key chain.PubKey, nowMs int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE validators SET total_blocks = total_blocks + 1, updated_at = ? WHERE sidechain_key = ?`,
		nowMs, keyHex(key))
	if err != nil {
		return errors.Wrap(err, "store: increment_block_count")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Author references a validator not yet upserted (can happen if
		// ingestion resolves an author before the registration refresh
		// observes it); create a placeholder row so the counter has
		// somewhere to live. upsert_validator will fill in the rest.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO validators (sidechain_key, aura_key, grandpa_key, status, first_seen_mainchain_epoch, total_blocks, created_at, updated_at)
			VALUES (?, '', '', 'unknown', 0, 1, ?, ?)
			ON CONFLICT(sidechain_key) DO UPDATE SET total_blocks = total_blocks + 1, updated_at = excluded.updated_at`,
			keyHex(key), nowMs, nowMs)
		if err != nil {
			return errors.Wrap(err, "store: placeholder validator for increment")
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetFinalizedUpTo marks every block with number <= n as finalized in a
// single transaction (§4.6). Idempotent.
func (s *Store) SetFinalizedUpTo(ctx context.Context, n uint64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE blocks SET finalized = 1 WHERE number <= ? AND finalized = 0`, n)
	if err != nil {
		return errors.Wrap(err, "store: set_finalized_up_to")
	}
	return nil
}

// DeleteBlock removes a block row, used when the ingestion engine
// detects a reorg (§8 property 2, SPEC_FULL §12): the stale block is
// deleted rather than left with a dangling parent-hash mismatch.
func (s *Store) DeleteBlock(ctx context.Context, number uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE number = ?`, number)
	if err != nil {
		return errors.Wrap(err, "store: delete block")
	}
	return nil
}

// GetBlockByNumber returns the block at number, or (zero, false, nil)
// if absent.
func (s *Store) GetBlockByNumber(ctx context.Context, number uint64) (chain.Block, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT number, hash, parent_hash, state_root, extrinsics_root, slot, sidechain_epoch,
			mainchain_epoch, timestamp_ms, finalized, author, extrinsics_count
		FROM blocks WHERE number = ?`, number)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Block{}, false, nil
	}
	if err != nil {
		return chain.Block{}, false, errors.Wrap(err, "store: get_block_by_number")
	}
	return b, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (chain.Block, error) {
	var (
		hash, parentHash, stateRoot, extrinsicsRoot string
		finalized                                   int
		author                                      sql.NullString
		b                                            chain.Block
	)
	if err := row.Scan(&b.Number, &hash, &parentHash, &stateRoot, &extrinsicsRoot, &b.Slot,
		&b.SidechainEpoch, &b.MainchainEpoch, &b.TimestampMs, &finalized, &author, &b.ExtrinsicsCount); err != nil {
		return chain.Block{}, err
	}
	var err error
	if b.Hash, err = fromHex32(hash); err != nil {
		return chain.Block{}, err
	}
	if b.ParentHash, err = fromHex32(parentHash); err != nil {
		return chain.Block{}, err
	}
	if b.StateRoot, err = fromHex32(stateRoot); err != nil {
		return chain.Block{}, err
	}
	if b.ExtrinsicsRoot, err = fromHex32(extrinsicsRoot); err != nil {
		return chain.Block{}, err
	}
	b.Finalized = finalized != 0
	if author.Valid {
		k, err := parseHex(author.String)
		if err != nil {
			return chain.Block{}, err
		}
		var pk chain.PubKey
		copy(pk[:], k)
		b.Author = &pk
	}
	return b, nil
}
