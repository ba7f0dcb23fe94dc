package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/partnerwatch/sentryd/internal/chain"
)

// StoreCommitteeSnapshot writes positions 0..N-1 for epoch atomically.
// A no-op if a snapshot for epoch already exists (§4.6); never writes a
// partial snapshot.
func (s *Store) StoreCommitteeSnapshot(ctx context.Context, epoch uint64, auraKeys []chain.PubKey, nowMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: begin store_committee_snapshot")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM committee_snapshots WHERE sidechain_epoch = ?`, epoch).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "store: check existing snapshot")
	}
	if exists > 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO committee_snapshots (sidechain_epoch, position, aura_key, captured_at_ms) VALUES (?,?,?,?)`)
	if err != nil {
		return errors.Wrap(err, "store: prepare snapshot insert")
	}
	defer stmt.Close()

	for pos, key := range auraKeys {
		if _, err := stmt.ExecContext(ctx, epoch, pos, keyHex(key), nowMs); err != nil {
			return errors.Wrap(err, "store: insert snapshot row")
		}
	}
	return tx.Commit()
}

// GetCommitteeSnapshot returns the snapshot for epoch, if one exists.
func (s *Store) GetCommitteeSnapshot(ctx context.Context, epoch uint64) (chain.CommitteeSnapshot, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, aura_key, captured_at_ms FROM committee_snapshots
		WHERE sidechain_epoch = ? ORDER BY position ASC`, epoch)
	if err != nil {
		return chain.CommitteeSnapshot{}, false, errors.Wrap(err, "store: get_committee_snapshot")
	}
	defer rows.Close()

	var out chain.CommitteeSnapshot
	out.SidechainEpoch = epoch
	found := false
	for rows.Next() {
		found = true
		var pos int
		var keyStr string
		var capturedAt int64
		if err := rows.Scan(&pos, &keyStr, &capturedAt); err != nil {
			return chain.CommitteeSnapshot{}, false, errors.Wrap(err, "store: scan snapshot row")
		}
		k, err := keyFromHex(keyStr)
		if err != nil {
			return chain.CommitteeSnapshot{}, false, err
		}
		if pos >= len(out.AuraKeys) {
			grown := make([]chain.PubKey, pos+1)
			copy(grown, out.AuraKeys)
			out.AuraKeys = grown
		}
		out.AuraKeys[pos] = k
		out.CapturedAtMs = capturedAt
	}
	if err := rows.Err(); err != nil {
		return chain.CommitteeSnapshot{}, false, err
	}
	return out, found, nil
}

// HasCommitteeSnapshot reports existence without materializing the key
// list. It is part of the Resolver's SnapshotStore interface; the
// Resolver's Fetch does not call it, since StoreCommitteeSnapshot is
// already a no-op for an epoch that has a snapshot.
func (s *Store) HasCommitteeSnapshot(ctx context.Context, epoch uint64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM committee_snapshots WHERE sidechain_epoch = ?`, epoch).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "store: has_committee_snapshot")
	}
	return n > 0, nil
}

// GetValidatorEpochHistory returns, for each epoch with a snapshot, how
// many seats the validator held, the committee size, and blocks
// produced in that epoch (§4.6, feeds §4.9 validator_detail).
func (s *Store) GetValidatorEpochHistory(ctx context.Context, sidechainKey chain.PubKey) ([]EpochHistoryRow, error) {
	v, ok, err := s.GetValidator(ctx, sidechainKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	auraHex := keyHex(v.AuraKey)

	rows, err := s.db.QueryContext(ctx, `
		SELECT cs.sidechain_epoch,
			SUM(CASE WHEN cs.aura_key = ? THEN 1 ELSE 0 END) AS seats,
			COUNT(*) AS committee_size
		FROM committee_snapshots cs
		GROUP BY cs.sidechain_epoch
		ORDER BY cs.sidechain_epoch ASC`, auraHex)
	if err != nil {
		return nil, errors.Wrap(err, "store: get_validator_epoch_history")
	}
	defer rows.Close()

	var out []EpochHistoryRow
	for rows.Next() {
		var r EpochHistoryRow
		if err := rows.Scan(&r.SidechainEpoch, &r.Seats, &r.CommitteeSize); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keyStr := keyHex(sidechainKey)
	for i := range out {
		var produced uint64
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM blocks WHERE sidechain_epoch = ? AND author = ?`,
			out[i].SidechainEpoch, keyStr).Scan(&produced)
		if err != nil {
			return nil, errors.Wrap(err, "store: epoch history blocks produced")
		}
		out[i].BlocksProduced = produced
	}
	return out, nil
}

// EpochHistoryRow is one row of GetValidatorEpochHistory's result.
type EpochHistoryRow struct {
	SidechainEpoch uint64
	Seats          uint64
	CommitteeSize  uint64
	BlocksProduced uint64
}
