package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/partnerwatch/sentryd/internal/chain"
)

// UpdateSyncStatus upserts the singleton sync_status row (§3, §4.6).
func (s *Store) UpdateSyncStatus(ctx context.Context, p chain.SyncProgress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (id, last_synced, last_finalized, chain_tip, current_epoch, last_updated_ms)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_synced = excluded.last_synced,
			last_finalized = excluded.last_finalized,
			chain_tip = excluded.chain_tip,
			current_epoch = excluded.current_epoch,
			last_updated_ms = excluded.last_updated_ms`,
		p.LastSynced, p.LastFinalized, p.ChainTip, p.CurrentEpoch, p.LastUpdatedMs)
	return errors.Wrap(err, "store: update_sync_status")
}

func (s *Store) GetSyncStatus(ctx context.Context) (chain.SyncProgress, error) {
	var p chain.SyncProgress
	err := s.db.QueryRowContext(ctx, `
		SELECT last_synced, last_finalized, chain_tip, current_epoch, last_updated_ms
		FROM sync_status WHERE id = 1`).
		Scan(&p.LastSynced, &p.LastFinalized, &p.ChainTip, &p.CurrentEpoch, &p.LastUpdatedMs)
	if err != nil {
		// No row yet is a fresh store (§4.7 N0 determination): zero value, no error.
		if isNoRows(err) {
			return chain.SyncProgress{}, nil
		}
		return chain.SyncProgress{}, errors.Wrap(err, "store: get_sync_status")
	}
	return p, nil
}
