package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/partnerwatch/sentryd/internal/chain"
)

// Gap is a maximal contiguous range of missing block numbers (§4.6
// get_gaps).
type Gap struct {
	From uint64
	To   uint64
}

// GetGaps returns maximal contiguous ranges [a,b] such that every
// number in [a,b] is absent but a-1 and b+1 are present (or a-1 is the
// minimum observed number) — §4.6, §8.
func (s *Store) GetGaps(ctx context.Context) ([]Gap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT number FROM blocks ORDER BY number ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "store: get_gaps")
	}
	defer rows.Close()

	var numbers []uint64
	for rows.Next() {
		var n uint64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(numbers) < 2 {
		return nil, nil
	}

	var gaps []Gap
	for i := 1; i < len(numbers); i++ {
		prev, cur := numbers[i-1], numbers[i]
		if cur > prev+1 {
			gaps = append(gaps, Gap{From: prev + 1, To: cur - 1})
		}
	}
	return gaps, nil
}

// Stats is the aggregate summary for §4.9 stats().
type Stats struct {
	TotalBlocks      uint64
	FinalizedBlocks  uint64
	UnfinalizedBlocks uint64
	MinBlock         uint64
	MaxBlock         uint64
	GapCount         int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(finalized), 0), COALESCE(MIN(number), 0), COALESCE(MAX(number), 0)
		FROM blocks`).Scan(&st.TotalBlocks, &st.FinalizedBlocks, &st.MinBlock, &st.MaxBlock)
	if err != nil {
		return Stats{}, errors.Wrap(err, "store: stats")
	}
	st.UnfinalizedBlocks = st.TotalBlocks - st.FinalizedBlocks

	gaps, err := s.GetGaps(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.GapCount = len(gaps)
	return st, nil
}

// RecentBlocks returns the most recent limit blocks, descending by
// number (§4.9 recent_blocks).
func (s *Store) RecentBlocks(ctx context.Context, limit int) ([]ScannedBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, hash, parent_hash, state_root, extrinsics_root, slot, sidechain_epoch,
			mainchain_epoch, timestamp_ms, finalized, author, extrinsics_count
		FROM blocks ORDER BY number DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: recent_blocks")
	}
	defer rows.Close()

	var out []ScannedBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ScannedBlock{Block: b})
	}
	return out, rows.Err()
}

// ScannedBlock wraps chain.Block by embedding for read-API ergonomics;
// it carries no extra fields today but gives callers a stable type to
// extend without reshaping chain.Block.
type ScannedBlock struct {
	chain.Block
}

// RecentBlocksByAuthor returns the most recent limit blocks authored by
// key, descending by number; used by validator_detail (§4.9) to attach
// a validator's own recent blocks alongside its epoch history.
func (s *Store) RecentBlocksByAuthor(ctx context.Context, key chain.PubKey, limit int) ([]ScannedBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, hash, parent_hash, state_root, extrinsics_root, slot, sidechain_epoch,
			mainchain_epoch, timestamp_ms, finalized, author, extrinsics_count
		FROM blocks WHERE author = ? ORDER BY number DESC LIMIT ?`, keyHex(key), limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: recent_blocks_by_author")
	}
	defer rows.Close()

	var out []ScannedBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ScannedBlock{Block: b})
	}
	return out, rows.Err()
}

// CountBlocksByEpoch buckets counts by sidechain epoch, optionally
// filtered to a specific author, used by the dashboard's "this epoch"
// metric and sparkline (§4.6).
func (s *Store) CountBlocksByEpoch(ctx context.Context, epoch uint64, author *chain.PubKey) (uint64, error) {
	var n uint64
	var err error
	if author != nil {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE sidechain_epoch = ? AND author = ?`,
			epoch, keyHex(*author)).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE sidechain_epoch = ?`, epoch).Scan(&n)
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: count_blocks_by_epoch")
	}
	return n, nil
}

// EpochBucket is one bar of the sparkline (§4.9
// block_counts_per_epoch_bucket).
type EpochBucket struct {
	SidechainEpoch uint64
	Count          uint64
}

// BlockCountsPerEpochBucket returns the last n sidechain-epoch buckets,
// counted by epoch number rather than wall time so buckets align with
// committee rotations (§4.9, §9 Open Question resolution).
func (s *Store) BlockCountsPerEpochBucket(ctx context.Context, n int) ([]EpochBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sidechain_epoch, COUNT(*) FROM blocks
		GROUP BY sidechain_epoch ORDER BY sidechain_epoch DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "store: block_counts_per_epoch_bucket")
	}
	defer rows.Close()

	var out []EpochBucket
	for rows.Next() {
		var b EpochBucket
		if err := rows.Scan(&b.SidechainEpoch, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into ascending epoch order for chart rendering
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
