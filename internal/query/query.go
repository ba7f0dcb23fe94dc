// Package query implements the Read API (spec §4.9): pure, read-only
// projections of store state consumed by the CLI and the admin health
// endpoint. Nothing here writes.
package query

import (
	"context"

	"github.com/pkg/errors"

	"github.com/partnerwatch/sentryd/internal/chain"
	"github.com/partnerwatch/sentryd/internal/store"
)

// Store is the subset of store.Store the Read API projects.
type Store interface {
	Stats(ctx context.Context) (store.Stats, error)
	RecentBlocks(ctx context.Context, limit int) ([]store.ScannedBlock, error)
	ListValidators(ctx context.Context, oursOnly bool, limit int, orderBy string) ([]chain.Validator, error)
	PerformanceRanking(ctx context.Context, limit int) ([]chain.Validator, error)
	GetValidator(ctx context.Context, key chain.PubKey) (chain.Validator, bool, error)
	GetValidatorEpochHistory(ctx context.Context, key chain.PubKey) ([]store.EpochHistoryRow, error)
	RecentBlocksByAuthor(ctx context.Context, key chain.PubKey, limit int) ([]store.ScannedBlock, error)
	BlockCountsPerEpochBucket(ctx context.Context, n int) ([]store.EpochBucket, error)
	GetGaps(ctx context.Context) ([]store.Gap, error)
	GetSyncStatus(ctx context.Context) (chain.SyncProgress, error)
}

// API wraps a Store with the named operations of §4.9.
type API struct {
	store Store
}

func New(s Store) *API {
	return &API{store: s}
}

func (a *API) Stats(ctx context.Context) (store.Stats, error) {
	return a.store.Stats(ctx)
}

func (a *API) RecentBlocks(ctx context.Context, limit int) ([]store.ScannedBlock, error) {
	return a.store.RecentBlocks(ctx, limit)
}

// ListValidatorsOpts mirrors §4.9's { ours_only, limit, order_by }.
type ListValidatorsOpts struct {
	OursOnly bool
	Limit    int
	OrderBy  string
}

func (a *API) ListValidators(ctx context.Context, opts ListValidatorsOpts) ([]chain.Validator, error) {
	return a.store.ListValidators(ctx, opts.OursOnly, opts.Limit, opts.OrderBy)
}

func (a *API) PerformanceRanking(ctx context.Context, limit int) ([]chain.Validator, error) {
	return a.store.PerformanceRanking(ctx, limit)
}

// validatorRecentBlocksLimit bounds the recent-blocks slice attached to
// ValidatorDetail (§4.9: "record + recent blocks + per-epoch history").
const validatorRecentBlocksLimit = 20

// ValidatorDetail is the combined record + recent blocks + per-epoch
// history returned by validator_detail (§4.9).
type ValidatorDetail struct {
	Validator    chain.Validator
	RecentBlocks []store.ScannedBlock
	EpochHistory []store.EpochHistoryRow
}

func (a *API) ValidatorDetail(ctx context.Context, key chain.PubKey) (ValidatorDetail, error) {
	v, ok, err := a.store.GetValidator(ctx, key)
	if err != nil {
		return ValidatorDetail{}, errors.Wrap(err, "query: validator_detail")
	}
	if !ok {
		return ValidatorDetail{}, errors.Errorf("query: no validator with sidechain key %s", key)
	}
	blocks, err := a.store.RecentBlocksByAuthor(ctx, key, validatorRecentBlocksLimit)
	if err != nil {
		return ValidatorDetail{}, errors.Wrap(err, "query: validator_detail recent blocks")
	}
	hist, err := a.store.GetValidatorEpochHistory(ctx, key)
	if err != nil {
		return ValidatorDetail{}, errors.Wrap(err, "query: validator_detail epoch history")
	}
	return ValidatorDetail{Validator: v, RecentBlocks: blocks, EpochHistory: hist}, nil
}

func (a *API) BlockCountsPerEpochBucket(ctx context.Context, n int) ([]store.EpochBucket, error) {
	return a.store.BlockCountsPerEpochBucket(ctx, n)
}

func (a *API) Gaps(ctx context.Context) ([]store.Gap, error) {
	return a.store.GetGaps(ctx)
}

func (a *API) SyncStatus(ctx context.Context) (chain.SyncProgress, error) {
	return a.store.GetSyncStatus(ctx)
}
