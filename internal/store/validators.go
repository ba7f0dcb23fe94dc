package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/partnerwatch/sentryd/internal/chain"
)

// UpsertValidator merges record into the validators table. On conflict
// by sidechain key, is_ours is merged with new = max(old, incoming)
// (§3, §4.6, §9): ingestion can set is_ours true but can never clear an
// operator-asserted true back to false.
func (s *Store) UpsertValidator(ctx context.Context, v chain.Validator, nowMs int64) error {
	status := string(v.Status)
	if status == "" {
		status = string(chain.StatusUnknown)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validators (sidechain_key, aura_key, grandpa_key, label, is_ours, status,
			first_seen_mainchain_epoch, total_blocks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(sidechain_key) DO UPDATE SET
			aura_key = excluded.aura_key,
			grandpa_key = excluded.grandpa_key,
			label = CASE WHEN excluded.label != '' THEN excluded.label ELSE validators.label END,
			is_ours = MAX(validators.is_ours, excluded.is_ours),
			status = excluded.status,
			updated_at = excluded.updated_at`,
		keyHex(v.SidechainKey), keyHex(v.AuraKey), keyHex(v.GrandpaKey), v.Label,
		boolToInt(v.IsOurs), status, v.FirstSeenMainEpoch, nowMs, nowMs)
	if err != nil {
		return errors.Wrap(err, "store: upsert_validator")
	}
	return nil
}

// SetIsOurs is the explicit operator action that may clear is_ours
// (§3: "only by an explicit operator action"). Ingestion never calls
// this with false.
func (s *Store) SetIsOurs(ctx context.Context, key chain.PubKey, isOurs bool, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE validators SET is_ours = ?, updated_at = ? WHERE sidechain_key = ?`,
		boolToInt(isOurs), nowMs, keyHex(key))
	return errors.Wrap(err, "store: set_is_ours")
}

func (s *Store) GetValidator(ctx context.Context, key chain.PubKey) (chain.Validator, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sidechain_key, aura_key, grandpa_key, label, is_ours, status, first_seen_mainchain_epoch, total_blocks
		FROM validators WHERE sidechain_key = ?`, keyHex(key))
	v, err := scanValidator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Validator{}, false, nil
	}
	if err != nil {
		return chain.Validator{}, false, errors.Wrap(err, "store: get_validator")
	}
	return v, true, nil
}

// FindValidatorByAuraKey resolves a sidechain key from an aura key, the
// lookup the ingestion engine performs once a committee position
// yields an aura key (§4.7 step 3).
func (s *Store) FindValidatorByAuraKey(ctx context.Context, auraKey chain.PubKey) (chain.Validator, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sidechain_key, aura_key, grandpa_key, label, is_ours, status, first_seen_mainchain_epoch, total_blocks
		FROM validators WHERE aura_key = ? LIMIT 1`, keyHex(auraKey))
	v, err := scanValidator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Validator{}, false, nil
	}
	if err != nil {
		return chain.Validator{}, false, errors.Wrap(err, "store: find_validator_by_aura_key")
	}
	return v, true, nil
}

func scanValidator(row rowScanner) (chain.Validator, error) {
	var (
		sidechainKey, auraKey, grandpaKey, status string
		isOurs                                     int
		v                                           chain.Validator
	)
	if err := row.Scan(&sidechainKey, &auraKey, &grandpaKey, &v.Label, &isOurs, &status,
		&v.FirstSeenMainEpoch, &v.TotalBlocks); err != nil {
		return chain.Validator{}, err
	}
	var err error
	if v.SidechainKey, err = keyFromHex(sidechainKey); err != nil {
		return chain.Validator{}, err
	}
	if v.AuraKey, err = keyFromHex(auraKey); err != nil {
		return chain.Validator{}, err
	}
	if v.GrandpaKey, err = keyFromHex(grandpaKey); err != nil {
		return chain.Validator{}, err
	}
	v.IsOurs = isOurs != 0
	v.Status = chain.RegistrationStatus(status)
	return v, nil
}

func keyFromHex(s string) (chain.PubKey, error) {
	if s == "" {
		return chain.PubKey{}, nil
	}
	b, err := fromHex32(s)
	return chain.PubKey(b), err
}

// ListValidators returns validator rows ordered by orderBy ("total_blocks"
// or "first_seen"), optionally filtered to is_ours only (§4.9).
func (s *Store) ListValidators(ctx context.Context, oursOnly bool, limit int, orderBy string) ([]chain.Validator, error) {
	order := "total_blocks DESC"
	if orderBy == "first_seen" {
		order = "first_seen_mainchain_epoch ASC"
	}
	query := `SELECT sidechain_key, aura_key, grandpa_key, label, is_ours, status, first_seen_mainchain_epoch, total_blocks
		FROM validators`
	args := []any{}
	if oursOnly {
		query += ` WHERE is_ours = 1`
	}
	query += ` ORDER BY ` + order
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: list_validators")
	}
	defer rows.Close()

	var out []chain.Validator
	for rows.Next() {
		v, err := scanValidator(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: scan validator")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PerformanceRanking returns validators ordered by total_blocks desc,
// tie-broken by sidechain key (§4.9).
func (s *Store) PerformanceRanking(ctx context.Context, limit int) ([]chain.Validator, error) {
	query := `SELECT sidechain_key, aura_key, grandpa_key, label, is_ours, status, first_seen_mainchain_epoch, total_blocks
		FROM validators ORDER BY total_blocks DESC, sidechain_key ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: performance_ranking")
	}
	defer rows.Close()
	var out []chain.Validator
	for rows.Next() {
		v, err := scanValidator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
