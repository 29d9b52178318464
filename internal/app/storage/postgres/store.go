package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/reward"
	"github.com/R3E-Network/extension_router/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
//
// Key derivation for the three core tables: extensions are keyed by their
// unique name, the selector index by the selector's lowercase "0x" hex form,
// and permissions by the signer address. Spend limits and reward amounts are
// stored as decimal strings to avoid integer width limits.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL for the router tables.
const Schema = `
CREATE TABLE IF NOT EXISTS router_extensions (
    name           TEXT PRIMARY KEY,
    implementation TEXT NOT NULL,
    functions      JSONB NOT NULL DEFAULT '[]',
    updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS router_selector_index (
    selector       TEXT PRIMARY KEY,
    extension      TEXT NOT NULL REFERENCES router_extensions(name) ON DELETE CASCADE,
    implementation TEXT NOT NULL,
    signature      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS router_signer_permissions (
    signer           TEXT PRIMARY KEY,
    approved_targets JSONB NOT NULL DEFAULT '[]',
    spend_limit      TEXT,
    valid_from       TIMESTAMPTZ NOT NULL,
    valid_to         TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS router_admins (
    account TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS router_consumed_uids (
    uid         TEXT PRIMARY KEY,
    consumed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS router_rewards (
    id         TEXT PRIMARY KEY,
    token      TEXT NOT NULL,
    recipient  TEXT NOT NULL,
    amount     TEXT NOT NULL,
    claimed    BOOLEAN NOT NULL DEFAULT FALSE,
    claimed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS router_metadata (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// EnsureSchema creates the router tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- ExtensionStore ---------------------------------------------------------

func (s *Store) UpsertExtension(ctx context.Context, d extension.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	functionsJSON, err := json.Marshal(d.Functions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO router_extensions (name, implementation, functions, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET implementation = EXCLUDED.implementation,
		    functions = EXCLUDED.functions,
		    updated_at = EXCLUDED.updated_at
	`, d.Name, d.Implementation, functionsJSON, now); err != nil {
		return err
	}

	// Replace every selector row owned by this extension in the same
	// transaction so the index never diverges from the descriptor.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM router_selector_index WHERE extension = $1
	`, d.Name); err != nil {
		return err
	}
	for _, fn := range d.Functions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO router_selector_index (selector, extension, implementation, signature)
			VALUES ($1, $2, $3, $4)
		`, fn.Selector.String(), d.Name, d.Implementation, fn.Signature); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) DeleteExtension(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM router_extensions WHERE name = $1
	`, name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", extension.ErrNotFound, name)
	}
	return nil
}

func (s *Store) GetExtension(ctx context.Context, name string) (extension.Descriptor, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, implementation, functions, updated_at
		FROM router_extensions
		WHERE name = $1
	`, name)

	d, err := scanDescriptor(row)
	if err == sql.ErrNoRows {
		return extension.Descriptor{}, false, nil
	}
	if err != nil {
		return extension.Descriptor{}, false, err
	}
	return d, true, nil
}

func (s *Store) ListExtensions(ctx context.Context) ([]extension.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, implementation, functions, updated_at
		FROM router_extensions
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []extension.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetSelectorOwner(ctx context.Context, sel extension.Selector) (extension.SelectorRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT selector, extension, implementation, signature
		FROM router_selector_index
		WHERE selector = $1
	`, sel.String())

	rec, err := scanSelectorRecord(row)
	if err == sql.ErrNoRows {
		return extension.SelectorRecord{}, false, nil
	}
	if err != nil {
		return extension.SelectorRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ListSelectors(ctx context.Context) ([]extension.SelectorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT selector, extension, implementation, signature
		FROM router_selector_index
		ORDER BY selector
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []extension.SelectorRecord
	for rows.Next() {
		rec, err := scanSelectorRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (extension.Descriptor, error) {
	var (
		d            extension.Descriptor
		functionsRaw []byte
	)
	if err := row.Scan(&d.Name, &d.Implementation, &functionsRaw, &d.UpdatedAt); err != nil {
		return extension.Descriptor{}, err
	}
	if len(functionsRaw) > 0 {
		if err := json.Unmarshal(functionsRaw, &d.Functions); err != nil {
			return extension.Descriptor{}, fmt.Errorf("decode functions for %s: %w", d.Name, err)
		}
	}
	return d, nil
}

func scanSelectorRecord(row rowScanner) (extension.SelectorRecord, error) {
	var (
		rec extension.SelectorRecord
		raw string
	)
	if err := row.Scan(&raw, &rec.Extension, &rec.Implementation, &rec.Signature); err != nil {
		return extension.SelectorRecord{}, err
	}
	sel, err := extension.ParseSelector(raw)
	if err != nil {
		return extension.SelectorRecord{}, err
	}
	rec.Selector = sel
	return rec, nil
}

// --- PermissionStore --------------------------------------------------------

func (s *Store) PutPermission(ctx context.Context, p permission.SignerPermission) error {
	if p.Signer == "" {
		return fmt.Errorf("signer is required")
	}

	targetsJSON, err := json.Marshal(p.ApprovedTargets)
	if err != nil {
		return err
	}

	var limit sql.NullString
	if p.SpendLimitPerTx != nil {
		limit = sql.NullString{String: p.SpendLimitPerTx.String(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO router_signer_permissions (signer, approved_targets, spend_limit, valid_from, valid_to, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signer) DO UPDATE
		SET approved_targets = EXCLUDED.approved_targets,
		    spend_limit = EXCLUDED.spend_limit,
		    valid_from = EXCLUDED.valid_from,
		    valid_to = EXCLUDED.valid_to,
		    updated_at = EXCLUDED.updated_at
	`, p.Signer, targetsJSON, limit, p.ValidFrom.UTC(), p.ValidTo.UTC(), time.Now().UTC())
	return err
}

func (s *Store) GetPermission(ctx context.Context, signer string) (permission.SignerPermission, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT signer, approved_targets, spend_limit, valid_from, valid_to, updated_at
		FROM router_signer_permissions
		WHERE signer = $1
	`, signer)

	p, err := scanPermission(row)
	if err == sql.ErrNoRows {
		return permission.SignerPermission{}, false, nil
	}
	if err != nil {
		return permission.SignerPermission{}, false, err
	}
	return p, true, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]permission.SignerPermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signer, approved_targets, spend_limit, valid_from, valid_to, updated_at
		FROM router_signer_permissions
		ORDER BY signer
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []permission.SignerPermission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPermission(row rowScanner) (permission.SignerPermission, error) {
	var (
		p          permission.SignerPermission
		targetsRaw []byte
		limit      sql.NullString
	)
	if err := row.Scan(&p.Signer, &targetsRaw, &limit, &p.ValidFrom, &p.ValidTo, &p.UpdatedAt); err != nil {
		return permission.SignerPermission{}, err
	}
	if len(targetsRaw) > 0 {
		if err := json.Unmarshal(targetsRaw, &p.ApprovedTargets); err != nil {
			return permission.SignerPermission{}, fmt.Errorf("decode targets for %s: %w", p.Signer, err)
		}
	}
	if limit.Valid {
		value, ok := new(big.Int).SetString(limit.String, 10)
		if !ok {
			return permission.SignerPermission{}, fmt.Errorf("invalid spend limit for %s: %q", p.Signer, limit.String)
		}
		p.SpendLimitPerTx = value
	}
	return p, nil
}

func (s *Store) SetAdmin(ctx context.Context, account string, isAdmin bool) error {
	if account == "" {
		return fmt.Errorf("account is required")
	}
	if isAdmin {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO router_admins (account) VALUES ($1)
			ON CONFLICT (account) DO NOTHING
		`, account)
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM router_admins WHERE account = $1`, account)
	return err
}

func (s *Store) IsAdmin(ctx context.Context, account string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM router_admins WHERE account = $1)
	`, account).Scan(&exists)
	return exists, err
}

func (s *Store) ListAdmins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account FROM router_admins ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, err
		}
		out = append(out, account)
	}
	return out, rows.Err()
}

// --- ReplayStore ------------------------------------------------------------

func (s *Store) ConsumeUID(ctx context.Context, uid string) (bool, error) {
	if uid == "" {
		return false, fmt.Errorf("uid is required")
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO router_consumed_uids (uid, consumed_at)
		VALUES ($1, $2)
		ON CONFLICT (uid) DO NOTHING
	`, uid, time.Now().UTC())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Store) IsConsumed(ctx context.Context, uid string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM router_consumed_uids WHERE uid = $1)
	`, uid).Scan(&exists)
	return exists, err
}

// --- RewardStore ------------------------------------------------------------

func (s *Store) PutReward(ctx context.Context, r reward.Reward) error {
	if r.ID == "" {
		return fmt.Errorf("reward id is required")
	}

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	var claimedAt sql.NullTime
	if !r.ClaimedAt.IsZero() {
		claimedAt = sql.NullTime{Time: r.ClaimedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_rewards (id, token, recipient, amount, claimed, claimed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET token = EXCLUDED.token,
		    recipient = EXCLUDED.recipient,
		    amount = EXCLUDED.amount,
		    claimed = EXCLUDED.claimed,
		    claimed_at = EXCLUDED.claimed_at,
		    updated_at = EXCLUDED.updated_at
	`, r.ID, r.Token, r.Recipient, r.Amount.String(), r.Claimed, claimedAt, r.CreatedAt.UTC(), now)
	return err
}

func (s *Store) GetReward(ctx context.Context, id string) (reward.Reward, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, token, recipient, amount, claimed, claimed_at, created_at, updated_at
		FROM router_rewards
		WHERE id = $1
	`, id)

	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		return reward.Reward{}, false, nil
	}
	if err != nil {
		return reward.Reward{}, false, err
	}
	return r, true, nil
}

func (s *Store) DeleteReward(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM router_rewards WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", reward.ErrRewardNotFound, id)
	}
	return nil
}

func (s *Store) ListRewards(ctx context.Context, recipient string) ([]reward.Reward, error) {
	query := `
		SELECT id, token, recipient, amount, claimed, claimed_at, created_at, updated_at
		FROM router_rewards
	`
	args := []any{}
	if recipient != "" {
		query += ` WHERE recipient = $1`
		args = append(args, recipient)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reward.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReward(row rowScanner) (reward.Reward, error) {
	var (
		r         reward.Reward
		amount    string
		claimedAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Token, &r.Recipient, &amount, &r.Claimed, &claimedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return reward.Reward{}, err
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return reward.Reward{}, fmt.Errorf("invalid amount for reward %s: %q", r.ID, amount)
	}
	r.Amount = value
	if claimedAt.Valid {
		r.ClaimedAt = claimedAt.Time
	}
	return r, nil
}

// --- MetadataStore ----------------------------------------------------------

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("metadata key is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_metadata (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM router_metadata WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
