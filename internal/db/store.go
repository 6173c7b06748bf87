// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/toeirei/sftpgate/internal/model"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// BunStore is the bun-backed store used for all supported database engines.
// It serves the credential, public-key and blocked-host repositories plus the
// audit log. Administrative mutations are recorded via LogAction.
type BunStore struct {
	bun *bun.DB
}

// NewBunStore wraps an existing *bun.DB. The schema must already be migrated.
func NewBunStore(bdb *bun.DB) *BunStore { return &BunStore{bun: bdb} }

// BunDB returns the underlying *bun.DB for advanced callers.
func (s *BunStore) BunDB() *bun.DB { return s.bun }

// Close releases the underlying connection pool.
func (s *BunStore) Close() error { return s.bun.Close() }

func now() time.Time { return time.Now().UTC() }

func orderKeys(q *bun.SelectQuery) *bun.SelectQuery { return q.Order("id") }

// --- Accounts ---

// FindByUsername returns the account with its public keys, or nil when no
// account carries that name.
func (s *BunStore) FindByUsername(ctx context.Context, username string) (*model.Account, error) {
	var am AccountModel
	err := s.bun.NewSelect().Model(&am).
		Relation("PublicKeys", orderKeys).
		Where("username = ?", username).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	acc := accountModelToModel(am)
	return &acc, nil
}

// ListAccounts returns every account ordered by username.
func (s *BunStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var am []AccountModel
	if err := s.bun.NewSelect().Model(&am).Relation("PublicKeys", orderKeys).Order("username").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(am))
	for _, a := range am {
		out = append(out, accountModelToModel(a))
	}
	return out, nil
}

// CreateAccount inserts acc together with its public keys and fills in the
// generated IDs. A taken username yields ErrDuplicate.
func (s *BunStore) CreateAccount(ctx context.Context, acc *model.Account) error {
	ts := now()
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		am := &AccountModel{
			Username:     acc.Username,
			PasswordHash: acc.PasswordHash,
			HomeDir:      acc.HomeDir,
			Enabled:      acc.Enabled,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		}
		if _, err := tx.NewInsert().Model(am).Returning("id").Exec(ctx); err != nil {
			return MapDBError(err)
		}
		acc.ID = am.ID
		acc.CreatedAt, acc.UpdatedAt = ts, ts
		for i := range acc.PublicKeys {
			k := &acc.PublicKeys[i]
			pm := &PublicKeyModel{AccountID: am.ID, KeyData: k.Key, Comment: k.Comment, Enabled: k.Enabled, CreatedAt: ts}
			if _, err := tx.NewInsert().Model(pm).Returning("id").Exec(ctx); err != nil {
				return MapDBError(err)
			}
			k.ID, k.AccountID, k.CreatedAt = pm.ID, am.ID, ts
		}
		return nil
	})
	if err == nil {
		_ = s.LogAction(ctx, "ADD_ACCOUNT", fmt.Sprintf("account: %s, keys: %d", acc.Username, len(acc.PublicKeys)))
	}
	return err
}

// DeleteAccount removes an account. Its public keys are deleted first.
func (s *BunStore) DeleteAccount(ctx context.Context, username string) error {
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var am AccountModel
		if err := tx.NewSelect().Model(&am).Column("id").Where("username = ?", username).Limit(1).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if _, err := tx.NewDelete().Model((*PublicKeyModel)(nil)).Where("account_id = ?", am.ID).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete keys of %s: %w", username, err)
		}
		_, err := tx.NewDelete().Model((*AccountModel)(nil)).Where("id = ?", am.ID).Exec(ctx)
		return err
	})
	if err == nil {
		_ = s.LogAction(ctx, "DELETE_ACCOUNT", "account: "+username)
	}
	return err
}

// SetAccountEnabled enables or disables login for username.
func (s *BunStore) SetAccountEnabled(ctx context.Context, username string, enabled bool) error {
	err := rowsAffected(s.bun.NewUpdate().Model((*AccountModel)(nil)).
		Set("enabled = ?", enabled).
		Set("updated_at = ?", now()).
		Where("username = ?", username).
		Exec(ctx))
	if err == nil {
		action := "DISABLE_ACCOUNT"
		if enabled {
			action = "ENABLE_ACCOUNT"
		}
		_ = s.LogAction(ctx, action, "account: "+username)
	}
	return err
}

// SetPasswordHash replaces the stored password hash of username.
func (s *BunStore) SetPasswordHash(ctx context.Context, username, hash string) error {
	err := rowsAffected(s.bun.NewUpdate().Model((*AccountModel)(nil)).
		Set("password_hash = ?", hash).
		Set("updated_at = ?", now()).
		Where("username = ?", username).
		Exec(ctx))
	if err == nil {
		_ = s.LogAction(ctx, "SET_PASSWORD", "account: "+username)
	}
	return err
}

// RecordLogin stores the time and remote address of a successful login.
func (s *BunStore) RecordLogin(ctx context.Context, accountID int64, address string, at time.Time) error {
	return rowsAffected(s.bun.NewUpdate().Model((*AccountModel)(nil)).
		Set("last_login_at = ?", at.UTC()).
		Set("last_login_address = ?", address).
		Where("id = ?", accountID).
		Exec(ctx))
}

// --- Public keys ---

// AddPublicKey attaches an enabled key to username. Adding the same key twice
// yields ErrDuplicate.
func (s *BunStore) AddPublicKey(ctx context.Context, username, key, comment string) (*model.PublicKey, error) {
	var pm PublicKeyModel
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var am AccountModel
		if err := tx.NewSelect().Model(&am).Column("id").Where("username = ?", username).Limit(1).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		n, err := tx.NewSelect().Model((*PublicKeyModel)(nil)).Where("account_id = ? AND key_data = ?", am.ID, key).Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
		pm = PublicKeyModel{AccountID: am.ID, KeyData: key, Comment: comment, Enabled: true, CreatedAt: now()}
		_, err = tx.NewInsert().Model(&pm).Returning("id").Exec(ctx)
		return MapDBError(err)
	})
	if err != nil {
		return nil, err
	}
	_ = s.LogAction(ctx, "ADD_KEY", fmt.Sprintf("account: %s, key id: %d", username, pm.ID))
	k := publicKeyModelToModel(pm)
	return &k, nil
}

// ListPublicKeys returns all keys of username, enabled or not.
func (s *BunStore) ListPublicKeys(ctx context.Context, username string) ([]model.PublicKey, error) {
	acc, err := s.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrNotFound
	}
	return acc.PublicKeys, nil
}

// SetPublicKeyEnabled toggles whether a key may be used to authenticate.
func (s *BunStore) SetPublicKeyEnabled(ctx context.Context, id int64, enabled bool) error {
	err := rowsAffected(s.bun.NewUpdate().Model((*PublicKeyModel)(nil)).
		Set("enabled = ?", enabled).
		Where("id = ?", id).
		Exec(ctx))
	if err == nil {
		action := "DISABLE_KEY"
		if enabled {
			action = "ENABLE_KEY"
		}
		_ = s.LogAction(ctx, action, fmt.Sprintf("key id: %d", id))
	}
	return err
}

// DeletePublicKey removes a single key.
func (s *BunStore) DeletePublicKey(ctx context.Context, id int64) error {
	err := rowsAffected(s.bun.NewDelete().Model((*PublicKeyModel)(nil)).Where("id = ?", id).Exec(ctx))
	if err == nil {
		_ = s.LogAction(ctx, "DELETE_KEY", fmt.Sprintf("key id: %d", id))
	}
	return err
}

// --- Blocked hosts ---

// FindBlockedHost returns the record for address, or nil when there is none.
func (s *BunStore) FindBlockedHost(ctx context.Context, address string) (*model.BlockedHost, error) {
	var bm BlockedHostModel
	err := s.bun.NewSelect().Model(&bm).Where("address = ?", address).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	h := blockedHostModelToModel(bm)
	return &h, nil
}

// SaveBlockedHost inserts or overwrites the record for h.Address in a single
// statement, so concurrent writers for one address never collide.
func (s *BunStore) SaveBlockedHost(ctx context.Context, h model.BlockedHost) error {
	bm := &BlockedHostModel{
		Address:           h.Address,
		Reason:            h.Reason,
		UsernameAttempted: h.UsernameAttempted,
		BlockedAt:         h.BlockedAt.UTC(),
		Allow:             h.Allow,
	}
	q := s.bun.NewInsert().Model(bm)
	if s.bun.Dialect().Name() == dialect.MySQL {
		q = q.On("DUPLICATE KEY UPDATE").
			Set("reason = VALUES(reason)").
			Set("username_attempted = VALUES(username_attempted)").
			Set("blocked_at = VALUES(blocked_at)").
			Set("allow = VALUES(allow)")
	} else {
		q = q.On("CONFLICT (address) DO UPDATE").
			Set("reason = EXCLUDED.reason").
			Set("username_attempted = EXCLUDED.username_attempted").
			Set("blocked_at = EXCLUDED.blocked_at").
			Set("allow = EXCLUDED.allow")
	}
	_, err := q.Exec(ctx)
	return err
}

// ListBlockedHosts returns the stored records, newest first. Rows that were
// unblocked are included only when includeAllowed is set.
func (s *BunStore) ListBlockedHosts(ctx context.Context, includeAllowed bool) ([]model.BlockedHost, error) {
	var bm []BlockedHostModel
	q := s.bun.NewSelect().Model(&bm).Order("blocked_at DESC")
	if !includeAllowed {
		q = q.Where("allow = ?", false)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.BlockedHost, 0, len(bm))
	for _, b := range bm {
		out = append(out, blockedHostModelToModel(b))
	}
	return out, nil
}

// --- Audit log ---

// LogAction inserts an audit log entry attributed to the current OS user.
func (s *BunStore) LogAction(ctx context.Context, action string, details string) error {
	_, err := s.bun.NewInsert().Model(&AuditLogModel{
		Timestamp: now(),
		Actor:     currentActor(),
		Action:    action,
		Details:   details,
	}).Exec(ctx)
	return MapDBError(err)
}

// ListAuditLog returns up to limit entries, newest first. limit <= 0 means all.
func (s *BunStore) ListAuditLog(ctx context.Context, limit int) ([]model.AuditLogEntry, error) {
	var am []AuditLogModel
	q := s.bun.NewSelect().Model(&am).OrderExpr("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(am))
	for _, a := range am {
		out = append(out, auditLogModelToModel(a))
	}
	return out, nil
}

func currentActor() string {
	curUser, err := user.Current()
	if err != nil {
		return "unknown"
	}
	if parts := strings.Split(curUser.Username, `\`); len(parts) > 1 {
		return parts[1]
	}
	return curUser.Username
}
