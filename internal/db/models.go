// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/toeirei/sftpgate/internal/model"
	"github.com/uptrace/bun"
)

// AccountModel maps the `accounts` table for Bun queries.
type AccountModel struct {
	bun.BaseModel    `bun:"table:accounts"`
	ID               int64             `bun:"id,pk,autoincrement"`
	Username         string            `bun:"username,notnull"`
	PasswordHash     string            `bun:"password_hash"`
	HomeDir          string            `bun:"home_dir"`
	Enabled          bool              `bun:"enabled"`
	LastLoginAt      *time.Time        `bun:"last_login_at,nullzero"`
	LastLoginAddress string            `bun:"last_login_address,nullzero"`
	CreatedAt        time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	PublicKeys       []*PublicKeyModel `bun:"rel:has-many,join:id=account_id"`
}

// PublicKeyModel maps public_keys.
type PublicKeyModel struct {
	bun.BaseModel `bun:"table:public_keys"`
	ID            int64     `bun:"id,pk,autoincrement"`
	AccountID     int64     `bun:"account_id,notnull"`
	KeyData       string    `bun:"key_data,notnull"`
	Comment       string    `bun:"comment"`
	Enabled       bool      `bun:"enabled"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// BlockedHostModel maps blocked_hosts. One row per address.
type BlockedHostModel struct {
	bun.BaseModel     `bun:"table:blocked_hosts"`
	Address           string    `bun:"address,pk"`
	Reason            string    `bun:"reason"`
	UsernameAttempted string    `bun:"username_attempted"`
	BlockedAt         time.Time `bun:"blocked_at,notnull"`
	Allow             bool      `bun:"allow"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int64     `bun:"id,pk,autoincrement"`
	Timestamp     time.Time `bun:"timestamp,nullzero,notnull,default:current_timestamp"`
	Actor         string    `bun:"actor"`
	Action        string    `bun:"action"`
	Details       string    `bun:"details"`
}

// --- Mapping helpers (centralized conversions) ---

func accountModelToModel(a AccountModel) model.Account {
	acc := model.Account{
		ID:               a.ID,
		Username:         a.Username,
		PasswordHash:     a.PasswordHash,
		HomeDir:          a.HomeDir,
		Enabled:          a.Enabled,
		LastLoginAt:      a.LastLoginAt,
		LastLoginAddress: a.LastLoginAddress,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
	for _, p := range a.PublicKeys {
		if p != nil {
			acc.PublicKeys = append(acc.PublicKeys, publicKeyModelToModel(*p))
		}
	}
	return acc
}

func publicKeyModelToModel(p PublicKeyModel) model.PublicKey {
	return model.PublicKey{
		ID:        p.ID,
		AccountID: p.AccountID,
		Key:       p.KeyData,
		Comment:   p.Comment,
		Enabled:   p.Enabled,
		CreatedAt: p.CreatedAt,
	}
}

func blockedHostModelToModel(b BlockedHostModel) model.BlockedHost {
	return model.BlockedHost{
		Address:           b.Address,
		Reason:            b.Reason,
		UsernameAttempted: b.UsernameAttempted,
		BlockedAt:         b.BlockedAt,
		Allow:             b.Allow,
	}
}

func auditLogModelToModel(a AuditLogModel) model.AuditLogEntry {
	return model.AuditLogEntry{ID: a.ID, Timestamp: a.Timestamp, Actor: a.Actor, Action: a.Action, Details: a.Details}
}
