// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/toeirei/sftpgate/internal/model"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// BackupSchemaVersion is written into every export.
const BackupSchemaVersion = 1

// ExportBackup reads every table into a BackupData inside one transaction.
func (s *BunStore) ExportBackup(ctx context.Context) (*model.BackupData, error) {
	backup := &model.BackupData{SchemaVersion: BackupSchemaVersion, CreatedAt: now()}
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var accounts []AccountModel
		if err := tx.NewSelect().Model(&accounts).Relation("PublicKeys", orderKeys).Order("id").Scan(ctx); err != nil {
			return err
		}
		for _, a := range accounts {
			backup.Accounts = append(backup.Accounts, accountModelToModel(a))
		}

		var hosts []BlockedHostModel
		if err := tx.NewSelect().Model(&hosts).Order("address").Scan(ctx); err != nil {
			return err
		}
		for _, h := range hosts {
			backup.BlockedHosts = append(backup.BlockedHosts, blockedHostModelToModel(h))
		}

		var entries []AuditLogModel
		if err := tx.NewSelect().Model(&entries).Order("id").Scan(ctx); err != nil {
			return err
		}
		for _, e := range entries {
			backup.AuditLogEntries = append(backup.AuditLogEntries, auditLogModelToModel(e))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return backup, nil
}

// ImportBackup performs a full wipe-and-replace of all tables.
func (s *BunStore) ImportBackup(ctx context.Context, backup *model.BackupData) error {
	if backup == nil {
		return fmt.Errorf("empty backup")
	}
	if backup.SchemaVersion > BackupSchemaVersion {
		return fmt.Errorf("backup schema version %d is newer than supported %d", backup.SchemaVersion, BackupSchemaVersion)
	}
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Bun refuses DELETE without WHERE, so wipe with raw statements.
		for _, t := range []string{"public_keys", "accounts", "blocked_hosts", "audit_log"} {
			if _, err := ExecRaw(ctx, tx, fmt.Sprintf("DELETE FROM %s", t)); err != nil {
				return err
			}
		}

		for _, acc := range backup.Accounts {
			am := &AccountModel{
				ID:               acc.ID,
				Username:         acc.Username,
				PasswordHash:     acc.PasswordHash,
				HomeDir:          acc.HomeDir,
				Enabled:          acc.Enabled,
				LastLoginAt:      acc.LastLoginAt,
				LastLoginAddress: acc.LastLoginAddress,
				CreatedAt:        acc.CreatedAt,
				UpdatedAt:        acc.UpdatedAt,
			}
			if _, err := tx.NewInsert().Model(am).Exec(ctx); err != nil {
				return MapDBError(err)
			}
			for _, k := range acc.PublicKeys {
				pm := &PublicKeyModel{ID: k.ID, AccountID: am.ID, KeyData: k.Key, Comment: k.Comment, Enabled: k.Enabled, CreatedAt: k.CreatedAt}
				if _, err := tx.NewInsert().Model(pm).Exec(ctx); err != nil {
					return MapDBError(err)
				}
			}
		}
		for _, h := range backup.BlockedHosts {
			bm := &BlockedHostModel{Address: h.Address, Reason: h.Reason, UsernameAttempted: h.UsernameAttempted, BlockedAt: h.BlockedAt, Allow: h.Allow}
			if _, err := tx.NewInsert().Model(bm).Exec(ctx); err != nil {
				return MapDBError(err)
			}
		}
		for _, e := range backup.AuditLogEntries {
			am := &AuditLogModel{ID: e.ID, Timestamp: e.Timestamp, Actor: e.Actor, Action: e.Action, Details: e.Details}
			if _, err := tx.NewInsert().Model(am).Exec(ctx); err != nil {
				return MapDBError(err)
			}
		}
		if tx.Dialect().Name() == dialect.PG {
			// Explicit ids bypass the serial sequences; move them past the restored rows.
			for _, t := range []string{"accounts", "public_keys", "audit_log"} {
				q := fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE((SELECT MAX(id) FROM %s), 0) + 1, false)", t, t)
				if _, err := ExecRaw(ctx, tx, q); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// WriteBackup encodes backup as zstd-compressed JSON.
func WriteBackup(w io.Writer, backup *model.BackupData) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(backup); err != nil {
		_ = enc.Close()
		return fmt.Errorf("could not encode backup: %w", err)
	}
	return enc.Close()
}

// ReadBackup decodes a backup written by WriteBackup.
func ReadBackup(r io.Reader) (*model.BackupData, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer dec.Close()
	var backup model.BackupData
	if err := json.NewDecoder(dec).Decode(&backup); err != nil {
		return nil, fmt.Errorf("could not decode backup: %w", err)
	}
	return &backup, nil
}
