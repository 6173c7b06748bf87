// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model holds the plain data types shared by the stores and the gateway.
package model

import (
	"fmt"
	"time"
)

// Account is a login that owns a virtual home directory.
type Account struct {
	ID               int64
	Username         string
	PasswordHash     string
	HomeDir          string
	Enabled          bool
	PublicKeys       []PublicKey
	LastLoginAt      *time.Time
	LastLoginAddress string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// String returns the username with a disabled marker when applicable.
func (a Account) String() string {
	if !a.Enabled {
		return fmt.Sprintf("%s (disabled)", a.Username)
	}
	return a.Username
}

// EnabledKeys returns the keys that may be used for authentication.
func (a Account) EnabledKeys() []PublicKey {
	out := make([]PublicKey, 0, len(a.PublicKeys))
	for _, k := range a.PublicKeys {
		if k.Enabled {
			out = append(out, k)
		}
	}
	return out
}

// PublicKey is an authorized key in its textual wire envelope, e.g.
// "ssh-rsa AAAAB3Nza... alice@laptop". Deleted together with its account.
type PublicKey struct {
	ID        int64
	AccountID int64
	Key       string
	Comment   string
	Enabled   bool
	CreatedAt time.Time
}

// String returns the key envelope followed by its comment, if any.
func (k PublicKey) String() string {
	if k.Comment == "" {
		return k.Key
	}
	return k.Key + " " + k.Comment
}

// BlockedHost is the persisted deny record for one network address.
// Allow=true is an explicit override that lets the address connect again.
type BlockedHost struct {
	Address           string
	Reason            string
	UsernameAttempted string
	BlockedAt         time.Time
	Allow             bool
}

// Blocked reports whether the record denies connections.
func (b BlockedHost) Blocked() bool {
	return !b.Allow
}

// AuditLogEntry records an administrative action.
type AuditLogEntry struct {
	ID        int64
	Timestamp time.Time
	Actor     string
	Action    string
	Details   string
}

// BackupData is the full export of the database used by backup and restore.
type BackupData struct {
	SchemaVersion   int
	CreatedAt       time.Time
	Accounts        []Account
	BlockedHosts    []BlockedHost
	AuditLogEntries []AuditLogEntry
}
