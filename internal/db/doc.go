// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package db provides the data access layer for sftpgate.
// It abstracts the underlying database (SQLite, PostgreSQL or MySQL) behind a
// single bun-backed store that serves accounts, public keys, blocked hosts
// and the audit log.
package db // import "github.com/toeirei/sftpgate/internal/db"
