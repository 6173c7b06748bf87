// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"strings"
	"testing"
)

// WithTestStore opens a private in-memory sqlite store for the duration of fn.
func WithTestStore(t *testing.T, fn func(s *BunStore)) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:" + name + "?mode=memory&cache=shared"
	s, err := NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("NewStoreFromDSN failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	fn(s)
}
