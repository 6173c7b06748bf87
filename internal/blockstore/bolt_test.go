// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package blockstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toeirei/sftpgate/internal/auth"
	"github.com/toeirei/sftpgate/internal/model"
)

var _ auth.BlockedHostStore = (*Store)(nil)
var _ auth.BlockedHostLister = (*Store)(nil)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocklist.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_SaveFindOverwrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	h, err := s.FindBlockedHost(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Nil(t, h)

	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	require.NoError(t, s.SaveBlockedHost(ctx, model.BlockedHost{
		Address: "10.0.0.5", Reason: "incorrect password", UsernameAttempted: "alice", BlockedAt: at,
	}))

	h, err = s.FindBlockedHost(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.Blocked())
	assert.Equal(t, "alice", h.UsernameAttempted)
	assert.True(t, at.Equal(h.BlockedAt))

	h.Allow = true
	require.NoError(t, s.SaveBlockedHost(ctx, *h))
	h, err = s.FindBlockedHost(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.False(t, h.Blocked())

	assert.Error(t, s.SaveBlockedHost(ctx, model.BlockedHost{}))
}

func TestStore_ListOrderAndFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveBlockedHost(ctx, model.BlockedHost{Address: "10.0.0.1", BlockedAt: base}))
	require.NoError(t, s.SaveBlockedHost(ctx, model.BlockedHost{Address: "10.0.0.2", BlockedAt: base.Add(time.Hour)}))
	require.NoError(t, s.SaveBlockedHost(ctx, model.BlockedHost{Address: "2001:db8::1", BlockedAt: base.Add(2 * time.Hour), Allow: true}))

	blocked, err := s.ListBlockedHosts(ctx, false)
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	assert.Equal(t, "10.0.0.2", blocked[0].Address)
	assert.Equal(t, "10.0.0.1", blocked[1].Address)

	all, err := s.ListBlockedHosts(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2001:db8::1", all[0].Address)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveBlockedHost(ctx, model.BlockedHost{Address: "10.0.0.5", Reason: "user not found"}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	h, err := s2.FindBlockedHost(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "user not found", h.Reason)
}

func TestStore_WithBlockList(t *testing.T) {
	s, _ := newTestStore(t)
	bl := auth.NewBlockList(s)
	ctx := context.Background()

	require.NoError(t, bl.Block(ctx, "10.0.0.9", "ghost", "user not found"))
	blocked, err := bl.IsBlocked(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, blocked)

	ok, err := bl.Unblock(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, ok)
	blocked, err = bl.IsBlocked(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, blocked)

	list, err := bl.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
