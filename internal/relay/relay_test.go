// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/toeirei/sftpgate/internal/auth"
)

type stubBlocker struct {
	blocked map[string]bool
	err     error
}

func (b stubBlocker) IsBlocked(_ context.Context, addr string) (bool, error) {
	if b.err != nil {
		return true, b.err
	}
	return b.blocked[addr], nil
}

type stubSession struct {
	id, addr string
	flag     auth.AuthFlag
	mu       sync.Mutex
	closes   int
}

func (s *stubSession) ID() string              { return s.id }
func (s *stubSession) RemoteAddress() string   { return s.addr }
func (s *stubSession) KeyAuth() *auth.AuthFlag { return &s.flag }
func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *stubSession) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

func TestConnected_RejectsBlockedAddress(t *testing.T) {
	r := New(stubBlocker{blocked: map[string]bool{"10.0.0.5": true}}, CloseAddress)

	bad := &stubSession{id: "a", addr: "10.0.0.5"}
	assert.False(t, r.Connected(context.Background(), bad))
	assert.True(t, bad.closed())

	good := &stubSession{id: "b", addr: "10.0.0.6"}
	assert.True(t, r.Connected(context.Background(), good))
	assert.False(t, good.closed())
	assert.Equal(t, []string{"b"}, r.Open())
}

func TestConnected_StoreErrorRejects(t *testing.T) {
	r := New(stubBlocker{err: errors.New("down")}, CloseAddress)
	s := &stubSession{id: "a", addr: "10.0.0.5"}
	assert.False(t, r.Connected(context.Background(), s))
	assert.True(t, s.closed())
	assert.Empty(t, r.Open())
}

func TestHostBlocked_Policies(t *testing.T) {
	for _, tc := range []struct {
		policy     Policy
		otherClose bool
	}{
		{CloseTrigger, false},
		{CloseAddress, true},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			r := New(stubBlocker{}, tc.policy)
			trigger := &stubSession{id: "t", addr: "10.0.0.5"}
			sibling := &stubSession{id: "s", addr: "10.0.0.5"}
			stranger := &stubSession{id: "x", addr: "10.0.0.7"}
			for _, s := range []*stubSession{trigger, sibling, stranger} {
				assert.True(t, r.Connected(context.Background(), s))
			}

			r.HostBlocked(auth.HostBlocked{Address: "10.0.0.5", Session: trigger})

			assert.True(t, trigger.closed())
			assert.Equal(t, tc.otherClose, sibling.closed())
			assert.False(t, stranger.closed())
			assert.Equal(t, 1, trigger.closes)
		})
	}
}

func TestClosed_Once(t *testing.T) {
	r := New(stubBlocker{}, CloseAddress)
	s := &stubSession{id: "a", addr: "10.0.0.5"}
	r.Connected(context.Background(), s)
	r.Authenticated(s, "alice", "SSH-2.0-test")
	r.Closed(s)
	r.Closed(s)
	assert.Empty(t, r.Open())
}

func TestCloseAll(t *testing.T) {
	r := New(stubBlocker{}, CloseTrigger)
	a := &stubSession{id: "a", addr: "10.0.0.5"}
	b := &stubSession{id: "b", addr: "10.0.0.6"}
	r.Connected(context.Background(), a)
	r.Connected(context.Background(), b)
	r.CloseAll()
	assert.True(t, a.closed())
	assert.True(t, b.closed())
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, CloseTrigger, ParsePolicy("trigger"))
	assert.Equal(t, CloseAddress, ParsePolicy("address"))
	assert.Equal(t, CloseAddress, ParsePolicy(""))
}
