// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/toeirei/sftpgate/internal/model"
)

var errStoreDown = errors.New("store down")

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	logins   map[int64]string
	err      error
}

func newMemAccounts(accs ...*model.Account) *memAccounts {
	m := &memAccounts{accounts: map[string]*model.Account{}, logins: map[int64]string{}}
	for _, a := range accs {
		m.accounts[a.Username] = a
	}
	return m
}

func (m *memAccounts) FindByUsername(_ context.Context, username string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	a, ok := m.accounts[username]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) RecordLogin(_ context.Context, id int64, address string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[id] = address
	return nil
}

type memBlocks struct {
	mu      sync.Mutex
	rows    map[string]model.BlockedHost
	findErr error
	saveErr error
}

func newMemBlocks() *memBlocks {
	return &memBlocks{rows: map[string]model.BlockedHost{}}
}

func (m *memBlocks) FindBlockedHost(_ context.Context, address string) (*model.BlockedHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	h, ok := m.rows[address]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *memBlocks) SaveBlockedHost(_ context.Context, h model.BlockedHost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rows[h.Address] = h
	return nil
}

func (m *memBlocks) row(address string) (model.BlockedHost, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.rows[address]
	return h, ok
}

type fakeSession struct {
	id     string
	addr   string
	flag   AuthFlag
	mu     sync.Mutex
	closed bool
}

func newSession(id, addr string) *fakeSession { return &fakeSession{id: id, addr: addr} }

func (s *fakeSession) ID() string            { return s.id }
func (s *fakeSession) RemoteAddress() string { return s.addr }
func (s *fakeSession) KeyAuth() *AuthFlag    { return &s.flag }
func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type blockRecorder struct {
	mu     sync.Mutex
	events []HostBlocked
}

func (r *blockRecorder) on(ev HostBlocked) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *blockRecorder) all() []HostBlocked {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]HostBlocked(nil), r.events...)
}
