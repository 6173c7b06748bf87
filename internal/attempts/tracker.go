// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package attempts counts failed authentication attempts per network address.
//
// Two independent counters are kept per address: unknown-user lookups and
// bad credentials. Counters live only in memory; the persisted block record
// is the source of truth for whether an address is denied.
package attempts

import (
	"sync"

	"github.com/toeirei/sftpgate/internal/logging"
)

// Category selects one of the two per-address counters.
type Category int

const (
	// UnknownUser counts lookups of usernames that do not exist.
	UnknownUser Category = iota
	// BadCredential counts wrong passwords and unmatched public keys for real users.
	BadCredential
)

func (c Category) String() string {
	switch c {
	case UnknownUser:
		return "unknown-user"
	case BadCredential:
		return "bad-credential"
	}
	return "unknown"
}

// Tracker holds the counters. The zero value is not usable; call New.
type Tracker struct {
	mu     sync.Mutex
	counts map[Category]map[string]int
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{counts: map[Category]map[string]int{
		UnknownUser:   {},
		BadCredential: {},
	}}
}

// RecordFailure increments the counter of category c for address and returns
// the new value. Increment and read happen under one lock, so concurrent
// failures never observe the same count.
func (t *Tracker) RecordFailure(c Category, address, reason string) int {
	t.mu.Lock()
	m, ok := t.counts[c]
	if !ok {
		m = map[string]int{}
		t.counts[c] = m
	}
	m[address]++
	n := m[address]
	t.mu.Unlock()

	logging.Debugf("attempts: %s failure #%d from %s: %s", c, n, address, reason)
	return n
}

// Count returns the current value of one counter.
func (t *Tracker) Count(c Category, address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[c][address]
}

// Clear drops both counters for address. Clearing an unknown address is a no-op.
func (t *Tracker) Clear(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.counts {
		delete(m, address)
	}
}

// Tracked returns the number of addresses with at least one non-zero counter.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]struct{}{}
	for _, m := range t.counts {
		for a := range m {
			seen[a] = struct{}{}
		}
	}
	return len(seen)
}
