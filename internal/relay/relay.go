// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package relay tracks open sessions and reacts to their lifecycle: blocked
// addresses are turned away at connect time and block notifications close
// the offending sessions.
package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/toeirei/sftpgate/internal/auth"
	"github.com/toeirei/sftpgate/internal/logging"
)

// Policy selects which sessions a block notification closes.
type Policy int

const (
	// CloseTrigger closes only the session whose failure caused the block.
	CloseTrigger Policy = iota
	// CloseAddress also closes every other open session from the address.
	CloseAddress
)

// ParsePolicy maps the configuration value onto a Policy. Unknown values
// fall back to CloseAddress.
func ParsePolicy(s string) Policy {
	if s == "trigger" {
		return CloseTrigger
	}
	return CloseAddress
}

func (p Policy) String() string {
	if p == CloseTrigger {
		return "trigger"
	}
	return "address"
}

// Blocker answers whether an address may connect.
type Blocker interface {
	IsBlocked(ctx context.Context, address string) (bool, error)
}

type entry struct {
	sess     auth.Session
	username string
}

// Relay is safe for concurrent use.
type Relay struct {
	blocks Blocker
	policy Policy

	mu       sync.Mutex
	sessions map[string]*entry
}

// New returns a relay that checks blocks on connect and applies policy
// when a host is blocked.
func New(blocks Blocker, policy Policy) *Relay {
	return &Relay{blocks: blocks, policy: policy, sessions: map[string]*entry{}}
}

// Connected registers sess unless its address is blocked, in which case the
// session is closed and false is returned. A failing block lookup also
// rejects the session.
func (r *Relay) Connected(ctx context.Context, sess auth.Session) bool {
	addr := sess.RemoteAddress()
	blocked, err := r.blocks.IsBlocked(ctx, addr)
	if err != nil {
		logging.Errorf("relay: rejecting %s: %v", addr, err)
	}
	if blocked {
		logging.Warnf("relay: closing session %s from blocked address %s", sess.ID(), addr)
		_ = sess.Close()
		return false
	}
	r.mu.Lock()
	r.sessions[sess.ID()] = &entry{sess: sess}
	r.mu.Unlock()
	logging.Debugf("relay: session %s connected from %s", sess.ID(), addr)
	return true
}

// Authenticated records the user of an established session.
func (r *Relay) Authenticated(sess auth.Session, username, clientVersion string) {
	r.mu.Lock()
	if e, ok := r.sessions[sess.ID()]; ok {
		e.username = username
	}
	r.mu.Unlock()
	logging.Infof("relay: session %s authenticated: user=%q address=%s client=%q", sess.ID(), username, sess.RemoteAddress(), clientVersion)
}

// Closed forgets sess. Only the first call for a session is logged.
func (r *Relay) Closed(sess auth.Session) {
	r.mu.Lock()
	e, ok := r.sessions[sess.ID()]
	delete(r.sessions, sess.ID())
	r.mu.Unlock()
	if !ok {
		return
	}
	logging.Infof("relay: session %s closed: user=%q address=%s", sess.ID(), e.username, sess.RemoteAddress())
}

// HostBlocked is the gateway's block listener.
func (r *Relay) HostBlocked(ev auth.HostBlocked) {
	var victims []auth.Session
	if ev.Session != nil {
		victims = append(victims, ev.Session)
	}
	if r.policy == CloseAddress {
		r.mu.Lock()
		for _, e := range r.sessions {
			if e.sess.RemoteAddress() == ev.Address && (ev.Session == nil || e.sess.ID() != ev.Session.ID()) {
				victims = append(victims, e.sess)
			}
		}
		r.mu.Unlock()
	}
	for _, s := range victims {
		logging.Warnf("relay: closing session %s from %s after block (%s)", s.ID(), ev.Address, ev.Reason)
		if err := s.Close(); err != nil {
			logging.Debugf("relay: close session %s: %v", s.ID(), err)
		}
	}
}

// Open returns the IDs of the registered sessions, sorted.
func (r *Relay) Open() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every registered session. Used during shutdown.
func (r *Relay) CloseAll() {
	r.mu.Lock()
	all := make([]auth.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		all = append(all, e.sess)
	}
	r.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
}
