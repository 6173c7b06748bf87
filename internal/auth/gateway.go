// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package auth decides password and public key logins and blocks addresses
// that keep failing.
//
// Every failure increments one of two per-address counters (unknown user,
// bad credential) and is followed by a fixed delay. When a counter reaches
// the configured maximum the address is persisted as blocked and a
// HostBlocked notification is delivered to the registered listener.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/sftpgate/internal/attempts"
	"github.com/toeirei/sftpgate/internal/logging"
	"github.com/toeirei/sftpgate/internal/model"
	"github.com/toeirei/sftpgate/internal/password"
	"github.com/toeirei/sftpgate/internal/sshkey"
	"golang.org/x/crypto/ssh"
)

// AccountStore is the read side of the credential store plus login bookkeeping.
type AccountStore interface {
	FindByUsername(ctx context.Context, username string) (*model.Account, error)
	RecordLogin(ctx context.Context, accountID int64, address string, at time.Time) error
}

// HostBlocked is published once per threshold breach.
type HostBlocked struct {
	Address  string
	Username string
	Reason   string
	At       time.Time
	// Session is the session whose failure tripped the block.
	Session Session
}

// Options configures a Gateway.
type Options struct {
	// MaxAttempts is the per-category failure count that blocks an address.
	MaxAttempts int
	// Delay is waited after every failed attempt.
	Delay time.Duration
	// OnBlocked receives block notifications synchronously.
	OnBlocked func(HostBlocked)
}

// Gateway is safe for concurrent use by any number of sessions.
type Gateway struct {
	accounts    AccountStore
	blocks      *BlockList
	verifier    password.Verifier
	tracker     *attempts.Tracker
	maxAttempts int
	delay       time.Duration
	onBlocked   func(HostBlocked)
	now         func() time.Time
}

// NewGateway wires the gateway. Stores must be ready before it is called.
func NewGateway(accounts AccountStore, blocks *BlockList, verifier password.Verifier, tracker *attempts.Tracker, opts Options) (*Gateway, error) {
	switch {
	case accounts == nil:
		return nil, errors.New("auth: account store is required")
	case blocks == nil:
		return nil, errors.New("auth: block list is required")
	case verifier == nil:
		return nil, errors.New("auth: password verifier is required")
	case tracker == nil:
		return nil, errors.New("auth: attempt tracker is required")
	case opts.MaxAttempts < 1:
		return nil, fmt.Errorf("auth: max attempts must be >= 1, got %d", opts.MaxAttempts)
	case opts.Delay < 0:
		return nil, fmt.Errorf("auth: delay must not be negative, got %s", opts.Delay)
	}
	return &Gateway{
		accounts:    accounts,
		blocks:      blocks,
		verifier:    verifier,
		tracker:     tracker,
		maxAttempts: opts.MaxAttempts,
		delay:       opts.Delay,
		onBlocked:   opts.OnBlocked,
		now:         time.Now,
	}, nil
}

// SetBlockListener replaces the block notification callback. It must be
// called before the gateway serves sessions.
func (g *Gateway) SetBlockListener(fn func(HostBlocked)) {
	g.onBlocked = fn
}

// BlockList exposes the block list the gateway consults.
func (g *Gateway) BlockList() *BlockList { return g.blocks }

// AuthenticatePassword reports whether username may log in with secret from
// the session's address.
func (g *Gateway) AuthenticatePassword(ctx context.Context, sess Session, username, secret string) bool {
	err := g.checkPassword(ctx, sess, username, secret)
	g.report("password", sess, username, err)
	return err == nil
}

// AuthenticatePublicKey reports whether key belongs to username. A repeated
// call on the same session for the same user and key returns the cached
// success without touching any counter.
func (g *Gateway) AuthenticatePublicKey(ctx context.Context, sess Session, username string, key ssh.PublicKey) bool {
	if key == nil {
		return false
	}
	identity := username + "\x00" + string(key.Marshal())
	return sess.KeyAuth().Do(identity, func() bool {
		err := g.checkPublicKey(ctx, sess, username, key)
		g.report("publickey", sess, username, err)
		return err == nil
	})
}

// OfferPublicKey checks whether key belongs to username without treating a
// match as a login: counters are left alone and no login is recorded. A
// mismatch counts as a failure like any other. SSH servers call this before
// the client has proven possession of the private key and finish with
// AuthenticatePublicKey once the signature is verified.
func (g *Gateway) OfferPublicKey(ctx context.Context, sess Session, username string, key ssh.PublicKey) bool {
	if key == nil {
		return false
	}
	_, err := g.matchPublicKey(ctx, sess, username, key)
	if err != nil {
		g.report("publickey offer", sess, username, err)
	}
	return err == nil
}

func (g *Gateway) checkPassword(ctx context.Context, sess Session, username, secret string) error {
	addr := sess.RemoteAddress()
	acc, err := g.precheck(ctx, sess, username)
	if err != nil {
		return err
	}
	if !acc.Enabled {
		return g.fail(ctx, sess, attempts.BadCredential, username, ReasonAccountDisabled, ErrCredentialMismatch)
	}
	if !g.verifier.Matches(secret, acc.PasswordHash) {
		return g.fail(ctx, sess, attempts.BadCredential, username, ReasonIncorrectPassword, ErrCredentialMismatch)
	}
	g.succeed(ctx, acc, addr)
	return nil
}

func (g *Gateway) checkPublicKey(ctx context.Context, sess Session, username string, key ssh.PublicKey) error {
	acc, err := g.matchPublicKey(ctx, sess, username, key)
	if err != nil {
		return err
	}
	g.succeed(ctx, acc, sess.RemoteAddress())
	return nil
}

// matchPublicKey returns the account owning key. Keys that do not parse are
// logged and skipped.
func (g *Gateway) matchPublicKey(ctx context.Context, sess Session, username string, key ssh.PublicKey) (*model.Account, error) {
	acc, err := g.precheck(ctx, sess, username)
	if err != nil {
		return nil, err
	}
	if !acc.Enabled {
		return nil, g.fail(ctx, sess, attempts.BadCredential, username, ReasonAccountDisabled, ErrCredentialMismatch)
	}
	for _, pk := range acc.EnabledKeys() {
		stored, err := sshkey.DecodeRSA(pk.Key)
		if err != nil {
			logging.Errorf("auth: skipping key %d of %s: %v", pk.ID, username, err)
			continue
		}
		if stored.Equal(key) {
			return acc, nil
		}
	}
	return nil, g.fail(ctx, sess, attempts.BadCredential, username, ReasonKeyMismatch, ErrCredentialMismatch)
}

// precheck rejects blocked addresses and resolves the account. A nil account
// with a nil error never happens; unknown users come back as ErrUserNotFound.
func (g *Gateway) precheck(ctx context.Context, sess Session, username string) (*model.Account, error) {
	addr := sess.RemoteAddress()
	blocked, err := g.blocks.IsBlocked(ctx, addr)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrHostBlocked
	}
	acc, err := g.accounts.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: find account %q: %v", ErrPersistence, username, err)
	}
	if acc == nil {
		return nil, g.fail(ctx, sess, attempts.UnknownUser, username, ReasonUserNotFound, ErrUserNotFound)
	}
	return acc, nil
}

func (g *Gateway) succeed(ctx context.Context, acc *model.Account, addr string) {
	g.tracker.Clear(addr)
	if err := g.accounts.RecordLogin(ctx, acc.ID, addr, g.now()); err != nil {
		logging.Warnf("auth: could not record login of %s: %v", acc.Username, err)
	}
}

// fail counts the failure, blocks the address at the threshold and then
// waits the fixed delay. It returns cause, joined with ErrInterruptedThrottle
// when the wait was cut short.
func (g *Gateway) fail(ctx context.Context, sess Session, c attempts.Category, username, reason string, cause error) error {
	addr := sess.RemoteAddress()
	if n := g.tracker.RecordFailure(c, addr, reason); n >= g.maxAttempts {
		g.block(ctx, sess, addr, username, reason)
	}
	if err := g.throttle(ctx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// block clears the counters, persists the record and notifies the listener.
// The notification goes out even when persisting fails so the offending
// session is still closed.
func (g *Gateway) block(ctx context.Context, sess Session, addr, username, reason string) {
	g.tracker.Clear(addr)
	if err := g.blocks.Block(ctx, addr, username, reason); err != nil {
		logging.Errorf("auth: %v", err)
	}
	logging.Warnf("auth: blocked %s after repeated failures (%s, user %q)", addr, reason, username)
	if g.onBlocked != nil {
		g.onBlocked(HostBlocked{Address: addr, Username: username, Reason: reason, At: g.now(), Session: sess})
	}
}

func (g *Gateway) throttle(ctx context.Context) error {
	if g.delay <= 0 {
		return nil
	}
	t := time.NewTimer(g.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrInterruptedThrottle, ctx.Err())
	}
}

func (g *Gateway) report(method string, sess Session, username string, err error) {
	addr := sess.RemoteAddress()
	switch {
	case err == nil:
		logging.Infof("auth: %s login accepted for %q from %s", method, username, addr)
	case errors.Is(err, ErrPersistence):
		logging.Errorf("auth: %s login for %q from %s failed closed: %v", method, username, addr, err)
	case errors.Is(err, ErrInterruptedThrottle):
		logging.Warnf("auth: %s login rejected for %q from %s: %v", method, username, addr, err)
	default:
		logging.Infof("auth: %s login rejected for %q from %s: %v", method, username, addr, err)
	}
}
