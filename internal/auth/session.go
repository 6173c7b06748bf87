// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package auth

import "sync"

// Session is the per-connection handle the gateway works with. The protocol
// engine owns it; the gateway only reads the address and uses the flag.
type Session interface {
	ID() string
	RemoteAddress() string
	KeyAuth() *AuthFlag
	Close() error
}

// AuthFlag remembers a successful public key check for one session so that
// repeated callback invocations for the same user and key are answered
// without counting again. All checks for a session run under its mutex.
type AuthFlag struct {
	mu       sync.Mutex
	identity string
}

// Do runs check unless the flag already holds a success for identity, and
// stores identity when check succeeds.
func (f *AuthFlag) Do(identity string, check func() bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identity != "" && f.identity == identity {
		return true
	}
	if check() {
		f.identity = identity
		return true
	}
	return false
}

// IsSet reports whether any public key check has succeeded.
func (f *AuthFlag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity != ""
}
