// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/sftpgate/internal/model"
)

// BlockedHostStore persists one record per address.
type BlockedHostStore interface {
	FindBlockedHost(ctx context.Context, address string) (*model.BlockedHost, error)
	SaveBlockedHost(ctx context.Context, h model.BlockedHost) error
}

// BlockedHostLister is implemented by stores that can enumerate records.
type BlockedHostLister interface {
	ListBlockedHosts(ctx context.Context, includeAllowed bool) ([]model.BlockedHost, error)
}

// BlockList applies the block semantics on top of a BlockedHostStore:
// an address is blocked iff its record exists with Allow=false.
type BlockList struct {
	store BlockedHostStore
	now   func() time.Time
}

// NewBlockList returns a block list persisted in store.
func NewBlockList(store BlockedHostStore) *BlockList {
	return &BlockList{store: store, now: time.Now}
}

// IsBlocked never reports "not blocked" when the store fails; the error is
// wrapped in ErrPersistence and callers must fail closed.
func (b *BlockList) IsBlocked(ctx context.Context, address string) (bool, error) {
	h, err := b.store.FindBlockedHost(ctx, address)
	if err != nil {
		return true, fmt.Errorf("%w: lookup %s: %v", ErrPersistence, address, err)
	}
	return h != nil && h.Blocked(), nil
}

// Block writes or overwrites the record for address with Allow=false.
func (b *BlockList) Block(ctx context.Context, address, username, reason string) error {
	err := b.store.SaveBlockedHost(ctx, model.BlockedHost{
		Address:           address,
		Reason:            reason,
		UsernameAttempted: username,
		BlockedAt:         b.now().UTC(),
		Allow:             false,
	})
	if err != nil {
		return fmt.Errorf("%w: block %s: %v", ErrPersistence, address, err)
	}
	return nil
}

// Unblock sets Allow=true on an existing record and keeps the row. It reports
// false when the address has no record.
func (b *BlockList) Unblock(ctx context.Context, address string) (bool, error) {
	h, err := b.store.FindBlockedHost(ctx, address)
	if err != nil {
		return false, fmt.Errorf("%w: lookup %s: %v", ErrPersistence, address, err)
	}
	if h == nil {
		return false, nil
	}
	h.Allow = true
	if err := b.store.SaveBlockedHost(ctx, *h); err != nil {
		return false, fmt.Errorf("%w: unblock %s: %v", ErrPersistence, address, err)
	}
	return true, nil
}

// Get returns the record for address, or nil.
func (b *BlockList) Get(ctx context.Context, address string) (*model.BlockedHost, error) {
	h, err := b.store.FindBlockedHost(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %v", ErrPersistence, address, err)
	}
	return h, nil
}

// List returns the stored records when the backing store supports it.
func (b *BlockList) List(ctx context.Context, includeAllowed bool) ([]model.BlockedHost, error) {
	l, ok := b.store.(BlockedHostLister)
	if !ok {
		return nil, errors.New("blocked host store cannot list records")
	}
	return l.ListBlockedHosts(ctx, includeAllowed)
}
