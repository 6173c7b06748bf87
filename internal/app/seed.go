// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/toeirei/sftpgate/internal/config"
	"github.com/toeirei/sftpgate/internal/logging"
	"github.com/toeirei/sftpgate/internal/model"
	"github.com/toeirei/sftpgate/internal/password"
	"github.com/toeirei/sftpgate/internal/sshkey"
	"golang.org/x/text/secure/precis"
)

// AccountSeeder is the subset of the account store used for seeding.
type AccountSeeder interface {
	FindByUsername(ctx context.Context, username string) (*model.Account, error)
	CreateAccount(ctx context.Context, acc *model.Account) error
}

// NormalizeUsername applies the PRECIS username profile (case preserved) and
// rejects names that cannot be used as login names.
func NormalizeUsername(name string) (string, error) {
	out, err := precis.UsernameCasePreserved.String(strings.TrimSpace(name))
	if err != nil {
		return "", fmt.Errorf("invalid username %q: %w", name, err)
	}
	if out == "" {
		return "", fmt.Errorf("invalid username %q: empty", name)
	}
	if strings.ContainsAny(out, "/\\:") {
		return "", fmt.Errorf("invalid username %q: contains a path separator", name)
	}
	return out, nil
}

// BuildAccount turns a seed entry into an account ready for insertion.
// Plain passwords are hashed; values that already look like a crypt or
// bcrypt hash ("$...") are stored as given. Every public key must be a
// valid ssh-rsa key.
func BuildAccount(u config.SeedUser) (*model.Account, error) {
	username, err := NormalizeUsername(u.Username)
	if err != nil {
		return nil, err
	}
	if u.Home == "" {
		return nil, fmt.Errorf("user %s: home is required", username)
	}
	acc := &model.Account{Username: username, HomeDir: u.Home, Enabled: true}
	switch {
	case strings.HasPrefix(u.Password, "$"):
		acc.PasswordHash = u.Password
	case u.Password != "":
		h, err := password.Hash(u.Password)
		if err != nil {
			return nil, fmt.Errorf("user %s: hashing password: %w", username, err)
		}
		acc.PasswordHash = h
	}
	for i, raw := range u.PublicKeys {
		key, comment, err := sshkey.Canonical(raw)
		if err != nil {
			return nil, fmt.Errorf("user %s: public key %d: %w", username, i+1, err)
		}
		acc.PublicKeys = append(acc.PublicKeys, model.PublicKey{Key: key, Comment: comment, Enabled: true})
	}
	if acc.PasswordHash == "" && len(acc.PublicKeys) == 0 {
		return nil, fmt.Errorf("user %s: needs a password or at least one public key", username)
	}
	return acc, nil
}

// SeedAccounts creates the configured users that do not exist yet and
// returns how many were created. Existing usernames are left untouched.
func SeedAccounts(ctx context.Context, store AccountSeeder, users []config.SeedUser) (int, error) {
	var errs []error
	created := 0
	for _, u := range users {
		acc, err := BuildAccount(u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		existing, err := store.FindByUsername(ctx, acc.Username)
		if err != nil {
			return created, fmt.Errorf("seed: lookup %s: %w", acc.Username, err)
		}
		if existing != nil {
			logging.Debugf("seed: account %s already exists, skipping", acc.Username)
			continue
		}
		if err := store.CreateAccount(ctx, acc); err != nil {
			return created, fmt.Errorf("seed: create %s: %w", acc.Username, err)
		}
		logging.Infof("seed: created account %s (home %s, %d keys)", acc.Username, acc.HomeDir, len(acc.PublicKeys))
		created++
	}
	return created, errors.Join(errs...)
}
