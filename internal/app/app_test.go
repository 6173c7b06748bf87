// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toeirei/sftpgate/internal/config"
	"github.com/toeirei/sftpgate/internal/db"
	"github.com/toeirei/sftpgate/internal/model"
	"github.com/toeirei/sftpgate/internal/password"
	"golang.org/x/crypto/ssh"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Dsn = filepath.Join(dir, "sftpgate.db")
	cfg.Blocklist.Path = filepath.Join(dir, "blocklist.db")
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.HostKeyPath = filepath.Join(dir, "host_key")
	cfg.Server.HostKeyAlgorithm = "ed25519"
	cfg.Auth.DelayBetweenAttemptsMs = 0
	cfg.Auth.MaxLoginAttempts = 2
	cfg.Dispatcher.ShutdownTimeout = 5 * time.Second
	cfg.Users = []config.SeedUser{{Username: "alice", Password: "s3cret", Home: filepath.Join(dir, "home", "alice")}}
	return cfg
}

func rsaAuthorizedKey(t *testing.T) string {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := ssh.NewPublicKey(&k.PublicKey)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))) + " alice@laptop"
}

type fakeSeeder struct {
	accounts map[string]*model.Account
	findErr  error
}

func (f *fakeSeeder) FindByUsername(_ context.Context, username string) (*model.Account, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.accounts[username], nil
}

func (f *fakeSeeder) CreateAccount(_ context.Context, acc *model.Account) error {
	if f.accounts == nil {
		f.accounts = map[string]*model.Account{}
	}
	f.accounts[acc.Username] = acc
	return nil
}

func TestBuildAccount(t *testing.T) {
	key := rsaAuthorizedKey(t)

	acc, err := BuildAccount(config.SeedUser{Username: " alice ", Password: "s3cret", Home: "/srv/alice", PublicKeys: []string{key}})
	require.NoError(t, err)
	assert.Equal(t, "alice", acc.Username)
	assert.True(t, acc.Enabled)
	assert.NoError(t, password.Verify("s3cret", acc.PasswordHash))
	require.Len(t, acc.PublicKeys, 1)
	assert.Equal(t, "alice@laptop", acc.PublicKeys[0].Comment)
	assert.Equal(t, strings.TrimSuffix(key, " alice@laptop"), acc.PublicKeys[0].Key)
	assert.True(t, acc.PublicKeys[0].Enabled)

	t.Run("prehashed password kept", func(t *testing.T) {
		acc, err := BuildAccount(config.SeedUser{Username: "bob", Password: "$2a$10$abcdefghijklmnopqrstuv", Home: "/srv/bob"})
		require.NoError(t, err)
		assert.Equal(t, "$2a$10$abcdefghijklmnopqrstuv", acc.PasswordHash)
	})

	for name, u := range map[string]config.SeedUser{
		"no home":        {Username: "carol", Password: "x"},
		"no credentials": {Username: "carol", Home: "/srv/carol"},
		"bad key":        {Username: "carol", Home: "/srv/carol", PublicKeys: []string{"ssh-rsa AAAA"}},
		"path separator": {Username: "../carol", Password: "x", Home: "/srv/carol"},
		"empty username": {Username: "  ", Password: "x", Home: "/srv/carol"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := BuildAccount(u)
			assert.Error(t, err)
		})
	}
}

func TestNormalizeUsername(t *testing.T) {
	got, err := NormalizeUsername(" Alice ")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got)

	for _, name := range []string{"", "   ", "a/b", `a\b`, "c:d"} {
		_, err := NormalizeUsername(name)
		assert.Error(t, err, "username %q", name)
	}
}

func TestSeedAccounts(t *testing.T) {
	ctx := context.Background()
	store := &fakeSeeder{accounts: map[string]*model.Account{
		"alice": {Username: "alice", PasswordHash: "existing"},
	}}
	users := []config.SeedUser{
		{Username: "alice", Password: "changed", Home: "/srv/alice"},
		{Username: "bob", Password: "pw", Home: "/srv/bob"},
		{Username: "broken", Home: "/srv/broken"},
	}

	n, err := SeedAccounts(ctx, store, users)
	assert.Error(t, err, "the invalid entry is reported")
	assert.Equal(t, 1, n)
	assert.Equal(t, "existing", store.accounts["alice"].PasswordHash, "existing accounts are not touched")
	require.Contains(t, store.accounts, "bob")

	n, err = SeedAccounts(ctx, store, users[:2])
	require.NoError(t, err)
	assert.Zero(t, n, "seeding twice creates nothing")

	store.findErr = errors.New("db down")
	_, err = SeedAccounts(ctx, store, []config.SeedUser{{Username: "dave", Password: "pw", Home: "/srv/dave"}})
	assert.ErrorContains(t, err, "db down")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.MaxLoginAttempts = 0
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "auth.max_login_attempts")
}

func TestNew_HostKeyError(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Server.HostKeyPath, []byte("not a key"), 0o600))
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "host key")

	// the failed startup released the database, so it can be opened again
	store, err := db.NewStoreFromDSN(cfg.Database.Type, cfg.Database.Dsn)
	require.NoError(t, err)
	_ = store.Close()
}

func TestApp_ServeAndShutdown(t *testing.T) {
	for _, backend := range []string{"database", "bbolt"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Blocklist.Backend = backend
			ctx := context.Background()

			a, err := New(ctx, cfg)
			require.NoError(t, err)

			acc, err := a.Store().FindByUsername(ctx, "alice")
			require.NoError(t, err)
			require.NotNil(t, acc, "seed user created during startup")

			done := make(chan error, 1)
			go func() { done <- a.Run(ctx) }()
			require.Eventually(t, func() bool { return a.Server().Addr() != nil }, 5*time.Second, 10*time.Millisecond)
			addr := a.Server().Addr().String()

			client := dialSFTP(t, addr, "s3cret")
			require.NoError(t, client.MkdirAll("/inbox"))
			_, err = client.Stat("/inbox")
			assert.NoError(t, err)
			_ = client.Close()

			for i := 0; i < 2; i++ {
				_, err := dial(addr, "wrong")
				require.Error(t, err)
			}
			blocked, err := a.Gateway().BlockList().IsBlocked(ctx, "127.0.0.1")
			require.NoError(t, err)
			assert.True(t, blocked)

			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			require.NoError(t, a.Shutdown(shutdownCtx))

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after Shutdown")
			}
		})
	}
}

func dial(addr, secret string) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password(secret)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         5 * time.Second,
	})
}

func dialSFTP(t *testing.T, addr, secret string) *sftp.Client {
	t.Helper()
	conn, err := dial(addr, secret)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client, err := sftp.NewClient(conn)
	require.NoError(t, err)
	return client
}
