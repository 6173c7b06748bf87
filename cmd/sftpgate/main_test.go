// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toeirei/sftpgate/internal/db"
	"github.com/toeirei/sftpgate/internal/password"
	"golang.org/x/crypto/ssh"
)

type cliEnv struct {
	dir    string
	config string
	dsn    string
}

// setupCLI writes a config file pointing at a fresh SQLite database.
func setupCLI(t *testing.T, backend string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{dir: dir, config: filepath.Join(dir, "sftpgate.yaml"), dsn: filepath.Join(dir, "sftpgate.db")}
	body := fmt.Sprintf(`database:
  type: sqlite
  dsn: %s
blocklist:
  backend: %s
  path: %s
log:
  level: error
`, env.dsn, backend, filepath.Join(dir, "blocklist.db"))
	require.NoError(t, os.WriteFile(env.config, []byte(body), 0o600))
	return env
}

// run executes a fresh command tree and returns everything written to stdout.
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--config", e.config))
	err := root.Execute()
	return out.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := e.run(t, stdin, args...)
	require.NoError(t, err, out)
	return out
}

func (e *cliEnv) store(t *testing.T) *db.BunStore {
	t.Helper()
	s, err := db.NewStoreFromDSN("sqlite", e.dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func authorizedKey(t *testing.T, comment string) string {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := ssh.NewPublicKey(&k.PublicKey)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))) + " " + comment
}

func TestUserCommands(t *testing.T) {
	env := setupCLI(t, "database")
	home := filepath.Join(env.dir, "home", "alice")
	ctx := context.Background()

	out := env.mustRun(t, "s3cret\n", "user", "add", "alice", "--home", home)
	assert.Contains(t, out, "Created account alice")

	acc, err := env.store(t).FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.NoError(t, password.Verify("s3cret", acc.PasswordHash))
	assert.Equal(t, home, acc.HomeDir)

	_, err = env.run(t, "again\n", "user", "add", "alice", "--home", home)
	assert.ErrorContains(t, err, "already exists")

	out = env.mustRun(t, "", "user", "list")
	assert.Contains(t, out, "USERNAME")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "never")

	env.mustRun(t, "n3w\n", "user", "passwd", "alice", "--hash", "argon2id")
	acc, err = env.store(t).FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(acc.PasswordHash, "$argon2id$"))
	assert.NoError(t, password.Verify("n3w", acc.PasswordHash))

	env.mustRun(t, "", "user", "disable", "alice")
	assert.Contains(t, env.mustRun(t, "", "user", "list"), "disabled")
	env.mustRun(t, "", "user", "enable", "alice")

	out = env.mustRun(t, "n\n", "user", "delete", "alice")
	assert.Contains(t, out, "Aborted.")
	env.mustRun(t, "", "user", "delete", "alice", "--yes")
	acc, err = env.store(t).FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, acc)

	_, err = env.run(t, "", "user", "disable", "ghost")
	assert.ErrorContains(t, err, "account ghost not found")
}

func TestUserAdd_Validation(t *testing.T) {
	env := setupCLI(t, "database")

	_, err := env.run(t, "pw\n", "user", "add", "bob")
	assert.Error(t, err, "--home is required")

	_, err = env.run(t, "\n", "user", "add", "bob", "--home", env.dir)
	assert.ErrorContains(t, err, "empty password")

	_, err = env.run(t, "", "user", "add", "bob", "--home", env.dir, "--no-password")
	assert.ErrorContains(t, err, "public key")

	_, err = env.run(t, "", "user", "add", "bob", "--home", env.dir, "--no-password", "--key", "ssh-rsa AAAA")
	assert.Error(t, err)

	out := env.mustRun(t, "", "user", "add", "bob", "--home", env.dir, "--no-password", "--key", authorizedKey(t, "bob@laptop"))
	assert.Contains(t, out, "Created account bob")
}

func TestKeyCommands(t *testing.T) {
	env := setupCLI(t, "database")
	ctx := context.Background()
	env.mustRun(t, "pw\n", "user", "add", "alice", "--home", env.dir)

	key := authorizedKey(t, "alice@laptop")
	out := env.mustRun(t, "", "key", "add", "alice", key)
	assert.Contains(t, out, "Added key")

	_, err := env.run(t, "", "key", "add", "alice", key)
	assert.ErrorContains(t, err, "already authorized")
	_, err = env.run(t, "", "key", "add", "ghost", authorizedKey(t, "x"))
	assert.ErrorContains(t, err, "account ghost not found")

	keys, err := env.store(t).ListPublicKeys(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "alice@laptop", keys[0].Comment)
	assert.False(t, strings.HasSuffix(keys[0].Key, "alice@laptop"), "comment is stored separately")

	out = env.mustRun(t, "", "key", "list", "alice")
	assert.Contains(t, out, "SHA256:")
	assert.Contains(t, out, "enabled")

	id := fmt.Sprint(keys[0].ID)
	env.mustRun(t, "", "key", "disable", id)
	assert.Contains(t, env.mustRun(t, "", "key", "list", "alice"), "disabled")
	env.mustRun(t, "", "key", "enable", id)
	env.mustRun(t, "", "key", "delete", id)
	assert.Contains(t, env.mustRun(t, "", "key", "list", "alice"), "No keys")

	_, err = env.run(t, "", "key", "delete", id)
	assert.ErrorContains(t, err, "not found")
	_, err = env.run(t, "", "key", "delete", "abc")
	assert.ErrorContains(t, err, "invalid key id")
}

func TestHostCommands(t *testing.T) {
	for _, backend := range []string{"database", "bbolt"} {
		t.Run(backend, func(t *testing.T) {
			env := setupCLI(t, backend)

			assert.Contains(t, env.mustRun(t, "", "host", "list"), "No blocked hosts.")

			out := env.mustRun(t, "", "host", "block", "[::ffff:10.0.0.5]:2222", "--reason", "scanner")
			assert.Contains(t, out, "Blocked 10.0.0.5")

			out = env.mustRun(t, "", "host", "list")
			assert.Contains(t, out, "10.0.0.5")
			assert.Contains(t, out, "scanner")

			out = env.mustRun(t, "", "host", "unblock", "10.0.0.5")
			assert.Contains(t, out, "Unblocked 10.0.0.5")
			assert.Contains(t, env.mustRun(t, "", "host", "list"), "No blocked hosts.")
			assert.Contains(t, env.mustRun(t, "", "host", "list", "--all"), "allowed")

			_, err := env.run(t, "", "host", "unblock", "10.9.9.9")
			assert.ErrorContains(t, err, "no record for 10.9.9.9")
			_, err = env.run(t, "", "host", "block", "not-an-ip")
			assert.Error(t, err)

			audit := env.mustRun(t, "", "audit")
			assert.Contains(t, audit, "BLOCK_HOST")
			assert.Contains(t, audit, "UNBLOCK_HOST")
		})
	}
}

func TestBackupAndRestore(t *testing.T) {
	env := setupCLI(t, "database")
	ctx := context.Background()
	env.mustRun(t, "pw\n", "user", "add", "alice", "--home", env.dir)
	env.mustRun(t, "", "host", "block", "192.0.2.1")

	file := filepath.Join(env.dir, "backup")
	out := env.mustRun(t, "", "db", "backup", file)
	assert.Contains(t, out, "backup.zst")
	assert.FileExists(t, file+".zst")

	env.mustRun(t, "", "user", "delete", "alice", "-y")
	env.mustRun(t, "", "host", "unblock", "192.0.2.1")

	out = env.mustRun(t, "no\n", "db", "restore", file+".zst")
	assert.Contains(t, out, "Aborted.")

	env.mustRun(t, "", "db", "restore", file+".zst", "--yes")
	store := env.store(t)
	acc, err := store.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, acc)
	h, err := store.FindBlockedHost(ctx, "192.0.2.1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.Blocked())

	_, err = env.run(t, "", "db", "restore", filepath.Join(env.dir, "missing.zst"), "-y")
	assert.Error(t, err)
}

func TestDBMaintain(t *testing.T) {
	env := setupCLI(t, "database")
	env.mustRun(t, "pw\n", "user", "add", "alice", "--home", env.dir)
	assert.Contains(t, env.mustRun(t, "", "db", "maintain"), "Maintenance finished")
}

func TestConfigCommands(t *testing.T) {
	env := setupCLI(t, "database")
	path := filepath.Join(env.dir, "out", "sftpgate.yaml")

	out := env.mustRun(t, "", "config", "init", "--path", path)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err := env.run(t, "", "config", "init", "--path", path)
	assert.ErrorContains(t, err, "already exists")
	env.mustRun(t, "", "config", "init", "--path", path, "--force")

	assert.Contains(t, env.mustRun(t, "", "config", "check"), "Configuration OK")
}

func TestVersion(t *testing.T) {
	env := setupCLI(t, "database")
	assert.Contains(t, env.mustRun(t, "", "version"), "version:")
}

func TestResolveBuildVersion(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: modulePath, Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		},
	}
	v, c, d := resolveBuildVersion(info)
	assert.Equal(t, "v1.4.0", v)
	assert.Equal(t, "abc123", c)
	assert.Equal(t, "2026-01-02T03:04:05Z", d)
	assert.Equal(t, "v1.4.0 (abc123) built: 2026-01-02T03:04:05Z", versionString(info))

	dep := &debug.BuildInfo{
		Main: debug.Module{Path: "example.com/wrapper", Version: "(devel)"},
		Deps: []*debug.Module{{Path: modulePath, Version: "v0.9.1"}},
	}
	v, _, _ = resolveBuildVersion(dep)
	assert.Equal(t, "v0.9.1", v)
}
