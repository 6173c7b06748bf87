// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/toeirei/sftpgate/internal/config"
)

// isolate points the user config dir and cwd at empty temp dirs so the
// developer's own sftpgate.yaml never leaks into a test.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("HOME", tmp)
	t.Chdir(tmp)
	return tmp
}

func TestLoadConfig_DefaultsOnly(t *testing.T) {
	isolate(t)

	c, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", c.Database.Type)
	assert.Equal(t, ":2222", c.Server.Listen)
	assert.Equal(t, 30*time.Second, c.Server.HandshakeTimeout)
	assert.Equal(t, 60*time.Second, c.Dispatcher.ShutdownTimeout)
	assert.Equal(t, cfg.Default(), c)
	assert.NoError(t, c.Validate())
}

func TestLoadConfig_ReadsExplicitFile(t *testing.T) {
	tmp := isolate(t)
	body := `database:
  type: postgres
  dsn: postgresql://user@/db
auth:
  max_login_attempts: 3
  delay_between_attempts_ms: 0
users:
  - username: alice
    password: s3cret
    home: /srv/alice
    public_keys:
      - ssh-rsa AAAA alice@laptop
`
	file := filepath.Join(tmp, "cfg.yaml")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))

	c, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), &file)
	require.NoError(t, err)

	assert.Equal(t, "postgres", c.Database.Type)
	assert.Equal(t, 3, c.Auth.MaxLoginAttempts)
	assert.Equal(t, time.Duration(0), c.Auth.Delay())
	require.Len(t, c.Users, 1)
	assert.Equal(t, "alice", c.Users[0].Username)
	assert.Equal(t, "/srv/alice", c.Users[0].Home)
	assert.Equal(t, []string{"ssh-rsa AAAA alice@laptop"}, c.Users[0].PublicKeys)
	// untouched keys keep their defaults
	assert.Equal(t, 16, c.Dispatcher.MaxPoolSize)
}

func TestLoadConfig_ExplicitFileMissingIsError(t *testing.T) {
	tmp := isolate(t)
	missing := filepath.Join(tmp, "nope.yaml")

	_, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), &missing)
	require.Error(t, err)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	isolate(t)
	t.Setenv("SFTPGATE_AUTH_MAX_LOGIN_ATTEMPTS", "7")
	t.Setenv("SFTPGATE_AUTH_CLOSE_POLICY", "trigger")

	c, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	require.NoError(t, err)

	assert.Equal(t, 7, c.Auth.MaxLoginAttempts)
	assert.Equal(t, cfg.ClosePolicyTrigger, c.Auth.ClosePolicy)
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	isolate(t)
	t.Setenv("SFTPGATE_SERVER_LISTEN", ":9000")

	cmd := &cobra.Command{}
	cmd.Flags().String("listen", "", "")
	cmd.Flags().String("log-level", "", "")
	require.NoError(t, cmd.Flags().Set("listen", "127.0.0.1:2022"))

	c, err := cfg.LoadConfig[cfg.Config](cmd, cfg.Defaults(), nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:2022", c.Server.Listen)
	// unset flag does not shadow the default
	assert.Equal(t, "info", c.Log.Level)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	c := cfg.Default()
	c.Database.Type = "oracle"
	c.Auth.MaxLoginAttempts = 0
	c.Auth.DelayBetweenAttemptsMs = -1
	c.Dispatcher.CorePoolSize = 8
	c.Dispatcher.MaxPoolSize = 2
	c.Dispatcher.QueueCapacity = 0
	c.Users = []cfg.SeedUser{{Username: ""}}

	err := c.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"database.type",
		"auth.max_login_attempts",
		"auth.delay_between_attempts_ms",
		"exceeds dispatcher.max_pool_size",
		"dispatcher.queue_capacity",
		"users[0].username",
	} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
	}
}

func TestValidate_BboltNeedsPath(t *testing.T) {
	c := cfg.Default()
	c.Blocklist.Backend = "bbolt"
	c.Blocklist.Path = ""
	require.ErrorContains(t, c.Validate(), "blocklist.path")
}

func TestWriteConfigFile_RoundTrip(t *testing.T) {
	isolate(t)

	c := cfg.Default()
	c.Server.Banner = "welcome"
	path, err := cfg.WriteConfigFile(&c, false)
	require.NoError(t, err)

	want, err := cfg.GetConfigPath(false)
	require.NoError(t, err)
	assert.Equal(t, want, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	require.NoError(t, err)
	assert.Equal(t, "welcome", got.Server.Banner)
}
