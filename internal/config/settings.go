// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"errors"
	"fmt"
	"time"
)

// Close policies applied when an address gets blocked.
const (
	ClosePolicyTrigger = "trigger"
	ClosePolicyAddress = "address"
)

// Config is the complete sftpgate configuration.
type Config struct {
	Database   Database   `mapstructure:"database" yaml:"database"`
	Blocklist  Blocklist  `mapstructure:"blocklist" yaml:"blocklist"`
	Server     Server     `mapstructure:"server" yaml:"server"`
	Auth       Auth       `mapstructure:"auth" yaml:"auth"`
	Dispatcher Dispatcher `mapstructure:"dispatcher" yaml:"dispatcher"`
	Log        Log        `mapstructure:"log" yaml:"log"`
	Users      []SeedUser `mapstructure:"users" yaml:"users,omitempty"`
}

type Database struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

// Blocklist selects where blocked-host rows live. "database" shares the SQL
// store, "bbolt" keeps them in a single file at Path.
type Blocklist struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type Server struct {
	Listen           string        `mapstructure:"listen" yaml:"listen"`
	HostKeyPath      string        `mapstructure:"host_key_path" yaml:"host_key_path"`
	HostKeyAlgorithm string        `mapstructure:"host_key_algorithm" yaml:"host_key_algorithm"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	Banner           string        `mapstructure:"banner" yaml:"banner"`
	MaxWritePacket   int           `mapstructure:"max_write_packet" yaml:"max_write_packet"`
}

type Auth struct {
	MaxLoginAttempts       int    `mapstructure:"max_login_attempts" yaml:"max_login_attempts"`
	DelayBetweenAttemptsMs int    `mapstructure:"delay_between_attempts_ms" yaml:"delay_between_attempts_ms"`
	ClosePolicy            string `mapstructure:"close_policy" yaml:"close_policy"`
}

// Delay is the fixed throttle applied after each failed attempt.
func (a Auth) Delay() time.Duration {
	return time.Duration(a.DelayBetweenAttemptsMs) * time.Millisecond
}

type Dispatcher struct {
	CorePoolSize    int           `mapstructure:"core_pool_size" yaml:"core_pool_size"`
	MaxPoolSize     int           `mapstructure:"max_pool_size" yaml:"max_pool_size"`
	KeepAlive       int           `mapstructure:"keep_alive" yaml:"keep_alive"`
	QueueCapacity   int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// KeepAliveDuration converts the keep-alive seconds into a duration.
func (d Dispatcher) KeepAliveDuration() time.Duration {
	return time.Duration(d.KeepAlive) * time.Second
}

type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// SeedUser is an account created at startup when its username is unknown.
type SeedUser struct {
	Username   string   `mapstructure:"username" yaml:"username"`
	Password   string   `mapstructure:"password" yaml:"password"`
	Home       string   `mapstructure:"home" yaml:"home"`
	PublicKeys []string `mapstructure:"public_keys" yaml:"public_keys,omitempty"`
}

// Defaults returns the default value of every configuration key.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":                  "sqlite",
		"database.dsn":                   "./sftpgate.db",
		"blocklist.backend":              "database",
		"blocklist.path":                 "./blocklist.db",
		"server.listen":                  ":2222",
		"server.host_key_path":           "./host_key",
		"server.host_key_algorithm":      "rsa",
		"server.handshake_timeout":       "30s",
		"server.banner":                  "",
		"server.max_write_packet":        32768,
		"auth.max_login_attempts":        5,
		"auth.delay_between_attempts_ms": 1000,
		"auth.close_policy":              ClosePolicyAddress,
		"dispatcher.core_pool_size":      4,
		"dispatcher.max_pool_size":       16,
		"dispatcher.keep_alive":          60,
		"dispatcher.queue_capacity":      64,
		"dispatcher.shutdown_timeout":    "60s",
		"log.level":                      "info",
	}
}

// Default returns a Config populated from Defaults.
func Default() Config {
	return Config{
		Database:  Database{Type: "sqlite", Dsn: "./sftpgate.db"},
		Blocklist: Blocklist{Backend: "database", Path: "./blocklist.db"},
		Server: Server{
			Listen:           ":2222",
			HostKeyPath:      "./host_key",
			HostKeyAlgorithm: "rsa",
			HandshakeTimeout: 30 * time.Second,
			MaxWritePacket:   32768,
		},
		Auth: Auth{MaxLoginAttempts: 5, DelayBetweenAttemptsMs: 1000, ClosePolicy: ClosePolicyAddress},
		Dispatcher: Dispatcher{
			CorePoolSize:    4,
			MaxPoolSize:     16,
			KeepAlive:       60,
			QueueCapacity:   64,
			ShutdownTimeout: 60 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Validate reports every missing or out-of-range value at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		add("database.type: unsupported %q", c.Database.Type)
	}
	if c.Database.Dsn == "" {
		add("database.dsn: required")
	}
	switch c.Blocklist.Backend {
	case "database":
	case "bbolt":
		if c.Blocklist.Path == "" {
			add("blocklist.path: required for bbolt backend")
		}
	default:
		add("blocklist.backend: unsupported %q", c.Blocklist.Backend)
	}
	if c.Server.Listen == "" {
		add("server.listen: required")
	}
	if c.Server.HostKeyPath == "" {
		add("server.host_key_path: required")
	}
	switch c.Server.HostKeyAlgorithm {
	case "rsa", "ed25519":
	default:
		add("server.host_key_algorithm: unsupported %q", c.Server.HostKeyAlgorithm)
	}
	if c.Server.HandshakeTimeout < 0 {
		add("server.handshake_timeout: must not be negative")
	}
	if c.Server.MaxWritePacket < 0 {
		add("server.max_write_packet: must not be negative")
	}
	if c.Auth.MaxLoginAttempts < 1 {
		add("auth.max_login_attempts: must be >= 1, got %d", c.Auth.MaxLoginAttempts)
	}
	if c.Auth.DelayBetweenAttemptsMs < 0 {
		add("auth.delay_between_attempts_ms: must be >= 0, got %d", c.Auth.DelayBetweenAttemptsMs)
	}
	switch c.Auth.ClosePolicy {
	case ClosePolicyTrigger, ClosePolicyAddress:
	default:
		add("auth.close_policy: unsupported %q", c.Auth.ClosePolicy)
	}
	d := c.Dispatcher
	for _, f := range []struct {
		key string
		val int
	}{
		{"dispatcher.core_pool_size", d.CorePoolSize},
		{"dispatcher.max_pool_size", d.MaxPoolSize},
		{"dispatcher.keep_alive", d.KeepAlive},
		{"dispatcher.queue_capacity", d.QueueCapacity},
	} {
		if f.val < 1 {
			add("%s: must be >= 1, got %d", f.key, f.val)
		}
	}
	if d.CorePoolSize > d.MaxPoolSize && d.MaxPoolSize >= 1 {
		add("dispatcher.core_pool_size (%d) exceeds dispatcher.max_pool_size (%d)", d.CorePoolSize, d.MaxPoolSize)
	}
	if d.ShutdownTimeout <= 0 {
		add("dispatcher.shutdown_timeout: must be positive")
	}
	for i, u := range c.Users {
		if u.Username == "" {
			add("users[%d].username: required", i)
		}
		if u.Password == "" && len(u.PublicKeys) == 0 {
			add("users[%d]: needs a password or at least one public key", i)
		}
	}
	return errors.Join(errs...)
}
