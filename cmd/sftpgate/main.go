// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for sftpgate using Cobra. The
// root command loads the configuration once for every subcommand; serve runs
// the gateway and the remaining commands administer its database.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/toeirei/sftpgate/buildvars"
	"github.com/toeirei/sftpgate/internal/auth"
	"github.com/toeirei/sftpgate/internal/blockstore"
	"github.com/toeirei/sftpgate/internal/config"
	"github.com/toeirei/sftpgate/internal/db"
	"github.com/toeirei/sftpgate/internal/logging"
	"golang.org/x/term"
)

const modulePath = "github.com/toeirei/sftpgate"

var (
	cfgFile string
	cfg     config.Config
)

// main is the entry point of the application.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}

// newRootCmd builds a fresh command tree so tests never share flag state.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sftpgate",
		Short: "SFTP gateway with brute-force protection",
		Long: `sftpgate serves SFTP from per-account home directories and authenticates
every login against its own account database. Addresses that keep failing
are blocked and their sessions closed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig[config.Config](cmd, config.Defaults(), &cfgFile)
			if err != nil {
				return err
			}
			cfg = loaded
			logging.SetLevel(cfg.Log.Level)
			return nil
		},
	}

	cmd.Version = versionString(nil)
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./, the user and the system config directory for sftpgate.yaml)")
	cmd.PersistentFlags().String("db-type", "sqlite", `database type ("sqlite", "postgres", "mysql")`)
	cmd.PersistentFlags().String("dsn", "./sftpgate.db", "database connection string")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newUserCmd(),
		newKeyCmd(),
		newHostCmd(),
		newAuditCmd(),
		newDBCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "version: %s\n", v)
			if c != "" {
				_, _ = fmt.Fprintf(out, "commit: %s\n", c)
			}
			if d != "" {
				_, _ = fmt.Fprintf(out, "built: %s\n", d)
			}
		},
	}
}

func versionString(info *debug.BuildInfo) string {
	v, c, d := resolveBuildVersion(info)
	if c != "" {
		v += " (" + c + ")"
	}
	if d != "" {
		v += " built: " + d
	}
	return v
}

// resolveBuildVersion computes the best-available version, commit and build
// date. Values injected through buildvars win; otherwise the module build
// info is consulted. If info is nil it is read from the runtime.
func resolveBuildVersion(info *debug.BuildInfo) (version, commit, date string) {
	version = buildvars.VersionOrDefault("dev")
	commit = buildvars.Commit
	date = buildvars.Date

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}
	if info == nil {
		return version, commit, date
	}
	if version == "dev" {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		} else {
			for _, dep := range info.Deps {
				if dep.Path == modulePath && dep.Version != "" {
					version = dep.Version
					break
				}
			}
		}
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if commit == "" {
				commit = s.Value
			}
		case "vcs.time":
			if date == "" {
				date = s.Value
			}
		}
	}
	return version, commit, date
}

// openStore opens the configured SQL store, running pending migrations.
func openStore() (*db.BunStore, error) {
	store, err := db.NewStoreFromDSN(cfg.Database.Type, cfg.Database.Dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	return store, nil
}

// blockBackend is the configured blocked-host store.
type blockBackend interface {
	auth.BlockedHostStore
	auth.BlockedHostLister
}

// openBlockStore returns the blocked-host backend selected by
// blocklist.backend together with a function releasing it.
func openBlockStore(store *db.BunStore) (blockBackend, func(), error) {
	if cfg.Blocklist.Backend != "bbolt" {
		return store, func() {}, nil
	}
	b, err := blockstore.Open(cfg.Blocklist.Path)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { _ = b.Close() }, nil
}

// withStore opens the store, runs fn and closes the store again.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *db.BunStore) error) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, store)
}

// promptForConfirmation displays a prompt and reads a line from in.
func promptForConfirmation(cmd *cobra.Command, prompt string) string {
	_, _ = fmt.Fprint(cmd.OutOrStdout(), prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	answer, _ := reader.ReadString('\n')
	return strings.TrimSpace(strings.ToLower(answer))
}

// stdinTerminal returns the file descriptor of stdin when it is a terminal.
func stdinTerminal(cmd *cobra.Command) (int, bool) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return int(f.Fd()), true
	}
	return 0, false
}

// readNewPassword asks for a password twice on a terminal. Piped input is
// read as a single line.
func readNewPassword(cmd *cobra.Command) (string, error) {
	fd, ok := stdinTerminal(cmd)
	if !ok {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("could not read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	out := cmd.OutOrStdout()
	read := func(prompt string) (string, error) {
		_, _ = fmt.Fprint(out, prompt)
		b, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("could not read password: %w", err)
		}
		return string(b), nil
	}
	first, err := read("Password: ")
	if err != nil {
		return "", err
	}
	second, err := read("Repeat password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}
