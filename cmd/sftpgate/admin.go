// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/sftpgate/internal/config"
	"github.com/toeirei/sftpgate/internal/db"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigCheckCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		system bool
		path   string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		Long: `Writes the default configuration as YAML. Without --path the file goes to
the user config directory, or the system one with --system.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				p, err := config.GetConfigPath(system)
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			def := config.Default()
			if err := config.WriteConfigFileTo(&def, path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&system, "system", false, "write to the system config directory")
	cmd.Flags().StringVar(&path, "path", "", "write to this file instead")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "database:   %s\n", cfg.Database.Type)
			_, _ = fmt.Fprintf(out, "blocklist:  %s\n", cfg.Blocklist.Backend)
			_, _ = fmt.Fprintf(out, "listen:     %s\n", cfg.Server.Listen)
			_, _ = fmt.Fprintf(out, "auth:       max %d attempts, %s delay, close policy %s\n",
				cfg.Auth.MaxLoginAttempts, cfg.Auth.Delay(), cfg.Auth.ClosePolicy)
			_, _ = fmt.Fprintf(out, "dispatcher: core %d, max %d, queue %d\n",
				cfg.Dispatcher.CorePoolSize, cfg.Dispatcher.MaxPoolSize, cfg.Dispatcher.QueueCapacity)
			_, _ = fmt.Fprintln(out, "Configuration OK")
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the administrative audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				entries, err := store.ListAuditLog(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					_, _ = fmt.Fprintln(out, "Audit log is empty.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "TIME\tACTOR\tACTION\tDETAILS")
				for _, e := range entries {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Actor, e.Action, e.Details)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries to show, 0 for all")
	return cmd
}

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance, backup and restore",
	}
	cmd.AddCommand(newDBMaintainCmd(), newBackupCmd(), newRestoreCmd())
	return cmd
}

func newDBMaintainCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run engine-specific maintenance",
		Long: `SQLite: PRAGMA optimize, VACUUM, WAL checkpoint and integrity check.
Postgres: VACUUM ANALYZE. MySQL: OPTIMIZE TABLE on every table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			start := time.Now()
			if err := db.RunDBMaintenance(ctx, cfg.Database.Type, cfg.Database.Dsn); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Maintenance finished in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "abort maintenance after this long")
	return cmd
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [output-file]",
		Short: "Write a zstd-compressed JSON backup of the database",
		Long: `Exports accounts, keys, blocked hosts and the audit log. Without an output
file 'sftpgate-backup-YYYY-MM-DD.json.zst' is used; '.zst' is appended when
missing. The bbolt blocklist backend is not part of the backup.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFile := fmt.Sprintf("sftpgate-backup-%s.json.zst", time.Now().Format("2006-01-02"))
			if len(args) > 0 {
				outputFile = args[0]
				if !strings.HasSuffix(outputFile, ".zst") {
					outputFile += ".zst"
				}
			}
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				data, err := store.ExportBackup(ctx)
				if err != nil {
					return fmt.Errorf("could not export data: %w", err)
				}
				f, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("could not create file: %w", err)
				}
				if err := db.WriteBackup(f, data); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s (%d accounts, %d blocked hosts)\n",
					outputFile, len(data.Accounts), len(data.BlockedHosts))
				return nil
			})
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restore <backup-file.zst>",
		Short: "Replace the database with a backup",
		Long:  `Wipes every table and imports the backup in a single transaction.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("could not open backup: %w", err)
			}
			defer func() { _ = f.Close() }()
			data, err := db.ReadBackup(f)
			if err != nil {
				return err
			}
			if !yes {
				answer := promptForConfirmation(cmd, fmt.Sprintf("Replace all data with %d accounts from %s? [y/N]: ", len(data.Accounts), args[0]))
				if answer != "y" && answer != "yes" {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				if err := store.ImportBackup(ctx, data); err != nil {
					return fmt.Errorf("could not import backup: %w", err)
				}
				_ = store.LogAction(ctx, "RESTORE", "file: "+args[0])
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Restore completed.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
