// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/sftpgate/internal/attempts"
	"github.com/toeirei/sftpgate/internal/auth"
	"github.com/toeirei/sftpgate/internal/db"
)

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "host",
		Aliases: []string{"hosts"},
		Short:   "Inspect and edit the blocked host list",
		Long: `Blocked addresses are refused before authentication. Unblocking keeps the
record and marks it allowed, so the history of an address stays visible
with --all. With the database backend changes apply to a running server
immediately. The bbolt file is locked while the server runs.`,
	}
	cmd.AddCommand(newHostListCmd(), newHostBlockCmd(), newHostUnblockCmd())
	return cmd
}

// withBlockList runs fn with the configured block list and the SQL store
// used for audit entries.
func withBlockList(cmd *cobra.Command, fn func(ctx context.Context, bl *auth.BlockList, store *db.BunStore) error) error {
	return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
		backend, release, err := openBlockStore(store)
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx, auth.NewBlockList(backend), store)
	})
}

func newHostListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List blocked addresses",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBlockList(cmd, func(ctx context.Context, bl *auth.BlockList, _ *db.BunStore) error {
				hosts, err := bl.List(ctx, all)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(hosts) == 0 {
					_, _ = fmt.Fprintln(out, "No blocked hosts.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ADDRESS\tSTATUS\tBLOCKED AT\tUSERNAME\tREASON")
				for _, h := range hosts {
					status := "blocked"
					if h.Allow {
						status = "allowed"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						h.Address, status, h.BlockedAt.Local().Format(time.DateTime), h.UsernameAttempted, h.Reason)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include addresses that were unblocked")
	return cmd
}

func newHostBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <address>",
		Short: "Block an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := attempts.ParseAddress(args[0])
			if err != nil {
				return err
			}
			return withBlockList(cmd, func(ctx context.Context, bl *auth.BlockList, store *db.BunStore) error {
				if err := bl.Block(ctx, addr, "", reason); err != nil {
					return err
				}
				_ = store.LogAction(ctx, "BLOCK_HOST", fmt.Sprintf("address: %s, reason: %s", addr, reason))
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Blocked %s\n", addr)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "blocked manually", "reason stored with the record")
	return cmd
}

func newHostUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <address>...",
		Short: "Allow blocked addresses to connect again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := make([]string, 0, len(args))
			for _, a := range args {
				addr, err := attempts.ParseAddress(a)
				if err != nil {
					return err
				}
				addrs = append(addrs, addr)
			}
			return withBlockList(cmd, func(ctx context.Context, bl *auth.BlockList, store *db.BunStore) error {
				var missing []string
				for _, addr := range addrs {
					ok, err := bl.Unblock(ctx, addr)
					if err != nil {
						return err
					}
					if !ok {
						missing = append(missing, addr)
						continue
					}
					_ = store.LogAction(ctx, "UNBLOCK_HOST", "address: "+addr)
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Unblocked %s\n", addr)
				}
				if len(missing) > 0 {
					return fmt.Errorf("no record for %s", strings.Join(missing, ", "))
				}
				return nil
			})
		},
	}
}
