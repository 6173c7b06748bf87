// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/toeirei/sftpgate/internal/app"
	"github.com/toeirei/sftpgate/internal/logging"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SFTP gateway",
		Long: `Starts the gateway and serves until SIGINT or SIGTERM. On shutdown the
listener is closed, open sessions are terminated and pending file operations
get dispatcher.shutdown_timeout to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			runErr := a.Run(ctx)
			if runErr != nil {
				logging.Errorf("serve: %v", runErr)
			}
			// Shutdown bounds itself by dispatcher.shutdown_timeout.
			return errors.Join(runErr, a.Shutdown(context.Background()))
		},
	}
	cmd.Flags().String("listen", "", "listen address, overrides server.listen")
	cmd.Flags().String("host-key", "", "host key path, overrides server.host_key_path")
	return cmd
}
