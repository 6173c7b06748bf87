// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package app assembles the gateway from a Config and owns its lifecycle.
//
// Startup runs strictly in order: stores (with migrations), account seeding,
// password verifier, attempt tracker, gateway, dispatcher, relay, host key
// and finally the server. Shutdown releases them in reverse.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/toeirei/sftpgate/internal/attempts"
	"github.com/toeirei/sftpgate/internal/auth"
	"github.com/toeirei/sftpgate/internal/blockstore"
	"github.com/toeirei/sftpgate/internal/config"
	"github.com/toeirei/sftpgate/internal/db"
	"github.com/toeirei/sftpgate/internal/dispatch"
	"github.com/toeirei/sftpgate/internal/logging"
	"github.com/toeirei/sftpgate/internal/password"
	"github.com/toeirei/sftpgate/internal/relay"
	"github.com/toeirei/sftpgate/internal/server"
)

// App is a fully wired gateway.
type App struct {
	cfg        config.Config
	store      *db.BunStore
	bolt       *blockstore.Store
	gateway    *auth.Gateway
	dispatcher *dispatch.Dispatcher
	relay      *relay.Relay
	server     *server.Server
}

// New validates cfg and builds every component. Resources opened before a
// failing step are released again.
func New(ctx context.Context, cfg config.Config) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.store, err = db.NewStoreFromDSN(cfg.Database.Type, cfg.Database.Dsn)
	if err != nil {
		return nil, err
	}

	var blockStore auth.BlockedHostStore = a.store
	if cfg.Blocklist.Backend == "bbolt" {
		a.bolt, err = blockstore.Open(cfg.Blocklist.Path)
		if err != nil {
			return nil, err
		}
		blockStore = a.bolt
	}

	n, err := SeedAccounts(ctx, a.store, cfg.Users)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		logging.Infof("seeded %d account(s)", n)
	}

	a.gateway, err = auth.NewGateway(a.store, auth.NewBlockList(blockStore), password.MultiVerifier{}, attempts.New(), auth.Options{
		MaxAttempts: cfg.Auth.MaxLoginAttempts,
		Delay:       cfg.Auth.Delay(),
	})
	if err != nil {
		return nil, err
	}

	a.dispatcher, err = dispatch.New(dispatch.Options{
		CoreSize:        cfg.Dispatcher.CorePoolSize,
		MaxSize:         cfg.Dispatcher.MaxPoolSize,
		KeepAlive:       cfg.Dispatcher.KeepAliveDuration(),
		QueueCapacity:   cfg.Dispatcher.QueueCapacity,
		ShutdownTimeout: cfg.Dispatcher.ShutdownTimeout,
	})
	if err != nil {
		return nil, err
	}

	a.relay = relay.New(a.gateway.BlockList(), relay.ParsePolicy(cfg.Auth.ClosePolicy))
	a.gateway.SetBlockListener(a.relay.HostBlocked)

	hostKey, err := server.LoadOrGenerateHostKey(cfg.Server.HostKeyPath, cfg.Server.HostKeyAlgorithm)
	if err != nil {
		return nil, err
	}

	a.server, err = server.New(server.Options{
		Listen:           cfg.Server.Listen,
		HostKey:          hostKey,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		Banner:           cfg.Server.Banner,
		MaxTxPacket:      uint32(cfg.Server.MaxWritePacket),
	}, a.gateway, a.relay, a.dispatcher, a.store)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	logging.Infof("sftpgate listening on %s (max attempts %d, delay %s, close policy %s)",
		a.cfg.Server.Listen, a.cfg.Auth.MaxLoginAttempts, a.cfg.Auth.Delay(), a.cfg.Auth.ClosePolicy)
	err := a.server.ListenAndServe(ctx)
	if errors.Is(err, server.ErrServerClosed) {
		return nil
	}
	return err
}

// Server exposes the SSH server, mainly for tests that serve on their own
// listener.
func (a *App) Server() *server.Server { return a.server }

// Store exposes the SQL store.
func (a *App) Store() *db.BunStore { return a.store }

// Gateway exposes the authentication gateway.
func (a *App) Gateway() *auth.Gateway { return a.gateway }

// Shutdown stops accepting connections, closes open sessions, drains the
// dispatcher within its shutdown timeout and closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.dispatcher != nil {
		a.dispatcher.Shutdown(ctx)
	}
	errs = append(errs, a.closeStores())
	logging.Infof("sftpgate stopped")
	return errors.Join(errs...)
}

// release undoes a partial New.
func (a *App) release() {
	if a.dispatcher != nil {
		a.dispatcher.ShutdownNow()
	}
	if err := a.closeStores(); err != nil {
		logging.Warnf("closing stores after failed startup: %v", err)
	}
}

func (a *App) closeStores() error {
	var errs []error
	if a.bolt != nil {
		errs = append(errs, a.bolt.Close())
		a.bolt = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
