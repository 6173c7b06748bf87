// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package server accepts SSH connections, authenticates them through the
// gateway and serves the sftp subsystem from each account's home directory.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/toeirei/sftpgate/internal/auth"
	"github.com/toeirei/sftpgate/internal/dispatch"
	"github.com/toeirei/sftpgate/internal/logging"
	"github.com/toeirei/sftpgate/internal/model"
	"github.com/toeirei/sftpgate/internal/relay"
	"golang.org/x/crypto/ssh"
)

const serverVersion = "SSH-2.0-sftpgate"

var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("server: closed")

	errAuthFailed = errors.New("authentication failed")
)

// Accounts resolves the account of an authenticated user.
type Accounts interface {
	FindByUsername(ctx context.Context, username string) (*model.Account, error)
}

// Options configures the SSH listener.
type Options struct {
	Listen           string
	HostKey          ssh.Signer
	HandshakeTimeout time.Duration
	Banner           string
	// MaxTxPacket raises the largest sftp payload sent to clients.
	MaxTxPacket uint32
}

// Server owns the listener and every connection accepted from it.
type Server struct {
	opts       Options
	base       *ssh.ServerConfig
	gateway    *auth.Gateway
	relay      *relay.Relay
	dispatcher *dispatch.Dispatcher
	accounts   Accounts

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	conns    sync.WaitGroup
}

// New builds a server from opts. The host key and all collaborators are required.
func New(opts Options, gw *auth.Gateway, rl *relay.Relay, d *dispatch.Dispatcher, accounts Accounts) (*Server, error) {
	switch {
	case opts.HostKey == nil:
		return nil, errors.New("server: host key is required")
	case gw == nil || rl == nil || d == nil || accounts == nil:
		return nil, errors.New("server: gateway, relay, dispatcher and accounts are required")
	}
	base := &ssh.ServerConfig{ServerVersion: serverVersion}
	base.AddHostKey(opts.HostKey)
	if opts.Banner != "" {
		banner := opts.Banner
		base.BannerCallback = func(ssh.ConnMetadata) string { return banner }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:       opts,
		base:       base,
		gateway:    gw,
		relay:      rl,
		dispatcher: d,
		accounts:   accounts,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// ListenAndServe listens on Options.Listen and serves until ctx ends or
// Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil once the server has been
// closed, either by Close or by ctx ending.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	logging.Infof("server: listening on %s", ln.Addr())
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				logging.Warnf("server: accept error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		tempDelay = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns.Add(1)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, cancels pending authentication delays, closes every
// open session and waits for the connection handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.cancel()
	s.relay.CloseAll()
	s.conns.Wait()
	logging.Infof("server: stopped")
	return err
}

// connConfig copies the shared config and binds the auth callbacks to one
// session.
func (s *Server) connConfig(ctx context.Context, sess *session) *ssh.ServerConfig {
	cfg := *s.base
	cfg.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		if s.gateway.AuthenticatePassword(ctx, sess, meta.User(), string(password)) {
			return &ssh.Permissions{Extensions: map[string]string{"login-method": "password"}}, nil
		}
		return nil, errAuthFailed
	}
	cfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if s.gateway.OfferPublicKey(ctx, sess, meta.User(), key) {
			return &ssh.Permissions{Extensions: map[string]string{"login-method": "publickey"}}, nil
		}
		return nil, errAuthFailed
	}
	cfg.VerifiedPublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey, perms *ssh.Permissions, _ string) (*ssh.Permissions, error) {
		if s.gateway.AuthenticatePublicKey(ctx, sess, meta.User(), key) {
			return perms, nil
		}
		return nil, errAuthFailed
	}
	return &cfg
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("server: panic in connection handler: %v\n%s", r, debug.Stack())
		}
	}()

	sess := newSession(conn)
	defer func() { _ = sess.Close() }()
	if !s.relay.Connected(s.ctx, sess) {
		return
	}
	defer s.relay.Closed(sess)
	// Close cancels s.ctx before CloseAll, so a session registered after
	// the CloseAll snapshot always sees the cancellation here.
	if s.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if s.opts.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	}
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.connConfig(ctx, sess))
	if err != nil {
		logging.Debugf("server: handshake with %s failed: %v", sess.RemoteAddress(), err)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	defer func() { _ = sconn.Close() }()
	go ssh.DiscardRequests(reqs)

	user := sconn.User()
	s.relay.Authenticated(sess, user, string(sconn.ClientVersion()))

	home, err := s.openHome(ctx, user, sess)
	if err != nil {
		logging.Errorf("server: session %s: %v", sess.ID(), err)
		for nc := range chans {
			_ = nc.Reject(ssh.ConnectionFailed, "home directory unavailable")
		}
		return
	}

	var channels sync.WaitGroup
	defer channels.Wait()
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := nc.Accept()
		if err != nil {
			logging.Warnf("server: could not accept channel: %v", err)
			continue
		}
		channels.Add(1)
		go func() {
			defer channels.Done()
			s.handleChannel(channel, requests, home, sess)
		}()
	}
}

func (s *Server) openHome(ctx context.Context, user string, sess *session) (*homeFS, error) {
	acc, err := s.accounts.FindByUsername(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load account %q: %w", user, err)
	}
	if acc == nil {
		return nil, fmt.Errorf("account %q disappeared after login", user)
	}
	return newHomeFS(ctx, s.dispatcher, acc.HomeDir, user, sess.RemoteAddress())
}

// handleChannel only honours the sftp subsystem; shells, exec and ptys are
// refused.
func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request, home *homeFS, sess *session) {
	started := false
	for req := range requests {
		ok := false
		if req.Type == "subsystem" && !started && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp" {
			ok = true
			started = true
			go s.serveSFTP(channel, home, sess)
		}
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
	}
}

type exitStatus struct {
	Status uint32
}

func (s *Server) serveSFTP(channel ssh.Channel, home *homeFS, sess *session) {
	var opts []sftp.RequestServerOption
	if s.opts.MaxTxPacket > 0 {
		opts = append(opts, sftp.WithRSMaxTxPacket(s.opts.MaxTxPacket))
	}
	srv := sftp.NewRequestServer(channel, home.handlers(), opts...)
	defer func() { _ = srv.Close() }()

	err := srv.Serve()
	if err == nil || errors.Is(err, io.EOF) {
		_, err = channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatus{Status: 0}))
		logging.Debugf("server: sftp session %s finished (exit-status err: %v)", sess.ID(), err)
		return
	}
	logging.Warnf("server: sftp session %s ended with error: %v", sess.ID(), err)
}
