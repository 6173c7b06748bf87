// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/toeirei/sftpgate/internal/attempts"
	"github.com/toeirei/sftpgate/internal/auth"
)

// session is the per-connection handle shared by the gateway and the relay.
type session struct {
	id   string
	addr string
	conn net.Conn
	flag auth.AuthFlag

	closeOnce sync.Once
	closeErr  error
}

var _ auth.Session = (*session)(nil)

func newSession(conn net.Conn) *session {
	return &session{
		id:   uuid.NewString(),
		addr: attempts.NormalizeAddress(conn.RemoteAddr().String()),
		conn: conn,
	}
}

func (s *session) ID() string              { return s.id }
func (s *session) RemoteAddress() string   { return s.addr }
func (s *session) KeyAuth() *auth.AuthFlag { return &s.flag }

// Close drops the underlying connection. The ssh layer notices on its next
// read and unwinds the handshake or the open channels.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
