// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package auth

import "errors"

// Authentication outcomes. None of them leaves the Gateway as an error; they
// are logged and the caller only ever sees false.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrCredentialMismatch  = errors.New("credential mismatch")
	ErrHostBlocked         = errors.New("host blocked")
	ErrPersistence         = errors.New("persistence error")
	ErrInterruptedThrottle = errors.New("interrupted while throttling")
)

// Reasons recorded with a failure and stored on the block record.
const (
	ReasonUserNotFound      = "user not found"
	ReasonIncorrectPassword = "incorrect password"
	ReasonKeyMismatch       = "public key mismatch"
	ReasonAccountDisabled   = "account disabled"
)
