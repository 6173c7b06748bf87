// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package attempts

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ParseAddress normalises an IPv4 or IPv6 address, optionally with a port,
// brackets or zone, into the canonical form used as a counter and block key.
// IPv4-mapped IPv6 addresses collapse to plain IPv4.
func ParseAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty address")
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr.Unmap().String(), nil
}

// NormalizeAddress is ParseAddress that falls back to the trimmed input for
// values that are not IP addresses (e.g. unix socket peers in tests).
func NormalizeAddress(raw string) string {
	if a, err := ParseAddress(raw); err == nil {
		return a
	}
	return strings.TrimSpace(raw)
}
