// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/toeirei/sftpgate/internal/logging"
	"golang.org/x/crypto/ssh"
)

const hostKeyRSABits = 4096

// LoadOrGenerateHostKey reads the PEM host key at path. When the file does
// not exist a new key of the given algorithm ("rsa" or "ed25519") is
// generated and written with 0600 permissions.
func LoadOrGenerateHostKey(path, algorithm string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = generateHostKey(algorithm)
		if err != nil {
			return nil, err
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating host key directory: %w", err)
			}
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save generated host key: %w", err)
		}
		logging.Infof("server: generated new %s host key at %s", algorithm, path)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key %s: %w", path, err)
	}
	return signer, nil
}

func generateHostKey(algorithm string) ([]byte, error) {
	var key crypto.PrivateKey
	switch algorithm {
	case "", "rsa":
		k, err := rsa.GenerateKey(rand.Reader, hostKeyRSABits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate rsa host key: %w", err)
		}
		key = k
	case "ed25519":
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 host key: %w", err)
		}
		key = k
	default:
		return nil, fmt.Errorf("unsupported host key algorithm %q", algorithm)
	}
	block, err := ssh.MarshalPrivateKey(key, "sftpgate host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode host key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}
