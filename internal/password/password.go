// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package password hashes and verifies account passwords.
//
// Verification understands bcrypt ($2a$, $2b$, $2y$), argon2id in PHC
// notation ($argon2id$) and the glibc crypt family ($6$, $5$, $1$) so that
// accounts imported from a shadow file keep working.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/GehirnInc/crypt"
	"github.com/GehirnInc/crypt/md5_crypt"
	"github.com/GehirnInc/crypt/sha256_crypt"
	"github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMismatch        = errors.New("password mismatch")
	ErrUnsupportedHash = errors.New("unsupported password hash")
)

// Algorithms accepted by HashWith.
const (
	Bcrypt   = "bcrypt"
	Argon2id = "argon2id"
)

// Verifier compares a plaintext secret with a stored hash.
type Verifier interface {
	Matches(plaintext, hash string) bool
}

// MultiVerifier dispatches on the hash prefix.
type MultiVerifier struct{}

// Matches reports whether plaintext hashes to hash.
func (MultiVerifier) Matches(plaintext, hash string) bool {
	return Verify(plaintext, hash) == nil
}

// Verify returns nil on a match, ErrMismatch on a wrong secret and
// ErrUnsupportedHash when the hash format is unknown or malformed.
func Verify(plaintext, hash string) error {
	switch {
	case hash == "":
		return ErrUnsupportedHash
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatch
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedHash, err)
		}
		return nil
	case strings.HasPrefix(hash, "$argon2id$"):
		return verifyArgon2id(plaintext, hash)
	case strings.HasPrefix(hash, "$6$"):
		return verifyCrypt(sha512_crypt.New(), plaintext, hash)
	case strings.HasPrefix(hash, "$5$"):
		return verifyCrypt(sha256_crypt.New(), plaintext, hash)
	case strings.HasPrefix(hash, "$1$"):
		return verifyCrypt(md5_crypt.New(), plaintext, hash)
	}
	return ErrUnsupportedHash
}

func verifyCrypt(c crypt.Crypter, plaintext, hash string) error {
	if err := c.Verify(hash, []byte(plaintext)); err != nil {
		if errors.Is(err, crypt.ErrKeyMismatch) {
			return ErrMismatch
		}
		return fmt.Errorf("%w: %v", ErrUnsupportedHash, err)
	}
	return nil
}

// Hash returns a bcrypt hash of plaintext.
func Hash(plaintext string) (string, error) {
	return HashWith(Bcrypt, plaintext)
}

// HashWith hashes plaintext with the named algorithm.
func HashWith(algorithm, plaintext string) (string, error) {
	switch algorithm {
	case Bcrypt, "":
		h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(h), nil
	case Argon2id:
		return hashArgon2id(plaintext, DefaultArgon2idParams())
	}
	return "", fmt.Errorf("unknown hash algorithm %q", algorithm)
}

// Argon2idParams are the cost parameters encoded into an argon2id hash.
type Argon2idParams struct {
	Time        uint32
	MemoryKiB   uint32
	Parallelism uint8
	KeyLen      uint32
	SaltLen     int
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{Time: 1, MemoryKiB: 64 * 1024, Parallelism: 4, KeyLen: 32, SaltLen: 16}
}

// Limits for parameters read back from stored hashes. argon2.IDKey panics
// on zero rounds or lanes and allocates m KiB up front.
const (
	maxArgon2MemoryKiB = 1 << 20
	maxArgon2Time      = 64
	maxArgon2KeyLen    = 1024
)

func (p Argon2idParams) check() error {
	switch {
	case p.Time < 1 || p.Time > maxArgon2Time:
		return fmt.Errorf("%w: argon2 time %d out of range", ErrUnsupportedHash, p.Time)
	case p.Parallelism < 1:
		return fmt.Errorf("%w: argon2 parallelism must be >= 1", ErrUnsupportedHash)
	case p.MemoryKiB < 8*uint32(p.Parallelism) || p.MemoryKiB > maxArgon2MemoryKiB:
		return fmt.Errorf("%w: argon2 memory %d KiB out of range", ErrUnsupportedHash, p.MemoryKiB)
	}
	return nil
}

var b64 = base64.RawStdEncoding

func hashArgon2id(plaintext string, p Argon2idParams) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(plaintext), salt, p.Time, p.MemoryKiB, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Parallelism, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// verifyArgon2id checks "$argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>".
func verifyArgon2id(plaintext, hash string) error {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return fmt.Errorf("%w: malformed argon2id hash", ErrUnsupportedHash)
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return fmt.Errorf("%w: argon2 version %q", ErrUnsupportedHash, parts[2])
	}
	var p Argon2idParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Parallelism); err != nil {
		return fmt.Errorf("%w: argon2 params: %v", ErrUnsupportedHash, err)
	}
	if err := p.check(); err != nil {
		return err
	}
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("%w: argon2 salt: %v", ErrUnsupportedHash, err)
	}
	want, err := b64.DecodeString(parts[5])
	if err != nil || len(want) == 0 || len(want) > maxArgon2KeyLen {
		return fmt.Errorf("%w: argon2 key", ErrUnsupportedHash)
	}
	got := argon2.IDKey([]byte(plaintext), salt, p.Time, p.MemoryKiB, p.Parallelism, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrMismatch
	}
	return nil
}
