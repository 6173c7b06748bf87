// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package sshkey handles authorized_keys style public key strings and the
// RFC 4253 "ssh-rsa" wire encoding.
package sshkey

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/ssh"
)

// TypeRSA is the only key type this package decodes.
const TypeRSA = "ssh-rsa"

// MinRSABits is the smallest modulus accepted by Validate.
const MinRSABits = 2048

// ErrKeyParse wraps every decoding failure: malformed envelope, bad base64,
// wrong type prefix or a truncated length-prefixed field.
var ErrKeyParse = errors.New("key parse error")

// RSAPublicKey is the decoded payload of an "ssh-rsa" key blob.
type RSAPublicKey struct {
	E *big.Int
	N *big.Int
}

// DecodeRSA parses an "ssh-rsa <base64> [comment]" envelope. When the line
// carries no recognised type token, the second field is taken as the key
// data; the type inside the blob still has to be ssh-rsa.
func DecodeRSA(raw string) (*RSAPublicKey, error) {
	_, keyData, _, err := Parse(raw)
	if err != nil {
		fields := strings.Fields(raw)
		if len(fields) < 2 {
			return nil, err
		}
		keyData = fields[1]
	}
	blob, err := base64.StdEncoding.DecodeString(keyData)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrKeyParse, err)
	}
	return DecodeRSABlob(blob)
}

// DecodeRSABlob parses the binary wire form: three big-endian length-prefixed
// fields holding the type string, the exponent and the modulus.
func DecodeRSABlob(blob []byte) (*RSAPublicKey, error) {
	typ, rest, err := readField(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: type: %v", ErrKeyParse, err)
	}
	if string(typ) != TypeRSA {
		return nil, fmt.Errorf("%w: unexpected key type %q", ErrKeyParse, typ)
	}
	e, rest, err := readField(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: exponent: %v", ErrKeyParse, err)
	}
	n, _, err := readField(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: modulus: %v", ErrKeyParse, err)
	}
	return &RSAPublicKey{E: decodeMPInt(e), N: decodeMPInt(n)}, nil
}

// Marshal returns the canonical wire blob of k.
func (k *RSAPublicKey) Marshal() []byte {
	var buf bytes.Buffer
	writeField(&buf, []byte(TypeRSA))
	writeField(&buf, encodeMPInt(k.E))
	writeField(&buf, encodeMPInt(k.N))
	return buf.Bytes()
}

// Encode returns the textual envelope "ssh-rsa <base64>" followed by comment
// when one is given.
func (k *RSAPublicKey) Encode(comment string) string {
	s := TypeRSA + " " + base64.StdEncoding.EncodeToString(k.Marshal())
	if comment != "" {
		s += " " + comment
	}
	return s
}

// Equal reports whether candidate carries exactly the same wire bytes as k.
func (k *RSAPublicKey) Equal(candidate ssh.PublicKey) bool {
	if candidate == nil || candidate.Type() != TypeRSA {
		return false
	}
	return bytes.Equal(k.Marshal(), candidate.Marshal())
}

// SSHPublicKey converts k for use with golang.org/x/crypto/ssh.
func (k *RSAPublicKey) SSHPublicKey() (ssh.PublicKey, error) {
	if !k.E.IsInt64() || k.E.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("%w: exponent out of range", ErrKeyParse)
	}
	return ssh.NewPublicKey(&rsa.PublicKey{N: k.N, E: int(k.E.Int64())})
}

// Validate decodes raw and checks that it is a usable RSA key of at least
// MinRSABits.
func Validate(raw string) error {
	k, err := DecodeRSA(raw)
	if err != nil {
		return err
	}
	if k.N.Sign() <= 0 || k.E.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive key parameters", ErrKeyParse)
	}
	if bits := k.N.BitLen(); bits < MinRSABits {
		return fmt.Errorf("rsa key too short: %d bits, need at least %d", bits, MinRSABits)
	}
	if _, err := k.SSHPublicKey(); err != nil {
		return err
	}
	return nil
}

func readField(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, fmt.Errorf("field length %d exceeds remaining %d bytes", n, len(b))
	}
	return b[:n], b[n:], nil
}

func writeField(buf *bytes.Buffer, field []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(field)))
	buf.Write(l[:])
	buf.Write(field)
}

// decodeMPInt reads a two's complement big-endian integer.
func decodeMPInt(b []byte) *big.Int {
	v := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(len(b))*8))
	}
	return v
}

// encodeMPInt writes v in the minimal two's complement form.
func encodeMPInt(v *big.Int) []byte {
	switch v.Sign() {
	case 0:
		return nil
	case 1:
		b := v.Bytes()
		if b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		return b
	}
	// negative: 2^(8n) + v, widened until the sign bit is set
	n := (v.BitLen() + 8) / 8
	t := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), uint(n)*8), v)
	b := t.Bytes()
	for len(b) < n {
		b = append([]byte{0xff}, b...)
	}
	if b[0]&0x80 == 0 {
		b = append([]byte{0xff}, b...)
	}
	return b
}

// Canonical validates raw and splits it into the "ssh-rsa <base64>" envelope
// stored for an account and the trailing comment.
func Canonical(raw string) (key, comment string, err error) {
	if err := Validate(raw); err != nil {
		return "", "", err
	}
	alg, data, comment, err := Parse(raw)
	if err != nil {
		return "", "", err
	}
	return alg + " " + data, comment, nil
}
