// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package blockstore keeps blocked-host records in a single bbolt file for
// deployments that want the block list outside the SQL database.
package blockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/toeirei/sftpgate/internal/model"
	"go.etcd.io/bbolt"
)

var bucketBlockedHosts = []byte("blocked_hosts")

type record struct {
	Reason            string    `json:"reason"`
	UsernameAttempted string    `json:"username_attempted"`
	BlockedAt         time.Time `json:"blocked_at"`
	Allow             bool      `json:"allow"`
}

// Store implements auth.BlockedHostStore on bbolt. Records are keyed by the
// normalised address.
type Store struct {
	db *bbolt.DB
}

// New wraps an open database and makes sure the bucket exists.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlockedHosts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating blocked host bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens (or creates) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindBlockedHost returns the record for address, or nil when there is none.
func (s *Store) FindBlockedHost(_ context.Context, address string) (*model.BlockedHost, error) {
	var out *model.BlockedHost
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBlockedHosts).Get([]byte(address))
		if data == nil {
			return nil
		}
		h, err := decode(address, data)
		if err != nil {
			return err
		}
		out = &h
		return nil
	})
	return out, err
}

// SaveBlockedHost inserts or overwrites the record for h.Address.
func (s *Store) SaveBlockedHost(_ context.Context, h model.BlockedHost) error {
	if h.Address == "" {
		return fmt.Errorf("blocked host without address")
	}
	data, err := json.Marshal(record{
		Reason:            h.Reason,
		UsernameAttempted: h.UsernameAttempted,
		BlockedAt:         h.BlockedAt.UTC(),
		Allow:             h.Allow,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlockedHosts).Put([]byte(h.Address), data)
	})
}

// ListBlockedHosts returns records newest first.
func (s *Store) ListBlockedHosts(_ context.Context, includeAllowed bool) ([]model.BlockedHost, error) {
	var out []model.BlockedHost
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlockedHosts).ForEach(func(k, v []byte) error {
			h, err := decode(string(k), v)
			if err != nil {
				return err
			}
			if includeAllowed || h.Blocked() {
				out = append(out, h)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockedAt.After(out[j].BlockedAt) })
	return out, nil
}

func decode(address string, data []byte) (model.BlockedHost, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return model.BlockedHost{}, fmt.Errorf("decoding record for %s: %w", address, err)
	}
	return model.BlockedHost{
		Address:           address,
		Reason:            r.Reason,
		UsernameAttempted: r.UsernameAttempted,
		BlockedAt:         r.BlockedAt,
		Allow:             r.Allow,
	}, nil
}
