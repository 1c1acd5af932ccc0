// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package history persists rotation records so operators can answer
// "when did the address last change, and why" across daemon restarts.
package history

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRotations = []byte("rotations")

// Record is one rotation event.
type Record struct {
	Time       time.Time `json:"time"`
	Trigger    string    `json:"trigger"`
	OldAddress string    `json:"old_address,omitempty"`
	NewAddress string    `json:"new_address,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// Store is an append-only rotation log on bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRotations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Append writes one record. Keys are the bucket sequence number, so
// iteration order is insertion order.
func (s *Store) Append(rec Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRotations)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRotations).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
