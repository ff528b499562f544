// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstore implements the local evidence store with a simple
// boltdb based backend.
package boltstore

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/azera85/rcs-collector/core/log"
	"github.com/azera85/rcs-collector/evidence"
)

const (
	instancesBucket = "instances"
	evidenceBucket  = "evidence"
)

var (
	// ErrNoSuchInstance is the error returned when an instance does not
	// exist in the store.
	ErrNoSuchInstance = errors.New("boltstore: no such instance")

	// ErrNoSuchEvidence is the error returned when an evidence id does
	// not exist under an instance.
	ErrNoSuchEvidence = errors.New("boltstore: no such evidence")
)

// Store is a bbolt backed evidence.Manager.
type Store struct {
	db  *bolt.DB
	log *logging.Logger
}

// New creates or opens the evidence store at path.
func New(path string, logBackend *log.Backend) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(instancesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(evidenceBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:  db,
		log: logBackend.GetLogger("boltstore"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateInstance inserts or replaces an instance metadata record.
func (s *Store) CreateInstance(meta *evidence.Meta) error {
	serialized, err := cbor.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(instancesBucket))
		if err := bkt.Put([]byte(meta.Instance), serialized); err != nil {
			return err
		}
		_, err := tx.Bucket([]byte(evidenceBucket)).CreateBucketIfNotExists([]byte(meta.Instance))
		return err
	})
}

// Instances returns the instance ids with cached state.
func (s *Store) Instances() ([]string, error) {
	var instances []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(instancesBucket)).ForEach(func(k, v []byte) error {
			instances = append(instances, string(k))
			return nil
		})
	})
	return instances, err
}

// Meta returns the metadata record of an instance.
func (s *Store) Meta(instance string) (*evidence.Meta, error) {
	meta := new(evidence.Meta)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(instancesBucket)).Get([]byte(instance))
		if raw == nil {
			return ErrNoSuchInstance
		}
		return cbor.Unmarshal(raw, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// SetBid persists a resolved backend id for an instance.
func (s *Store) SetBid(instance string, bid int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(instancesBucket))
		raw := bkt.Get([]byte(instance))
		if raw == nil {
			return ErrNoSuchInstance
		}
		meta := new(evidence.Meta)
		if err := cbor.Unmarshal(raw, meta); err != nil {
			return err
		}
		meta.Bid = bid
		serialized, err := cbor.Marshal(meta)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(instance), serialized)
	})
}

// Add caches a new evidence artifact under an instance and returns its id.
// Ids embed a monotonic sequence so iteration order is insertion order.
func (s *Store) Add(instance string, blob []byte) (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(evidenceBucket)).Bucket([]byte(instance))
		if bkt == nil {
			return ErrNoSuchInstance
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		id = fmt.Sprintf("%016x-%v", seq, uuid.New())
		return bkt.Put([]byte(id), blob)
	})
	if err != nil {
		return "", err
	}
	s.log.Debugf("cached evidence %v for %v (%d bytes)", id, instance, len(blob))
	return id, nil
}

// IDs returns the cached evidence ids of an instance, oldest first.
func (s *Store) IDs(instance string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(evidenceBucket)).Bucket([]byte(instance))
		if bkt == nil {
			return ErrNoSuchInstance
		}
		return bkt.ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Blob returns the raw artifact bytes.
func (s *Store) Blob(instance, id string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(evidenceBucket)).Bucket([]byte(instance))
		if bkt == nil {
			return ErrNoSuchInstance
		}
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return ErrNoSuchEvidence
		}
		blob = make([]byte, len(raw))
		copy(blob, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Del removes an uploaded artifact.
func (s *Store) Del(instance, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(evidenceBucket)).Bucket([]byte(instance))
		if bkt == nil {
			return ErrNoSuchInstance
		}
		return bkt.Delete([]byte(id))
	})
}
