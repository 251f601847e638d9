package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries") // sequence -> entry
	bucketIndex   = []byte("index")   // id -> sequence
)

// DefaultMaxEntries bounds the journal when no limit is configured.
const DefaultMaxEntries = 1000

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db         *bolt.DB
	maxEntries int
}

// NewBoltStore opens or creates a BoltDB journal keeping at most maxEntries
// entries (DefaultMaxEntries when <= 0).
func NewBoltStore(path string, maxEntries int) (*BoltStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, maxEntries: maxEntries}, nil
}

func (s *BoltStore) Append(e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		index := tx.Bucket(bucketIndex)
		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := seqKey(seq)
		if err := entries.Put(key, data); err != nil {
			return err
		}
		if err := index.Put([]byte(e.ID), key); err != nil {
			return err
		}
		return prune(entries, index, seq, s.maxEntries)
	})
}

// prune drops every entry older than the newest keep. Sequence numbers are
// dense, so anything below seq-keep+1 goes.
func prune(entries, index *bolt.Bucket, seq uint64, keep int) error {
	if seq <= uint64(keep) {
		return nil
	}
	limit := seqKey(seq - uint64(keep) + 1)
	var stale [][]byte
	c := entries.Cursor()
	for k, v := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, v = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
		var old Entry
		if err := json.Unmarshal(v, &old); err == nil && old.ID != "" {
			if err := index.Delete([]byte(old.ID)); err != nil {
				return err
			}
		}
	}
	for _, k := range stale {
		if err := entries.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) Get(id string) (*Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		data := tx.Bucket(bucketEntries).Get(key)
		if data == nil {
			return fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) List(limit int) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
