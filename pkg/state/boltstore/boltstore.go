// Package boltstore persists cluster records in a single BoltDB file.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/state"
)

var bucketClusters = []byte("clusters")

// Store is a state.Store over one bolt database.
type Store struct {
	db *bolt.DB
}

var _ state.Store = (*Store)(nil)

// Open creates or opens the database at path. The parent directory is created
// when missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("boltstore: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClusters)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) LoadCluster(_ context.Context, id string) (*model.Cluster, error) {
	var out *model.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		cl, err := get(tx, id)
		if err != nil {
			return err
		}
		if cl == nil {
			return fmt.Errorf("%w: %s", state.ErrNotFound, id)
		}
		out = cl
		return nil
	})
	return out, err
}

// SaveCluster checks and writes in one read-write transaction, so the
// compare-and-set holds across processes sharing the file lock.
func (s *Store) SaveCluster(_ context.Context, cl *model.Cluster, expected uint64) error {
	if cl == nil || cl.ID == "" {
		return fmt.Errorf("boltstore: empty cluster id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		cur, err := get(tx, cl.ID)
		if err != nil {
			return err
		}
		if err := state.CheckVersion(cl.ID, cur, expected); err != nil {
			return err
		}
		next := cl.Clone()
		next.Version = expected + 1
		buf, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("boltstore: encode %s: %w", cl.ID, err)
		}
		if err := tx.Bucket(bucketClusters).Put([]byte(cl.ID), buf); err != nil {
			return fmt.Errorf("boltstore: put %s: %w", cl.ID, err)
		}
		cl.Version = next.Version
		return nil
	})
}

func (s *Store) ListClusters(context.Context) ([]*model.Cluster, error) {
	var out []*model.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var cl model.Cluster
			if err := json.Unmarshal(v, &cl); err != nil {
				return fmt.Errorf("boltstore: decode %s: %w", k, err)
			}
			out = append(out, &cl)
			return nil
		})
	})
	return out, err
}

func (s *Store) Close() error { return s.db.Close() }

func get(tx *bolt.Tx, id string) (*model.Cluster, error) {
	raw := tx.Bucket(bucketClusters).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var cl model.Cluster
	if err := json.Unmarshal(raw, &cl); err != nil {
		return nil, fmt.Errorf("boltstore: decode %s: %w", id, err)
	}
	return &cl, nil
}
