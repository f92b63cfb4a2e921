// Package memory is an in-process cluster store. It also serves as the state
// machine behind the replicated store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/state"
)

const snapshotVersion = 1

// Store keeps deep copies of cluster records keyed by id.
type Store struct {
	mu       sync.RWMutex
	clusters map[string]*model.Cluster
}

var (
	_ state.Store       = (*Store)(nil)
	_ state.Snapshotter = (*Store)(nil)
)

func New() *Store { return &Store{clusters: make(map[string]*model.Cluster)} }

func (s *Store) LoadCluster(_ context.Context, id string) (*model.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.clusters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrNotFound, id)
	}
	return cl.Clone(), nil
}

func (s *Store) SaveCluster(_ context.Context, cl *model.Cluster, expected uint64) error {
	return s.Put(cl, expected)
}

// Put is SaveCluster without a context, for callers applying log entries.
func (s *Store) Put(cl *model.Cluster, expected uint64) error {
	if cl == nil || cl.ID == "" {
		return fmt.Errorf("memory: empty cluster id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := state.CheckVersion(cl.ID, s.clusters[cl.ID], expected); err != nil {
		return err
	}
	cl.Version = expected + 1
	s.clusters[cl.ID] = cl.Clone()
	return nil
}

func (s *Store) ListClusters(context.Context) ([]*model.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) sortedLocked() []*model.Cluster {
	out := make([]*model.Cluster, 0, len(s.clusters))
	for _, cl := range s.clusters {
		out = append(out, cl.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type snapshot struct {
	Version  int              `json:"version"`
	Clusters []*model.Cluster `json:"clusters"`
}

// Snapshot encodes every record as stable, id-ordered JSON.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(snapshot{Version: snapshotVersion, Clusters: s.sortedLocked()})
}

// Restore replaces the store contents with a snapshot.
func (s *Store) Restore(buf []byte) error {
	var snap snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return fmt.Errorf("memory: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("memory: unsupported snapshot version %d", snap.Version)
	}
	next := make(map[string]*model.Cluster, len(snap.Clusters))
	for _, cl := range snap.Clusters {
		if cl == nil || cl.ID == "" {
			continue
		}
		next[cl.ID] = cl
	}
	s.mu.Lock()
	s.clusters = next
	s.mu.Unlock()
	return nil
}
