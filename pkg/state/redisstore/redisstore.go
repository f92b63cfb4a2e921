// Package redisstore keeps cluster records in Redis. Each record is a hash
// holding its version and JSON body; writes are optimistic WATCH/MULTI
// transactions on that hash.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/state"
)

const (
	fieldVersion = "version"
	fieldData    = "data"
)

// Option configures the Store.
type Option func(*Store)

// WithPrefix namespaces every key. Defaults to "quorum".
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithOwnedClient makes Close also close the client.
func WithOwnedClient() Option {
	return func(s *Store) { s.owned = true }
}

// Store implements state.Store over a Redis client. The caller owns the
// client unless WithOwnedClient is used.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

var _ state.Store = (*Store)(nil)

func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "quorum"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstore: ping: %w", err)
	}
	return nil
}

func (s *Store) clusterKey(id string) string { return s.prefix + ":cluster:" + id }
func (s *Store) indexKey() string            { return s.prefix + ":clusters" }

func (s *Store) LoadCluster(ctx context.Context, id string) (*model.Cluster, error) {
	vals, err := s.client.HGetAll(ctx, s.clusterKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", state.ErrNotFound, id)
	}
	return decode(id, vals)
}

func (s *Store) SaveCluster(ctx context.Context, cl *model.Cluster, expected uint64) error {
	if cl == nil || cl.ID == "" {
		return fmt.Errorf("redisstore: empty cluster id")
	}
	key := s.clusterKey(cl.ID)
	next := cl.Clone()
	next.Version = expected + 1
	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", cl.ID, err)
	}

	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var cur *model.Cluster
		if len(vals) > 0 {
			v, err := strconv.ParseUint(vals[fieldVersion], 10, 64)
			if err != nil {
				return fmt.Errorf("redisstore: corrupt version for %s: %w", cl.ID, err)
			}
			cur = &model.Cluster{ID: cl.ID, Version: v}
		}
		if err := state.CheckVersion(cl.ID, cur, expected); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldVersion, next.Version, fieldData, body)
			pipe.SAdd(ctx, s.indexKey(), cl.ID)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		cl.Version = next.Version
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		return fmt.Errorf("%w: %s modified concurrently", state.ErrVersionConflict, cl.ID)
	case errors.Is(err, state.ErrVersionConflict), errors.Is(err, state.ErrNotFound):
		return err
	default:
		return fmt.Errorf("redisstore: save %s: %w", cl.ID, err)
	}
}

func (s *Store) ListClusters(ctx context.Context) ([]*model.Cluster, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list: %w", err)
	}
	sort.Strings(ids)
	out := make([]*model.Cluster, 0, len(ids))
	for _, id := range ids {
		cl, err := s.LoadCluster(ctx, id)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func decode(id string, vals map[string]string) (*model.Cluster, error) {
	var cl model.Cluster
	if err := json.Unmarshal([]byte(vals[fieldData]), &cl); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", id, err)
	}
	v, err := strconv.ParseUint(vals[fieldVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redisstore: corrupt version for %s: %w", id, err)
	}
	cl.Version = v
	return &cl, nil
}
