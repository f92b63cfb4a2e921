// Package cluster is the coordination surface: every membership change goes
// through a Coordinator, which recomputes health and leadership and writes
// the record back through the configured store.
package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	"github.com/amirimatin/go-quorum/pkg/model"
	obsmetrics "github.com/amirimatin/go-quorum/pkg/observability/metrics"
	"github.com/amirimatin/go-quorum/pkg/observability/tracing"
	"github.com/amirimatin/go-quorum/pkg/state"
)

// errNoChange makes mutate return the current view without writing.
var errNoChange = errors.New("cluster: no change")

// Coordinator serializes operations per cluster and is safe for concurrent
// use. Operations on different clusters run in parallel.
type Coordinator struct {
	opts  Options
	store state.Store
	locks keyedMutex
	eb    eventBus
}

// New constructs a coordinator from validated options.
func New(opts Options) (*Coordinator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	obsmetrics.Register()
	return &Coordinator{opts: opts, store: opts.Store}, nil
}

// mutation edits a private copy of the record. The returned events describe
// the edit itself; leader, health and quorum changes are added by mutate.
type mutation func(cl *model.Cluster) ([]Event, error)

// mutate runs one read-modify-write cycle for cluster id under the cluster's
// lock. A stale write is retried from a fresh read.
func (c *Coordinator) mutate(ctx context.Context, op, id string, fn mutation) (_ *ClusterSnapshot, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator."+op, attribute.String("cluster", id))
	defer func() {
		span.End(err)
		c.count(op, err)
	}()

	unlock := c.locks.lock(id)
	defer unlock()

	var (
		prev, next *model.Cluster
		edits      []Event
		noChange   bool
	)
	attempts := c.opts.ConflictRetries + 1
	err = retry.Do(func() error {
		cur, err := c.store.LoadCluster(ctx, id)
		if err != nil {
			return c.loadErr(id, err)
		}
		next = cur.Clone()
		edits, err = fn(next)
		if errors.Is(err, errNoChange) {
			prev, next, noChange = cur, cur, true
			return nil
		}
		if err != nil {
			return err
		}
		now := c.opts.Now()
		next.UpdatedAt = now
		derive(next).apply(next, now)
		if err := c.store.SaveCluster(ctx, next, cur.Version); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				obsmetrics.Conflicts.Inc()
				logutil.Warnf(c.opts.Logger, "%s: stale write on cluster=%s version=%d: %v", op, id, cur.Version, err)
			}
			return err
		}
		prev = cur
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, state.ErrVersionConflict) }),
	)
	if errors.Is(err, state.ErrVersionConflict) {
		return nil, &ConcurrentModificationError{ClusterID: id, Attempts: attempts, Err: err}
	}
	if err != nil {
		return nil, err
	}

	v := derive(next)
	snap := snapshot(next, v)
	if noChange {
		return snap, nil
	}
	c.commit(prev, next, snap, edits)
	return snap, nil
}

// commit publishes events, logs and refreshes metrics for a saved change.
func (c *Coordinator) commit(prev, next *model.Cluster, snap *ClusterSnapshot, edits []Event) {
	now := next.UpdatedAt
	for i := range edits {
		edits[i].ClusterID = next.ID
		edits[i].At = now
	}
	evs := append(edits, diff(prev, next, snap, now)...)
	for _, ev := range evs {
		switch ev.Type {
		case EventLeaderChanged:
			obsmetrics.LeaderChanges.WithLabelValues(next.ID).Inc()
			logutil.Infof(c.opts.Logger, "leader change: cluster=%s %q -> %q", next.ID, ev.PrevLeader, ev.Leader)
		case EventQuorumLost:
			logutil.Warnf(c.opts.Logger, "quorum lost: cluster=%s reachable=%d total=%d need=%d", next.ID, snap.Reachable, snap.Total, snap.Quorum)
		case EventQuorumRegained:
			logutil.Infof(c.opts.Logger, "quorum regained: cluster=%s reachable=%d total=%d", next.ID, snap.Reachable, snap.Total)
		default:
			logutil.Debugf(c.opts.Logger, "event %s: cluster=%s member=%s", ev.Type, next.ID, ev.MemberID)
		}
	}
	obsmetrics.ObserveCluster(next, !snap.QuorumLost)
	c.eb.publish(evs...)
}

// diff derives leader, health and quorum transitions between two records.
// prev is nil for a new cluster.
func diff(prev, next *model.Cluster, snap *ClusterSnapshot, now time.Time) []Event {
	var out []Event
	var prevLeader string
	prevHealth := model.Health("")
	prevQuorum := true
	if prev != nil {
		prevLeader = prev.LeaderID()
		prevHealth = prev.Health
		prevQuorum = prev.Health != model.HealthUnhealthy
	}
	if l := next.LeaderID(); l != prevLeader {
		out = append(out, Event{Type: EventLeaderChanged, ClusterID: next.ID, At: now, Leader: l, PrevLeader: prevLeader})
	}
	if next.Health != prevHealth {
		out = append(out, Event{Type: EventHealthChanged, ClusterID: next.ID, At: now, Health: next.Health, PrevHealth: prevHealth})
	}
	switch {
	case prevQuorum && snap.QuorumLost:
		out = append(out, Event{Type: EventQuorumLost, ClusterID: next.ID, At: now, Health: next.Health})
	case prev != nil && !prevQuorum && !snap.QuorumLost:
		out = append(out, Event{Type: EventQuorumRegained, ClusterID: next.ID, At: now, Health: next.Health})
	}
	return out
}

func (c *Coordinator) loadErr(id string, err error) error {
	if errors.Is(err, state.ErrNotFound) {
		return &NotFoundError{Kind: "cluster", ID: id}
	}
	return err
}

func (c *Coordinator) count(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrValidation):
		result = "invalid"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrConcurrentModification):
		result = "conflict"
	default:
		result = "error"
	}
	obsmetrics.Ops.WithLabelValues(op, result).Inc()
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyedEntry)
	}
	e, ok := k.m[key]
	if !ok {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
