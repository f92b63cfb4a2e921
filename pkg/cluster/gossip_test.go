package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-quorum/pkg/membership"
	"github.com/amirimatin/go-quorum/pkg/model"
	obsmetrics "github.com/amirimatin/go-quorum/pkg/observability/metrics"
)

type fakeMembership struct {
	ch chan membership.Event
}

func (f *fakeMembership) Start(context.Context) error      { return nil }
func (f *fakeMembership) Join([]string) error              { return nil }
func (f *fakeMembership) Local() membership.MemberInfo     { return membership.MemberInfo{} }
func (f *fakeMembership) Members() []membership.MemberInfo { return nil }
func (f *fakeMembership) Events() <-chan membership.Event  { return f.ch }
func (f *fakeMembership) Leave() error                     { return nil }

func (f *fakeMembership) Stop() error {
	close(f.ch)
	return nil
}

// scoredMembership also reports a failure detector score.
type scoredMembership struct {
	*fakeMembership
	score int
}

func (s scoredMembership) HealthScore() int { return s.score }

func peer(gossipName, memberID string) membership.MemberInfo {
	return membership.MemberInfo{ID: gossipName, Meta: map[string]string{membership.MetaMemberID: memberID}}
}

func TestWatchMembership_DrivesLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, nil)
	snap := create(t, c, 3, false)
	fm := &fakeMembership{ch: make(chan membership.Event, 8)}

	done := make(chan error, 1)
	go func() { done <- c.WatchMembership(ctx, snap.ID, fm) }()

	fm.ch <- membership.Event{Type: membership.EventFailed, Member: peer("host-b", "node-002")}
	fm.ch <- membership.Event{Type: membership.EventFailed, Member: peer("host-b", "node-002")} // repeated, ignored
	fm.ch <- membership.Event{Type: membership.EventJoin, Member: peer("host-c", "node-003")}   // already up
	fm.ch <- membership.Event{Type: membership.EventLeave, Member: peer("host-x", "node-404")}  // unknown
	fm.ch <- membership.Event{Type: membership.EventLeave, Member: membership.MemberInfo{ID: "node-001"}}
	require.NoError(t, fm.Stop())
	require.NoError(t, <-done)

	got, err := c.Status(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateUp, got.Member("node-003").State)
	assert.Equal(t, model.StateDown, got.Member("node-002").State)
	assert.Equal(t, model.StateDown, got.Member("node-001").State)
	assert.Equal(t, "node-003", got.LeaderID)
	assert.True(t, got.QuorumLost)

	fm2 := &fakeMembership{ch: make(chan membership.Event, 1)}
	fm2.ch <- membership.Event{Type: membership.EventJoin, Member: peer("host-b", "node-002")}
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.WatchMembership(cctx, snap.ID, fm2), context.DeadlineExceeded)

	got, err = c.Status(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateUp, got.Member("node-002").State)
	assert.False(t, got.QuorumLost)
}

func TestWatchMembership_ExportsGossipHealth(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, nil)
	snap := create(t, c, 3, false)

	sm := scoredMembership{fakeMembership: &fakeMembership{ch: make(chan membership.Event, 1)}, score: 3}
	sm.ch <- membership.Event{Type: membership.EventFailed, Member: peer("host-b", "node-002")}
	require.NoError(t, sm.Stop())
	require.NoError(t, c.WatchMembership(ctx, snap.ID, sm))
	assert.Equal(t, 3.0, testutil.ToFloat64(obsmetrics.GossipHealth.WithLabelValues(snap.ID)))

	// Agents without a score leave the gauge alone.
	fm := &fakeMembership{ch: make(chan membership.Event)}
	require.NoError(t, fm.Stop())
	require.NoError(t, c.WatchMembership(ctx, snap.ID, fm))
	assert.Equal(t, 3.0, testutil.ToFloat64(obsmetrics.GossipHealth.WithLabelValues(snap.ID)))
}
