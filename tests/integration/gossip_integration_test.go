//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/membership"
	ml "github.com/amirimatin/go-quorum/pkg/membership/memberlist"
	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/partition"
	"github.com/amirimatin/go-quorum/pkg/state/memory"
)

func startAgent(t *testing.T, ctx context.Context, name, memberID string) membership.Membership {
	t.Helper()
	m, err := ml.New(ml.Options{
		NodeID:        name,
		MemberID:      memberID,
		Bind:          "127.0.0.1:0",
		Logger:        quietLogger(),
		ProbeInterval: 100 * time.Millisecond,
		SuspicionMult: 2,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	return m
}

func memberState(ctx context.Context, c *cluster.Coordinator, id, member string, want model.State) error {
	snap, err := c.Status(ctx, id)
	if err != nil {
		return err
	}
	m := snap.Member(member)
	if m == nil {
		return fmt.Errorf("member %s missing", member)
	}
	if m.State != want {
		return fmt.Errorf("member %s is %s, want %s", member, m.State, want)
	}
	return nil
}

// Real gossip agents drive member liveness: a graceful leave and a crash both
// mark the member down, and a restarted agent brings it back up.
func TestGossip_LivenessDrivesMemberState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c, err := cluster.New(cluster.Options{Store: memory.New(), Logger: quietLogger(), Enforcer: partition.NopEnforcer{}})
	require.NoError(t, err)
	snap, err := c.CreateCluster(ctx, cluster.CreateRequest{Name: "gossip", DataMembers: 3, ReplicationFactor: 1})
	require.NoError(t, err)
	id := snap.ID

	a1 := startAgent(t, ctx, "g1", "node-001")
	defer a1.Stop()
	a2 := startAgent(t, ctx, "g2", "node-002")
	defer a2.Stop()
	a3 := startAgent(t, ctx, "g3", "node-003")

	seed := []string{a1.Local().Addr}
	require.NoError(t, a2.Join(seed))
	require.NoError(t, a3.Join(seed))
	waitUntil(t, 5*time.Second, func() error {
		if n := len(a1.Members()); n != 3 {
			return fmt.Errorf("%d gossip members", n)
		}
		return nil
	})

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() { _ = c.WatchMembership(watchCtx, id, a1) }()

	// Graceful leave.
	require.NoError(t, a3.Leave())
	require.NoError(t, a3.Stop())
	waitUntil(t, 10*time.Second, func() error { return memberState(ctx, c, id, "node-003", model.StateDown) })

	snap, err = c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.HealthDegraded, snap.Health)
	assert.Equal(t, "node-001", snap.LeaderID)

	// A replacement agent speaking for the same member rejoins under a new
	// gossip name; memberlist does not reclaim the departed one.
	a3 = startAgent(t, ctx, "g3b", "node-003")
	require.NoError(t, a3.Join(seed))
	waitUntil(t, 10*time.Second, func() error { return memberState(ctx, c, id, "node-003", model.StateUp) })
	require.NoError(t, a3.Leave())
	require.NoError(t, a3.Stop())
	waitUntil(t, 10*time.Second, func() error { return memberState(ctx, c, id, "node-003", model.StateDown) })

	// Crash without leaving: the failure detector has to notice.
	require.NoError(t, a2.Stop())
	waitUntil(t, 15*time.Second, func() error { return memberState(ctx, c, id, "node-002", model.StateDown) })

	snap, err = c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.HealthUnhealthy, snap.Health)
	assert.True(t, snap.QuorumLost)
	assert.Equal(t, "node-001", snap.LeaderID)
}
