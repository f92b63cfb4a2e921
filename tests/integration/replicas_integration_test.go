//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-quorum/pkg/bootstrap"
	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/state/raftstore"
	"github.com/amirimatin/go-quorum/pkg/transport"
	httpjson "github.com/amirimatin/go-quorum/pkg/transport/httpjson"
)

func startReplica(t *testing.T, ctx context.Context, id, join string) *bootstrap.Node {
	t.Helper()
	n, err := bootstrap.Run(ctx, bootstrap.Config{
		NodeID:    id,
		Store:     bootstrap.StoreRaft,
		RaftBind:  "127.0.0.1:0",
		Bootstrap: join == "",
		RaftJoin:  join,
		MgmtAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Logger:    quietLogger(),
	})
	require.NoError(t, err, "start %s", id)
	return n
}

func leaderOf(nodes ...*bootstrap.Node) *bootstrap.Node {
	for _, n := range nodes {
		if rn, ok := n.Store.(*raftstore.Node); ok && rn.IsLeader() {
			return n
		}
	}
	return nil
}

// Three replicas form a raft group through the management API. Writes go
// through the leader, followers serve reads from their local copy and refuse
// writes with not_leader.
func TestReplicas_ThreeNodesReplicateClusters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	n1 := startReplica(t, ctx, "r1", "")
	defer n1.Close()
	waitUntil(t, 10*time.Second, func() error {
		if leaderOf(n1) == nil {
			return errNotYet
		}
		return nil
	})

	n2 := startReplica(t, ctx, "r2", n1.Server.Addr())
	defer n2.Close()
	n3 := startReplica(t, ctx, "r3", n1.Server.Addr())
	defer n3.Close()

	cli := httpjson.NewClient(3 * time.Second)
	defer cli.Close()

	rep, err := cli.Call(ctx, n1.Server.Addr(), transport.Request{
		Op:     transport.OpCreate,
		Create: &cluster.CreateRequest{Name: "orders", Type: "kafka", DataMembers: 4, ReplicationFactor: 3, ForceQuorum: true},
	})
	require.NoError(t, err)
	require.NotNil(t, rep.Cluster)
	id := rep.Cluster.ID
	assert.Equal(t, 5, rep.Cluster.Total)

	for _, n := range []*bootstrap.Node{n2, n3} {
		n := n
		waitUntil(t, 10*time.Second, func() error {
			_, err := n.Store.LoadCluster(ctx, id)
			return err
		})
	}

	// A follower reads locally but cannot write.
	rep, err = cli.Call(ctx, n2.Server.Addr(), transport.Request{Op: transport.OpStatus, ClusterID: id})
	require.NoError(t, err)
	assert.Equal(t, "node-001", rep.Cluster.LeaderID)

	_, err = cli.Call(ctx, n2.Server.Addr(), transport.Request{Op: transport.OpDown, ClusterID: id, MemberID: "node-001"})
	require.Error(t, err)
	var re *transport.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, transport.CodeNotLeader, re.Code)

	rep, err = cli.Call(ctx, n1.Server.Addr(), transport.Request{Op: transport.OpDown, ClusterID: id, MemberID: "node-001"})
	require.NoError(t, err)
	assert.Equal(t, "node-002", rep.Cluster.LeaderID)

	// Losing the raft leader leaves two of three replicas, enough to elect a
	// new one and keep accepting writes.
	require.NoError(t, n1.Close())
	var next *bootstrap.Node
	waitUntil(t, 15*time.Second, func() error {
		if next = leaderOf(n2, n3); next == nil {
			return errNotYet
		}
		return nil
	})
	rep, err = cli.Call(ctx, next.Server.Addr(), transport.Request{Op: transport.OpUp, ClusterID: id, MemberID: "node-001"})
	require.NoError(t, err)
	assert.Equal(t, "node-001", rep.Cluster.LeaderID)
	assert.Equal(t, model.HealthHealthy, rep.Cluster.Health)

	other := n2
	if next == n2 {
		other = n3
	}
	waitUntil(t, 10*time.Second, func() error {
		cl, err := other.Store.LoadCluster(ctx, id)
		if err != nil {
			return err
		}
		if m := cl.Member("node-001"); m == nil || m.State != model.StateUp {
			return fmt.Errorf("node-001 not up on %s yet", other.Server.Addr())
		}
		return nil
	})
}
