package raftstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/state"
)

func awaitLeader(t *testing.T, n *Node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("%s did not become leader", n.opts.NodeID)
}

func awaitCluster(t *testing.T, n *Node, id string, version uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cl, err := n.LoadCluster(context.Background(), id); err == nil && cl.Version == version {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("%s never saw %s at version %d", n.opts.NodeID, id, version)
}

func TestNode_SingleNodeSaveLoad(t *testing.T) {
	n, err := New(Options{NodeID: "r1", Bootstrap: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer n.Close()
	awaitLeader(t, n)
	if err := n.WaitLeader(ctx); err != nil {
		t.Fatalf("wait leader: %v", err)
	}

	cl := &model.Cluster{ID: "c1", Name: "orders"}
	if err := n.SaveCluster(ctx, cl, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if cl.Version != 1 {
		t.Fatalf("version = %d", cl.Version)
	}
	if err := n.SaveCluster(ctx, &model.Cluster{ID: "c1"}, 0); !errors.Is(err, state.ErrVersionConflict) {
		t.Fatalf("duplicate create err = %v", err)
	}
	got, err := n.LoadCluster(ctx, "c1")
	if err != nil || got.Name != "orders" {
		t.Fatalf("load = %+v, %v", got, err)
	}
}

func TestNode_FollowerRejectsWrites(t *testing.T) {
	n, _ := New(Options{NodeID: "lonely"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer n.Close()
	if err := n.SaveCluster(ctx, &model.Cluster{ID: "c1"}, 0); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("err = %v, want ErrNotLeader", err)
	}
}

func TestNode_ThreeReplicasInmem(t *testing.T) {
	n1, _ := New(Options{NodeID: "r1", Bootstrap: true})
	n2, _ := New(Options{NodeID: "r2"})
	n3, _ := New(Options{NodeID: "r3"})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, n := range []*Node{n1, n2, n3} {
		if err := n.Start(ctx); err != nil {
			t.Fatalf("start %s: %v", n.opts.NodeID, err)
		}
		defer n.Close()
	}

	connect := func(a, b *Node) {
		if a.lb == nil || b.lb == nil {
			t.Fatalf("loopback transport expected")
		}
		a.lb.Connect(b.addr, b.trans)
		b.lb.Connect(a.addr, a.trans)
	}
	connect(n1, n2)
	connect(n1, n3)
	connect(n2, n3)

	awaitLeader(t, n1)
	if err := n1.AddVoter("r2", n2.Addr(), 2*time.Second); err != nil {
		t.Fatalf("add r2: %v", err)
	}
	if err := n1.AddVoter("r3", n3.Addr(), 2*time.Second); err != nil {
		t.Fatalf("add r3: %v", err)
	}
	// re-adding with the same address is a no-op
	if err := n1.AddVoter("r3", n3.Addr(), 2*time.Second); err != nil {
		t.Fatalf("re-add r3: %v", err)
	}

	cl := &model.Cluster{ID: "c1", Name: "orders"}
	if err := n1.SaveCluster(ctx, cl, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, n := range []*Node{n1, n2, n3} {
		awaitCluster(t, n, "c1", 1)
	}

	if err := n1.RemoveServer("r3", 2*time.Second); err != nil {
		t.Fatalf("remove r3: %v", err)
	}
	cl.Name = "orders-2"
	if err := n1.SaveCluster(ctx, cl, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	awaitCluster(t, n2, "c1", 2)
}

func TestNode_TCPWithDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	n, err := New(Options{
		NodeID:            "d1",
		Bootstrap:         true,
		BindAddr:          "127.0.0.1:0",
		DataDir:           dir,
		SnapshotsRetained: 1,
		HeartbeatTimeout:  150 * time.Millisecond,
		ElectionTimeout:   300 * time.Millisecond,
		CommitTimeout:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitLeader(t, n)
	if err := n.SaveCluster(ctx, &model.Cluster{ID: "c9"}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Restart from the same directory: the log replays into a fresh replica.
	n2, _ := New(Options{NodeID: "d1", BindAddr: "127.0.0.1:0", DataDir: dir, Bootstrap: true})
	if err := n2.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer n2.Close()
	awaitCluster(t, n2, "c9", 1)
}
