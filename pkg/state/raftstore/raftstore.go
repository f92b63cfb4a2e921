// Package raftstore replicates cluster records across a raft group. Writes go
// through the leader; reads are served from the local replica.
package raftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/amirimatin/go-quorum/pkg/consensus"
	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/state"
	"github.com/amirimatin/go-quorum/pkg/state/memory"
)

// ErrNotLeader is returned for writes sent to a follower.
var ErrNotLeader = errors.New("raftstore: not leader")

// Node is a state.Store backed by hashicorp/raft.
type Node struct {
	opts Options
	log  *log.Logger

	mu    sync.RWMutex
	r     *raft.Raft
	addr  raft.ServerAddress
	trans raft.Transport
	lb    raft.LoopbackTransport
	obs   *raft.Observer
	obsCh chan raft.Observation
	bolt  *raftboltdb.BoltStore
	local *memory.Store
}

var (
	_ state.Store            = (*Node)(nil)
	_ consensus.Reconfigurer = (*Node)(nil)
)

func New(opts Options) (*Node, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("raftstore: empty NodeID")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Second
	}
	return &Node{opts: opts, log: opts.Logger, local: memory.New()}, nil
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.r != nil {
		return nil
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.opts.NodeID)
	cfg.LogOutput = n.log.Writer()
	if n.opts.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
		// lease must not exceed heartbeat
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
		}
	}
	if n.opts.ElectionTimeout > 0 {
		cfg.ElectionTimeout = n.opts.ElectionTimeout
	}
	if n.opts.CommitTimeout > 0 {
		cfg.CommitTimeout = n.opts.CommitTimeout
	}

	var (
		logs   raft.LogStore
		stable raft.StableStore
		snaps  raft.SnapshotStore
	)
	if n.opts.DataDir != "" {
		if n.opts.SnapshotsRetained == 0 {
			n.opts.SnapshotsRetained = 2
		}
		if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil {
			return fmt.Errorf("raftstore: mkdir: %w", err)
		}
		bs, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
		if err != nil {
			return fmt.Errorf("raftstore: bolt store: %w", err)
		}
		logs, stable = bs, bs
		n.bolt = bs
		snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, n.log.Writer())
		if err != nil {
			return fmt.Errorf("raftstore: snapshot store: %w", err)
		}
	} else {
		mem := raft.NewInmemStore()
		logs, stable = mem, mem
		snaps = raft.NewInmemSnapshotStore()
	}

	var (
		addr  raft.ServerAddress
		trans raft.Transport
	)
	if n.opts.BindAddr != "" {
		nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, time.Second, n.log.Writer())
		if err != nil {
			return fmt.Errorf("raftstore: tcp transport: %w", err)
		}
		addr, trans = nt.LocalAddr(), nt
	} else {
		addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
	}

	r, err := raft.NewRaft(cfg, &storeFSM{st: n.local}, logs, stable, snaps, trans)
	if err != nil {
		return fmt.Errorf("raftstore: new raft: %w", err)
	}
	n.r, n.addr, n.trans = r, addr, trans
	if lb, ok := trans.(raft.LoopbackTransport); ok {
		n.lb = lb
	}

	obsCh := make(chan raft.Observation, 16)
	n.obs = raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	n.obsCh = obsCh
	r.RegisterObserver(n.obs)
	go func() {
		for o := range obsCh {
			lo := o.Data.(raft.LeaderObservation)
			n.log.Printf("raftstore: node=%s leader=%s addr=%s", n.opts.NodeID, lo.LeaderID, lo.LeaderAddr)
		}
	}()

	if n.opts.Bootstrap {
		boot := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
		if err := r.BootstrapCluster(boot).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return fmt.Errorf("raftstore: bootstrap: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		_ = n.Close()
	}()
	return nil
}

func (n *Node) raft() *raft.Raft {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.r
}

// Addr is the transport address peers use to reach this node.
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return string(n.addr)
}

func (n *Node) IsLeader() bool {
	r := n.raft()
	return r != nil && r.State() == raft.Leader
}

// Leader returns the current leader as known locally.
func (n *Node) Leader() (id, addr string, ok bool) {
	r := n.raft()
	if r == nil {
		return "", "", false
	}
	a, sid := r.LeaderWithID()
	if sid == "" {
		return "", "", false
	}
	return string(sid), string(a), true
}

// WaitLeader blocks until some leader is known or ctx ends.
func (n *Node) WaitLeader(ctx context.Context) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if _, _, ok := n.Leader(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("raftstore: waiting for leader: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func (n *Node) LoadCluster(ctx context.Context, id string) (*model.Cluster, error) {
	return n.local.LoadCluster(ctx, id)
}

func (n *Node) ListClusters(ctx context.Context) ([]*model.Cluster, error) {
	return n.local.ListClusters(ctx)
}

// SaveCluster replicates the write and returns once it is committed and
// applied on this node.
func (n *Node) SaveCluster(ctx context.Context, cl *model.Cluster, expected uint64) error {
	r := n.raft()
	if r == nil {
		return fmt.Errorf("raftstore: not started")
	}
	if r.State() != raft.Leader {
		return ErrNotLeader
	}
	payload, err := json.Marshal(savePayload{Cluster: cl, Expected: expected})
	if err != nil {
		return fmt.Errorf("raftstore: encode cluster: %w", err)
	}
	data, err := json.Marshal(consensus.Command{Op: opSaveCluster, Payload: payload})
	if err != nil {
		return err
	}
	timeout := n.opts.ApplyTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	af := r.Apply(data, timeout)
	if err := af.Error(); err != nil {
		return fmt.Errorf("raftstore: apply: %w", err)
	}
	if e, ok := af.Response().(error); ok && e != nil {
		return e
	}
	cl.Version = expected + 1
	return nil
}

func (n *Node) Close() error {
	n.mu.Lock()
	r := n.r
	n.r = nil
	n.mu.Unlock()
	if r == nil {
		return nil
	}
	r.DeregisterObserver(n.obs)
	close(n.obsCh)
	err := r.Shutdown().Error()
	if c, ok := n.trans.(raft.WithClose); ok {
		_ = c.Close()
	}
	if n.bolt != nil {
		_ = n.bolt.Close()
	}
	return err
}

// AddVoter adds or re-addresses a voting replica. It must run on the leader.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
	r := n.raft()
	if r == nil {
		return fmt.Errorf("raftstore: not started")
	}
	cfg := r.GetConfiguration()
	if err := cfg.Error(); err == nil {
		for _, srv := range cfg.Configuration().Servers {
			if string(srv.ID) != id {
				continue
			}
			if string(srv.Address) == addr {
				return nil
			}
			if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
				return fmt.Errorf("raftstore: remove stale %s: %w", id, err)
			}
			break
		}
	}
	if err := r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error(); err != nil {
		return fmt.Errorf("raftstore: add voter %s: %w", id, err)
	}
	return nil
}

// RemoveServer drops a replica from the configuration.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
	r := n.raft()
	if r == nil {
		return fmt.Errorf("raftstore: not started")
	}
	if err := r.RemoveServer(raft.ServerID(id), 0, timeout).Error(); err != nil {
		return fmt.Errorf("raftstore: remove %s: %w", id, err)
	}
	return nil
}
