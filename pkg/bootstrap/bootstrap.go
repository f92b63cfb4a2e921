// Package bootstrap assembles a runnable coordinator node from a Config:
// store, coordinator, management server and optional gossip watcher.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	retry "github.com/avast/retry-go/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/consensus"
	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	"github.com/amirimatin/go-quorum/pkg/membership"
	ml "github.com/amirimatin/go-quorum/pkg/membership/memberlist"
	"github.com/amirimatin/go-quorum/pkg/observability/tracing"
	"github.com/amirimatin/go-quorum/pkg/state"
	"github.com/amirimatin/go-quorum/pkg/state/boltstore"
	"github.com/amirimatin/go-quorum/pkg/state/memory"
	"github.com/amirimatin/go-quorum/pkg/state/raftstore"
	"github.com/amirimatin/go-quorum/pkg/state/redisstore"
	"github.com/amirimatin/go-quorum/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-quorum/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-quorum/pkg/transport/httpjson"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreRaft   = "raft"
	StoreRedis  = "redis"
)

// Management protocols.
const (
	ProtoHTTP = "http"
	ProtoGRPC = "grpc"
)

// Config defines the inputs to assemble a node. Zero values select an
// in-memory store served over HTTP on :17946.
type Config struct {
	NodeID string

	// Store is one of memory, bolt, raft or redis.
	Store   string
	DataDir string // bolt file and raft logs; empty keeps raft in memory

	RedisAddr   string
	RedisPrefix string

	// Raft replica settings (Store=raft).
	RaftBind  string
	Bootstrap bool
	// RaftJoin is the management address of an existing replica to join
	// through.
	RaftJoin string

	// Management API
	MgmtAddr  string
	MgmtProto string // "http" (default) or "grpc"

	// Gossip liveness. Enabled when GossipBind is set; events are applied to
	// GossipCluster on behalf of GossipMember.
	GossipBind      string
	GossipAdvertise string
	GossipSeeds     []string
	GossipCluster   string
	GossipMember    string

	ConflictRetries uint
	RetryDelay      time.Duration

	Tracing bool

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.MgmtAddr == "" {
		c.MgmtAddr = ":17946"
	}
	if c.MgmtProto == "" {
		c.MgmtProto = ProtoHTTP
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "quorum"
	}
	return c
}

// Validate checks the combination of settings.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch c.Store {
	case StoreMemory:
	case StoreBolt:
		if c.DataDir == "" {
			return errors.New("bootstrap: bolt store requires DataDir")
		}
	case StoreRaft:
		if c.NodeID == "" {
			return errors.New("bootstrap: raft store requires NodeID")
		}
		if c.RaftBind == "" && c.RaftJoin != "" {
			return errors.New("bootstrap: joining a raft group requires RaftBind")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("bootstrap: redis store requires RedisAddr")
		}
	default:
		return fmt.Errorf("bootstrap: unknown store %q", c.Store)
	}
	if c.MgmtProto != ProtoHTTP && c.MgmtProto != ProtoGRPC {
		return fmt.Errorf("bootstrap: unknown management protocol %q", c.MgmtProto)
	}
	if c.GossipBind != "" && (c.GossipCluster == "" || c.GossipMember == "") {
		return errors.New("bootstrap: gossip requires GossipCluster and GossipMember")
	}
	return nil
}

// Node is an assembled, possibly running, coordinator node.
type Node struct {
	cfg         Config
	Store       state.Store
	Coordinator *cluster.Coordinator
	Server      transport.RPCServer
	Membership  membership.Membership

	raft     *raftstore.Node
	cancel   context.CancelFunc
	done     chan struct{} // closed when the gossip watcher exits
	shutdown func(context.Context) error
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	n := &Node{cfg: cfg}

	st, err := n.openStore()
	if err != nil {
		return nil, err
	}
	n.Store = st

	n.Coordinator, err = cluster.New(cluster.Options{
		Store:           st,
		Logger:          cfg.Logger,
		ConflictRetries: cfg.ConflictRetries,
		RetryDelay:      cfg.RetryDelay,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	switch cfg.MgmtProto {
	case ProtoGRPC:
		n.Server = mgmtgrpc.NewServer(cfg.MgmtAddr, cfg.Logger)
	default:
		n.Server = httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
	}

	if cfg.GossipBind != "" {
		name := cfg.NodeID
		if name == "" {
			name = cfg.GossipMember
		}
		n.Membership, err = ml.New(ml.Options{
			NodeID:    name,
			MemberID:  cfg.GossipMember,
			Bind:      cfg.GossipBind,
			Advertise: cfg.GossipAdvertise,
			Logger:    cfg.Logger,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) openStore() (state.Store, error) {
	cfg := n.cfg
	switch cfg.Store {
	case StoreBolt:
		return boltstore.Open(filepath.Join(cfg.DataDir, "clusters.db"))
	case StoreRaft:
		rn, err := raftstore.New(raftstore.Options{
			NodeID:    cfg.NodeID,
			Logger:    cfg.Logger,
			Bootstrap: cfg.Bootstrap,
			BindAddr:  cfg.RaftBind,
			DataDir:   cfg.DataDir,
		})
		if err != nil {
			return nil, err
		}
		n.raft = rn
		return rn, nil
	case StoreRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		return redisstore.New(client, redisstore.WithPrefix(cfg.RedisPrefix), redisstore.WithOwnedClient()), nil
	default:
		return memory.New(), nil
	}
}

// Handler returns the management handler served by this node.
func (n *Node) Handler() *transport.Handler {
	h := &transport.Handler{Coord: n.Coordinator, Logger: n.cfg.Logger}
	if n.raft != nil {
		h.Replicas = n.raft
		h.Leader = func() string {
			id, _, _ := n.raft.Leader()
			return id
		}
	}
	return h
}

// Start brings up the store, the management server and the gossip watcher.
func (n *Node) Start(ctx context.Context) error {
	cfg := n.cfg
	ctx, n.cancel = context.WithCancel(ctx)

	if cfg.Tracing {
		shutdown, err := tracing.Setup(true)
		if err != nil {
			logutil.Warnf(cfg.Logger, "tracing setup: %v", err)
		} else {
			n.shutdown = shutdown
		}
	}

	if rs, ok := n.Store.(*redisstore.Store); ok {
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("bootstrap: redis: %w", err)
		}
	}

	if n.raft != nil {
		if err := n.raft.Start(ctx); err != nil {
			return err
		}
		if cfg.RaftJoin != "" {
			if err := n.joinReplicas(ctx); err != nil {
				return err
			}
		}
	}

	if err := n.Server.Start(ctx, n.Handler()); err != nil {
		return err
	}

	if n.Membership != nil {
		if err := n.Membership.Start(ctx); err != nil {
			return err
		}
		if len(cfg.GossipSeeds) > 0 {
			if err := n.Membership.Join(cfg.GossipSeeds); err != nil {
				logutil.Warnf(cfg.Logger, "gossip join %v: %v", cfg.GossipSeeds, err)
			}
		}
		n.done = make(chan struct{})
		go func() {
			defer close(n.done)
			err := n.Coordinator.WatchMembership(ctx, cfg.GossipCluster, n.Membership)
			if err != nil && !errors.Is(err, context.Canceled) {
				logutil.Warnf(cfg.Logger, "gossip watcher stopped: %v", err)
			}
		}()
	}
	logutil.Infof(cfg.Logger, "node %s started: store=%s mgmt=%s://%s", cfg.NodeID, cfg.Store, cfg.MgmtProto, n.Server.Addr())
	return nil
}

// joinReplicas asks an existing replica to add this node as a voter. The
// target may still be electing, so the call is retried.
func (n *Node) joinReplicas(ctx context.Context) error {
	var cli transport.RPCClient
	if n.cfg.MgmtProto == ProtoGRPC {
		cli = mgmtgrpc.NewClient(3 * time.Second)
	} else {
		cli = httpjson.NewClient(3 * time.Second)
	}
	defer cli.Close()
	req := transport.Request{Op: transport.OpJoin, Replica: &transport.Replica{ID: n.cfg.NodeID, Addr: n.raft.Addr()}}
	return retry.Do(func() error {
		_, err := cli.Call(ctx, n.cfg.RaftJoin, req)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logutil.Debugf(n.cfg.Logger, "join via %s attempt %d: %v", n.cfg.RaftJoin, attempt+1, err)
		}),
	)
}

// Close stops everything Start brought up and closes the store.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.done != nil {
		<-n.done
	}
	var errs []error
	if n.Server != nil {
		errs = append(errs, n.Server.Stop(context.Background()))
	}
	if n.Membership != nil {
		if err := n.Membership.Leave(); err != nil {
			logutil.Debugf(n.cfg.Logger, "gossip leave: %v", err)
		}
		errs = append(errs, n.Membership.Stop())
	}
	errs = append(errs, n.Store.Close())
	if n.shutdown != nil {
		errs = append(errs, n.shutdown(context.Background()))
	}
	return errors.Join(errs...)
}

// Run builds and starts a node. The caller must Close it.
func Run(ctx context.Context, cfg Config) (*Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

var _ consensus.Reconfigurer = (*raftstore.Node)(nil)
