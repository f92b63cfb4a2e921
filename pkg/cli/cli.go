// Package cli provides the cobra commands behind quorumctl: a serve command
// that runs a node and client commands that call a node's management API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-quorum/pkg/bootstrap"
	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/config"
	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-quorum/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-quorum/pkg/transport/httpjson"
)

// AddAll attaches every quorumctl subcommand to root.
func AddAll(root *cobra.Command) {
	cf := &clientFlags{}
	cf.register(root)
	root.AddCommand(
		NewServeCmd(),
		newCreateCmd(cf),
		newAddCmd(cf),
		newMemberCmd(cf, transport.OpDown, "Mark a member down"),
		newMemberCmd(cf, transport.OpUp, "Mark a down member up"),
		newMemberCmd(cf, transport.OpRemove, "Stop and remove an up member"),
		newMemberCmd(cf, transport.OpIsolate, "Simulate a partition isolating one member"),
		newPartitionCmd(cf),
		newClusterCmd(cf, transport.OpHeal, "Dissolve the simulated partition"),
		newStatusCmd(cf),
		newListCmd(cf),
		newFactsCmd(cf),
		newWatchCmd(cf),
		newReplicaCmd(cf, transport.OpJoin),
		newReplicaCmd(cf, transport.OpLeave),
	)
}

// NewServeCmd returns the "serve" command that runs a node until signaled.
func NewServeCmd() *cobra.Command {
	var (
		cfgPath string
		logJSON bool
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a coordinator node",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if file.Log.JSON || logJSON {
				logutil.SetJSON(true)
			}
			if strings.EqualFold(file.Log.Level, "debug") || debug {
				logutil.SetDebug(true)
			}
			cfg := file.Bootstrap(log.Default())
			applyServeFlags(cmd, &cfg)

			ctx, cancel := signalContext()
			defer cancel()
			node, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer node.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "quorum node serving on %s. Press Ctrl+C to exit.\n", node.Server.Addr())
			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "path to a YAML config file")
	f.BoolVar(&logJSON, "log-json", false, "emit JSON log lines")
	f.BoolVar(&debug, "debug", false, "enable debug logs")
	f.String("id", "", "node id")
	f.String("store", "", "store kind: memory|bolt|raft|redis")
	f.String("data", "", "data directory for bolt and raft")
	f.String("redis-addr", "", "redis address (host:port)")
	f.String("raft-bind", "", "raft bind address (host:port)")
	f.Bool("bootstrap", false, "bootstrap a new raft group")
	f.String("raft-join", "", "management address of a replica to join through")
	f.String("mgmt-addr", "", "management API address (host:port)")
	f.String("mgmt-proto", "", "management protocol: http|grpc")
	f.String("gossip-bind", "", "gossip bind address (host:port); enables liveness tracking")
	f.StringSlice("gossip-seeds", nil, "gossip seed addresses")
	f.String("gossip-cluster", "", "cluster id gossip liveness applies to")
	f.String("gossip-member", "", "member id this node reports liveness for")
	f.Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
	return cmd
}

// applyServeFlags overrides cfg with flags set on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *bootstrap.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("id", &cfg.NodeID)
	str("store", &cfg.Store)
	str("data", &cfg.DataDir)
	str("redis-addr", &cfg.RedisAddr)
	str("raft-bind", &cfg.RaftBind)
	str("raft-join", &cfg.RaftJoin)
	str("mgmt-addr", &cfg.MgmtAddr)
	str("mgmt-proto", &cfg.MgmtProto)
	str("gossip-bind", &cfg.GossipBind)
	str("gossip-cluster", &cfg.GossipCluster)
	str("gossip-member", &cfg.GossipMember)
	if f.Changed("bootstrap") {
		cfg.Bootstrap, _ = f.GetBool("bootstrap")
	}
	if f.Changed("trace") {
		cfg.Tracing, _ = f.GetBool("trace")
	}
	if f.Changed("gossip-seeds") {
		cfg.GossipSeeds, _ = f.GetStringSlice("gossip-seeds")
	}
}

// clientFlags are shared by every client command.
type clientFlags struct {
	addr    string
	proto   string
	timeout time.Duration
}

func (c *clientFlags) register(root *cobra.Command) {
	pf := root.PersistentFlags()
	pf.StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	pf.StringVar(&c.proto, "proto", bootstrap.ProtoHTTP, "management protocol: http|grpc")
	pf.DurationVar(&c.timeout, "timeout", 5*time.Second, "request timeout")
}

type watcher interface {
	Watch(ctx context.Context, addr, clusterID string, fn func(cluster.Event)) error
}

func (c *clientFlags) client() (transport.RPCClient, watcher, error) {
	switch c.proto {
	case bootstrap.ProtoGRPC:
		cli := mgmtgrpc.NewClient(c.timeout)
		return cli, cli, nil
	case bootstrap.ProtoHTTP, "":
		cli := httpjson.NewClient(c.timeout)
		return cli, cli, nil
	}
	return nil, nil, fmt.Errorf("unknown protocol %q", c.proto)
}

// call sends req and prints the reply as indented JSON.
func (c *clientFlags) call(cmd *cobra.Command, req transport.Request) error {
	cli, _, err := c.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	rep, err := cli.Call(ctx, c.addr, req)
	if err != nil {
		if rep.Leader != "" {
			return fmt.Errorf("%s: %w (leader is %s)", req.Op, err, rep.Leader)
		}
		return fmt.Errorf("%s: %w", req.Op, err)
	}
	return printJSON(cmd.OutOrStdout(), result(req.Op, rep))
}

func result(op string, rep transport.Reply) any {
	switch {
	case op == transport.OpList:
		if rep.Clusters == nil {
			return []*cluster.ClusterSnapshot{}
		}
		return rep.Clusters
	case rep.Member != nil:
		return rep
	case rep.Cluster != nil:
		return rep.Cluster
	}
	return map[string]bool{"ok": true}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCreateCmd(cf *clientFlags) *cobra.Command {
	var req cluster.CreateRequest
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			return cf.call(cmd, transport.Request{Op: transport.OpCreate, Create: &req})
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", "", "opaque cluster type tag")
	cmd.Flags().IntVar(&req.DataMembers, "members", 3, "number of data members")
	cmd.Flags().IntVar(&req.ReplicationFactor, "rf", 1, "replication factor")
	cmd.Flags().BoolVar(&req.ForceQuorum, "force-quorum", false, "add a witness when the member count is even")
	return cmd
}

func newAddCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add CLUSTER",
		Short: "Add a data member in the next slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(cmd, transport.Request{Op: transport.OpAdd, ClusterID: args[0]})
		},
	}
}

func newMemberCmd(cf *clientFlags, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " CLUSTER MEMBER",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(cmd, transport.Request{Op: op, ClusterID: args[0], MemberID: args[1]})
		},
	}
}

func newClusterCmd(cf *clientFlags, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " CLUSTER",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(cmd, transport.Request{Op: op, ClusterID: args[0]})
		},
	}
}

func newStatusCmd(cf *clientFlags) *cobra.Command {
	var requireQuorum bool
	cmd := &cobra.Command{
		Use:   "status CLUSTER",
		Short: "Show cluster status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, _, err := cf.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			rep, err := cli.Call(ctx, cf.addr, transport.Request{Op: transport.OpStatus, ClusterID: args[0]})
			if err != nil {
				return fmt.Errorf("%s: %w", transport.OpStatus, err)
			}
			if err := printJSON(cmd.OutOrStdout(), rep.Cluster); err != nil {
				return err
			}
			if requireQuorum {
				return rep.Cluster.Err()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&requireQuorum, "require-quorum", false, "exit non-zero when the cluster has lost quorum")
	return cmd
}

func newPartitionCmd(cf *clientFlags) *cobra.Command {
	var groups []string
	cmd := &cobra.Command{
		Use:     "partition CLUSTER --group a,b --group c",
		Short:   "Simulate a partition into member groups",
		Example: "quorumctl partition c-1 --group node-001,node-002,node-003 --group node-004,node-005",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := transport.Request{Op: transport.OpPartition, ClusterID: args[0], Groups: parseGroups(groups)}
			return cf.call(cmd, req)
		},
	}
	cmd.Flags().StringArrayVar(&groups, "group", nil, "comma-separated member ids of one group (repeatable)")
	return cmd
}

func parseGroups(raw []string) [][]string {
	out := make([][]string, 0, len(raw))
	for _, g := range raw {
		var ids []string
		for _, id := range strings.Split(g, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		out = append(out, ids)
	}
	return out
}

func newListCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(cmd, transport.Request{Op: transport.OpList})
		},
	}
}

func newFactsCmd(cf *clientFlags) *cobra.Command {
	var (
		addr           string
		load, capacity float64
		dataSize, used int64
		inSync         bool
	)
	cmd := &cobra.Command{
		Use:   "facts CLUSTER MEMBER",
		Short: "Record observed load, capacity and sync facts for a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var facts model.Facts
			if f.Changed("member-addr") {
				facts.Addr = &addr
			}
			if f.Changed("load") {
				facts.Load = &load
			}
			if f.Changed("capacity") {
				facts.Capacity = &capacity
			}
			if f.Changed("data-size") {
				facts.DataSize = &dataSize
			}
			if f.Changed("used") {
				facts.UsedCapacity = &used
			}
			if f.Changed("in-sync") {
				facts.InSync = &inSync
			}
			return cf.call(cmd, transport.Request{Op: transport.OpFacts, ClusterID: args[0], MemberID: args[1], Facts: &facts})
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "member-addr", "", "member address")
	f.Float64Var(&load, "load", 0, "current load")
	f.Float64Var(&capacity, "capacity", 0, "capacity")
	f.Int64Var(&dataSize, "data-size", 0, "stored data size in bytes")
	f.Int64Var(&used, "used", 0, "used capacity in bytes")
	f.BoolVar(&inSync, "in-sync", false, "replica is in sync")
	return cmd
}

func newWatchCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [CLUSTER]",
		Short: "Stream cluster events as JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			cli, w, err := cf.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, cancel := signalContext()
			defer cancel()
			enc := json.NewEncoder(cmd.OutOrStdout())
			err = w.Watch(ctx, cf.addr, id, func(ev cluster.Event) { _ = enc.Encode(ev) })
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newReplicaCmd(cf *clientFlags, op string) *cobra.Command {
	var id, raftAddr string
	short := "Add a store replica as a raft voter"
	if op == transport.OpLeave {
		short = "Remove a store replica from the raft group"
	}
	cmd := &cobra.Command{
		Use:   op + "-replica",
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("missing required flag: --id")
			}
			if op == transport.OpJoin && raftAddr == "" {
				return fmt.Errorf("missing required flag: --raft-addr")
			}
			return cf.call(cmd, transport.Request{Op: op, Replica: &transport.Replica{ID: id, Addr: raftAddr}})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "replica node id (required)")
	if op == transport.OpJoin {
		cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "replica raft address (host:port, required)")
	}
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
