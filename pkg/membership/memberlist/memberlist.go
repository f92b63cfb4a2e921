// Package memberlist implements membership.Membership on hashicorp/memberlist.
package memberlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	base "github.com/amirimatin/go-quorum/pkg/membership"
)

// Options configures the gossip agent.
type Options struct {
	// NodeID is the gossip name. It must be unique within the gossip pool.
	NodeID string
	// MemberID is the cluster member this agent reports liveness for. It is
	// published as node metadata under membership.MetaMemberID.
	MemberID string

	// Bind is host:port. Port 0 picks a free port.
	Bind      string
	Advertise string

	Meta   map[string]string
	Logger *log.Logger

	// Zero means memberlist defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int

	// EventBuffer sizes the events channel. Defaults to 64.
	EventBuffer int
}

type agent struct {
	mu     sync.RWMutex
	opts   Options
	ml     *memberlist.Memberlist
	closed bool

	// evMu guards evts separately so Shutdown never waits on a blocked emit.
	evMu     sync.Mutex
	evts     chan base.Event
	evClosed bool
}

var (
	_ base.Membership     = (*agent)(nil)
	_ base.HealthReporter = (*agent)(nil)
)

// New validates opts and returns an unstarted agent.
func New(opts Options) (base.Membership, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("memberlist: empty NodeID")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("memberlist: empty Bind address")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	meta := make(map[string]string, len(opts.Meta)+1)
	for k, v := range opts.Meta {
		meta[k] = v
	}
	if opts.MemberID != "" {
		meta[base.MetaMemberID] = opts.MemberID
	}
	opts.Meta = meta
	return &agent{opts: opts, evts: make(chan base.Event, opts.EventBuffer)}, nil
}

func (a *agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ml != nil {
		return nil
	}
	if a.closed {
		return fmt.Errorf("memberlist: agent stopped")
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = a.opts.NodeID
	cfg.LogOutput = a.opts.Logger.Writer()
	host, port, err := splitHostPort(a.opts.Bind)
	if err != nil {
		return err
	}
	cfg.BindAddr, cfg.BindPort = host, port
	if a.opts.Advertise != "" {
		ahost, aport, err := splitHostPort(a.opts.Advertise)
		if err != nil {
			return err
		}
		cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
	}
	if a.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = a.opts.ProbeInterval
	}
	if a.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = a.opts.ProbeTimeout
	}
	if a.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = a.opts.SuspicionMult
	}

	metaBytes, err := json.Marshal(a.opts.Meta)
	if err != nil {
		return fmt.Errorf("memberlist: encode meta: %w", err)
	}
	cfg.Events = &eventDelegate{emit: a.emit}
	cfg.Delegate = &nodeDelegate{meta: metaBytes}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return fmt.Errorf("memberlist: create: %w", err)
	}
	a.ml = ml

	go func() {
		<-ctx.Done()
		_ = a.Stop()
	}()
	return nil
}

func (a *agent) Join(seeds []string) error {
	a.mu.RLock()
	ml := a.ml
	a.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("memberlist: not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	if _, err := ml.Join(seeds); err != nil {
		return fmt.Errorf("memberlist: join %v: %w", seeds, err)
	}
	return nil
}

func (a *agent) Local() base.MemberInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ml == nil {
		return base.MemberInfo{}
	}
	return toInfo(a.ml.LocalNode())
}

func (a *agent) Members() []base.MemberInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ml == nil {
		return nil
	}
	nodes := a.ml.Members()
	out := make([]base.MemberInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toInfo(n))
	}
	return out
}

func (a *agent) Events() <-chan base.Event { return a.evts }

func (a *agent) Leave() error {
	a.mu.RLock()
	ml := a.ml
	a.mu.RUnlock()
	if ml == nil {
		return nil
	}
	return ml.Leave(time.Second)
}

func (a *agent) Stop() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ml := a.ml
	a.ml = nil
	a.mu.Unlock()
	if ml != nil {
		_ = ml.Shutdown()
	}
	a.evMu.Lock()
	a.evClosed = true
	close(a.evts)
	a.evMu.Unlock()
	return nil
}

// HealthScore exposes memberlist's awareness score.
func (a *agent) HealthScore() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ml == nil {
		return -1
	}
	return a.ml.GetHealthScore()
}

// emit never blocks the gossip goroutine; events are dropped when the
// consumer falls behind.
func (a *agent) emit(e base.Event) {
	a.evMu.Lock()
	defer a.evMu.Unlock()
	if a.evClosed {
		return
	}
	select {
	case a.evts <- e:
	default:
		a.opts.Logger.Printf("memberlist: dropping %s event for %s: channel full", e.Type, e.Member.ID)
	}
}

type eventDelegate struct {
	emit func(base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	if n != nil {
		d.emit(base.Event{Type: base.EventJoin, Member: toInfo(n), At: time.Now()})
	}
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	if n == nil {
		return
	}
	typ := base.EventLeave
	if n.State == memberlist.StateDead {
		typ = base.EventFailed
	}
	d.emit(base.Event{Type: typ, Member: toInfo(n), At: time.Now()})
}

// NotifyUpdate only carries metadata changes; liveness is unchanged.
func (d *eventDelegate) NotifyUpdate(*memberlist.Node) {}

type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *nodeDelegate) LocalState(bool) []byte          { return nil }
func (d *nodeDelegate) MergeRemoteState([]byte, bool)   {}

func toInfo(n *memberlist.Node) base.MemberInfo {
	meta := map[string]string{}
	if len(n.Meta) > 0 {
		_ = json.Unmarshal(n.Meta, &meta)
	}
	return base.MemberInfo{
		ID:   n.Name,
		Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
		Meta: meta,
	}
}

func splitHostPort(hp string) (string, int, error) {
	host, ps, err := net.SplitHostPort(hp)
	if err != nil {
		return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", hp, err)
	}
	p, err := strconv.Atoi(ps)
	if err != nil || p < 0 || p > 65535 {
		return "", 0, fmt.Errorf("memberlist: invalid port %q", ps)
	}
	return host, p, nil
}
