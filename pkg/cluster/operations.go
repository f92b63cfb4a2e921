package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	"github.com/amirimatin/go-quorum/pkg/membership"
	"github.com/amirimatin/go-quorum/pkg/model"
	obsmetrics "github.com/amirimatin/go-quorum/pkg/observability/metrics"
	"github.com/amirimatin/go-quorum/pkg/observability/tracing"
	"github.com/amirimatin/go-quorum/pkg/partition"
	"github.com/amirimatin/go-quorum/pkg/quorum"
	"github.com/amirimatin/go-quorum/pkg/state"
)

// CreateRequest describes a new cluster.
type CreateRequest struct {
	Name              string `json:"name"`
	Type              string `json:"type,omitempty"`
	DataMembers       int    `json:"dataMembers"`
	ReplicationFactor int    `json:"replicationFactor"`
	ForceQuorum       bool   `json:"forceQuorum"`
}

// Validate checks the request shape.
func (r CreateRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return invalid("create", "empty name", nil)
	case r.DataMembers < 1:
		return invalid("create", fmt.Sprintf("data members must be >= 1, got %d", r.DataMembers), nil)
	case r.ReplicationFactor < 1 || r.ReplicationFactor > r.DataMembers:
		return invalid("create", fmt.Sprintf("replication factor must be in [1, %d], got %d", r.DataMembers, r.ReplicationFactor), nil)
	}
	return nil
}

// CreateCluster provisions data members in slots 1..n, adds a witness when
// ForceQuorum is set and n is even, then elects the first leader.
func (c *Coordinator) CreateCluster(ctx context.Context, req CreateRequest) (_ *ClusterSnapshot, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.CreateCluster", attribute.String("name", req.Name))
	defer func() {
		span.End(err)
		c.count("create", err)
	}()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := c.opts.Now()
	cl := &model.Cluster{
		ID:                c.opts.NewID(),
		Name:              strings.TrimSpace(req.Name),
		Type:              req.Type,
		ReplicationFactor: req.ReplicationFactor,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if cl.Type == "" {
		cl.Type = c.opts.DefaultType
	}
	members := make([]model.Member, 0, req.DataMembers+1)
	for slot := 1; slot <= req.DataMembers; slot++ {
		m := model.Member{ID: model.MemberID(model.RoleData, slot), Slot: slot, Role: model.RoleData, State: model.StateStarting, InSync: true}
		if err := membership.Activate(&m); err != nil {
			return nil, invalid("create", "activate member", err)
		}
		members = append(members, m)
	}
	cl.Members, cl.Witness = quorum.InjectWitness(members, req.ForceQuorum)
	cl.NextSlot = len(cl.Members) + 1
	derive(cl).apply(cl, now)

	unlock := c.locks.lock(cl.ID)
	defer unlock()
	if err := c.store.SaveCluster(ctx, cl, 0); err != nil {
		if errors.Is(err, state.ErrVersionConflict) {
			return nil, &ConcurrentModificationError{ClusterID: cl.ID, Attempts: 1, Err: err}
		}
		return nil, err
	}
	logutil.Infof(c.opts.Logger, "cluster created: id=%s name=%q data=%d witness=%v rf=%d", cl.ID, cl.Name, req.DataMembers, cl.Witness, cl.ReplicationFactor)

	snap := snapshot(cl, derive(cl))
	c.commit(nil, cl, snap, []Event{{Type: EventClusterCreated}})
	if list, err := c.store.ListClusters(ctx); err == nil {
		obsmetrics.Clusters.Set(float64(len(list)))
	}
	return snap, nil
}

// AddMember appends one up data member in the next free slot.
func (c *Coordinator) AddMember(ctx context.Context, clusterID string) (model.Member, *ClusterSnapshot, error) {
	var added model.Member
	snap, err := c.mutate(ctx, "add", clusterID, func(cl *model.Cluster) ([]Event, error) {
		slot := cl.NextSlot
		m := model.Member{ID: model.MemberID(model.RoleData, slot), Slot: slot, Role: model.RoleData, State: model.StateStarting}
		if cl.Member(m.ID) != nil {
			return nil, invalid("add", fmt.Sprintf("slot %d already taken by %s", slot, m.ID), nil)
		}
		if err := membership.Activate(&m); err != nil {
			return nil, invalid("add", "activate member", err)
		}
		cl.Members = append(cl.Members, m)
		model.SortMembers(cl.Members)
		cl.NextSlot = slot + 1
		added = m
		return []Event{{Type: EventMemberAdded, MemberID: m.ID}}, nil
	})
	if err != nil {
		return model.Member{}, nil, err
	}
	return added, snap, nil
}

// MarkMemberDown records a member failure.
func (c *Coordinator) MarkMemberDown(ctx context.Context, clusterID, memberID string) (*ClusterSnapshot, error) {
	return c.transition(ctx, "down", clusterID, memberID, membership.MarkDown, EventMemberDown)
}

// MarkMemberUp records a recovery of a down member.
func (c *Coordinator) MarkMemberUp(ctx context.Context, clusterID, memberID string) (*ClusterSnapshot, error) {
	return c.transition(ctx, "up", clusterID, memberID, membership.MarkUp, EventMemberUp)
}

func (c *Coordinator) transition(ctx context.Context, op, clusterID, memberID string, step func(*model.Member) error, typ EventType) (*ClusterSnapshot, error) {
	return c.mutate(ctx, op, clusterID, func(cl *model.Cluster) ([]Event, error) {
		m := cl.Member(memberID)
		if m == nil {
			return nil, &NotFoundError{Kind: "member", ID: memberID}
		}
		if err := step(m); err != nil {
			return nil, invalid(op, "illegal transition", err)
		}
		return []Event{{Type: typ, MemberID: memberID}}, nil
	})
}

// RemoveMember stops an up member and deletes it from the cluster. The
// member is also dropped from any active partition group.
func (c *Coordinator) RemoveMember(ctx context.Context, clusterID, memberID string) (*ClusterSnapshot, error) {
	return c.mutate(ctx, "remove", clusterID, func(cl *model.Cluster) ([]Event, error) {
		m := cl.Member(memberID)
		if m == nil {
			return nil, &NotFoundError{Kind: "member", ID: memberID}
		}
		if err := membership.BeginStop(m); err != nil {
			return nil, invalid("remove", "illegal transition", err)
		}
		if err := membership.Finish(m); err != nil {
			return nil, invalid("remove", "illegal transition", err)
		}
		cl.RemoveMember(memberID)
		if cl.Partition != nil {
			for i, g := range cl.Partition.Groups {
				cl.Partition.Groups[i] = without(g, memberID)
			}
		}
		return []Event{{Type: EventMemberRemoved, MemberID: memberID}}, nil
	})
}

// Partition records a simulated split. Only one split may be active.
func (c *Coordinator) Partition(ctx context.Context, clusterID string, groups [][]string) (*ClusterSnapshot, error) {
	return c.split(ctx, "partition", clusterID, func(*model.Cluster) ([][]string, error) { return groups, nil })
}

// Isolate cuts one member off from every other up member.
func (c *Coordinator) Isolate(ctx context.Context, clusterID, memberID string) (*ClusterSnapshot, error) {
	return c.split(ctx, "isolate", clusterID, func(cl *model.Cluster) ([][]string, error) {
		if cl.Member(memberID) == nil {
			return nil, &NotFoundError{Kind: "member", ID: memberID}
		}
		return partition.IsolateGroups(cl.Members, memberID), nil
	})
}

func (c *Coordinator) split(ctx context.Context, op, clusterID string, groupsOf func(*model.Cluster) ([][]string, error)) (*ClusterSnapshot, error) {
	var ev model.PartitionEvent
	snap, err := c.mutate(ctx, op, clusterID, func(cl *model.Cluster) ([]Event, error) {
		if cl.Partition != nil {
			return nil, invalid(op, "cluster is already partitioned; heal first", nil)
		}
		groups, err := groupsOf(cl)
		if err != nil {
			return nil, err
		}
		ev, err = partition.Classify(cl.ID, cl.Members, groups, c.opts.Now())
		if err != nil {
			return nil, invalid(op, "bad partition groups", err)
		}
		rec := &model.PartitionRecord{CreatedAt: ev.At, Groups: make([][]string, len(groups))}
		for i, g := range groups {
			rec.Groups[i] = append([]string(nil), g...)
		}
		cl.Partition = rec
		return []Event{{Type: EventPartitioned, Partition: &ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	obsmetrics.Partitions.WithLabelValues(clusterID).Inc()
	if err := c.opts.Enforcer.Enforce(ctx, ev); err != nil {
		logutil.Errorf(c.opts.Logger, "partition enforcement failed: cluster=%s: %v", clusterID, err)
		snap.Warnings = append(snap.Warnings, "partition recorded but enforcement failed: "+err.Error())
	}
	return snap, nil
}

// Heal dissolves the active partition. Healing an unpartitioned cluster is
// a no-op that returns the current view.
func (c *Coordinator) Heal(ctx context.Context, clusterID string) (*ClusterSnapshot, error) {
	healed := false
	snap, err := c.mutate(ctx, "heal", clusterID, func(cl *model.Cluster) ([]Event, error) {
		if cl.Partition == nil {
			return nil, errNoChange
		}
		cl.Partition = nil
		healed = true
		return []Event{{Type: EventHealed}}, nil
	})
	if err != nil || !healed {
		return snap, err
	}
	if err := c.opts.Enforcer.Heal(ctx, clusterID); err != nil {
		logutil.Errorf(c.opts.Logger, "partition heal enforcement failed: cluster=%s: %v", clusterID, err)
		snap.Warnings = append(snap.Warnings, "partition healed but enforcement failed: "+err.Error())
	}
	return snap, nil
}

// UpdateFacts records externally observed load, capacity and sync facts.
func (c *Coordinator) UpdateFacts(ctx context.Context, clusterID, memberID string, f model.Facts) (*ClusterSnapshot, error) {
	return c.mutate(ctx, "facts", clusterID, func(cl *model.Cluster) ([]Event, error) {
		m := cl.Member(memberID)
		if m == nil {
			return nil, &NotFoundError{Kind: "member", ID: memberID}
		}
		if (f.Load != nil && *f.Load < 0) || (f.Capacity != nil && *f.Capacity < 0) ||
			(f.DataSize != nil && *f.DataSize < 0) || (f.UsedCapacity != nil && *f.UsedCapacity < 0) {
			return nil, invalid("facts", "negative fact", nil)
		}
		f.Apply(m)
		return nil, nil
	})
}

// Status returns the current derived view without writing anything.
func (c *Coordinator) Status(ctx context.Context, clusterID string) (_ *ClusterSnapshot, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.Status", attribute.String("cluster", clusterID))
	defer func() {
		span.End(err)
		c.count("status", err)
	}()
	cl, err := c.store.LoadCluster(ctx, clusterID)
	if err != nil {
		return nil, c.loadErr(clusterID, err)
	}
	return snapshot(cl, derive(cl)), nil
}

// List returns a view of every stored cluster ordered by id.
func (c *Coordinator) List(ctx context.Context) (_ []*ClusterSnapshot, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.List")
	defer func() {
		span.End(err)
		c.count("list", err)
	}()
	cls, err := c.store.ListClusters(ctx)
	if err != nil {
		return nil, err
	}
	sortClusters(cls)
	obsmetrics.Clusters.Set(float64(len(cls)))
	out := make([]*ClusterSnapshot, 0, len(cls))
	for _, cl := range cls {
		out = append(out, snapshot(cl, derive(cl)))
	}
	return out, nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
