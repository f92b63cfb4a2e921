// Package model holds the records exchanged between the coordinator and its
// persistence collaborator. Types here carry no behavior beyond copying and
// invariant checks.
package model

import (
	"fmt"
	"sort"
	"time"
)

// Health is the derived cluster health verdict.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// LeaderRecord names the member currently holding leadership of a cluster.
type LeaderRecord struct {
	ClusterID string    `json:"clusterId"`
	MemberID  string    `json:"memberId"`
	ElectedAt time.Time `json:"electedAt"`
}

// PartitionRecord is an active simulated network split. Groups keep the
// order supplied by the caller.
type PartitionRecord struct {
	Groups    [][]string `json:"groups"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Cluster is the persisted cluster record. Health and Leader are derived by
// the coordinator on every read and write; callers never set them.
type Cluster struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Type              string           `json:"type"`
	ReplicationFactor int              `json:"replicationFactor"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	Health            Health           `json:"health"`
	Witness           bool             `json:"witness"`
	NextSlot          int              `json:"nextSlot"`
	Members           []Member         `json:"members"`
	Leader            *LeaderRecord    `json:"leader,omitempty"`
	Partition         *PartitionRecord `json:"partition,omitempty"`
	Version           uint64           `json:"version"`
}

// Clone returns a deep copy so snapshots can be mutated independently.
func (c *Cluster) Clone() *Cluster {
	if c == nil {
		return nil
	}
	out := *c
	out.Members = append([]Member(nil), c.Members...)
	if c.Leader != nil {
		l := *c.Leader
		out.Leader = &l
	}
	if c.Partition != nil {
		p := PartitionRecord{CreatedAt: c.Partition.CreatedAt, Groups: make([][]string, len(c.Partition.Groups))}
		for i, g := range c.Partition.Groups {
			p.Groups[i] = append([]string(nil), g...)
		}
		out.Partition = &p
	}
	return &out
}

// Member returns a pointer to the member with the given id, or nil.
func (c *Cluster) Member(id string) *Member {
	for i := range c.Members {
		if c.Members[i].ID == id {
			return &c.Members[i]
		}
	}
	return nil
}

// RemoveMember drops the member with the given id and reports whether it was present.
func (c *Cluster) RemoveMember(id string) bool {
	for i := range c.Members {
		if c.Members[i].ID == id {
			c.Members = append(c.Members[:i], c.Members[i+1:]...)
			return true
		}
	}
	return false
}

// DataMembers counts non-witness members.
func (c *Cluster) DataMembers() int {
	n := 0
	for _, m := range c.Members {
		if !m.IsWitness() {
			n++
		}
	}
	return n
}

// LeaderID returns the current leader id or "" when there is none.
func (c *Cluster) LeaderID() string {
	if c.Leader == nil {
		return ""
	}
	return c.Leader.MemberID
}

// Check evaluates the record invariants and returns one message per
// violation. Violations are reported conditions, never panics.
func (c *Cluster) Check() []string {
	var out []string
	seen := make(map[string]struct{}, len(c.Members))
	up := 0
	for _, m := range c.Members {
		if _, dup := seen[m.ID]; dup {
			out = append(out, fmt.Sprintf("duplicate member id %q", m.ID))
		}
		seen[m.ID] = struct{}{}
		if !m.State.Valid() {
			out = append(out, fmt.Sprintf("member %q has unknown state %q", m.ID, m.State))
		}
		if m.IsUp() {
			up++
		}
		if m.IsWitness() && (m.DataSize > 0 || m.UsedCapacity > 0) {
			out = append(out, fmt.Sprintf("witness %q reports data (size=%d used=%d)", m.ID, m.DataSize, m.UsedCapacity))
		}
	}
	if dm := c.DataMembers(); c.ReplicationFactor > dm {
		out = append(out, fmt.Sprintf("replication factor %d exceeds data members %d", c.ReplicationFactor, dm))
	}
	if c.Leader != nil {
		if up == 0 {
			out = append(out, fmt.Sprintf("leader %q recorded with no member up", c.Leader.MemberID))
		} else if m := c.Member(c.Leader.MemberID); m == nil || !m.IsUp() {
			out = append(out, fmt.Sprintf("leader %q is not an up member", c.Leader.MemberID))
		}
	}
	return out
}

// SortMembers orders members by slot, then id.
func SortMembers(ms []Member) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Slot != ms[j].Slot {
			return ms[i].Slot < ms[j].Slot
		}
		return ms[i].ID < ms[j].ID
	})
}
