package cluster

import (
	"fmt"
	"sort"
	"time"

	"github.com/amirimatin/go-quorum/pkg/consensus"
	"github.com/amirimatin/go-quorum/pkg/health"
	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/partition"
	"github.com/amirimatin/go-quorum/pkg/quorum"
)

// Access levels reported per member.
const (
	AccessReadWrite = "read-write"
	AccessReadOnly  = "read-only"
	AccessNone      = "none"
)

// MemberStatus is a member record plus its derived view.
type MemberStatus struct {
	model.Member
	Leader    bool   `json:"leader"`
	Reachable bool   `json:"reachable"`
	Access    string `json:"access"`
}

// ClusterSnapshot is the read model returned by every coordinator call. All
// derived fields are computed from the record at the time of the call.
type ClusterSnapshot struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	Type              string                `json:"type"`
	ReplicationFactor int                   `json:"replicationFactor"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
	Witness           bool                  `json:"witness"`
	Health            model.Health          `json:"health"`
	QuorumLost        bool                  `json:"quorumLost"`
	Quorum            int                   `json:"quorum"`
	Tolerance         int                   `json:"tolerance"`
	Total             int                   `json:"total"`
	Up                int                   `json:"up"`
	Reachable         int                   `json:"reachable"`
	LeaderID          string                `json:"leaderId,omitempty"`
	Members           []MemberStatus        `json:"members"`
	Partition         *model.PartitionEvent `json:"partition,omitempty"`
	Version           uint64                `json:"version"`
	Warnings          []string              `json:"warnings,omitempty"`
}

// Err returns a *QuorumLostError when the snapshot has no quorum, else nil.
func (s *ClusterSnapshot) Err() error {
	if !s.QuorumLost {
		return nil
	}
	return &QuorumLostError{ClusterID: s.ID, Reachable: s.Reachable, Total: s.Total, Quorum: s.Quorum}
}

// Member returns the status of one member or nil.
func (s *ClusterSnapshot) Member(id string) *MemberStatus {
	for i := range s.Members {
		if s.Members[i].ID == id {
			return &s.Members[i]
		}
	}
	return nil
}

// view is everything derived from a record in one pass.
type view struct {
	summary   health.Summary
	up        int
	leader    string
	hasLeader bool
	partition *model.PartitionEvent
	reachable map[string]bool
}

// derive computes health, leadership and reachability. While a partition is
// active only the majority group counts as up for health and election.
func derive(cl *model.Cluster) view {
	var ev *model.PartitionEvent
	if cl.Partition != nil {
		e := partition.Evaluate(cl.ID, cl.Members, cl.Partition.Groups, cl.Partition.CreatedAt)
		ev = &e
	}
	reach := partition.Reachable(ev, cl.Members)
	eff := make([]model.Member, len(cl.Members))
	up := 0
	for i, m := range cl.Members {
		if m.IsUp() {
			up++
			if !reach[m.ID] {
				m.State = model.StateDown
			}
		}
		eff[i] = m
	}
	v := view{summary: health.Summarize(eff), up: up, partition: ev, reachable: reach}
	v.leader, v.hasLeader = consensus.ElectLeader(eff)
	return v
}

// apply stores the derived health and leader on the record. The leader record
// keeps its ElectedAt while leadership is unchanged.
func (v view) apply(cl *model.Cluster, now time.Time) {
	cl.Health = v.summary.Health
	switch {
	case !v.hasLeader:
		cl.Leader = nil
	case cl.Leader == nil || cl.Leader.MemberID != v.leader:
		cl.Leader = &model.LeaderRecord{ClusterID: cl.ID, MemberID: v.leader, ElectedAt: now}
	}
}

func snapshot(cl *model.Cluster, v view) *ClusterSnapshot {
	s := &ClusterSnapshot{
		ID:                cl.ID,
		Name:              cl.Name,
		Type:              cl.Type,
		ReplicationFactor: cl.ReplicationFactor,
		CreatedAt:         cl.CreatedAt,
		UpdatedAt:         cl.UpdatedAt,
		Witness:           cl.Witness,
		Health:            v.summary.Health,
		QuorumLost:        v.summary.QuorumLost,
		Quorum:            v.summary.Quorum,
		Tolerance:         quorum.Tolerance(v.summary.Total),
		Total:             v.summary.Total,
		Up:                v.up,
		Reachable:         v.summary.Up,
		LeaderID:          v.leader,
		Members:           make([]MemberStatus, 0, len(cl.Members)),
		Partition:         v.partition,
		Version:           cl.Version,
	}
	groupAccess := map[string]string{}
	if v.partition != nil {
		for _, g := range v.partition.Groups {
			for _, id := range g.Members {
				groupAccess[id] = g.Access()
			}
		}
	}
	for _, m := range cl.Members {
		ms := MemberStatus{Member: m, Leader: v.hasLeader && m.ID == v.leader, Reachable: v.reachable[m.ID]}
		switch {
		case !m.IsUp():
			ms.Access = AccessNone
		case v.partition != nil:
			ms.Access = groupAccess[m.ID]
			if ms.Access == "" {
				ms.Access = AccessNone
			}
		case v.summary.QuorumLost:
			ms.Access = AccessReadOnly
		default:
			ms.Access = AccessReadWrite
		}
		s.Members = append(s.Members, ms)
	}
	s.Warnings = warnings(cl, v)
	return s
}

func warnings(cl *model.Cluster, v view) []string {
	out := cl.Check()
	if n := len(cl.Members); n > 0 && n%2 == 0 {
		out = append(out, fmt.Sprintf("even voting membership (%d): a %d/%d split leaves no majority", n, n/2, n/2))
	}
	if v.summary.QuorumLost {
		out = append(out, fmt.Sprintf("quorum lost: %d of %d reachable, need %d", v.summary.Up, v.summary.Total, v.summary.Quorum))
	}
	if v.partition != nil && len(v.partition.Excluded) > 0 {
		out = append(out, fmt.Sprintf("members outside every partition group: %v", v.partition.Excluded))
	}
	return out
}

func sortClusters(cls []*model.Cluster) {
	sort.Slice(cls, func(i, j int) bool { return cls[i].ID < cls[j].ID })
}
