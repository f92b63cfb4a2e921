// Package partition classifies simulated network splits into a majority
// group, which keeps accepting writes, and read-only minority groups.
package partition

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/amirimatin/go-quorum/pkg/consensus"
	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/quorum"
)

var (
	ErrTooFewGroups  = errors.New("partition: at least two groups are required")
	ErrEmptyGroup    = errors.New("partition: empty group")
	ErrOverlap       = errors.New("partition: groups overlap")
	ErrUnknownMember = errors.New("partition: unknown member")
	ErrMemberNotUp   = errors.New("partition: member is not up")
)

// Validate checks that groups is a usable split of members: two or more
// non-empty disjoint groups naming only up members.
func Validate(members []model.Member, groups [][]string) error {
	if len(groups) < 2 {
		return ErrTooFewGroups
	}
	byID := make(map[string]model.Member, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}
	seen := make(map[string]int)
	for i, g := range groups {
		if len(g) == 0 {
			return fmt.Errorf("%w: group %d", ErrEmptyGroup, i)
		}
		for _, id := range g {
			m, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownMember, id)
			}
			if !m.IsUp() {
				return fmt.Errorf("%w: %s is %s", ErrMemberNotUp, id, m.State)
			}
			if j, dup := seen[id]; dup {
				return fmt.Errorf("%w: %s in groups %d and %d", ErrOverlap, id, j, i)
			}
			seen[id] = i
		}
	}
	return nil
}

// Classify validates groups and labels each one. Majority is judged against
// the full configured membership, down members included. Up members left out
// of every group are reported as excluded.
func Classify(clusterID string, members []model.Member, groups [][]string, at time.Time) (model.PartitionEvent, error) {
	if err := Validate(members, groups); err != nil {
		return model.PartitionEvent{}, err
	}
	return Evaluate(clusterID, members, groups, at), nil
}

// Evaluate labels groups without validating them. Members that are no longer
// up or no longer exist are dropped from their group first, which is how a
// stored split is re-read after lifecycle changes.
func Evaluate(clusterID string, members []model.Member, groups [][]string, at time.Time) model.PartitionEvent {
	total := len(members)
	ev := model.PartitionEvent{
		ClusterID: clusterID,
		Total:     total,
		Quorum:    quorum.Quorum(total),
		Groups:    make([]model.PartitionGroup, 0, len(groups)),
		At:        at,
	}
	up := make(map[string]bool, len(members))
	for _, m := range members {
		up[m.ID] = m.IsUp()
	}
	grouped := make(map[string]struct{})
	majority := false
	for _, g := range groups {
		live := make([]string, 0, len(g))
		for _, id := range g {
			if up[id] {
				live = append(live, id)
			}
			grouped[id] = struct{}{}
		}
		pg := model.PartitionGroup{Members: live}
		// Two groups can never both hold a strict majority of one total; the
		// guard keeps that true even for a hand-edited record with overlaps.
		if !majority && quorum.HasQuorum(len(live), total) {
			pg.Majority = true
			majority = true
		}
		pg.Leader, _ = consensus.ElectAmong(members, live)
		ev.Groups = append(ev.Groups, pg)
	}
	for _, m := range members {
		if _, ok := grouped[m.ID]; !ok && m.IsUp() {
			ev.Excluded = append(ev.Excluded, m.ID)
		}
	}
	sort.Strings(ev.Excluded)
	return ev
}

// IsolateGroups builds the two-group split that cuts target off from every
// other up member.
func IsolateGroups(members []model.Member, target string) [][]string {
	rest := make([]string, 0, len(members))
	for _, m := range members {
		if m.ID != target && m.IsUp() {
			rest = append(rest, m.ID)
		}
	}
	return [][]string{{target}, rest}
}

// Reachable returns the ids of members that can currently reach the majority.
// With no active split every up member is reachable. With a split and no
// majority nobody is.
func Reachable(ev *model.PartitionEvent, members []model.Member) map[string]bool {
	out := make(map[string]bool, len(members))
	if ev == nil {
		for _, m := range members {
			out[m.ID] = m.IsUp()
		}
		return out
	}
	if i := ev.MajorityGroup(); i >= 0 {
		for _, id := range ev.Groups[i].Members {
			out[id] = true
		}
	}
	return out
}
