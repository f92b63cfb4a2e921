package consensus

import "github.com/amirimatin/go-quorum/pkg/model"

// Electable reports whether m may hold leadership. Witnesses vote but never
// lead.
func Electable(m model.Member) bool { return m.IsUp() && !m.IsWitness() }

// ElectLeader picks the lexicographically smallest electable member id. The
// same up-set always yields the same leader, so re-running it after a
// restart or a repeated event is harmless. ok is false when nobody is
// electable.
func ElectLeader(members []model.Member) (id string, ok bool) {
	for _, m := range members {
		if !Electable(m) {
			continue
		}
		if !ok || m.ID < id {
			id, ok = m.ID, true
		}
	}
	return id, ok
}

// ElectAmong runs ElectLeader restricted to the given member ids.
func ElectAmong(members []model.Member, ids []string) (string, bool) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	subset := make([]model.Member, 0, len(ids))
	for _, m := range members {
		if _, ok := want[m.ID]; ok {
			subset = append(subset, m)
		}
	}
	return ElectLeader(subset)
}
