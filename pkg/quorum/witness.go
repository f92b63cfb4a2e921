package quorum

import "github.com/amirimatin/go-quorum/pkg/model"

// NeedsWitness reports whether a cluster of dataMembers voting members should
// receive a witness. Only even sizes with forceQuorum set get one; odd sizes
// already rule out a tied split.
func NeedsWitness(dataMembers int, forceQuorum bool) bool {
	return forceQuorum && dataMembers > 0 && dataMembers%2 == 0
}

// InjectWitness appends exactly one witness to members when the policy asks
// for it. The witness takes the slot after the highest existing slot, starts
// up and carries no data facts. It returns the possibly extended slice and
// whether a witness was added.
//
// The policy is evaluated once at cluster creation; later membership changes
// do not re-run it.
func InjectWitness(members []model.Member, forceQuorum bool) ([]model.Member, bool) {
	data, slot := 0, 0
	for _, m := range members {
		if m.IsWitness() {
			return members, false
		}
		data++
		if m.Slot > slot {
			slot = m.Slot
		}
	}
	if !NeedsWitness(data, forceQuorum) {
		return members, false
	}
	slot++
	return append(members, model.Member{
		ID:    model.MemberID(model.RoleWitness, slot),
		Slot:  slot,
		Role:  model.RoleWitness,
		State: model.StateUp,
	}), true
}
