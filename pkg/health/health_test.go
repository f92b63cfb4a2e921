package health

import (
	"testing"

	"github.com/amirimatin/go-quorum/pkg/model"
)

func members(states ...model.State) []model.Member {
	out := make([]model.Member, len(states))
	for i, s := range states {
		out[i] = model.Member{ID: model.MemberID(model.RoleData, i+1), Slot: i + 1, Role: model.RoleData, State: s}
	}
	return out
}

func TestClusterHealth(t *testing.T) {
	up, down := model.StateUp, model.StateDown
	cases := []struct {
		name string
		in   []model.Member
		want model.Health
	}{
		{"3 of 3", members(up, up, up), model.HealthHealthy},
		{"2 of 3", members(up, up, down), model.HealthDegraded},
		{"1 of 3", members(up, down, down), model.HealthUnhealthy},
		{"2 of 4", members(up, up, down, down), model.HealthUnhealthy},
		{"3 of 5", members(up, up, up, down, down), model.HealthDegraded},
		{"empty", nil, model.HealthUnhealthy},
		{"starting counts as not up", members(up, model.StateStarting, up), model.HealthDegraded},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ClusterHealth(c.in); got != c.want {
				t.Fatalf("ClusterHealth = %s, want %s", got, c.want)
			}
		})
	}
}

func TestClusterHealth_WitnessVotes(t *testing.T) {
	ms := members(model.StateUp, model.StateDown)
	ms = append(ms, model.Member{ID: "witness-003", Slot: 3, Role: model.RoleWitness, State: model.StateUp})
	if got := ClusterHealth(ms); got != model.HealthDegraded {
		t.Fatalf("witness should keep quorum: got %s", got)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(members(model.StateUp, model.StateDown, model.StateDown))
	if s.Up != 1 || s.Total != 3 || s.Quorum != 2 || !s.QuorumLost || s.Health != model.HealthUnhealthy {
		t.Fatalf("unexpected summary: %+v", s)
	}
}
