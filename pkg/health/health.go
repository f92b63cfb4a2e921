// Package health classifies a cluster from the lifecycle state of its members.
package health

import (
	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/quorum"
)

// Summary is the outcome of one aggregation pass.
type Summary struct {
	Health     model.Health `json:"health"`
	Up         int          `json:"up"`
	Total      int          `json:"total"`
	Quorum     int          `json:"quorum"`
	QuorumLost bool         `json:"quorumLost"`
}

// Count returns the number of up members and the total. Witnesses count on
// both sides since they vote.
func Count(members []model.Member) (up, total int) {
	for _, m := range members {
		if m.IsUp() {
			up++
		}
	}
	return up, len(members)
}

// Classify maps an up/total pair to a verdict.
func Classify(up, total int) model.Health {
	switch {
	case total > 0 && up == total:
		return model.HealthHealthy
	case quorum.HasQuorum(up, total):
		return model.HealthDegraded
	default:
		return model.HealthUnhealthy
	}
}

// ClusterHealth is the aggregate verdict for members.
func ClusterHealth(members []model.Member) model.Health {
	return Classify(Count(members))
}

// Summarize returns the verdict together with the counts that produced it.
func Summarize(members []model.Member) Summary {
	up, total := Count(members)
	return Summary{
		Health:     Classify(up, total),
		Up:         up,
		Total:      total,
		Quorum:     quorum.Quorum(total),
		QuorumLost: !quorum.HasQuorum(up, total),
	}
}
