package model

import "time"

// PartitionGroup is one side of a simulated split. A majority group accepts
// reads and writes; every other group is read-only.
type PartitionGroup struct {
	Members  []string `json:"members"`
	Majority bool     `json:"majority"`
	Leader   string   `json:"leader,omitempty"`
}

// Access returns "read-write" for the majority group and "read-only" otherwise.
func (g PartitionGroup) Access() string {
	if g.Majority {
		return "read-write"
	}
	return "read-only"
}

// PartitionEvent is a point-in-time classification of a split. It is
// simulation output only and is never persisted.
type PartitionEvent struct {
	ClusterID string           `json:"clusterId"`
	Total     int              `json:"total"`
	Quorum    int              `json:"quorum"`
	Groups    []PartitionGroup `json:"groups"`
	Excluded  []string         `json:"excluded,omitempty"`
	At        time.Time        `json:"at"`
}

// MajorityGroup returns the index of the majority group or -1.
func (e PartitionEvent) MajorityGroup() int {
	for i, g := range e.Groups {
		if g.Majority {
			return i
		}
	}
	return -1
}
