package model

import "fmt"

// Role tags a member as data-bearing or vote-only.
type Role string

const (
	RoleData    Role = "data"
	RoleWitness Role = "witness"
)

// State is a member's lifecycle state. Transitions are owned by the
// membership package; this package only names them.
type State string

const (
	StateStarting State = "starting"
	StateUp       State = "up"
	StateDown     State = "down"
	StateStopping State = "stopping"
)

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateStarting, StateUp, StateDown, StateStopping:
		return true
	}
	return false
}

// Member is a data node or witness slot within a cluster. Load, capacity and
// sync facts are supplied by callers; the engine never measures them.
type Member struct {
	ID    string `json:"id"`
	Slot  int    `json:"slot"`
	Role  Role   `json:"role"`
	State State  `json:"state"`
	Addr  string `json:"addr,omitempty"`

	Load         float64 `json:"load"`
	Capacity     float64 `json:"capacity"`
	DataSize     int64   `json:"dataSize"`
	UsedCapacity int64   `json:"usedCapacity"`
	InSync       bool    `json:"inSync"`
}

// IsWitness reports whether the member is a vote-only witness.
func (m Member) IsWitness() bool { return m.Role == RoleWitness }

// IsUp reports whether the member's lifecycle state is up.
func (m Member) IsUp() bool { return m.State == StateUp }

// MemberID derives the identifier for a membership slot. Slots are zero
// padded to three digits, so lexical order follows slot order only below
// slot 1000; "node-1000" sorts before "node-999".
func MemberID(role Role, slot int) string {
	prefix := "node"
	if role == RoleWitness {
		prefix = "witness"
	}
	return fmt.Sprintf("%s-%03d", prefix, slot)
}

// Facts carries externally observed numeric facts for a member.
type Facts struct {
	Addr         *string  `json:"addr,omitempty"`
	Load         *float64 `json:"load,omitempty"`
	Capacity     *float64 `json:"capacity,omitempty"`
	DataSize     *int64   `json:"dataSize,omitempty"`
	UsedCapacity *int64   `json:"usedCapacity,omitempty"`
	InSync       *bool    `json:"inSync,omitempty"`
}

// Apply copies the set fields of f onto m. Witnesses hold no data, so their
// data size and used capacity are always forced to zero.
func (f Facts) Apply(m *Member) {
	if f.Addr != nil {
		m.Addr = *f.Addr
	}
	if f.Load != nil {
		m.Load = *f.Load
	}
	if f.Capacity != nil {
		m.Capacity = *f.Capacity
	}
	if f.DataSize != nil {
		m.DataSize = *f.DataSize
	}
	if f.UsedCapacity != nil {
		m.UsedCapacity = *f.UsedCapacity
	}
	if f.InSync != nil {
		m.InSync = *f.InSync
	}
	if m.IsWitness() {
		m.DataSize = 0
		m.UsedCapacity = 0
	}
}
