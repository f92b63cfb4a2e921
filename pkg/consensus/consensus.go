// Package consensus holds the leader election rule and the small contracts
// shared with the replicated store.
package consensus

import "time"

// Command is a replicated log entry. Op selects the state machine action and
// Payload carries its JSON arguments.
type Command struct {
	Op      string `json:"op"`
	Payload []byte `json:"payload"`
}

// Reconfigurer is implemented by replicated stores that support adding and
// removing voting replicas at runtime.
type Reconfigurer interface {
	AddVoter(id, addr string, timeout time.Duration) error
	RemoveServer(id string, timeout time.Duration) error
}
