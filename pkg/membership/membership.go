// Package membership owns the member lifecycle state machine and the gossip
// abstraction that feeds liveness changes into a coordinator.
package membership

import (
	"context"
	"time"
)

// MetaMemberID is the gossip metadata key naming the cluster member a gossip
// node speaks for. Nodes without it are matched by their gossip name.
const MetaMemberID = "member"

// MemberInfo describes a peer as observed by the gossip layer.
type MemberInfo struct {
	ID   string
	Addr string
	Meta map[string]string
}

// MemberID returns the cluster member id this peer represents.
func (m MemberInfo) MemberID() string {
	if id := m.Meta[MetaMemberID]; id != "" {
		return id
	}
	return m.ID
}

type EventType string

const (
	// EventJoin indicates a peer joined or became visible again.
	EventJoin EventType = "join"
	// EventLeave indicates a peer left gracefully.
	EventLeave EventType = "leave"
	// EventFailed indicates the failure detector declared the peer dead.
	EventFailed EventType = "failed"
)

// Event is a translated gossip notification.
type Event struct {
	Type   EventType
	Member MemberInfo
	At     time.Time
}

// Membership abstracts the gossip and failure detection layer.
type Membership interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() MemberInfo
	Members() []MemberInfo
	Events() <-chan Event
	Leave() error
	Stop() error
}
