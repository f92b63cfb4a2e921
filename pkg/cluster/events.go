package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/amirimatin/go-quorum/pkg/model"
)

type EventType string

const (
	EventClusterCreated EventType = "cluster_created"
	EventMemberAdded    EventType = "member_added"
	EventMemberDown     EventType = "member_down"
	EventMemberUp       EventType = "member_up"
	EventMemberRemoved  EventType = "member_removed"
	EventLeaderChanged  EventType = "leader_changed"
	EventHealthChanged  EventType = "health_changed"
	EventQuorumLost     EventType = "quorum_lost"
	EventQuorumRegained EventType = "quorum_regained"
	EventPartitioned    EventType = "partitioned"
	EventHealed         EventType = "healed"
)

// Event reports one committed change. Only the fields relevant to Type are
// set.
type Event struct {
	Type       EventType             `json:"type"`
	ClusterID  string                `json:"clusterId"`
	At         time.Time             `json:"at"`
	MemberID   string                `json:"memberId,omitempty"`
	Leader     string                `json:"leader,omitempty"`
	PrevLeader string                `json:"prevLeader,omitempty"`
	Health     model.Health          `json:"health,omitempty"`
	PrevHealth model.Health          `json:"prevHealth,omitempty"`
	Partition  *model.PartitionEvent `json:"partition,omitempty"`
}

// Subscribe returns a buffered channel of events that is closed when ctx is
// done. Delivery is best effort: a subscriber that falls behind misses
// events rather than stalling the coordinator.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	c.eb.add(ch)
	go func() {
		<-ctx.Done()
		c.eb.remove(ch)
		close(ch)
	}()
	return ch
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
}

func (e *eventBus) publish(evs ...Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range evs {
		for ch := range e.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
