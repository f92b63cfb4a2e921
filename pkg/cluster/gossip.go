package cluster

import (
	"context"
	"errors"

	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	"github.com/amirimatin/go-quorum/pkg/membership"
	"github.com/amirimatin/go-quorum/pkg/model"
	obsmetrics "github.com/amirimatin/go-quorum/pkg/observability/metrics"
)

// WatchMembership feeds gossip liveness into a cluster: a failed or departed
// peer is marked down and a rejoining peer is marked up. Peers are matched
// to members through membership.MemberInfo.MemberID. Events that do not
// change a member's state are ignored. It returns when ctx is done or the
// event channel closes.
func (c *Coordinator) WatchMembership(ctx context.Context, clusterID string, mem membership.Membership) error {
	events := mem.Events()
	observeGossipHealth(clusterID, mem)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.applyGossip(ctx, clusterID, ev)
			observeGossipHealth(clusterID, mem)
		}
	}
}

// observeGossipHealth exports the agent's awareness score when it has one.
func observeGossipHealth(clusterID string, mem membership.Membership) {
	if hr, ok := mem.(membership.HealthReporter); ok {
		obsmetrics.GossipHealth.WithLabelValues(clusterID).Set(float64(hr.HealthScore()))
	}
}

func (c *Coordinator) applyGossip(ctx context.Context, clusterID string, ev membership.Event) {
	id := ev.Member.MemberID()
	var err error
	switch ev.Type {
	case membership.EventJoin:
		err = c.gossipStep(ctx, clusterID, id, model.StateDown, c.MarkMemberUp)
	case membership.EventLeave, membership.EventFailed:
		err = c.gossipStep(ctx, clusterID, id, model.StateUp, c.MarkMemberDown)
	default:
		return
	}
	result := "applied"
	switch {
	case errors.Is(err, errGossipSkip), errors.Is(err, ErrValidation):
		result = "ignored"
	case errors.Is(err, ErrNotFound):
		result = "unknown"
		logutil.Debugf(c.opts.Logger, "gossip %s for unknown member %s in cluster %s", ev.Type, id, clusterID)
	case err != nil:
		result = "error"
		logutil.Warnf(c.opts.Logger, "gossip %s for %s in cluster %s: %v", ev.Type, id, clusterID, err)
	}
	obsmetrics.GossipEvents.WithLabelValues(string(ev.Type), result).Inc()
}

var errGossipSkip = errors.New("cluster: gossip event changes nothing")

// gossipStep applies op only when the member is currently in state from.
func (c *Coordinator) gossipStep(ctx context.Context, clusterID, memberID string, from model.State, op func(context.Context, string, string) (*ClusterSnapshot, error)) error {
	snap, err := c.Status(ctx, clusterID)
	if err != nil {
		return err
	}
	m := snap.Member(memberID)
	if m == nil {
		return &NotFoundError{Kind: "member", ID: memberID}
	}
	if m.State != from {
		return errGossipSkip
	}
	_, err = op(ctx, clusterID, memberID)
	return err
}
