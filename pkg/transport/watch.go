package transport

import (
	"context"
	"fmt"

	"github.com/amirimatin/go-quorum/pkg/cluster"
)

// OpWatch streams committed events. Only streaming servers support it.
const OpWatch = "watch"

// Subscriber is implemented by coordinators that publish events.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan cluster.Event
}

// Watch forwards events for clusterID (all clusters when empty) to send
// until ctx ends or send fails.
func (h *Handler) Watch(ctx context.Context, clusterID string, send func(cluster.Event) error) error {
	sub, ok := h.Coord.(Subscriber)
	if !ok {
		return fmt.Errorf("%s: %w", OpWatch, errUnsupported)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for ev := range sub.Subscribe(ctx) {
		if clusterID != "" && ev.ClusterID != clusterID {
			continue
		}
		if err := send(ev); err != nil {
			return err
		}
	}
	return ctx.Err()
}
