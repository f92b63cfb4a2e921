package partition

import (
	"context"
	"log"

	"github.com/amirimatin/go-quorum/pkg/model"
)

// Enforcer applies a split to real infrastructure, for example by installing
// firewall rules. The coordinator calls it after a split is recorded and
// after it is healed; it never implements enforcement itself.
type Enforcer interface {
	Enforce(ctx context.Context, ev model.PartitionEvent) error
	Heal(ctx context.Context, clusterID string) error
}

// NopEnforcer does nothing.
type NopEnforcer struct{}

func (NopEnforcer) Enforce(context.Context, model.PartitionEvent) error { return nil }
func (NopEnforcer) Heal(context.Context, string) error                  { return nil }

// LogEnforcer only logs what a real enforcer would do.
type LogEnforcer struct {
	Logger *log.Logger
}

func (e LogEnforcer) Enforce(_ context.Context, ev model.PartitionEvent) error {
	for i, g := range ev.Groups {
		e.logger().Printf("partition: cluster=%s group=%d access=%s members=%v leader=%q", ev.ClusterID, i, g.Access(), g.Members, g.Leader)
	}
	return nil
}

func (e LogEnforcer) Heal(_ context.Context, clusterID string) error {
	e.logger().Printf("partition: cluster=%s healed", clusterID)
	return nil
}

func (e LogEnforcer) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}
