package cluster

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/amirimatin/go-quorum/pkg/partition"
	"github.com/amirimatin/go-quorum/pkg/state"
)

// Options carries the coordinator's collaborators. Instances are typically
// produced from bootstrap.Config.
type Options struct {
	// Store is the persistence collaborator (required).
	Store state.Store
	// Logger defaults to log.Default().
	Logger *log.Logger
	// Enforcer applies simulated partitions to real infrastructure.
	// Defaults to a partition.LogEnforcer on Logger.
	Enforcer partition.Enforcer

	// ConflictRetries is how many times a stale write is retried before the
	// call fails with ConcurrentModificationError. Defaults to 3.
	ConflictRetries uint
	// RetryDelay is the pause between conflict retries. Zero retries at once.
	RetryDelay time.Duration

	// DefaultType tags clusters created without a type.
	DefaultType string

	// Now and NewID are clock and id sources, replaceable in tests.
	Now   func() time.Time
	NewID func() string
}

// Validate checks required fields. It is safe to call before New.
func (o Options) Validate() error {
	if o.Store == nil {
		return errors.New("cluster: nil Store")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Enforcer == nil {
		o.Enforcer = partition.LogEnforcer{Logger: o.Logger}
	}
	if o.ConflictRetries == 0 {
		o.ConflictRetries = 3
	}
	if o.DefaultType == "" {
		o.DefaultType = "generic"
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}
