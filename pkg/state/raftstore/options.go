package raftstore

import (
	"log"
	"time"
)

// Options configure a replicated store node.
type Options struct {
	NodeID string
	Logger *log.Logger

	// Bootstrap forms a single-voter cluster on Start. Exactly one node of a
	// new replica set should set it.
	Bootstrap bool

	// Zero means raft defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	// ApplyTimeout bounds a write when the caller's context has no deadline.
	ApplyTimeout time.Duration

	// BindAddr selects a TCP transport (e.g. "127.0.0.1:0"). Empty means an
	// in-memory transport.
	BindAddr string

	// DataDir selects on-disk log, stable and snapshot stores. Empty means
	// in-memory stores.
	DataDir           string
	SnapshotsRetained int
}
