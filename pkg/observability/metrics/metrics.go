// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amirimatin/go-quorum/pkg/model"
)

const namespace = "quorum"

var (
	once sync.Once

	Clusters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clusters",
		Help:      "Number of clusters known to this coordinator",
	})

	Members = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "members",
		Help:      "Members per cluster and lifecycle state",
	}, []string{"cluster", "state"})

	Health = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health",
		Help:      "Cluster health: 0 healthy, 1 degraded, 2 unhealthy",
	}, []string{"cluster"})

	QuorumReachable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quorum_reachable",
		Help:      "1 if the cluster has quorum, else 0",
	}, []string{"cluster"})

	LeaderChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_changes_total",
		Help:      "Leader changes per cluster, including loss of leader",
	}, []string{"cluster"})

	Partitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "partitions_total",
		Help:      "Simulated partitions applied per cluster",
	}, []string{"cluster"})

	Conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicts_total",
		Help:      "Optimistic version conflicts seen on save",
	})

	Ops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ops_total",
		Help:      "Coordinator operations by name and result",
	}, []string{"op", "result"})

	GossipEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gossip_events_total",
		Help:      "Gossip liveness events by type and outcome",
	}, []string{"type", "result"})

	GossipHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gossip_health_score",
		Help:      "Failure detector awareness score of the agent feeding a cluster; 0 is healthy",
	}, []string{"cluster"})

	JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replica_join_requests_total",
		Help:      "Store replica join and leave requests handled by this node",
	}, []string{"op", "result"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "New gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "gRPC connections reused from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Active cached gRPC connections",
	})
)

// Register registers every collector with the default registry. It is safe to
// call more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			Clusters, Members, Health, QuorumReachable,
			LeaderChanges, Partitions, Conflicts, Ops, GossipEvents, GossipHealth, JoinRequests,
			GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive,
		)
	})
}

// HealthValue maps a verdict onto the Health gauge scale.
func HealthValue(h model.Health) float64 {
	switch h {
	case model.HealthHealthy:
		return 0
	case model.HealthDegraded:
		return 1
	default:
		return 2
	}
}

// ObserveCluster refreshes the per-cluster gauges from a record and its
// derived quorum flag.
func ObserveCluster(cl *model.Cluster, hasQuorum bool) {
	counts := map[model.State]int{
		model.StateStarting: 0,
		model.StateUp:       0,
		model.StateDown:     0,
		model.StateStopping: 0,
	}
	for _, m := range cl.Members {
		counts[m.State]++
	}
	for s, n := range counts {
		Members.WithLabelValues(cl.ID, string(s)).Set(float64(n))
	}
	Health.WithLabelValues(cl.ID).Set(HealthValue(cl.Health))
	q := 0.0
	if hasQuorum {
		q = 1
	}
	QuorumReachable.WithLabelValues(cl.ID).Set(q)
}
