package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/raft"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/consensus"
	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	"github.com/amirimatin/go-quorum/pkg/model"
	obsmetrics "github.com/amirimatin/go-quorum/pkg/observability/metrics"
	"github.com/amirimatin/go-quorum/pkg/observability/tracing"
	"github.com/amirimatin/go-quorum/pkg/state/raftstore"
)

// Management operations.
const (
	OpCreate    = "create"
	OpAdd       = "add"
	OpDown      = "down"
	OpUp        = "up"
	OpRemove    = "remove"
	OpPartition = "partition"
	OpIsolate   = "isolate"
	OpHeal      = "heal"
	OpFacts     = "facts"
	OpStatus    = "status"
	OpList      = "list"
	// OpJoin and OpLeave reconfigure the replicated store, not a cluster.
	OpJoin  = "join"
	OpLeave = "leave"
)

// Error codes carried in Reply.Code.
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeNotLeader   = "not_leader"
	CodeUnsupported = "unsupported"
	CodeInternal    = "internal"
)

// Request is the single envelope for every management call.
type Request struct {
	Op        string                 `json:"op"`
	ClusterID string                 `json:"clusterId,omitempty"`
	MemberID  string                 `json:"memberId,omitempty"`
	Create    *cluster.CreateRequest `json:"create,omitempty"`
	Groups    [][]string             `json:"groups,omitempty"`
	Facts     *model.Facts           `json:"facts,omitempty"`
	Replica   *Replica               `json:"replica,omitempty"`
}

// Replica identifies a store replica for join/leave.
type Replica struct {
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`
}

// Reply carries the result of a Request. Error and Code are set together.
type Reply struct {
	Cluster  *cluster.ClusterSnapshot   `json:"cluster,omitempty"`
	Member   *model.Member              `json:"member,omitempty"`
	Clusters []*cluster.ClusterSnapshot `json:"clusters,omitempty"`
	Leader   string                     `json:"leader,omitempty"`
	Error    string                     `json:"error,omitempty"`
	Code     string                     `json:"code,omitempty"`
}

// Err converts an error reply back into an error matching the cluster
// sentinels.
func (r Reply) Err() error {
	if r.Error == "" && r.Code == "" {
		return nil
	}
	return &RemoteError{Code: r.Code, Message: r.Error}
}

// RemoteError is an error reported by a management server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote: " + e.Code
	}
	return e.Message
}

func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeValidation:
		return target == cluster.ErrValidation
	case CodeNotFound:
		return target == cluster.ErrNotFound
	case CodeConflict:
		return target == cluster.ErrConcurrentModification
	}
	return false
}

// Code classifies err for the wire.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, cluster.ErrValidation):
		return CodeValidation
	case errors.Is(err, cluster.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, cluster.ErrConcurrentModification):
		return CodeConflict
	case errors.Is(err, raftstore.ErrNotLeader), errors.Is(err, raft.ErrNotLeader):
		return CodeNotLeader
	case errors.Is(err, errUnsupported):
		return CodeUnsupported
	}
	var re *RemoteError
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	return CodeInternal
}

var errUnsupported = errors.New("transport: operation not supported")

// Coordinator is the subset of *cluster.Coordinator served remotely.
type Coordinator interface {
	CreateCluster(ctx context.Context, req cluster.CreateRequest) (*cluster.ClusterSnapshot, error)
	AddMember(ctx context.Context, clusterID string) (model.Member, *cluster.ClusterSnapshot, error)
	MarkMemberDown(ctx context.Context, clusterID, memberID string) (*cluster.ClusterSnapshot, error)
	MarkMemberUp(ctx context.Context, clusterID, memberID string) (*cluster.ClusterSnapshot, error)
	RemoveMember(ctx context.Context, clusterID, memberID string) (*cluster.ClusterSnapshot, error)
	Partition(ctx context.Context, clusterID string, groups [][]string) (*cluster.ClusterSnapshot, error)
	Isolate(ctx context.Context, clusterID, memberID string) (*cluster.ClusterSnapshot, error)
	Heal(ctx context.Context, clusterID string) (*cluster.ClusterSnapshot, error)
	UpdateFacts(ctx context.Context, clusterID, memberID string, f model.Facts) (*cluster.ClusterSnapshot, error)
	Status(ctx context.Context, clusterID string) (*cluster.ClusterSnapshot, error)
	List(ctx context.Context) ([]*cluster.ClusterSnapshot, error)
}

var _ Coordinator = (*cluster.Coordinator)(nil)

// LeaderFunc reports the current store leader replica, if known.
type LeaderFunc func() string

// Handler dispatches management requests to a coordinator. Replicas and
// Leader are optional and only used by join/leave.
type Handler struct {
	Coord       Coordinator
	Replicas    consensus.Reconfigurer
	Leader      LeaderFunc
	JoinTimeout time.Duration
	Logger      *log.Logger
}

// Handle runs one request. Failures are reported in the reply, never as a
// transport error.
func (h *Handler) Handle(ctx context.Context, req Request) (out Reply) {
	ctx, span := tracing.StartSpan(ctx, "transport."+req.Op,
		attribute.String("cluster", req.ClusterID), attribute.String("member", req.MemberID))
	var err error
	defer func() {
		span.End(err)
		if err != nil {
			out.Error, out.Code = err.Error(), Code(err)
			if out.Code == CodeNotLeader && h.Leader != nil {
				out.Leader = h.Leader()
			}
			if out.Code == CodeInternal {
				logutil.Errorf(h.Logger, "transport: %s cluster=%s: %v", req.Op, req.ClusterID, err)
			}
		}
	}()

	switch req.Op {
	case OpCreate:
		if req.Create == nil {
			err = badRequest(req.Op, "missing create body")
			return out
		}
		out.Cluster, err = h.Coord.CreateCluster(ctx, *req.Create)
	case OpAdd:
		var m model.Member
		m, out.Cluster, err = h.Coord.AddMember(ctx, req.ClusterID)
		if err == nil {
			out.Member = &m
		}
	case OpDown:
		out.Cluster, err = h.Coord.MarkMemberDown(ctx, req.ClusterID, req.MemberID)
	case OpUp:
		out.Cluster, err = h.Coord.MarkMemberUp(ctx, req.ClusterID, req.MemberID)
	case OpRemove:
		out.Cluster, err = h.Coord.RemoveMember(ctx, req.ClusterID, req.MemberID)
	case OpPartition:
		out.Cluster, err = h.Coord.Partition(ctx, req.ClusterID, req.Groups)
	case OpIsolate:
		out.Cluster, err = h.Coord.Isolate(ctx, req.ClusterID, req.MemberID)
	case OpHeal:
		out.Cluster, err = h.Coord.Heal(ctx, req.ClusterID)
	case OpFacts:
		if req.Facts == nil {
			err = badRequest(req.Op, "missing facts body")
			return out
		}
		out.Cluster, err = h.Coord.UpdateFacts(ctx, req.ClusterID, req.MemberID, *req.Facts)
	case OpStatus:
		out.Cluster, err = h.Coord.Status(ctx, req.ClusterID)
	case OpList:
		out.Clusters, err = h.Coord.List(ctx)
	case OpJoin, OpLeave:
		err = h.reconfigure(req)
	default:
		err = badRequest(req.Op, fmt.Sprintf("unknown op %q", req.Op))
	}
	return out
}

func (h *Handler) reconfigure(req Request) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		obsmetrics.JoinRequests.WithLabelValues(req.Op, result).Inc()
	}()
	if h.Replicas == nil {
		return fmt.Errorf("%s: %w", req.Op, errUnsupported)
	}
	if req.Replica == nil || req.Replica.ID == "" {
		return badRequest(req.Op, "missing replica id")
	}
	timeout := h.JoinTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if req.Op == OpLeave {
		err = h.Replicas.RemoveServer(req.Replica.ID, timeout)
	} else {
		if req.Replica.Addr == "" {
			return badRequest(req.Op, "missing replica addr")
		}
		err = h.Replicas.AddVoter(req.Replica.ID, req.Replica.Addr, timeout)
	}
	if err == nil {
		logutil.Infof(h.Logger, "transport: %s replica id=%s addr=%s", req.Op, req.Replica.ID, req.Replica.Addr)
	}
	return err
}

func badRequest(op, reason string) error {
	return &cluster.ValidationError{Op: op, Reason: reason}
}
