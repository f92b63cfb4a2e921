package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/model"
	obsmetrics "github.com/amirimatin/go-quorum/pkg/observability/metrics"
	"github.com/amirimatin/go-quorum/pkg/partition"
	"github.com/amirimatin/go-quorum/pkg/state/memory"
	"github.com/amirimatin/go-quorum/pkg/state/raftstore"
)

func newHandler(t *testing.T) *Handler {
	t.Helper()
	c, err := cluster.New(cluster.Options{Store: memory.New(), Logger: log.New(io.Discard, "", 0), Enforcer: partition.NopEnforcer{}})
	require.NoError(t, err)
	return &Handler{Coord: c, Logger: log.New(io.Discard, "", 0)}
}

func TestHandle_Lifecycle(t *testing.T) {
	h := newHandler(t)
	ctx := context.Background()

	rep := h.Handle(ctx, Request{Op: OpCreate, Create: &cluster.CreateRequest{Name: "orders", DataMembers: 4, ReplicationFactor: 2, ForceQuorum: true}})
	require.NoError(t, rep.Err())
	require.NotNil(t, rep.Cluster)
	id := rep.Cluster.ID
	assert.Equal(t, 5, rep.Cluster.Total)
	assert.Equal(t, "node-001", rep.Cluster.LeaderID)

	rep = h.Handle(ctx, Request{Op: OpAdd, ClusterID: id})
	require.NoError(t, rep.Err())
	require.NotNil(t, rep.Member)
	assert.Equal(t, 6, rep.Member.Slot)

	rep = h.Handle(ctx, Request{Op: OpDown, ClusterID: id, MemberID: "node-001"})
	require.NoError(t, rep.Err())
	assert.Equal(t, "node-002", rep.Cluster.LeaderID)

	rep = h.Handle(ctx, Request{Op: OpIsolate, ClusterID: id, MemberID: "node-002"})
	require.NoError(t, rep.Err())
	require.NotNil(t, rep.Cluster.Partition)

	rep = h.Handle(ctx, Request{Op: OpHeal, ClusterID: id})
	require.NoError(t, rep.Err())
	assert.Nil(t, rep.Cluster.Partition)

	load := 0.5
	rep = h.Handle(ctx, Request{Op: OpFacts, ClusterID: id, MemberID: "node-003", Facts: &model.Facts{Load: &load}})
	require.NoError(t, rep.Err())
	assert.Equal(t, 0.5, rep.Cluster.Member("node-003").Load)

	rep = h.Handle(ctx, Request{Op: OpRemove, ClusterID: id, MemberID: "node-006"})
	require.NoError(t, rep.Err())
	assert.Nil(t, rep.Cluster.Member("node-006"))

	rep = h.Handle(ctx, Request{Op: OpList})
	require.NoError(t, rep.Err())
	require.Len(t, rep.Clusters, 1)
}

func TestHandle_ErrorCodes(t *testing.T) {
	h := newHandler(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		code string
		is   error
	}{
		{"unknown op", Request{Op: "bogus"}, CodeValidation, cluster.ErrValidation},
		{"create without body", Request{Op: OpCreate}, CodeValidation, cluster.ErrValidation},
		{"bad create", Request{Op: OpCreate, Create: &cluster.CreateRequest{Name: "x"}}, CodeValidation, cluster.ErrValidation},
		{"missing cluster", Request{Op: OpStatus, ClusterID: "nope"}, CodeNotFound, cluster.ErrNotFound},
		{"facts without body", Request{Op: OpFacts, ClusterID: "nope"}, CodeValidation, cluster.ErrValidation},
		{"join without store support", Request{Op: OpJoin, Replica: &Replica{ID: "r2", Addr: "x"}}, CodeUnsupported, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := h.Handle(ctx, tc.req)
			assert.Equal(t, tc.code, rep.Code)
			err := rep.Err()
			require.Error(t, err)
			if tc.is != nil {
				assert.True(t, errors.Is(err, tc.is), "err = %v", err)
			}
		})
	}
}

func TestCode_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{nil, ""},
		{&cluster.ValidationError{Op: "x", Reason: "y"}, CodeValidation},
		{&cluster.NotFoundError{Kind: "cluster", ID: "c"}, CodeNotFound},
		{&cluster.ConcurrentModificationError{ClusterID: "c"}, CodeConflict},
		{fmt.Errorf("save: %w", raftstore.ErrNotLeader), CodeNotLeader},
		{fmt.Errorf("raftstore: add voter: %w", raft.ErrNotLeader), CodeNotLeader},
		{&RemoteError{Code: CodeConflict}, CodeConflict},
		{errors.New("boom"), CodeInternal},
	}
	for _, c := range cases {
		if got := Code(c.err); got != c.code {
			t.Fatalf("Code(%v) = %q, want %q", c.err, got, c.code)
		}
	}
	if HTTPStatus(CodeNotFound) != http.StatusNotFound || HTTPStatus("") != http.StatusOK || HTTPStatus(CodeInternal) != http.StatusInternalServerError {
		t.Fatalf("http status mapping")
	}
}

type fakeReplicas struct {
	added   map[string]string
	removed []string
	err     error
}

func (f *fakeReplicas) AddVoter(id, addr string, _ time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.added[id] = addr
	return nil
}

func (f *fakeReplicas) RemoveServer(id string, _ time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, id)
	return nil
}

func TestHandle_JoinLeave(t *testing.T) {
	h := newHandler(t)
	reps := &fakeReplicas{added: map[string]string{}}
	h.Replicas = reps
	h.Leader = func() string { return "10.0.0.1:17946" }
	ctx := context.Background()
	joins := testutil.ToFloat64(obsmetrics.JoinRequests.WithLabelValues(OpJoin, "ok"))
	leaves := testutil.ToFloat64(obsmetrics.JoinRequests.WithLabelValues(OpLeave, "ok"))

	require.NoError(t, h.Handle(ctx, Request{Op: OpJoin, Replica: &Replica{ID: "n2", Addr: "10.0.0.2:9521"}}).Err())
	assert.Equal(t, "10.0.0.2:9521", reps.added["n2"])

	require.NoError(t, h.Handle(ctx, Request{Op: OpLeave, Replica: &Replica{ID: "n2"}}).Err())
	assert.Equal(t, []string{"n2"}, reps.removed)
	assert.Equal(t, joins+1, testutil.ToFloat64(obsmetrics.JoinRequests.WithLabelValues(OpJoin, "ok")))
	assert.Equal(t, leaves+1, testutil.ToFloat64(obsmetrics.JoinRequests.WithLabelValues(OpLeave, "ok")))

	rep := h.Handle(ctx, Request{Op: OpJoin, Replica: &Replica{ID: "n3"}})
	assert.Equal(t, CodeValidation, rep.Code)

	reps.err = fmt.Errorf("raftstore: add voter n4: %w", raft.ErrNotLeader)
	rep = h.Handle(ctx, Request{Op: OpJoin, Replica: &Replica{ID: "n4", Addr: "10.0.0.4:9521"}})
	assert.Equal(t, CodeNotLeader, rep.Code)
	assert.Equal(t, "10.0.0.1:17946", rep.Leader)
}

type fakeSubscriber struct {
	Coordinator
	events []cluster.Event
}

func (f fakeSubscriber) Subscribe(context.Context) <-chan cluster.Event {
	ch := make(chan cluster.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestWatch_FiltersByCluster(t *testing.T) {
	h := &Handler{Coord: fakeSubscriber{events: []cluster.Event{
		{Type: cluster.EventClusterCreated, ClusterID: "a"},
		{Type: cluster.EventClusterCreated, ClusterID: "b"},
		{Type: cluster.EventMemberDown, ClusterID: "a", MemberID: "node-001"},
	}}}
	var got []cluster.Event
	err := h.Watch(context.Background(), "a", func(ev cluster.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, cluster.EventMemberDown, got[1].Type)

	stop := errors.New("stop")
	err = h.Watch(context.Background(), "", func(cluster.Event) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestWatch_Unsupported(t *testing.T) {
	h := &Handler{Coord: struct{ Coordinator }{}}
	err := h.Watch(context.Background(), "", func(cluster.Event) error { return nil })
	assert.Equal(t, CodeUnsupported, Code(err))
}
