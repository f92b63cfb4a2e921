package raftstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/amirimatin/go-quorum/pkg/consensus"
	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/state"
	"github.com/amirimatin/go-quorum/pkg/state/memory"
	"github.com/amirimatin/go-quorum/pkg/state/statetest"
)

func saveLog(t *testing.T, cl *model.Cluster, expected uint64) *raft.Log {
	t.Helper()
	payload, err := json.Marshal(savePayload{Cluster: cl, Expected: expected})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	data, err := json.Marshal(consensus.Command{Op: opSaveCluster, Payload: payload})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	return &raft.Log{Data: data}
}

func TestStoreFSM_ApplyChecksVersion(t *testing.T) {
	fsm := &storeFSM{st: memory.New()}
	cl := &model.Cluster{ID: "c1", Name: "orders"}

	if v := fsm.Apply(saveLog(t, cl, 0)); v != nil {
		t.Fatalf("apply create: %v", v)
	}
	v := fsm.Apply(saveLog(t, cl, 0))
	err, _ := v.(error)
	if !errors.Is(err, state.ErrVersionConflict) {
		t.Fatalf("duplicate create response = %v", v)
	}
	if v := fsm.Apply(saveLog(t, cl, 1)); v != nil {
		t.Fatalf("apply update: %v", v)
	}
	if v := fsm.Apply(&raft.Log{Data: []byte(`{"op":"bogus"}`)}); v == nil {
		t.Fatalf("unknown op must fail")
	}
}

func TestStoreFSM_ReplicatesEveryField(t *testing.T) {
	fsm := &storeFSM{st: memory.New()}
	want := statetest.FullCluster("c1")
	if v := fsm.Apply(saveLog(t, want, 0)); v != nil {
		t.Fatalf("apply: %v", v)
	}
	want.Version = 1
	got, err := fsm.st.LoadCluster(context.Background(), "c1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	statetest.Equal(t, got, want)

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored := &storeFSM{st: memory.New()}
	if err := restored.Restore(io.NopCloser(bytes.NewReader(snap.(*fsmSnapshot).blob))); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err = restored.st.LoadCluster(context.Background(), "c1")
	if err != nil {
		t.Fatalf("load restored: %v", err)
	}
	statetest.Equal(t, got, want)
}
