package raftstore

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/amirimatin/go-quorum/pkg/consensus"
	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/state/memory"
)

const opSaveCluster = "save_cluster"

type savePayload struct {
	Cluster  *model.Cluster `json:"cluster"`
	Expected uint64         `json:"expected"`
}

// storeFSM applies replicated writes to a memory store. The version check
// runs inside Apply, so every replica accepts or rejects a write the same way.
type storeFSM struct {
	st *memory.Store
}

func (f *storeFSM) Apply(l *raft.Log) interface{} {
	var cmd consensus.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("raftstore: decode command: %w", err)
	}
	switch cmd.Op {
	case opSaveCluster:
		var p savePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("raftstore: decode %s: %w", cmd.Op, err)
		}
		return f.st.Put(p.Cluster, p.Expected)
	default:
		return fmt.Errorf("raftstore: unknown op %q", cmd.Op)
	}
}

func (f *storeFSM) Snapshot() (raft.FSMSnapshot, error) {
	blob, err := f.st.Snapshot()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{blob: blob}, nil
}

func (f *storeFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return f.st.Restore(data)
}

type fsmSnapshot struct {
	blob []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.blob); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

var _ raft.FSM = (*storeFSM)(nil)
