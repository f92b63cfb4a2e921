// Package statetest provides fixtures shared by the state.Store
// implementations' tests.
package statetest

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/amirimatin/go-quorum/pkg/model"
	"github.com/amirimatin/go-quorum/pkg/state"
)

// FullCluster returns a record with every persisted field set, including a
// witness, member facts, a leader and an active partition. Timestamps are
// UTC without a monotonic reading so decoded copies compare equal.
func FullCluster(id string) *model.Cluster {
	created := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	return &model.Cluster{
		ID:                id,
		Name:              "orders-" + id,
		Type:              "cassandra",
		ReplicationFactor: 3,
		CreatedAt:         created,
		UpdatedAt:         created.Add(90 * time.Second),
		Health:            model.HealthDegraded,
		Witness:           true,
		NextSlot:          6,
		Members: []model.Member{
			{ID: "node-001", Slot: 1, Role: model.RoleData, State: model.StateUp, Addr: "10.0.0.1:9042",
				Load: 0.25, Capacity: 1.5, DataSize: 4096, UsedCapacity: 2048, InSync: true},
			{ID: "node-002", Slot: 2, Role: model.RoleData, State: model.StateDown, Addr: "10.0.0.2:9042",
				Load: 0.75, Capacity: 2, DataSize: 1024, UsedCapacity: 512},
			{ID: "node-003", Slot: 3, Role: model.RoleData, State: model.StateUp, InSync: true},
			{ID: "node-004", Slot: 4, Role: model.RoleData, State: model.StateStarting},
			{ID: "witness-005", Slot: 5, Role: model.RoleWitness, State: model.StateUp, Addr: "10.0.0.5:9042", Load: 0.01},
		},
		Leader: &model.LeaderRecord{ClusterID: id, MemberID: "node-001", ElectedAt: created.Add(time.Second)},
		Partition: &model.PartitionRecord{
			Groups:    [][]string{{"node-001", "node-003", "witness-005"}, {"node-004"}},
			CreatedAt: created.Add(time.Minute),
		},
	}
}

// RoundTrip saves FullCluster(id) into an empty slot of s and fails t unless
// the loaded and listed copies equal the saved record field for field.
func RoundTrip(t testing.TB, s state.Store, id string) *model.Cluster {
	t.Helper()
	ctx := context.Background()
	want := FullCluster(id)
	if err := s.SaveCluster(ctx, want, 0); err != nil {
		t.Fatalf("save %s: %v", id, err)
	}
	if want.Version != 1 {
		t.Fatalf("version after save = %d", want.Version)
	}
	got, err := s.LoadCluster(ctx, id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	Equal(t, got, want)

	list, err := s.ListClusters(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, cl := range list {
		if cl.ID == id {
			Equal(t, cl, want)
			return want
		}
	}
	t.Fatalf("list is missing %s", id)
	return nil
}

// Equal fails t when got and want differ in any field.
func Equal(t testing.TB, got, want *model.Cluster) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		g, _ := json.Marshal(got)
		w, _ := json.Marshal(want)
		t.Fatalf("record changed in the store:\n got: %s\nwant: %s", g, w)
	}
}
