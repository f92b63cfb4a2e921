package membership

import (
	"errors"
	"testing"

	"github.com/amirimatin/go-quorum/pkg/model"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.State
		ok       bool
	}{
		{model.StateStarting, model.StateUp, true},
		{model.StateUp, model.StateDown, true},
		{model.StateDown, model.StateUp, true},
		{model.StateUp, model.StateStopping, true},
		{model.StateStopping, Removed, true},
		{model.StateStarting, model.StateDown, false},
		{model.StateDown, model.StateDown, false},
		{model.StateDown, model.StateStopping, false},
		{model.StateStopping, model.StateUp, false},
		{model.StateUp, model.StateUp, false},
		{model.StateUp, Removed, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s,%s)=%v want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestMarkDownTwiceRejected(t *testing.T) {
	m := model.Member{ID: "node-001", State: model.StateUp}
	if err := MarkDown(&m); err != nil {
		t.Fatalf("first down: %v", err)
	}
	err := MarkDown(&m)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("want TransitionError, got %v", err)
	}
	if te.From != model.StateDown || m.State != model.StateDown {
		t.Fatalf("unexpected state after rejected move: %+v %s", te, m.State)
	}
}

func TestMarkUpOnlyFromDown(t *testing.T) {
	m := model.Member{ID: "node-001", State: model.StateStarting}
	if err := MarkUp(&m); err == nil {
		t.Fatalf("starting member must not recover via MarkUp")
	}
	if err := Activate(&m); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := MarkUp(&m); err == nil {
		t.Fatalf("up member must not recover again")
	}
	_ = MarkDown(&m)
	if err := MarkUp(&m); err != nil || m.State != model.StateUp {
		t.Fatalf("recover: %v state=%s", err, m.State)
	}
}

func TestStopAndFinish(t *testing.T) {
	m := model.Member{ID: "node-002", State: model.StateUp}
	if err := Finish(&m); err == nil {
		t.Fatalf("finish from up must fail")
	}
	if err := BeginStop(&m); err != nil {
		t.Fatalf("begin stop: %v", err)
	}
	if err := Finish(&m); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestMemberInfoMemberID(t *testing.T) {
	if got := (MemberInfo{ID: "host-a"}).MemberID(); got != "host-a" {
		t.Fatalf("fallback id = %q", got)
	}
	mi := MemberInfo{ID: "host-a", Meta: map[string]string{MetaMemberID: "node-004"}}
	if got := mi.MemberID(); got != "node-004" {
		t.Fatalf("meta id = %q", got)
	}
}
