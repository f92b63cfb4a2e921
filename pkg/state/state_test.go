package state

import (
	"errors"
	"testing"

	"github.com/amirimatin/go-quorum/pkg/model"
)

func TestCheckVersion(t *testing.T) {
	cur := &model.Cluster{ID: "c1", Version: 3}
	cases := []struct {
		name     string
		cur      *model.Cluster
		expected uint64
		want     error
	}{
		{"create", nil, 0, nil},
		{"create existing", cur, 0, ErrVersionConflict},
		{"update missing", nil, 2, ErrNotFound},
		{"stale", cur, 2, ErrVersionConflict},
		{"match", cur, 3, nil},
	}
	for _, c := range cases {
		err := CheckVersion("c1", c.cur, c.expected)
		if c.want == nil && err != nil || c.want != nil && !errors.Is(err, c.want) {
			t.Errorf("%s: err = %v, want %v", c.name, err, c.want)
		}
	}
}
