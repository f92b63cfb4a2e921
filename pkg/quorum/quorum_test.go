package quorum

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestQuorum_Table(t *testing.T) {
	cases := []struct {
		total, want int
	}{
		{0, 1}, {1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {6, 4}, {7, 4},
	}
	for _, c := range cases {
		if got := Quorum(c.total); got != c.want {
			t.Fatalf("Quorum(%d) = %d, want %d", c.total, got, c.want)
		}
	}
	if HasQuorum(0, 0) {
		t.Fatalf("empty cluster must never have quorum")
	}
	if !HasQuorum(3, 5) || HasQuorum(2, 5) {
		t.Fatalf("5-member threshold wrong")
	}
	if Tolerance(5) != 2 || Tolerance(4) != 1 || Tolerance(0) != 0 {
		t.Fatalf("tolerance mismatch")
	}
}

func TestQuorum_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("quorum is a strict majority", prop.ForAll(
		func(total int) bool {
			q := Quorum(total)
			return q == total/2+1 && q > total/2
		},
		gen.IntRange(1, 10000),
	))

	properties.Property("even totals tie at half", prop.ForAll(
		func(half int) bool {
			total := half * 2
			return !HasQuorum(total/2, total) && HasQuorum(total/2+1, total)
		},
		gen.IntRange(1, 5000),
	))

	properties.Property("two disjoint sides never both reach quorum", prop.ForAll(
		func(total, side int) bool {
			if side > total {
				side = total
			}
			return !(HasQuorum(side, total) && HasQuorum(total-side, total))
		},
		gen.IntRange(1, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
