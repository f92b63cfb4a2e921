// Package quorum implements strict-majority quorum math and the witness
// policy that keeps even-sized clusters from deadlocking on a 50/50 split.
package quorum

// Quorum returns the strict-majority threshold for total voting members.
// An empty cluster has threshold 1 and therefore never reaches quorum.
// Negative totals are a caller error.
func Quorum(total int) int { return total/2 + 1 }

// HasQuorum reports whether up voting members reach Quorum(total).
func HasQuorum(up, total int) bool { return up >= Quorum(total) }

// Tolerance returns how many members may fail before quorum is lost.
func Tolerance(total int) int {
	if total <= 0 {
		return 0
	}
	return total - Quorum(total)
}
