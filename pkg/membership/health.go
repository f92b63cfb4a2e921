package membership

// HealthReporter is optionally implemented by a Membership to expose the
// failure detector's awareness score. Lower is better; -1 means not started.
type HealthReporter interface {
	HealthScore() int
}
