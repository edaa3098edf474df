// Package watchdog implements the pure escalation predicate of §4.7:
// given a bubble's state snapshot and configured timeout, compute whether
// the currently active agent has overrun its turn.
package watchdog

import (
	"time"

	"github.com/pairflow/pairflow/internal/bubble"
)

// Report is the §4.7 output shape. Only Monitored is meaningful when
// Monitored is false; every other field is the zero value in that case.
type Report struct {
	Monitored          bool
	MonitoredAgent     bubble.AgentName
	TimeoutMinutes     int
	ReferenceTimestamp time.Time
	DeadlineTimestamp  time.Time
	RemainingSeconds   int64
	Expired            bool
}

// Evaluate computes the watchdog report for snapshot at reference time now.
// Only RUNNING is monitored; WAITING_HUMAN (and every other state) is not,
// since the clock should not run against a human's own response time.
func Evaluate(snapshot *bubble.Snapshot, timeoutMinutes int, now time.Time) Report {
	if snapshot.State != bubble.StateRunning || snapshot.ActiveAgent == nil {
		return Report{Monitored: false}
	}

	reference := *snapshot.ActiveSince
	if snapshot.LastCommandAt != nil && snapshot.LastCommandAt.After(reference) {
		reference = *snapshot.LastCommandAt
	}
	deadline := reference.Add(time.Duration(timeoutMinutes) * time.Minute)

	var remaining int64
	if d := deadline.Sub(now); d > 0 {
		remaining = int64(d / time.Second)
	}

	return Report{
		Monitored:          true,
		MonitoredAgent:     *snapshot.ActiveAgent,
		TimeoutMinutes:     timeoutMinutes,
		ReferenceTimestamp: reference,
		DeadlineTimestamp:  deadline,
		RemainingSeconds:   remaining,
		Expired:            !now.Before(deadline),
	}
}
