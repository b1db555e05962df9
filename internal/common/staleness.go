// Package common provides shared utilities across the application.
package common

import (
	"fmt"
	"time"
)

// StalenessResult contains the result of a staleness check.
type StalenessResult struct {
	// IsStale indicates whether the job has gone quiet for longer than the window.
	IsStale bool
	// NextCheckTime is when the job becomes stale if no heartbeat arrives first.
	NextCheckTime time.Time
	// Reason provides a human-readable explanation for the staleness decision.
	Reason string
}

// CheckHeartbeatStaleness decides whether a RUNNING job has been abandoned.
//
// Parameters:
//   - lastHeartbeat: last progress write, nil if the worker never wrote one
//   - fallback: used when lastHeartbeat is nil (typically the last update time)
//   - now: current time
//   - window: the configured staleness window
func CheckHeartbeatStaleness(lastHeartbeat *time.Time, fallback time.Time, now time.Time, window time.Duration) StalenessResult {
	last := fallback
	source := "last update"
	if lastHeartbeat != nil && !lastHeartbeat.IsZero() {
		last = *lastHeartbeat
		source = "last heartbeat"
	}

	if last.IsZero() {
		return StalenessResult{
			IsStale: true,
			Reason:  "no heartbeat or update time recorded",
		}
	}

	deadline := last.Add(window)
	if now.After(deadline) {
		return StalenessResult{
			IsStale: true,
			Reason: fmt.Sprintf("no progress for %s (%s at %s, window %s)",
				now.Sub(last).Truncate(time.Second), source, last.UTC().Format(time.RFC3339), window),
		}
	}

	return StalenessResult{
		IsStale:       false,
		NextCheckTime: deadline,
		Reason:        fmt.Sprintf("%s at %s is within window %s", source, last.UTC().Format(time.RFC3339), window),
	}
}
