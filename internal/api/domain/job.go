package domain

import (
	"errors"
	"time"

	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
)

const (
	JobStatusRunning  = "RUNNING"
	JobStatusStopping = "STOPPING"
	JobStatusStale    = "STALE"
)

// DefaultStaleAfter is how long a record may go without an update before its
// process is presumed dead.
const DefaultStaleAfter = 10 * time.Minute

var (
	ErrJobNotFound = errors.New("job not found")
)

// JobStatus derives a status from a live progress record. Records are removed
// when a job finishes, so a record that stopped moving belongs to a process
// that exited uncleanly.
func JobStatus(p checkpoint.Progress, stopRequested bool, now time.Time, staleAfter time.Duration) string {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	switch {
	case now.Sub(p.LastUpdatedAt) > staleAfter:
		return JobStatusStale
	case stopRequested:
		return JobStatusStopping
	default:
		return JobStatusRunning
	}
}
