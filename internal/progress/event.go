// Package progress carries job progress events from the workers to whoever
// is watching. Delivery is advisory: events may be dropped or duplicated,
// and the job record stays the source of truth. The Hub fans events out to
// in-process subscribers; the Relay and Consumer bridge events across
// processes through the message broker.
package progress

import (
	"time"

	"transcribeq/internal/job"
)

// Event is one observation of a job's progress. A terminal status marks the
// end of the job's stream.
type Event struct {
	JobID   string     `json:"job_id"`
	Percent int        `json:"percent"`
	Status  job.Status `json:"status"`
	At      time.Time  `json:"at"`
}
