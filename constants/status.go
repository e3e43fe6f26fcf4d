package constants

// JobStatus is the canonical status for rows in ocr_jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued  JobStatus = "QUEUED"  // waiting for a worker
	JobStatusRunning JobStatus = "RUNNING" // extraction in progress
	JobStatusDone    JobStatus = "DONE"    // terminal success
	JobStatusFailed  JobStatus = "FAILED"  // terminal failure
)

// ValidStatus reports whether s is one of the stable job statuses.
func ValidStatus(s JobStatus) bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Terminal rows are only
// revisited through an explicit retry, which re-queues under the same key.
func Terminal(s JobStatus) bool {
	return s == JobStatusDone || s == JobStatusFailed
}
