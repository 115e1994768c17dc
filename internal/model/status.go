package model

import "fmt"

type JobStatus string

const (
	StatusQueued        JobStatus = "queued"
	StatusStarting      JobStatus = "starting"
	StatusDownloading   JobStatus = "downloading"
	StatusMerging       JobStatus = "merging"
	StatusComplete      JobStatus = "complete"
	StatusCancelling    JobStatus = "cancelling"
	StatusCancelled     JobStatus = "cancelled"
	StatusError         JobStatus = "error"
	StatusAlreadyExists JobStatus = "already_exists"
)

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	"": {
		StatusQueued: true,
	},
	StatusQueued: {
		StatusStarting: true,
	},
	StatusStarting: {
		StatusStarting:      true,
		StatusDownloading:   true,
		StatusMerging:       true,
		StatusComplete:      true,
		StatusCancelling:    true,
		StatusError:         true,
		StatusAlreadyExists: true,
	},
	StatusDownloading: {
		StatusDownloading:   true,
		StatusMerging:       true,
		StatusComplete:      true,
		StatusCancelling:    true,
		StatusError:         true,
		StatusAlreadyExists: true,
	},
	StatusMerging: {
		StatusMerging:    true,
		StatusComplete:   true,
		StatusCancelling: true,
		StatusError:      true,
	},
	StatusCancelling: {
		StatusCancelling: true,
		StatusCancelled:  true,
	},
	StatusComplete:      {},
	StatusCancelled:     {},
	StatusError:         {},
	StatusAlreadyExists: {},
}

func IsKnownStatus(status JobStatus) bool {
	_, ok := allowedTransitions[status]
	return ok
}

func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether a job in this status has no process attached
// and can be dismissed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusError, StatusAlreadyExists:
		return true
	default:
		return false
	}
}

func (s JobStatus) IsActive() bool {
	switch s {
	case StatusStarting, StatusDownloading, StatusMerging, StatusCancelling:
		return true
	default:
		return false
	}
}

func TransitionJobStatus(job *Job, toStatus JobStatus) error {
	from := job.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid job status transition: %q -> %q (url=%s)", from, toStatus, job.URL)
	}
	job.Status = toStatus
	return nil
}
