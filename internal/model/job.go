package model

import (
	"fmt"
	"maps"
	"time"
)

type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusComplete, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is a state of one separation request as seen by status pollers.
type Job struct {
	ID             string            `json:"job_id"`
	Status         Status            `json:"status"`
	Progress       int               `json:"progress"`
	ETASeconds     *int              `json:"eta_seconds"`
	Message        string            `json:"message"`
	Stems          map[string]string `json:"stems"`
	StartedAt      time.Time         `json:"started_at"`
	ProcessingTime *float64          `json:"processing_time"`
	DeviceUsed     string            `json:"device_used"`
}

// Summary is a reduced view returned by job listings.
type Summary struct {
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

func (j Job) Summary() Summary {
	return Summary{
		Status:   j.Status,
		Progress: j.Progress,
		Message:  j.Message,
	}
}

// Clone returns a deep copy, so callers never share maps or pointers
// with the registry.
func (j Job) Clone() Job {
	ret := j
	if j.ETASeconds != nil {
		eta := *j.ETASeconds
		ret.ETASeconds = &eta
	}
	if j.ProcessingTime != nil {
		pt := *j.ProcessingTime
		ret.ProcessingTime = &pt
	}
	if j.Stems != nil {
		ret.Stems = maps.Clone(j.Stems)
	}
	return ret
}

// Validate checks the record invariants
//   - id is set
//   - status is known
//   - progress is in [0, 100]
//   - stems are present iff status is complete
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, j.Status)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidJob, j.Progress)
	}
	if (j.Stems != nil) != (j.Status == StatusComplete) {
		return fmt.Errorf("%w: stems must be set only for complete job, status %s", ErrInvalidJob, j.Status)
	}
	return nil
}
