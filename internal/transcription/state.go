package transcription

import "fmt"

// State is the stage of the record → upload → poll → summary workflow.
type State int

const (
	Recording State = iota
	Review
	Uploading
	Polling
	Summary
	Failed
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Review:
		return "review"
	case Uploading:
		return "uploading"
	case Polling:
		return "polling"
	case Summary:
		return "summary"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := Recording; st <= Failed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// isValidTransition enforces the allowed workflow edges. Every state may
// return to Recording, which is how Close resets the controller.
func isValidTransition(from, to State) bool {
	if to == Recording {
		return true
	}
	switch from {
	case Recording:
		return to == Review
	case Review:
		return to == Uploading
	case Uploading:
		return to == Polling || to == Failed
	case Polling:
		// Uploading: an automatic re-attempt after the first status check failed.
		return to == Summary || to == Failed || to == Uploading
	case Failed:
		return to == Uploading || to == Polling
	default:
		return false
	}
}

// JobStatus is the backend-reported status of a transcription job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// parseJobStatus maps the backend's status string. "error" and "failed" are
// both failures; anything unrecognised is treated as still processing.
func parseJobStatus(s string) JobStatus {
	switch s {
	case "queued":
		return JobQueued
	case "completed":
		return JobCompleted
	case "error", "failed":
		return JobFailed
	default:
		return JobProcessing
	}
}

func (s JobStatus) terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// RecordingSession is the captured audio of one session.
type RecordingSession struct {
	Audio           []byte
	DurationSeconds int
	SizeBytes       int
}

// Job is the backend transcription job created by an upload.
type Job struct {
	ID           string    `json:"id"`
	Status       JobStatus `json:"status"`
	Transcript   string    `json:"transcript,omitempty"`
	RetryAttempt int       `json:"retry_attempt"`
}
