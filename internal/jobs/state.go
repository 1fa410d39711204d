package jobs

import (
	"math"

	"creatorstudio/internal/provider"
)

// Status is the client-side job status. Terminal statuses are final.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusPolling   Status = "polling"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transitions can leave this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}

// State is the full polling state for one job.
type State struct {
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	Progress  int    `json:"progress"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is one input to the state machine: either a provider response or an
// abandon signal from the caller.
type Event struct {
	Response *provider.Prediction
	Abandon  bool
}

// Next computes the successor state. It is a pure function: the poll driver
// owns all timing and I/O and feeds events in here.
func Next(s State, ev Event, maxAttempts int) State {
	if s.Status.Terminal() {
		return s
	}

	if ev.Abandon {
		s.Status = StatusCanceled
		return s
	}

	if ev.Response == nil {
		return s
	}

	switch ev.Response.Status {
	case provider.StatusSucceeded:
		s.Status = StatusSucceeded
		s.Progress = 100
		s.ResultURL = ev.Response.FirstOutput()
	case provider.StatusFailed:
		s.Status = StatusFailed
		s.Error = ev.Response.Error
	case provider.StatusCanceled:
		s.Status = StatusCanceled
		s.Error = ev.Response.Error
	default:
		s.Attempts++
		if s.Attempts >= maxAttempts {
			s.Status = StatusTimedOut
			s.Error = "generation timed out"
		} else {
			s.Status = StatusPolling
			s.Progress = pollProgress(s.Attempts)
		}
	}
	return s
}

// pollProgress reports fractional progress while the provider is still
// working, capped at 95 so the bar never claims completion early.
func pollProgress(attempts int) int {
	progress := int(math.Round(float64(attempts) / 60.0 * 100.0))
	if progress > 95 {
		progress = 95
	}
	return progress
}
