package gateway

import (
	"errors"
	"fmt"
	"time"

	"wishlist-parser/internal/extract"
	"wishlist-parser/internal/fetch"
	"wishlist-parser/internal/models"
)

var (
	// ErrTimeout matches a caller-side wait that ran out before the job finished.
	ErrTimeout = errors.New("parsing timeout exceeded")
	// ErrJobCancelled matches a job that was cancelled before it finished.
	ErrJobCancelled = errors.New("parse job cancelled")
	// ErrJobTimedOut matches a job the worker aborted after its own deadline.
	ErrJobTimedOut = errors.New("parse job timed out")
)

// TimeoutError is returned by WaitFor when the deadline passes. The job keeps
// running and can still be queried by JobID.
type TimeoutError struct {
	JobID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Parsing timeout exceeded (job %s, waited %s)", e.JobID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// JobError carries a job failure back to the waiting caller. Kind survives the
// trip through the queue, so errors.Is still distinguishes the causes.
type JobError struct {
	JobID   string
	Kind    models.ErrorKind
	Message string
}

func (e *JobError) Error() string {
	return e.Message
}

func (e *JobError) Unwrap() error {
	switch e.Kind {
	case models.ErrorKindUnsupportedSite:
		return extract.ErrUnsupportedSite
	case models.ErrorKindExtractionFailed:
		return extract.ErrExtractionFailed
	case models.ErrorKindFetchFailed:
		return fetch.ErrFetch
	case models.ErrorKindTimeout:
		return ErrJobTimedOut
	case models.ErrorKindCancelled:
		return ErrJobCancelled
	}
	return nil
}

func jobError(st models.JobStatus) *JobError {
	e := &JobError{JobID: st.JobID, Message: st.Error}
	if st.Result != nil {
		e.Kind = st.Result.ErrorKind
		if e.Message == "" {
			e.Message = st.Result.Error
		}
	}
	if st.State == models.StateCancelled && e.Kind == models.ErrorKindNone {
		e.Kind = models.ErrorKindCancelled
	}
	if e.Message == "" {
		e.Message = "parse job " + string(st.State)
	}
	return e
}
