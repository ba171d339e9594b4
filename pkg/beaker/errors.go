package beaker

import (
	"errors"
	"fmt"
)

// SubmissionError indicates the scheduler rejected or mangled a job
// submission. Submission failures are fatal to the run that issued them.
type SubmissionError struct {
	Output string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job submission failed: %v", e.Err)
	}
	return fmt.Sprintf("job submission failed: no job id in output %q", e.Output)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// QueryError indicates a transient failure talking to the scheduler.
// Callers retry on the next polling iteration instead of giving up.
type QueryError struct {
	TaskSpec string
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query for %s failed: %v", e.TaskSpec, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ParsingError indicates the scheduler returned output we could not parse.
// It is treated like QueryError until the consecutive-failure bound trips.
type ParsingError struct {
	TaskSpec string
	Err      error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("cannot parse results for %s: %v", e.TaskSpec, e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

// ErrNonRecoverable is reported when a recipe set exceeded the aborted-run
// budget and will not be rescheduled again.
var ErrNonRecoverable = errors.New("aborted count exceeded, not rescheduling")
