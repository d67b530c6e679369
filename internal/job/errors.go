package job

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateJob  = errors.New("job: already registered")
	ErrNotFound      = errors.New("job: not found")
	ErrFragmentRange = errors.New("job: fragment index out of range")
	ErrEmptyJob      = errors.New("job: no fragments")
)

// DuplicateJobError is returned by Register when the id is already present.
type DuplicateJobError struct{ ID string }

func (e *DuplicateJobError) Error() string { return fmt.Sprintf("job %q already registered", e.ID) }
func (e *DuplicateJobError) Unwrap() error { return ErrDuplicateJob }

// NotFoundError is returned when a job id is unknown (never registered or evicted).
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %q not found", e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }
