package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrSend marks an immediate transport failure during Submit.
	ErrSend = errors.New("send failed")
	// ErrMissingArgument marks a sendSms command without a required field.
	ErrMissingArgument = errors.New("missing argument")
)

// SendError wraps the transport error. The job stays registered.
type SendError struct {
	JobID string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("job %q: %v: %v", e.JobID, ErrSend, e.Err)
}

func (e *SendError) Unwrap() []error { return []error{ErrSend, e.Err} }

type MissingArgumentError struct {
	Field string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMissingArgument, e.Field)
}

func (e *MissingArgumentError) Unwrap() error { return ErrMissingArgument }

// InvalidArgumentError reports a present field with an unusable value.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}
