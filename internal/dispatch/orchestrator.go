// Package dispatch submits send requests: split, register, then transmit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"smsgate/internal/job"
	"smsgate/internal/transport"
	logx "smsgate/pkg/logx"
)

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	tr  transport.Transport
	reg *job.Registry
	log logx.Logger

	defaultRetries atomic.Int64
}

func New(tr transport.Transport, reg *job.Registry, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{tr: tr, reg: reg, log: log.With(logx.String("comp", "dispatch"))}
	o.defaultRetries.Store(job.DefaultMaxRetries)
	return o
}

// SetDefaultMaxRetries changes the budget applied when a request leaves it unset.
func (o *Orchestrator) SetDefaultMaxRetries(n int) {
	if n < 0 {
		n = 0
	}
	o.defaultRetries.Store(int64(n))
}

// Submit registers the job and hands its fragments to the transport.
//
// Registration happens before transmit so no callback can precede it. A
// transmit error is returned as *SendError and the registration is kept.
func (o *Orchestrator) Submit(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	retries := int(o.defaultRetries.Load())
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}

	pieces, err := o.tr.Split(req.Body)
	if err != nil {
		return fmt.Errorf("split body: %w", err)
	}
	if len(pieces) == 0 {
		return fmt.Errorf("split body: %w", job.ErrEmptyJob)
	}

	sent, delivery := transport.Tokens(req.JobID, len(pieces))
	if err := o.reg.Register(job.New(req.JobID, req.To, retries, pieces)); err != nil {
		return err
	}

	log := o.log.With(logx.String("job_id", req.JobID), logx.Int("fragments", len(pieces)))
	if err := o.tr.TransmitMultipart(ctx, req.To, pieces, sent, delivery); err != nil {
		log.Warn("transmit failed", logx.Err(err))
		return &SendError{JobID: req.JobID, Err: err}
	}
	log.Info("job submitted", logx.Int("max_retries", retries))
	return nil
}

// IsClientError reports whether err came from a malformed request rather than
// from the registry or transport.
func IsClientError(err error) bool {
	var inv *InvalidArgumentError
	return errors.Is(err, ErrMissingArgument) || errors.As(err, &inv)
}
