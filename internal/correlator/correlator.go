// Package correlator turns per-fragment transport callbacks into fragment
// state changes and job-level notifications.
package correlator

import (
	"errors"
	"fmt"

	"smsgate/internal/job"
	"smsgate/internal/outcome"
	"smsgate/internal/publisher"
	"smsgate/internal/transport"
	logx "smsgate/pkg/logx"
)

// Correlator is long-lived and shared by every callback source. It never panics
// on bad input and never returns errors to the transport.
type Correlator struct {
	reg    *job.Registry
	pub    *publisher.Publisher
	log    logx.Logger
	orphan *logx.Sampler
}

var _ transport.Callbacks = (*Correlator)(nil)

type Option func(*Correlator)

// WithOrphanSampler throttles the unknown-job warning.
func WithOrphanSampler(s *logx.Sampler) Option { return func(c *Correlator) { c.orphan = s } }

func New(reg *job.Registry, pub *publisher.Publisher, log logx.Logger, opts ...Option) *Correlator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Correlator{reg: reg, pub: pub, log: log.With(logx.String("comp", "correlator"))}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnSentResult records the sent-phase outcome and always publishes one notification.
func (c *Correlator) OnSentResult(jobID string, fragment int, code int) {
	c.handle(outcome.PhaseSent, jobID, fragment, code)
}

// OnDeliveredResult records the delivery outcome; only a successful delivery is published.
func (c *Correlator) OnDeliveredResult(jobID string, fragment int, code int) {
	c.handle(outcome.PhaseDelivered, jobID, fragment, code)
}

// Dispatch routes a token-carrying result. It reports malformed tokens so
// ingress handlers can reject them; job-level problems are still swallowed.
func (c *Correlator) Dispatch(tok transport.Token, code int) error {
	return transport.Deliver(c, tok, code)
}

func (c *Correlator) handle(phase outcome.Phase, jobID string, fragment int, code int) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("callback panic recovered",
				logx.String("job_id", jobID),
				logx.Int("fragment", fragment),
				logx.String("phase", string(phase)),
				logx.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	v := outcome.Classify(phase, code)
	u := job.Update{Phase: phase, Code: v.ErrorCode}
	switch phase {
	case outcome.PhaseSent:
		u.Sent = job.SentStateOf(v.Status)
	case outcome.PhaseDelivered:
		u.Delivery = job.DeliveryUnknown
		if v.Status == outcome.StatusDelivered {
			u.Delivery = job.DeliveryDelivered
		}
	}

	if _, err := c.reg.UpdateFragment(jobID, fragment, u); err != nil {
		c.dropped(phase, jobID, fragment, code, err)
		return
	}

	if !v.Notify {
		c.log.Info("delivery report not successful",
			logx.String("job_id", jobID),
			logx.Int("fragment", fragment),
			logx.Int("code", code),
			logx.String("reason", outcome.Describe(code)),
		)
		return
	}

	delivered := c.pub.Publish(publisher.FromVerdict(jobID, v))
	c.log.Debug("callback correlated",
		logx.String("job_id", jobID),
		logx.Int("fragment", fragment),
		logx.String("phase", string(phase)),
		logx.String("status", v.Status.String()),
		logx.Bool("listener", delivered),
	)
}

func (c *Correlator) dropped(phase outcome.Phase, jobID string, fragment int, code int, err error) {
	fields := []logx.Field{
		logx.String("job_id", jobID),
		logx.Int("fragment", fragment),
		logx.String("phase", string(phase)),
		logx.Int("code", code),
	}
	if errors.Is(err, job.ErrNotFound) {
		c.orphan.Log(c.log, "callback for unknown job ignored", fields...)
		return
	}
	c.log.Warn("callback ignored", append(fields, logx.Err(err))...)
}
