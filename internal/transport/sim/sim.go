// Package sim is a loopback transport. It splits like a handset radio stack and
// reports scripted sent/delivery results asynchronously through the bound
// callbacks, carrying back the tokens it was given.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"smsgate/internal/outcome"
	"smsgate/internal/transport"
	logx "smsgate/pkg/logx"
)

// ErrNotBound is returned by TransmitMultipart before Bind.
var ErrNotBound = errors.New("sim: no callbacks bound")

// Script overrides result codes per fragment index. Missing indexes use the
// config defaults; a nil Delivered entry skips the delivery report.
type Script struct {
	Sent      []int  `json:"sent,omitempty"`
	Delivered []*int `json:"delivered,omitempty"`
}

type Config struct {
	SentDelay       time.Duration
	DeliveryDelay   time.Duration
	SentCode        int
	DeliveryCode    int
	DeliveryReports bool
	// RejectPrefixes fail TransmitMultipart immediately for matching destinations.
	RejectPrefixes []string
	// Scripts are keyed by exact destination.
	Scripts map[string]Script
}

// DefaultConfig reports success for both phases.
func DefaultConfig() Config {
	return Config{
		SentDelay:       50 * time.Millisecond,
		DeliveryDelay:   250 * time.Millisecond,
		SentCode:        outcome.ResultOK,
		DeliveryCode:    outcome.ResultOK,
		DeliveryReports: true,
	}
}

type Transport struct {
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	cb      transport.Callbacks
	pending map[*time.Timer]struct{}
	closed  bool
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Binder    = (*Transport)(nil)
	_ transport.Prober    = (*Transport)(nil)
)

func New(cfg Config, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "transport.sim")),
		pending: map[*time.Timer]struct{}{},
	}
}

func (t *Transport) Bind(cb transport.Callbacks) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

// Apply swaps the config for subsequent transmits.
func (t *Transport) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

func (t *Transport) Split(body string) ([]string, error) {
	parts := Split(body)
	if len(parts) == 0 {
		return nil, fmt.Errorf("sim: empty body")
	}
	return parts, nil
}

func (t *Transport) TransmitMultipart(ctx context.Context, destination string, fragments []string, sent, delivery []transport.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(sent) != len(fragments) || len(delivery) != len(fragments) {
		return fmt.Errorf("sim: %d fragments but %d/%d tokens", len(fragments), len(sent), len(delivery))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("sim: transport closed")
	}
	if t.cb == nil {
		return ErrNotBound
	}
	for _, p := range t.cfg.RejectPrefixes {
		if p != "" && strings.HasPrefix(destination, p) {
			return fmt.Errorf("sim: destination %q rejected", destination)
		}
	}

	script := t.cfg.Scripts[destination]
	for i := range fragments {
		sentCode := t.cfg.SentCode
		if i < len(script.Sent) {
			sentCode = script.Sent[i]
		}
		t.scheduleLocked(t.cfg.SentDelay, sent[i], sentCode)

		// A handset only gets a status report for parts the network accepted.
		if sentCode != outcome.ResultOK || !t.cfg.DeliveryReports {
			continue
		}
		deliveryCode := t.cfg.DeliveryCode
		if i < len(script.Delivered) {
			if script.Delivered[i] == nil {
				continue
			}
			deliveryCode = *script.Delivered[i]
		}
		t.scheduleLocked(t.cfg.SentDelay+t.cfg.DeliveryDelay, delivery[i], deliveryCode)
	}
	var jobID string
	if len(sent) > 0 {
		jobID = sent[0].JobID
	}
	t.log.Debug("multipart queued",
		logx.String("job_id", jobID),
		logx.String("to", destination),
		logx.Int("parts", len(fragments)),
	)
	return nil
}

func (t *Transport) scheduleLocked(after time.Duration, tok transport.Token, code int) {
	cb := t.cb
	var tm *time.Timer
	tm = time.AfterFunc(after, func() {
		t.mu.Lock()
		_, live := t.pending[tm]
		delete(t.pending, tm)
		t.mu.Unlock()
		if !live {
			return
		}
		if err := transport.Deliver(cb, tok, code); err != nil {
			t.log.Warn("callback not delivered", logx.String("token", tok.String()), logx.Err(err))
		}
	})
	t.pending[tm] = struct{}{}
}

// Pending returns the number of scheduled callbacks not yet fired.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Probe reports the loopback as reachable until Close.
func (t *Transport) Probe(context.Context) transport.DeviceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := transport.DeviceStatus{Driver: "sim", Reachable: !t.closed}
	if t.closed {
		st.Detail = "closed"
	} else {
		st.Detail = fmt.Sprintf("%d callbacks pending", len(t.pending))
	}
	return st
}

// Close cancels every scheduled callback. In-flight sends stop reporting.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for tm := range t.pending {
		tm.Stop()
		delete(t.pending, tm)
	}
	return nil
}
