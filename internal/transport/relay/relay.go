// Package relay hands fragments to an out-of-process handset bridge over HTTP.
// The bridge reports per-fragment results back through the gateway's
// callback ingress, echoing the tokens it was given.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smsgate/internal/transport"
	"smsgate/internal/transport/sim"
	logx "smsgate/pkg/logx"
)

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Envelope is the request body POSTed to the bridge.
type Envelope struct {
	Ref         string            `json:"ref"`
	Destination string            `json:"to"`
	Fragments   []string          `json:"fragments"`
	Sent        []transport.Token `json:"sent"`
	Delivery    []transport.Token `json:"delivery"`
}

type Transport struct {
	log    logx.Logger
	client *http.Client

	mu  sync.RWMutex
	cfg Config
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Prober    = (*Transport)(nil)
)

const probeTimeout = 2 * time.Second

func New(cfg Config, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{cfg: cfg, client: &http.Client{}, log: log.With(logx.String("comp", "relay"))}
}

// Apply swaps the bridge settings for subsequent sends.
func (t *Transport) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// Split uses the same carrier segmentation as the loopback transport.
func (t *Transport) Split(body string) ([]string, error) {
	parts := sim.Split(body)
	if len(parts) == 0 {
		return nil, errors.New("relay: empty split")
	}
	return parts, nil
}

func (t *Transport) TransmitMultipart(ctx context.Context, destination string, fragments []string, sent, delivery []transport.Token) error {
	if len(sent) != len(fragments) || len(delivery) != len(fragments) {
		return fmt.Errorf("relay: %d fragments but %d/%d tokens", len(fragments), len(sent), len(delivery))
	}
	t.mu.RLock()
	cfg := t.cfg
	t.mu.RUnlock()

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	env := Envelope{
		Ref:         uuid.NewString(),
		Destination: destination,
		Fragments:   fragments,
		Sent:        sent,
		Delivery:    delivery,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay: bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	t.log.Debug("fragments relayed",
		logx.String("ref", env.Ref),
		logx.String("job_id", sent[0].JobID),
		logx.Int("fragments", len(fragments)),
	)
	return nil
}

// Probe checks that the bridge answers HTTP at all. Any response counts as
// reachable; only transport errors do not.
func (t *Transport) Probe(ctx context.Context) transport.DeviceStatus {
	t.mu.RLock()
	cfg := t.cfg
	t.mu.RUnlock()

	st := transport.DeviceStatus{Driver: "external"}
	timeout := probeTimeout
	if cfg.Timeout > 0 && cfg.Timeout < timeout {
		timeout = cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.URL, nil)
	if err != nil {
		st.Detail = err.Error()
		return st
	}
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		st.Detail = err.Error()
		t.log.Debug("bridge probe failed", logx.Err(err))
		return st
	}
	resp.Body.Close()
	st.Reachable = true
	st.Detail = resp.Status
	return st
}
