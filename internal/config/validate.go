package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	logx "smsgate/pkg/logx"
)

// Driver names accepted by transport.driver.
const (
	DriverSim      = "sim"
	DriverExternal = "external"
)

// Validate checks values that strict decoding cannot. It does not touch the
// filesystem or the network.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	if addr := strings.TrimSpace(c.Gateway.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("gateway.addr: %w", err))
		}
	}
	for path, raw := range map[string]string{
		"gateway.read_header_timeout": c.Gateway.ReadHeaderTimeout,
		"gateway.write_timeout":       c.Gateway.WriteTimeout,
		"gateway.idle_timeout":        c.Gateway.IdleTimeout,
		"gateway.shutdown_timeout":    c.Gateway.ShutdownTimeout,
		"gateway.ping_interval":       c.Gateway.PingInterval,
		"registry.retain_for":         c.Registry.RetainFor,
		"debug.read_timeout":          c.Debug.ReadTimeout,
		"debug.write_timeout":         c.Debug.WriteTimeout,
		"debug.idle_timeout":          c.Debug.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if c.Gateway.StreamQueue < 0 {
		add(errors.New("gateway.stream_queue: must be >= 0"))
	}
	if n := c.Dispatch.DefaultMaxRetries; n != nil && *n < 0 {
		add(errors.New("dispatch.default_max_retries: must be >= 0"))
	}
	if c.Registry.OrphanLogRate < 0 || c.Registry.OrphanLogBurst < 0 {
		add(errors.New("registry.orphan_log_rate/burst: must be >= 0"))
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Transport.Driver)); d {
	case "", DriverSim:
		if s := c.Transport.Sim; s != nil {
			_, err := ParseDurationField("transport.sim.sent_delay", s.SentDelay)
			add(err)
			_, err = ParseDurationField("transport.sim.delivery_delay", s.DeliveryDelay)
			add(err)
		}
	case DriverExternal:
		if !c.Gateway.CallbackIngress {
			add(errors.New("transport.driver external requires gateway.callback_ingress"))
		}
		r := c.Transport.Relay
		if r == nil || strings.TrimSpace(r.URL) == "" {
			add(errors.New("transport.relay.url: required for driver external"))
		} else {
			if u, err := url.Parse(strings.TrimSpace(r.URL)); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				add(fmt.Errorf("transport.relay.url: invalid %q", r.URL))
			}
			_, err := ParseDurationField("transport.relay.timeout", r.Timeout)
			add(err)
		}
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", d))
	}

	return errors.Join(errs...)
}

// mustDuration falls back to def on a bad value; Validate reports those.
func mustDuration(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return def
	}
	return d
}

// Timeouts returns the effective gateway timeouts.
func (g GatewayConfig) Timeouts() (readHeader, write, idle, shutdown, ping time.Duration) {
	readHeader = mustDuration("gateway.read_header_timeout", g.ReadHeaderTimeout, 5*time.Second)
	write = mustDuration("gateway.write_timeout", g.WriteTimeout, 0)
	idle = mustDuration("gateway.idle_timeout", g.IdleTimeout, 60*time.Second)
	shutdown = mustDuration("gateway.shutdown_timeout", g.ShutdownTimeout, 5*time.Second)
	ping = mustDuration("gateway.ping_interval", g.PingInterval, 30*time.Second)
	return
}

// ParseDurationField parses a non-negative Go duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return ParseDurationOrDefault(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %s", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
