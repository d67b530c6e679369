package app

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smsgate/internal/config"
	"smsgate/internal/gateway"
	"smsgate/internal/job"
	"smsgate/internal/observability/debug"
	"smsgate/internal/transport/relay"
	"smsgate/internal/transport/sim"
	logx "smsgate/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapGatewayConfig(cfg *config.Config) gateway.Config {
	readHeader, write, idle, shutdown, ping := cfg.Gateway.Timeouts()
	return gateway.Config{
		Addr:              strings.TrimSpace(cfg.Gateway.Addr),
		ReadHeaderTimeout: readHeader,
		WriteTimeout:      write,
		IdleTimeout:       idle,
		ShutdownTimeout:   shutdown,
		CallbackIngress:   cfg.Gateway.CallbackIngress,
		StreamQueue:       cfg.Gateway.StreamQueue,
		PingInterval:      ping,
	}
}

func mapJanitorConfig(cfg *config.Config) (job.JanitorConfig, error) {
	retain, err := config.ParseDurationField("registry.retain_for", cfg.Registry.RetainFor)
	if err != nil {
		return job.JanitorConfig{}, err
	}
	if err := job.ValidateSchedule(cfg.Registry.SweepSchedule); err != nil {
		return job.JanitorConfig{}, fmt.Errorf("registry.sweep_schedule: %w", err)
	}
	return job.JanitorConfig{RetainFor: retain, Schedule: strings.TrimSpace(cfg.Registry.SweepSchedule)}, nil
}

func defaultMaxRetries(cfg *config.Config) int {
	if n := cfg.Dispatch.DefaultMaxRetries; n != nil {
		return *n
	}
	return job.DefaultMaxRetries
}

func driverOf(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	if d == "" {
		return config.DriverSim
	}
	return d
}

func mapSimConfig(cfg *config.Config) (sim.Config, error) {
	out := sim.DefaultConfig()
	sc := cfg.Transport.Sim
	if sc == nil {
		return out, nil
	}
	var err error
	if out.SentDelay, err = config.ParseDurationOrDefault("transport.sim.sent_delay", sc.SentDelay, out.SentDelay); err != nil {
		return sim.Config{}, err
	}
	if out.DeliveryDelay, err = config.ParseDurationOrDefault("transport.sim.delivery_delay", sc.DeliveryDelay, out.DeliveryDelay); err != nil {
		return sim.Config{}, err
	}
	if sc.SentCode != nil {
		out.SentCode = *sc.SentCode
	}
	if sc.DeliveryCode != nil {
		out.DeliveryCode = *sc.DeliveryCode
	}
	if sc.DeliveryReports != nil {
		out.DeliveryReports = *sc.DeliveryReports
	}
	out.RejectPrefixes = append([]string(nil), sc.RejectPrefixes...)
	if len(sc.Scripts) > 0 {
		out.Scripts = make(map[string]sim.Script, len(sc.Scripts))
		for dest, raw := range sc.Scripts {
			var s sim.Script
			dec := json.NewDecoder(strings.NewReader(string(raw)))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&s); err != nil {
				return sim.Config{}, fmt.Errorf("transport.sim.scripts[%q]: %w", dest, err)
			}
			out.Scripts[dest] = s
		}
	}
	return out, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := cfg.Transport.Relay
	if rc == nil {
		return relay.Config{}, fmt.Errorf("transport.relay: required for driver %s", config.DriverExternal)
	}
	timeout, err := config.ParseDurationOrDefault("transport.relay.timeout", rc.Timeout, 10*time.Second)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{URL: strings.TrimSpace(rc.URL), Token: rc.Token, Timeout: timeout}, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// Profiles stream for their full duration.
	write, err := config.ParseDurationOrDefault("debug.write_timeout", dc.WriteTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Prefix:               dc.Prefix,
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}, nil
}

// validate runs the checks that need component knowledge beyond config.Validate.
func validate(cfg *config.Config) error {
	if _, err := mapJanitorConfig(cfg); err != nil {
		return err
	}
	switch driverOf(cfg) {
	case config.DriverSim:
		if _, err := mapSimConfig(cfg); err != nil {
			return err
		}
	case config.DriverExternal:
		if _, err := mapRelayConfig(cfg); err != nil {
			return err
		}
	}
	_, err := mapDebugConfig(cfg)
	return err
}
