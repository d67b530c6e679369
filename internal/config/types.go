package config

import "encoding/json"

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Every section may be omitted; runtime defaults apply.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Gateway   GatewayConfig   `json:"gateway"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Registry  RegistryConfig  `json:"registry,omitempty"`
	Transport TransportConfig `json:"transport"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// GatewayConfig controls the HTTP/WebSocket surface.
//
// Defaults:
//   - addr: "127.0.0.1:8080"
//   - read_header_timeout: "5s"
//   - write_timeout: "0s" (disabled; the event stream is long-lived)
//   - idle_timeout: "60s"
//   - shutdown_timeout: "5s"
//   - stream_queue: 64
//   - ping_interval: "30s"
type GatewayConfig struct {
	Addr              string `json:"addr"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`

	// CallbackIngress exposes /v1/callbacks/{phase} for transports running
	// in another process (e.g. a handset bridge).
	CallbackIngress bool `json:"callback_ingress,omitempty"`

	StreamQueue  int    `json:"stream_queue,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"`
}

// DispatchConfig controls submission defaults.
// DefaultMaxRetries is a pointer so an explicit 0 is distinguishable from omitted (3).
type DispatchConfig struct {
	DefaultMaxRetries *int `json:"default_max_retries,omitempty"`
}

// RegistryConfig controls job retention.
//
// retain_for "0s" (default) keeps jobs for the process lifetime.
type RegistryConfig struct {
	RetainFor     string `json:"retain_for,omitempty"`
	SweepSchedule string `json:"sweep_schedule,omitempty"` // cron spec, default "@every 1m"

	// OrphanLogRate limits "callback for unknown job" warnings per second.
	// 0 logs every one.
	OrphanLogRate  float64 `json:"orphan_log_rate,omitempty"`
	OrphanLogBurst int     `json:"orphan_log_burst,omitempty"`
}

// TransportConfig selects the radio capability. "sim" runs in-process; driver
// "external" relays fragments to a handset bridge over HTTP and expects its
// results on gateway.callback_ingress.
type TransportConfig struct {
	Driver string       `json:"driver"`
	Sim    *SimConfig   `json:"sim,omitempty"`
	Relay  *RelayConfig `json:"relay,omitempty"`
}

// RelayConfig points the external driver at the bridge.
type RelayConfig struct {
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"`   // sent as a bearer token (do not log)
	Timeout string `json:"timeout,omitempty"` // default "10s"
}

type SimConfig struct {
	SentDelay       string `json:"sent_delay,omitempty"`
	DeliveryDelay   string `json:"delivery_delay,omitempty"`
	SentCode        *int   `json:"sent_code,omitempty"`
	DeliveryCode    *int   `json:"delivery_code,omitempty"`
	DeliveryReports *bool  `json:"delivery_reports,omitempty"`

	RejectPrefixes []string `json:"reject_prefixes,omitempty"`
	// Scripts are raw per-destination result scripts, decoded by the sim driver.
	Scripts map[string]json.RawMessage `json:"scripts,omitempty"`
}

// DebugConfig controls the optional pprof/introspection HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
