package config

import (
	"reflect"
	"sort"
	"strings"

	logx "smsgate/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured fields for logging. Secrets (debug.token) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	og, ng := oldCfg.Gateway, newCfg.Gateway
	if strings.TrimSpace(og.Addr) != strings.TrimSpace(ng.Addr) ||
		og.ReadHeaderTimeout != ng.ReadHeaderTimeout ||
		og.WriteTimeout != ng.WriteTimeout ||
		og.IdleTimeout != ng.IdleTimeout ||
		og.ShutdownTimeout != ng.ShutdownTimeout ||
		og.CallbackIngress != ng.CallbackIngress ||
		og.StreamQueue != ng.StreamQueue ||
		og.PingInterval != ng.PingInterval {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.addr", strings.TrimSpace(ng.Addr)),
			logx.Bool("gateway.callback_ingress", ng.CallbackIngress),
			logx.Bool("gateway.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		n := -1
		if newCfg.Dispatch.DefaultMaxRetries != nil {
			n = *newCfg.Dispatch.DefaultMaxRetries
		}
		attrs = append(attrs, logx.Int("dispatch.default_max_retries", n))
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.retain_for", strings.TrimSpace(newCfg.Registry.RetainFor)),
			logx.String("registry.sweep_schedule", strings.TrimSpace(newCfg.Registry.SweepSchedule)),
		)
	}

	if transportChanged(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", strings.TrimSpace(newCfg.Transport.Driver)),
			logx.Bool("transport.driver_changed", !strings.EqualFold(strings.TrimSpace(oldCfg.Transport.Driver), strings.TrimSpace(newCfg.Transport.Driver))),
		)
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	od.Token, nd.Token = tokenMarker(od.Token), tokenMarker(nd.Token)
	if od != nd || oldCfg.Debug.Token != newCfg.Debug.Token {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", nd.Token != ""),
			logx.Bool("debug.allow_insecure", nd.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func transportChanged(a, b TransportConfig) bool {
	if !strings.EqualFold(strings.TrimSpace(a.Driver), strings.TrimSpace(b.Driver)) {
		return true
	}
	if !reflect.DeepEqual(a.Relay, b.Relay) {
		return true
	}
	if (a.Sim == nil) != (b.Sim == nil) {
		return true
	}
	if a.Sim == nil {
		return false
	}
	as, bs := *a.Sim, *b.Sim
	if len(as.Scripts) != len(bs.Scripts) {
		return true
	}
	for k, v := range as.Scripts {
		if canonicalHashJSON(v) != canonicalHashJSON(bs.Scripts[k]) {
			return true
		}
	}
	as.Scripts, bs.Scripts = nil, nil
	return !reflect.DeepEqual(as, bs)
}
