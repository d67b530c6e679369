// Package logx is the structured logging layer used across smsgate.
//
// Logger is a small value type over zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Live reconfiguration through Service.Apply
//
// Sampler throttles noisy warning sites such as callbacks for unknown jobs.
package logx
