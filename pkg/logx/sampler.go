package logx

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Sampler throttles a noisy log site. Calls beyond the budget are counted and
// reported on the next allowed line through Suppressed().
//
// Zero value allows everything.
type Sampler struct {
	lim        *rate.Limiter
	suppressed atomic.Int64
}

// NewSampler allows perSec lines per second with the given burst.
// perSec <= 0 disables sampling.
func NewSampler(perSec float64, burst int) *Sampler {
	if perSec <= 0 {
		return &Sampler{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Sampler{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether the caller should emit at its normal level.
func (s *Sampler) Allow() bool {
	if s == nil || s.lim == nil {
		return true
	}
	if s.lim.Allow() {
		return true
	}
	s.suppressed.Add(1)
	return false
}

// Suppressed returns and resets the number of denied calls since the last read.
func (s *Sampler) Suppressed() int64 {
	if s == nil {
		return 0
	}
	return s.suppressed.Swap(0)
}

// Log writes msg at Warn when the sampler allows it, otherwise at Debug.
func (s *Sampler) Log(l Logger, msg string, fields ...Field) {
	if s.Allow() {
		if n := s.Suppressed(); n > 0 {
			fields = append(fields, Int64("suppressed", n))
		}
		l.Warn(msg, fields...)
		return
	}
	l.Debug(msg, fields...)
}
