package job

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "smsgate/pkg/logx"
)

// JanitorConfig controls bounded eviction. RetainFor <= 0 disables eviction
// and jobs are kept for the process lifetime.
type JanitorConfig struct {
	RetainFor time.Duration
	Schedule  string // cron spec or descriptor, default "@every 1m"
}

const defaultSweepSchedule = "@every 1m"

// Janitor periodically evicts idle jobs from a Registry.
type Janitor struct {
	mu     sync.Mutex
	cfg    JanitorConfig
	reg    *Registry
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	quit   chan struct{}
	now    func() time.Time
}

func NewJanitor(cfg JanitorConfig, reg *Registry, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{
		cfg:    cfg,
		reg:    reg,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// ValidateSchedule checks a sweep spec without starting anything.
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	_, err := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(spec)
	return err
}

func (j *Janitor) Enabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg.RetainFor > 0
}

// Start schedules sweeps until ctx is done or Stop is called. It is
// idempotent and a no-op while disabled.
func (j *Janitor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startLocked(ctx)
}

func (j *Janitor) startLocked(ctx context.Context) error {
	if j.c != nil || j.cfg.RetainFor <= 0 {
		return nil
	}
	spec := strings.TrimSpace(j.cfg.Schedule)
	if spec == "" {
		spec = defaultSweepSchedule
	}
	c := cron.New(cron.WithParser(j.parser))
	if _, err := c.AddFunc(spec, func() { j.Sweep() }); err != nil {
		return err
	}
	c.Start()
	quit := make(chan struct{})
	j.c, j.quit = c, quit
	go func() {
		select {
		case <-ctx.Done():
			j.release(c)
		case <-quit:
		}
	}()
	j.log.Info("janitor started", logx.String("schedule", spec), logx.Duration("retain_for", j.cfg.RetainFor))
	return nil
}

// release stops c if it is still the running schedule.
func (j *Janitor) release(c *cron.Cron) {
	j.mu.Lock()
	if j.c != c {
		j.mu.Unlock()
		return
	}
	j.c, j.quit = nil, nil
	j.mu.Unlock()
	c.Stop()
	j.log.Debug("janitor stopped: context done")
}

func (j *Janitor) running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.c != nil
}

// Stop halts scheduling and waits for a running sweep until ctx is done.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c, quit := j.c, j.quit
	j.c, j.quit = nil, nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	close(quit)
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config, restarting the schedule when it changed.
func (j *Janitor) Apply(ctx context.Context, cfg JanitorConfig) error {
	j.mu.Lock()
	changed := cfg != j.cfg
	running := j.c != nil
	j.cfg = cfg
	j.mu.Unlock()
	if !changed {
		return nil
	}
	if running {
		j.Stop(ctx)
	}
	return j.Start(ctx)
}

// Sweep evicts jobs idle for longer than RetainFor and returns how many were removed.
func (j *Janitor) Sweep() int {
	j.mu.Lock()
	retain := j.cfg.RetainFor
	j.mu.Unlock()
	if retain <= 0 || j.reg == nil {
		return 0
	}
	removed := j.reg.Evict(j.now().Add(-retain))
	if len(removed) > 0 {
		j.log.Info("evicted idle jobs", logx.Int("count", len(removed)), logx.Int("remaining", j.reg.Len()))
	}
	return len(removed)
}
