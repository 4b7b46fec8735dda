package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/dispatch"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/robfig/cron/v3"
)

type TickRunner interface {
	RunTick(ctx context.Context, now time.Time) (model.TickReport, error)
}

type Options struct {
	Spec        string
	Resolution  time.Duration
	TickTimeout time.Duration
	Clock       func() time.Time
}

// Runner fires RunTick on a cron schedule with a resolution-aligned now.
type Runner struct {
	ticks TickRunner
	opts  Options
	cron  *cron.Cron
	ctx   context.Context
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, kv ...any) { slog.Debug("cron: "+msg, kv...) }
func (slogLogger) Error(err error, msg string, kv ...any) {
	slog.Error("cron: "+msg, append(kv, "error", err)...)
}

func New(ticks TickRunner, o Options) *Runner {
	if strings.TrimSpace(o.Spec) == "" {
		o.Spec = "0 * * * * *"
	}
	if o.Resolution <= 0 {
		o.Resolution = time.Minute
	}
	if o.TickTimeout <= 0 {
		o.TickTimeout = 50 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithLogger(slogLogger{}),
		cron.WithChain(cron.Recover(slogLogger{}), cron.SkipIfStillRunning(slogLogger{})),
	)
	return &Runner{ticks: ticks, opts: o, cron: c}
}

// Now is the tick instant for the current clock reading.
func (r *Runner) Now() time.Time {
	return r.opts.Clock().UTC().Truncate(r.opts.Resolution)
}

// Start registers the tick job and starts the scheduler. Ticks stop receiving
// new work once ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.ctx = ctx
	if _, err := r.cron.AddFunc(r.opts.Spec, func() { r.Fire(r.ctx) }); err != nil {
		return fmt.Errorf("invalid tick cron %q: %w", r.opts.Spec, err)
	}
	r.cron.Start()
	slog.Info("tick trigger started", "cron", r.opts.Spec, "resolution", r.opts.Resolution)
	return nil
}

// Stop waits for a running tick to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Runner) Fire(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	now := r.Now()
	tctx, cancel := context.WithTimeout(ctx, r.opts.TickTimeout)
	defer cancel()
	rep, err := r.ticks.RunTick(tctx, now)
	switch {
	case errors.Is(err, dispatch.ErrTickHeld):
		slog.Debug("tick skipped, claimed elsewhere", "now", now)
	case err != nil:
		slog.Error("scheduled tick failed", "now", now, "error", err)
	case len(rep.Failed) > 0:
		slog.Warn("scheduled tick had failures", "now", now, "failed", len(rep.Failed))
	}
}
