package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/cloud"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/devicelink"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/observability"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/schedule"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

type ScheduleStore interface {
	ListActive(ctx context.Context, now time.Time) ([]model.Schedule, error)
}

type DeviceDirectory interface {
	GetDevice(ctx context.Context, ownerID string, deviceID uuid.UUID) (model.Device, error)
}

type CloudCommander interface {
	SetPower(ctx context.Context, deviceID string, on bool) (cloud.Ack, error)
	Freeze(ctx context.Context, deviceID string, state int) (cloud.Ack, error)
}

type LinkSender interface {
	Send(ctx context.Context, d model.Device, target model.PowerState) (uint16, error)
}

type TickRecorder interface {
	SaveTickReport(ctx context.Context, rep model.TickReport) error
}

// TickGuard claims a tick across scheduler replicas.
type TickGuard interface {
	Acquire(ctx context.Context, now time.Time) (release func(), ok bool, err error)
}

type Options struct {
	Schedules ScheduleStore
	Devices   DeviceDirectory
	Cloud     CloudCommander
	Link      LinkSender
	Recorder  TickRecorder
	Guard     TickGuard
	Hub       *ReportHub
	Tracer    oteltrace.Tracer

	Evaluator     schedule.Evaluator
	Lookahead     time.Duration
	Workers       int
	DeviceTimeout time.Duration
	Clock         func() time.Time
}

type Dispatcher struct {
	opts   Options
	tickMu sync.Mutex
}

func New(o Options) *Dispatcher {
	if o.Lookahead <= 0 {
		o.Lookahead = 2 * time.Minute
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.DeviceTimeout <= 0 {
		o.DeviceTimeout = 15 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("dispatch")
	}
	if o.Evaluator.Stop == "" {
		o.Evaluator = schedule.NewEvaluator(schedule.StopExact)
	}
	return &Dispatcher{opts: o}
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeSkipped
	outcomeFailed
)

type result struct {
	kind  outcome
	entry model.TickEntry
}

type pairKey struct {
	device uuid.UUID
	target model.PowerState
}

// RunTick evaluates active schedules at now and dispatches every due
// transition. Individual device failures land in the report; only a
// schedule store failure fails the tick.
func (d *Dispatcher) RunTick(ctx context.Context, now time.Time) (model.TickReport, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	now = now.UTC()
	rep := model.TickReport{ID: uuid.New(), Now: now, StartedAt: d.opts.Clock().UTC()}

	if d.opts.Guard != nil {
		release, ok, err := d.opts.Guard.Acquire(ctx, now)
		switch {
		case err != nil:
			slog.Warn("tick lease unavailable, running unguarded", "now", now, "error", err)
		case !ok:
			slog.Info("tick already claimed", "now", now)
			return rep, ErrTickHeld
		default:
			defer func() {
				if rep.FinishedAt.IsZero() {
					release()
				}
			}()
		}
	}

	ctx, span := d.opts.Tracer.Start(ctx, "scheduler.tick", oteltrace.WithAttributes(attribute.String("tick.now", now.Format(time.RFC3339))))
	defer span.End()

	schedules, err := d.opts.Schedules.ListActive(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list active schedules")
		observability.ObserveTick(rep, err)
		return rep, fmt.Errorf("list active schedules: %w", err)
	}
	rep.Schedules = len(schedules)

	valid := make([]model.Schedule, 0, len(schedules))
	var rejected []result
	for _, sc := range schedules {
		if err := sc.Validate(); err != nil {
			slog.Warn("skipping invalid schedule", "schedule_id", sc.ID, "start", sc.StartTime, "end", sc.EndTime, "error", err)
			for _, id := range sc.DeviceIDs {
				e := model.TickEntry{DeviceID: id, ScheduleID: sc.ID, Reason: "invalid schedule window", Error: err.Error(), Class: Classify(err)}
				rejected = append(rejected, result{kind: outcomeSkipped, entry: e})
			}
			continue
		}
		valid = append(valid, sc)
	}

	transitions := d.opts.Evaluator.DueTransitions(now, d.opts.Lookahead, valid)
	unique := make([]model.Transition, 0, len(transitions))
	seen := make(map[pairKey]struct{}, len(transitions))
	for _, tr := range transitions {
		k := pairKey{tr.DeviceID, tr.Target}
		if _, dup := seen[k]; dup {
			rep.Deduplicated++
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, tr)
	}

	// Transitions for one device run in evaluator order on one worker.
	var order []uuid.UUID
	byDevice := make(map[uuid.UUID][]int, len(unique))
	for i, tr := range unique {
		if _, ok := byDevice[tr.DeviceID]; !ok {
			order = append(order, tr.DeviceID)
		}
		byDevice[tr.DeviceID] = append(byDevice[tr.DeviceID], i)
	}

	results := make([]result, len(unique))
	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for _, id := range order {
		idx := byDevice[id]
		g.Go(func() error {
			for _, i := range idx {
				if ctx.Err() != nil {
					results[i] = result{kind: outcomeSkipped, entry: entryFor(unique[i], "tick cancelled", nil)}
					continue
				}
				results[i] = d.apply(ctx, unique[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	results = append(rejected, results...)

	for _, r := range results {
		switch r.kind {
		case outcomeApplied:
			rep.Applied = append(rep.Applied, r.entry)
		case outcomeSkipped:
			rep.Skipped = append(rep.Skipped, r.entry)
		default:
			rep.Failed = append(rep.Failed, r.entry)
		}
	}
	rep.FinishedAt = d.opts.Clock().UTC()

	span.SetAttributes(
		attribute.Int("tick.applied", len(rep.Applied)),
		attribute.Int("tick.skipped", len(rep.Skipped)),
		attribute.Int("tick.failed", len(rep.Failed)),
	)
	d.finish(ctx, rep)
	return rep, nil
}

func (d *Dispatcher) finish(ctx context.Context, rep model.TickReport) {
	observability.ObserveTick(rep, nil)
	if d.opts.Recorder != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := d.opts.Recorder.SaveTickReport(sctx, rep); err != nil {
			slog.Error("persist tick report failed", "tick_id", rep.ID, "error", err)
		}
		cancel()
	}
	if d.opts.Hub != nil {
		d.opts.Hub.Publish(rep)
	}
	level := slog.LevelInfo
	if len(rep.Failed) > 0 {
		level = slog.LevelWarn
	}
	if len(rep.Applied)+len(rep.Skipped)+len(rep.Failed) == 0 {
		level = slog.LevelDebug
	}
	slog.Log(ctx, level, "tick finished",
		"now", rep.Now,
		"schedules", rep.Schedules,
		"applied", len(rep.Applied),
		"skipped", len(rep.Skipped),
		"failed", len(rep.Failed),
		"deduplicated", rep.Deduplicated,
	)
}

func entryFor(tr model.Transition, reason string, err error) model.TickEntry {
	e := model.TickEntry{DeviceID: tr.DeviceID, ScheduleID: tr.ScheduleID, Target: tr.Target, Reason: reason}
	if err != nil {
		e.Error = err.Error()
		e.Class = Classify(err)
	}
	return e
}

// apply runs one transition under its own timeout. Once started it is not
// interrupted by tick cancellation.
func (d *Dispatcher) apply(parent context.Context, tr model.Transition) result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.opts.DeviceTimeout)
	defer cancel()
	ctx, span := d.opts.Tracer.Start(ctx, "scheduler.transition", oteltrace.WithAttributes(
		attribute.String("device.id", tr.DeviceID.String()),
		attribute.String("transition.target", string(tr.Target)),
	))
	defer span.End()

	dev, err := d.opts.Devices.GetDevice(ctx, tr.OwnerID, tr.DeviceID)
	if errors.Is(err, model.ErrDeviceNotFound) {
		err = &DeviceUnresolvable{DeviceID: tr.DeviceID, Reason: "not in directory"}
		return result{kind: outcomeSkipped, entry: entryFor(tr, "device unresolvable", err)}
	}
	if err != nil {
		span.RecordError(err)
		slog.Error("device lookup failed", "device_id", tr.DeviceID, "error", err)
		return result{kind: outcomeFailed, entry: entryFor(tr, "device lookup failed", err)}
	}
	if !dev.Resolvable() {
		reason := "no connector"
		if dev.Connector != model.ConnectorNone {
			reason = "empty connector device id"
		}
		e := entryFor(tr, "device unresolvable", &DeviceUnresolvable{DeviceID: tr.DeviceID, Reason: reason})
		e.Connector = dev.Connector
		return result{kind: outcomeSkipped, entry: e}
	}

	var seq *uint16
	switch dev.Connector {
	case model.ConnectorCloud:
		_, err = d.opts.Cloud.SetPower(ctx, dev.ConnectorDeviceID, tr.Target.Bool())
	case model.ConnectorCloudLegacy:
		state := 0
		if tr.Target.Bool() {
			state = 1
		}
		_, err = d.opts.Cloud.Freeze(ctx, dev.ConnectorDeviceID, state)
	case model.ConnectorLink:
		if d.opts.Link == nil {
			err = &DeviceUnresolvable{DeviceID: tr.DeviceID, Reason: "device link transport disabled"}
			break
		}
		var s uint16
		s, err = d.opts.Link.Send(ctx, dev, tr.Target)
		var unsaved *devicelink.SequenceNotPersisted
		if errors.As(err, &unsaved) {
			span.RecordError(err)
			slog.Warn("link command sent, sequence not persisted", "device_id", tr.DeviceID, "sequence", s, "error", err)
			e := entryFor(tr, "sent, sequence not persisted", err)
			e.Connector = dev.Connector
			e.Sequence = &s
			return result{kind: outcomeApplied, entry: e}
		}
		if err == nil {
			seq = &s
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		var unres *DeviceUnresolvable
		if errors.As(err, &unres) {
			e := entryFor(tr, "device unresolvable", err)
			e.Connector = dev.Connector
			return result{kind: outcomeSkipped, entry: e}
		}
		slog.Warn("transition failed", "device_id", tr.DeviceID, "target", tr.Target, "connector", dev.Connector, "error", err)
		e := entryFor(tr, "dispatch failed", err)
		e.Connector = dev.Connector
		return result{kind: outcomeFailed, entry: e}
	}
	e := entryFor(tr, "", nil)
	e.Connector = dev.Connector
	e.Sequence = seq
	return result{kind: outcomeApplied, entry: e}
}
