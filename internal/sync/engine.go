package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope       = "calrelay/sync"
	spanSyncAll     = "sync.all"
	spanSyncCal     = "sync.calendar"
	metricCreated   = "calrelay.sync.events.created"
	metricUpdated   = "calrelay.sync.events.updated"
	metricDeleted   = "calrelay.sync.events.deleted"
	metricConflicts = "calrelay.sync.conflicts"
	metricErrors    = "calrelay.sync.errors"

	// DefaultSchedule is used when the configuration leaves it empty.
	DefaultSchedule = "@every 15m"
)

// Engine orchestrates the sync lifecycle: one pass on start, then a pass per
// cron tick. Create one with [NewEngine] and start it with [Engine.Run].
type Engine struct {
	reconciler *Reconciler
	schedule   string
	log        *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntCreated   metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewEngine creates an Engine. schedule is a standard cron expression or a
// descriptor such as "@every 15m"; empty means [DefaultSchedule].
func NewEngine(reconciler *Reconciler, schedule string, logger *slog.Logger) *Engine {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		reconciler: reconciler,
		schedule:   schedule,
		log:        logger,

		tracer:       tracer,
		cntCreated:   mustCounter(metricCreated, "Number of events created during sync"),
		cntUpdated:   mustCounter(metricUpdated, "Number of events updated during sync"),
		cntDeleted:   mustCounter(metricDeleted, "Number of events deleted during sync"),
		cntConflicts: mustCounter(metricConflicts, "Number of conflicting edits seen during sync"),
		cntErrors:    mustCounter(metricErrors, "Number of failed sync runs"),
	}
}

// RunOnce performs a single pass over every registered calendar. Each
// calendar gets its own span under the pass span.
func (e *Engine) RunOnce(ctx context.Context) Result {
	ctx, span := e.tracer.Start(ctx, spanSyncAll)
	defer span.End()

	res := e.reconciler.syncAll(ctx, e.syncCalendar)
	annotate(span, res)
	e.count(ctx, res)
	return res
}

// SyncCalendar performs a single pass over one calendar.
func (e *Engine) SyncCalendar(ctx context.Context, accountID, calendarID string) Result {
	res := e.syncCalendar(ctx, accountID, calendarID)
	e.count(ctx, res)
	return res
}

func (e *Engine) syncCalendar(ctx context.Context, accountID, calendarID string) Result {
	ctx, span := e.tracer.Start(ctx, spanSyncCal, trace.WithAttributes(
		attribute.String("calendar.account", accountID),
		attribute.String("calendar.id", calendarID),
	))
	defer span.End()

	res := e.reconciler.SyncCalendar(ctx, accountID, calendarID)
	annotate(span, res)
	return res
}

func annotate(span trace.Span, res Result) {
	span.SetAttributes(
		attribute.Int("sync.created", res.Created),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.deleted", res.Deleted),
		attribute.Int("sync.conflicts", res.Conflicts),
		attribute.Bool("sync.canceled", res.Canceled),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
}

func (e *Engine) count(ctx context.Context, res Result) {
	if res.Created > 0 {
		e.cntCreated.Add(ctx, int64(res.Created))
	}
	if res.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(res.Updated))
	}
	if res.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(res.Deleted))
	}
	if res.Conflicts > 0 {
		e.cntConflicts.Add(ctx, int64(res.Conflicts))
	}
	if res.Err != nil {
		e.cntErrors.Add(ctx, 1)
	}
}

// Run performs an immediate pass and then one pass per schedule tick. It
// blocks until ctx is cancelled and waits for a running pass to finish.
func (e *Engine) Run(ctx context.Context) error {
	logger := cronLogger{log: e.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(e.schedule, func() { e.pass(ctx) }); err != nil {
		return fmt.Errorf("scheduling sync %q: %w", e.schedule, err)
	}

	e.pass(ctx)

	c.Start()
	e.log.Info("sync engine started", "schedule", e.schedule)

	<-ctx.Done()
	e.log.Info("sync engine shutting down")
	<-c.Stop().Done()
	return ctx.Err()
}

func (e *Engine) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if res := e.RunOnce(ctx); res.Err != nil && !res.Canceled {
		e.log.Error("sync pass failed", "error", res.Err)
	}
}

// cronLogger routes cron's scheduler messages through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
