package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/state"
)

const (
	// DefaultPastWindow and DefaultFutureWindow bound full fetches.
	DefaultPastWindow   = 30 * 24 * time.Hour
	DefaultFutureWindow = 180 * 24 * time.Hour
)

// action describes a single mutation the reconciler wants to perform on a
// matched pair.
type action int

const (
	actionNone        action = iota
	actionUpdateLocal        // cloud copy wins
	actionUpdateCloud        // local copy wins
)

func (a action) String() string {
	switch a {
	case actionUpdateLocal:
		return "update-local"
	case actionUpdateCloud:
		return "update-cloud"
	default:
		return "none"
	}
}

// Result aggregates the outcome of one calendar sync or a fleet pass.
type Result struct {
	Success   bool
	Created   int
	Updated   int
	Deleted   int
	Conflicts int

	// Canceled is set when the run stopped because ctx was cancelled. Err
	// then wraps the context error.
	Canceled bool

	// Err is the failure of a calendar sync, or the last failure of a fleet pass.
	Err error
}

func (r *Result) add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Conflicts += o.Conflicts
}

// Option configures a [Reconciler].
type Option func(*Reconciler)

// WithWindow overrides how far into the past and future full fetches reach.
func WithWindow(past, future time.Duration) Option {
	return func(r *Reconciler) {
		r.past = past
		r.future = future
	}
}

// WithProgress registers a progress subscriber. May be given more than once.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Reconciler) { r.progress = append(r.progress, fn) }
}

// WithDeletePropagation removes local copies whose cloud event disappeared.
// It only acts on full fetches, never on change-token fetches.
func WithDeletePropagation(enabled bool) Option {
	return func(r *Reconciler) { r.propagateDeletes = enabled }
}

// WithEchoSuppression consults the stored mapping before timestamps so that
// a side that did not change since the last sync never overwrites the other.
func WithEchoSuppression(enabled bool) Option {
	return func(r *Reconciler) { r.suppressEchoes = enabled }
}

// WithCalendars limits [Reconciler.SyncAll] to the given pairs. Registered
// pairs outside the set keep their state but are not synced.
func WithCalendars(keys []model.CalendarKey) Option {
	return func(r *Reconciler) {
		r.only = make(map[model.CalendarKey]bool, len(keys))
		for _, k := range keys {
			r.only[k] = true
		}
	}
}

// WithClock replaces time.Now for window computation.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler syncs calendar pairs between a cloud backend and a local
// backend. It is stateless between calls; all persistent state lives in the
// [StateStore].
type Reconciler struct {
	cloud Backend
	local Backend
	store StateStore
	log   *slog.Logger

	past             time.Duration
	future           time.Duration
	progress         []ProgressFunc
	propagateDeletes bool
	suppressEchoes   bool
	only             map[model.CalendarKey]bool
	now              func() time.Time
}

// NewReconciler creates a Reconciler wired to the given backends and store.
func NewReconciler(cloud, local Backend, store StateStore, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		cloud:  cloud,
		local:  local,
		store:  store,
		log:    logger,
		past:   DefaultPastWindow,
		future: DefaultFutureWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Window returns the full-fetch range relative to the current time.
func (r *Reconciler) Window() (start, end time.Time) {
	now := r.now()
	return now.Add(-r.past), now.Add(r.future)
}

// SyncAll runs [Reconciler.SyncCalendar] for every registered pair, one at a
// time in registration order. Counts are summed; the last failure becomes
// the result's error and does not stop the remaining pairs.
func (r *Reconciler) SyncAll(ctx context.Context) Result {
	return r.syncAll(ctx, r.SyncCalendar)
}

// syncAll runs one per pair. The engine passes a traced variant.
func (r *Reconciler) syncAll(ctx context.Context, one func(ctx context.Context, accountID, calendarID string) Result) Result {
	var total Result

	refs, err := r.store.ListCalendars(ctx)
	if err != nil {
		total.Err = fmt.Errorf("listing calendars: %w", err)
		return total
	}

	if r.only != nil {
		kept := make([]state.CalendarRef, 0, len(refs))
		for _, ref := range refs {
			key := model.CalendarKey{AccountID: ref.AccountID, CalendarID: ref.CalendarID}
			if !r.only[key] {
				r.log.Debug("skipping calendar not in config", "calendar", key)
				continue
			}
			kept = append(kept, ref)
		}
		refs = kept
	}

	var lastErr error
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			total.Canceled = true
			lastErr = fmt.Errorf("sync cancelled: %w", err)
			break
		}

		res := one(ctx, ref.AccountID, ref.CalendarID)
		total.add(res)
		if res.Err != nil {
			lastErr = res.Err
		}
		if res.Canceled {
			total.Canceled = true
			break
		}
	}

	total.Err = lastErr
	total.Success = lastErr == nil

	r.log.Info("sync pass complete",
		"calendars", len(refs),
		"created", total.Created,
		"updated", total.Updated,
		"deleted", total.Deleted,
		"conflicts", total.Conflicts,
		"canceled", total.Canceled,
		"error", total.Err,
	)
	return total
}

// SyncCalendar runs one sync of an (account, calendar) pair. On failure the
// result keeps the counts of writes already applied; nothing is rolled back.
func (r *Reconciler) SyncCalendar(ctx context.Context, accountID, calendarID string) Result {
	key := model.CalendarKey{AccountID: accountID, CalendarID: calendarID}

	res, err := r.syncCalendar(ctx, key)
	if err != nil {
		res.Err = cause(err)
		res.Canceled = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		r.emit(key, 100, "Sync failed", err)
		r.log.Error("calendar sync failed",
			"calendar", key,
			"step", failedStep(err),
			"created", res.Created,
			"updated", res.Updated,
			"canceled", res.Canceled,
			"error", err,
		)
		return res
	}

	res.Success = true
	r.log.Info("calendar sync complete",
		"calendar", key,
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"conflicts", res.Conflicts,
	)
	return res
}

func (r *Reconciler) syncCalendar(ctx context.Context, key model.CalendarKey) (Result, error) {
	var res Result
	acct, cal := key.AccountID, key.CalendarID

	r.emit(key, 0, "Starting sync", nil)

	token, err := r.store.GetChangeToken(ctx, acct, cal)
	if err != nil {
		return res, step(err, "reading change token for %s", key)
	}
	windowStart, windowEnd := r.Window()

	r.emit(key, 20, "Fetching cloud events", nil)
	cloudEvents, err := r.cloud.ListEvents(ctx, acct, cal, windowStart, windowEnd, token)
	if err != nil {
		return res, step(err, "fetching cloud events for %s", key)
	}

	r.emit(key, 40, "Fetching local events", nil)
	localEvents, err := r.local.ListEvents(ctx, acct, cal, windowStart, windowEnd, "")
	if err != nil {
		return res, step(err, "fetching local events for %s", key)
	}

	r.emit(key, 60, "Processing changes", nil)
	mappings, err := r.store.ListMappings(ctx, acct, cal)
	if err != nil {
		return res, step(err, "reading mappings for %s", key)
	}
	idx := newIndex(localEvents, mappings)

	r.log.Debug("reconciling calendar",
		"calendar", key,
		"incremental", token != "",
		"cloud_events", len(cloudEvents),
		"local_events", len(localEvents),
		"mappings", len(mappings),
	)

	seen := make(map[string]bool, len(cloudEvents))
	for _, ev := range cloudEvents {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("sync cancelled: %w", err)
		}
		seen[ev.ID] = true
		if token == "" && !ev.InWindow(windowStart, windowEnd) {
			continue
		}
		if err := r.reconcileEvent(ctx, key, ev, idx, &res); err != nil {
			return res, err
		}
	}

	if r.propagateDeletes && token == "" {
		if err := r.propagateDeletions(ctx, key, seen, idx, &res); err != nil {
			return res, err
		}
	}

	r.emit(key, 90, "Updating change token", nil)
	newToken, err := r.cloud.GetChangeToken(ctx, acct, cal)
	if err != nil {
		return res, step(err, "fetching change token for %s", key)
	}
	if err := r.store.SaveChangeToken(ctx, acct, cal, newToken); err != nil {
		return res, step(err, "saving change token for %s", key)
	}

	r.emit(key, 100, "Sync complete", nil)
	return res, nil
}

// reconcileEvent applies the create/update rule to one cloud event.
func (r *Reconciler) reconcileEvent(ctx context.Context, key model.CalendarKey, ev model.Event, idx *index, res *Result) error {
	acct, cal := key.AccountID, key.CalendarID

	local, ok := idx.counterpart(ev.ID)
	if !ok {
		created, err := r.local.CreateEvent(ctx, acct, cal, ev.Mirror("", ev.ID))
		if err != nil {
			return step(err, "creating %q locally", ev.Subject)
		}
		res.Created++
		r.log.Debug("created local copy", "calendar", key, "subject", ev.Subject, "cloud_id", ev.ID, "local_id", created.ID)
		return r.saveMapping(ctx, key, ev, created)
	}

	m := idx.mappings[ev.ID]
	if m != nil && m.LocalEventID != local.ID {
		m = nil
	}

	if m != nil && cloudChanged(m, ev) && localChanged(m, local) {
		res.Conflicts++
		r.log.Info("conflict detected",
			"calendar", key,
			"subject", ev.Subject,
			"cloud_modified", ev.LastModified,
			"local_modified", local.LastModified,
		)
	}

	act := r.decide(m, ev, local)
	switch act {
	case actionUpdateLocal:
		updated, err := r.local.UpdateEvent(ctx, acct, cal, ev.Mirror(local.ID, ev.ID))
		if err != nil {
			return step(err, "updating %q locally", ev.Subject)
		}
		res.Updated++
		r.log.Debug("updated local copy", "calendar", key, "subject", ev.Subject, "local_id", local.ID)
		return r.saveMapping(ctx, key, ev, updated)

	case actionUpdateCloud:
		updated, err := r.cloud.UpdateEvent(ctx, acct, cal, local.Mirror(ev.ID, ev.SourceID))
		if err != nil {
			return step(err, "updating %q in the cloud", local.Subject)
		}
		res.Updated++
		r.log.Debug("updated cloud event", "calendar", key, "subject", local.Subject, "cloud_id", ev.ID)
		return r.saveMapping(ctx, key, updated, local)
	}

	if m == nil {
		return r.saveMapping(ctx, key, ev, local)
	}
	return nil
}

// decide picks the write for a matched pair. With echo suppression and a
// mapping, a side that is unchanged since the last sync never wins; in every
// other case the strictly newer LastModified wins and ties write nothing.
func (r *Reconciler) decide(m *state.EventMapping, cloudEv, localEv model.Event) action {
	if r.suppressEchoes && m != nil {
		cc := cloudChanged(m, cloudEv)
		lc := localChanged(m, localEv)
		switch {
		case !cc && !lc:
			return actionNone
		case cc && !lc:
			return actionUpdateLocal
		case !cc && lc:
			return actionUpdateCloud
		}
	}

	switch {
	case cloudEv.LastModified.After(localEv.LastModified):
		return actionUpdateLocal
	case localEv.LastModified.After(cloudEv.LastModified):
		return actionUpdateCloud
	default:
		return actionNone
	}
}

// propagateDeletions removes local copies whose cloud event was not returned
// by a full fetch. Only copies inside the window are touched.
func (r *Reconciler) propagateDeletions(ctx context.Context, key model.CalendarKey, seen map[string]bool, idx *index, res *Result) error {
	for _, m := range idx.order {
		foreignID := m.ForeignEventID
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync cancelled: %w", err)
		}
		if seen[foreignID] {
			continue
		}
		local, ok := idx.byID[m.LocalEventID]
		if !ok {
			continue
		}
		if err := r.local.DeleteEvent(ctx, key.AccountID, key.CalendarID, local.ID); err != nil {
			return step(err, "deleting local copy %q", local.Subject)
		}
		if err := r.store.DeleteMapping(ctx, key.AccountID, key.CalendarID, foreignID); err != nil {
			return step(err, "deleting mapping for %q", foreignID)
		}
		res.Deleted++
		r.log.Info("deleted local copy of removed cloud event", "calendar", key, "subject", local.Subject, "cloud_id", foreignID)
	}
	return nil
}

func (r *Reconciler) saveMapping(ctx context.Context, key model.CalendarKey, cloudEv, localEv model.Event) error {
	m := &state.EventMapping{
		AccountID:      key.AccountID,
		CalendarID:     key.CalendarID,
		ForeignEventID: cloudEv.ID,
		LocalEventID:   localEv.ID,
		ContentHash:    localEv.ContentHash(),
		LastModified:   cloudEv.LastModified,
	}
	if err := r.store.SaveMapping(ctx, m); err != nil {
		return step(err, "saving mapping for %q", cloudEv.Subject)
	}
	return nil
}

// stepError names the sync step that failed. The step is logged and sent
// with the progress event; [Result.Err] keeps the underlying error.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func step(err error, format string, args ...any) error {
	return &stepError{step: fmt.Sprintf(format, args...), err: err}
}

func cause(err error) error {
	var se *stepError
	if errors.As(err, &se) {
		return se.err
	}
	return err
}

func failedStep(err error) string {
	var se *stepError
	if errors.As(err, &se) {
		return se.step
	}
	return ""
}

func cloudChanged(m *state.EventMapping, ev model.Event) bool {
	return !ev.LastModified.Equal(m.LastModified)
}

func localChanged(m *state.EventMapping, ev model.Event) bool {
	return ev.ContentHash() != m.ContentHash
}

// --- matching ----------------------------------------------------------------

// index resolves the local counterpart of a cloud event: first by the source
// id stamped on the local copy, then through the mapping table for backends
// that cannot carry a source id.
type index struct {
	bySource map[string]model.Event
	byID     map[string]model.Event
	mappings map[string]*state.EventMapping
	order    []*state.EventMapping
}

func newIndex(local []model.Event, mappings []*state.EventMapping) *index {
	idx := &index{
		bySource: make(map[string]model.Event, len(local)),
		byID:     make(map[string]model.Event, len(local)),
		mappings: make(map[string]*state.EventMapping, len(mappings)),
		order:    mappings,
	}
	for _, ev := range local {
		idx.byID[ev.ID] = ev
		if ev.SourceID != "" {
			idx.bySource[ev.SourceID] = ev
		}
	}
	for _, m := range mappings {
		idx.mappings[m.ForeignEventID] = m
	}
	return idx
}

func (idx *index) counterpart(cloudID string) (model.Event, bool) {
	if ev, ok := idx.bySource[cloudID]; ok {
		return ev, true
	}
	m, ok := idx.mappings[cloudID]
	if !ok {
		return model.Event{}, false
	}
	ev, ok := idx.byID[m.LocalEventID]
	if !ok || (ev.SourceID != "" && ev.SourceID != cloudID) {
		return model.Event{}, false
	}
	return ev, true
}
