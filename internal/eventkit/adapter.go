// Package eventkit implements the local side of calrelay on macOS Calendar
// via the go-eventkit calendar library, converting between native EventKit
// events and the shared [model.Event] representation.
//
// Each synced cloud calendar has a local target calendar, named in the
// configuration. The adapter accepts context.Context on every method for
// consistency with the other backends, even though the underlying cgo calls
// are not cancellable.
package eventkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ekcalendar "github.com/BRO3886/go-eventkit/calendar"

	"github.com/njoerd114/calrelay/internal/model"
)

// Errors returned by [NewAdapter].
var (
	ErrAccessDenied = ekcalendar.ErrAccessDenied
	ErrUnsupported  = ekcalendar.ErrUnsupported
)

// EventKitClient is the subset of [ekcalendar.Client] methods used by the
// adapter. Defining it as an interface allows mock injection in tests.
type EventKitClient interface {
	Calendars() ([]ekcalendar.Calendar, error)
	Events(start, end time.Time, opts ...ekcalendar.ListOption) ([]ekcalendar.Event, error)
	CreateEvent(input ekcalendar.CreateEventInput) (*ekcalendar.Event, error)
	UpdateEvent(id string, input ekcalendar.UpdateEventInput, span ekcalendar.Span) (*ekcalendar.Event, error)
	DeleteEvent(id string, span ekcalendar.Span) error
}

// Adapter provides sync-engine–oriented operations on macOS Calendar. Create
// one with [NewAdapter] or [NewAdapterWithClient].
type Adapter struct {
	client  EventKitClient
	targets map[model.CalendarKey]string
	log     *slog.Logger
}

// NewAdapter creates an Adapter backed by a real EventKit client. targets
// maps each synced cloud calendar to the title of its local calendar.
// This triggers the macOS TCC permissions prompt on first use.
func NewAdapter(targets map[model.CalendarKey]string, logger *slog.Logger) (*Adapter, error) {
	c, err := ekcalendar.New()
	if err != nil {
		return nil, fmt.Errorf("initialising calendar client: %w", err)
	}
	return NewAdapterWithClient(c, targets, logger), nil
}

// NewAdapterWithClient creates an Adapter with a caller-supplied client.
// Intended for testing with a mock [EventKitClient].
func NewAdapterWithClient(client EventKitClient, targets map[model.CalendarKey]string, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, targets: targets, log: logger}
}

func (a *Adapter) target(accountID, calendarID string) (string, error) {
	name, ok := a.targets[model.CalendarKey{AccountID: accountID, CalendarID: calendarID}]
	if !ok || name == "" {
		return "", fmt.Errorf("no local calendar configured for %s/%s", accountID, calendarID)
	}
	return name, nil
}

// ListCalendars returns every writable local calendar. accountID is ignored:
// EventKit calendars are shared by all accounts.
func (a *Adapter) ListCalendars(ctx context.Context, accountID string) ([]model.CalendarInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	cals, err := a.client.Calendars()
	if err != nil {
		return nil, fmt.Errorf("listing local calendars: %w", err)
	}

	out := make([]model.CalendarInfo, 0, len(cals))
	for _, c := range cals {
		if c.ReadOnly {
			continue
		}
		out = append(out, model.CalendarInfo{ID: c.ID, Name: c.Title, AccountID: accountID})
	}
	return out, nil
}

// ListEvents returns the series and single events of the target calendar
// that overlap the window. EventKit returns one entry per occurrence; entries
// are collapsed to one per identifier, keeping the earliest, and detached
// occurrences are skipped. changeToken is ignored.
func (a *Adapter) ListEvents(ctx context.Context, accountID, calendarID string, windowStart, windowEnd time.Time, _ string) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	name, err := a.target(accountID, calendarID)
	if err != nil {
		return nil, err
	}

	raw, err := a.client.Events(windowStart, windowEnd, ekcalendar.WithCalendar(name))
	if err != nil {
		return nil, fmt.Errorf("fetching events from %q: %w", name, err)
	}

	seen := make(map[string]int, len(raw))
	out := make([]model.Event, 0, len(raw))
	for i := range raw {
		e := &raw[i]
		if e.IsDetached || e.Status == ekcalendar.StatusCanceled {
			continue
		}
		if j, dup := seen[e.ID]; dup {
			if e.StartDate.Before(out[j].Start) {
				out[j] = eventToModel(e)
			}
			continue
		}
		seen[e.ID] = len(out)
		out = append(out, eventToModel(e))
	}
	a.log.Debug("fetched local events", "calendar", name, "occurrences", len(raw), "events", len(out))
	return out, nil
}

// CreateEvent creates ev in the target calendar.
func (a *Adapter) CreateEvent(ctx context.Context, accountID, calendarID string, ev model.Event) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, fmt.Errorf("create event: %w", err)
	}
	name, err := a.target(accountID, calendarID)
	if err != nil {
		return model.Event{}, err
	}

	input, err := eventToCreateInput(ev, name)
	if err != nil {
		return model.Event{}, fmt.Errorf("converting %q: %w", ev.Subject, err)
	}

	a.log.Debug("creating local event", "subject", ev.Subject, "calendar", name)
	created, err := a.client.CreateEvent(input)
	if err != nil {
		return model.Event{}, fmt.Errorf("creating event %q in %q: %w", ev.Subject, name, err)
	}
	return eventToModel(created), nil
}

// UpdateEvent overwrites the event with ev.ID. Recurring events are updated
// as a whole series.
func (a *Adapter) UpdateEvent(ctx context.Context, _, _ string, ev model.Event) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, fmt.Errorf("update event: %w", err)
	}

	input, err := eventToUpdateInput(ev)
	if err != nil {
		return model.Event{}, fmt.Errorf("converting %q: %w", ev.Subject, err)
	}

	a.log.Debug("updating local event", "id", ev.ID, "subject", ev.Subject)
	updated, err := a.client.UpdateEvent(ev.ID, input, spanFor(ev))
	if err != nil {
		return model.Event{}, fmt.Errorf("updating event %q: %w", ev.ID, err)
	}
	return eventToModel(updated), nil
}

// DeleteEvent removes an event, and the whole series for recurring events.
// An event that no longer exists is not an error.
func (a *Adapter) DeleteEvent(ctx context.Context, _, _, eventID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}

	a.log.Debug("deleting local event", "id", eventID)
	err := a.client.DeleteEvent(eventID, ekcalendar.SpanFutureEvents)
	if err != nil && !errors.Is(err, ekcalendar.ErrNotFound) {
		return fmt.Errorf("deleting event %q: %w", eventID, err)
	}
	return nil
}

// GetChangeToken always returns "": EventKit has no incremental retrieval.
func (a *Adapter) GetChangeToken(context.Context, string, string) (string, error) {
	return "", nil
}

func spanFor(ev model.Event) ekcalendar.Span {
	if ev.Recurrence != nil {
		return ekcalendar.SpanFutureEvents
	}
	return ekcalendar.SpanThisEvent
}
