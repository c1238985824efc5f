// Package sync implements the bidirectional reconciliation engine for
// calrelay. It pulls events from a cloud backend and a local backend,
// matches them through source ids and the mapping table, and writes the
// newer side over the older one.
//
// The package contains three main components:
//
//   - [Reconciler] performs one calendar sync or a fleet-wide pass.
//   - [Engine] adds tracing, metrics, and the cron-driven daemon loop.
//   - [Bootstrap] links pre-existing copies before the first sync.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/state"
)

// Backend is the capability every calendar system implements. Implemented by
// [google.Client], [eventkit.Adapter], and [caldav.Adapter].
type Backend interface {
	ListCalendars(ctx context.Context, accountID string) ([]model.CalendarInfo, error)

	// ListEvents returns events of one calendar. A non-empty changeToken lets
	// backends that support it return only changes since the token and ignore
	// the window. Cancelled events are never returned.
	ListEvents(ctx context.Context, accountID, calendarID string, windowStart, windowEnd time.Time, changeToken string) ([]model.Event, error)

	CreateEvent(ctx context.Context, accountID, calendarID string, ev model.Event) (model.Event, error)
	UpdateEvent(ctx context.Context, accountID, calendarID string, ev model.Event) (model.Event, error)
	DeleteEvent(ctx context.Context, accountID, calendarID, eventID string) error

	// GetChangeToken returns a token describing the calendar as of now, or ""
	// when the backend has no incremental retrieval.
	GetChangeToken(ctx context.Context, accountID, calendarID string) (string, error)
}

// StateStore provides access to the sync state database.
// Implemented by [state.Store].
type StateStore interface {
	GetChangeToken(ctx context.Context, accountID, calendarID string) (string, error)
	SaveChangeToken(ctx context.Context, accountID, calendarID, token string) error
	GetMapping(ctx context.Context, accountID, calendarID, foreignEventID string) (*state.EventMapping, error)
	SaveMapping(ctx context.Context, m *state.EventMapping) error
	ListMappings(ctx context.Context, accountID, calendarID string) ([]*state.EventMapping, error)
	DeleteMapping(ctx context.Context, accountID, calendarID, foreignEventID string) error
	ListAccounts(ctx context.Context) ([]string, error)
	ListCalendars(ctx context.Context) ([]state.CalendarRef, error)
}
