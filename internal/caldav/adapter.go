// Package caldav implements the local side of calrelay on any CalDAV server
// (Nextcloud, Radicale, Fastmail, iCloud) using go-webdav and go-ical.
//
// Each event is stored as its own calendar object. The object path is the
// event identifier; the source id travels in the X-CALRELAY-SOURCE-ID
// property so matching does not depend on the mapping table.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/njoerd114/calrelay/internal/model"
)

// requestTimeout bounds every HTTP round trip to the server.
const requestTimeout = 30 * time.Second

// DAVClient is the subset of [caldav.Client] used by the adapter.
type DAVClient interface {
	FindCurrentUserPrincipal(ctx context.Context) (string, error)
	FindCalendarHomeSet(ctx context.Context, principal string) (string, error)
	FindCalendars(ctx context.Context, calendarHomeSet string) ([]caldav.Calendar, error)
	QueryCalendar(ctx context.Context, calendar string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
	GetCalendarObject(ctx context.Context, path string) (*caldav.CalendarObject, error)
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
	RemoveAll(ctx context.Context, name string) error
}

// Adapter exposes a CalDAV account as a sync backend.
type Adapter struct {
	client  DAVClient
	targets map[model.CalendarKey]string
	loc     *time.Location
	log     *slog.Logger
	now     func() time.Time
	newUID  func() string

	mu    sync.Mutex
	paths map[string]string // display name -> collection path
}

// NewAdapter connects to endpoint with basic authentication. targets maps
// each synced cloud calendar to a local calendar, given as its display name
// or as an absolute collection path.
func NewAdapter(endpoint, username, password string, targets map[model.CalendarKey]string, logger *slog.Logger) (*Adapter, error) {
	hc := webdav.HTTPClientWithBasicAuth(&http.Client{Timeout: requestTimeout}, username, password)
	c, err := caldav.NewClient(hc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating caldav client for %s: %w", endpoint, err)
	}
	return NewAdapterWithClient(c, targets, logger), nil
}

// NewAdapterWithClient creates an Adapter with a caller-supplied client.
// Intended for testing with a mock [DAVClient].
func NewAdapterWithClient(client DAVClient, targets map[model.CalendarKey]string, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:  client,
		targets: targets,
		loc:     time.Local,
		log:     logger,
		now:     time.Now,
		newUID:  uuid.NewString,
		paths:   make(map[string]string),
	}
}

// ListCalendars discovers the event calendars in the user's home set.
// accountID is only copied into the result.
func (a *Adapter) ListCalendars(ctx context.Context, accountID string) ([]model.CalendarInfo, error) {
	cals, err := a.discover(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.CalendarInfo, 0, len(cals))
	for _, c := range cals {
		out = append(out, model.CalendarInfo{ID: c.Path, Name: displayName(c), AccountID: accountID})
	}
	return out, nil
}

// ListEvents queries VEVENTs overlapping the window. changeToken is ignored.
func (a *Adapter) ListEvents(ctx context.Context, accountID, calendarID string, windowStart, windowEnd time.Time, _ string) ([]model.Event, error) {
	calPath, err := a.resolve(ctx, accountID, calendarID)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: windowStart,
				End:   windowEnd,
			}},
		},
	}
	objects, err := a.client.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", calPath, err)
	}

	out := make([]model.Event, 0, len(objects))
	for _, obj := range objects {
		ev, ok, err := objectToModel(obj.Path, obj.Data, obj.ModTime, a.loc)
		if err != nil {
			a.log.Warn("skipping unreadable calendar object", "path", obj.Path, "error", err)
			continue
		}
		if ok {
			out = append(out, ev)
		}
	}
	a.log.Debug("fetched caldav events", "calendar", calPath, "objects", len(objects), "events", len(out))
	return out, nil
}

// CreateEvent stores ev as a new object named after a fresh UID.
func (a *Adapter) CreateEvent(ctx context.Context, accountID, calendarID string, ev model.Event) (model.Event, error) {
	calPath, err := a.resolve(ctx, accountID, calendarID)
	if err != nil {
		return model.Event{}, err
	}

	uid := a.newUID()
	cal, err := newCalendarObject(ev, uid, a.now())
	if err != nil {
		return model.Event{}, fmt.Errorf("converting %q: %w", ev.Subject, err)
	}

	objPath := calPath + uid + ".ics"
	a.log.Debug("creating caldav event", "subject", ev.Subject, "path", objPath)
	return a.put(ctx, objPath, cal)
}

// UpdateEvent rewrites the object at ev.ID, keeping its UID and any
// properties calrelay does not sync.
func (a *Adapter) UpdateEvent(ctx context.Context, _, _ string, ev model.Event) (model.Event, error) {
	obj, err := a.client.GetCalendarObject(ctx, ev.ID)
	if err != nil {
		return model.Event{}, fmt.Errorf("fetching %s: %w", ev.ID, err)
	}
	e := masterEvent(obj.Data)
	if e == nil {
		return model.Event{}, fmt.Errorf("object %s has no event", ev.ID)
	}
	if err := applyEvent(e, ev, a.now()); err != nil {
		return model.Event{}, fmt.Errorf("converting %q: %w", ev.Subject, err)
	}

	a.log.Debug("updating caldav event", "subject", ev.Subject, "path", ev.ID)
	return a.put(ctx, ev.ID, obj.Data)
}

// DeleteEvent removes the object. An object that no longer exists is not an
// error.
func (a *Adapter) DeleteEvent(ctx context.Context, _, _, eventID string) error {
	a.log.Debug("deleting caldav event", "path", eventID)
	if err := a.client.RemoveAll(ctx, eventID); err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting %s: %w", eventID, err)
	}
	return nil
}

// GetChangeToken always returns "": sync-collection is not used.
func (a *Adapter) GetChangeToken(context.Context, string, string) (string, error) {
	return "", nil
}

func (a *Adapter) put(ctx context.Context, objPath string, cal *ical.Calendar) (model.Event, error) {
	co, err := a.client.PutCalendarObject(ctx, objPath, cal)
	if err != nil {
		return model.Event{}, fmt.Errorf("writing %s: %w", objPath, err)
	}
	if co != nil && co.Path != "" {
		objPath = co.Path
	}
	ev, _, err := objectToModel(objPath, cal, time.Time{}, a.loc)
	if err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

// discover walks principal -> home set -> calendars and refreshes the
// name cache. Collections that cannot hold events are skipped.
func (a *Adapter) discover(ctx context.Context) ([]caldav.Calendar, error) {
	principal, err := a.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding principal: %w", err)
	}
	home, err := a.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("finding calendar home set: %w", err)
	}
	all, err := a.client.FindCalendars(ctx, home)
	if err != nil {
		return nil, fmt.Errorf("listing calendars in %s: %w", home, err)
	}

	cals := make([]caldav.Calendar, 0, len(all))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range all {
		if len(c.SupportedComponentSet) > 0 && !slices.Contains(c.SupportedComponentSet, ical.CompEvent) {
			continue
		}
		a.paths[displayName(c)] = c.Path
		cals = append(cals, c)
	}
	return cals, nil
}

// resolve returns the collection path configured for a sync pair.
func (a *Adapter) resolve(ctx context.Context, accountID, calendarID string) (string, error) {
	key := model.CalendarKey{AccountID: accountID, CalendarID: calendarID}
	target, ok := a.targets[key]
	if !ok || target == "" {
		return "", fmt.Errorf("no local calendar configured for %s", key)
	}
	if strings.HasPrefix(target, "/") {
		return withSlash(target), nil
	}

	a.mu.Lock()
	p, ok := a.paths[target]
	a.mu.Unlock()
	if ok {
		return withSlash(p), nil
	}

	if _, err := a.discover(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	p, ok = a.paths[target]
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("local calendar %q not found on server", target)
	}
	return withSlash(p), nil
}

func displayName(c caldav.Calendar) string {
	if c.Name != "" {
		return c.Name
	}
	return path.Base(strings.TrimSuffix(c.Path, "/"))
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// isNotFound reports a 404 from the server. go-webdav keeps its HTTP error
// type internal, so the status line in the message is the only signal.
func isNotFound(err error) bool {
	return strings.HasPrefix(err.Error(), fmt.Sprintf("%d %s", http.StatusNotFound, http.StatusText(http.StatusNotFound)))
}
