package caldav

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/njoerd114/calrelay/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// mockDAV is an in-memory CalDAV server holding one home set.
type mockDAV struct {
	mu        sync.Mutex
	calendars []caldav.Calendar
	objects   map[string]*ical.Calendar
	queries   []string
	discovers int
	removeErr error
}

func newMockDAV() *mockDAV {
	return &mockDAV{
		calendars: []caldav.Calendar{
			{Path: "/dav/cal/work/", Name: "G:Work", SupportedComponentSet: []string{"VEVENT"}},
			{Path: "/dav/cal/tasks/", Name: "Tasks", SupportedComponentSet: []string{"VTODO"}},
			{Path: "/dav/cal/home/"},
		},
		objects: make(map[string]*ical.Calendar),
	}
}

func (m *mockDAV) FindCurrentUserPrincipal(context.Context) (string, error) {
	return "/dav/principals/me/", nil
}

func (m *mockDAV) FindCalendarHomeSet(_ context.Context, principal string) (string, error) {
	if principal != "/dav/principals/me/" {
		return "", errors.New("unknown principal")
	}
	return "/dav/cal/", nil
}

func (m *mockDAV) FindCalendars(context.Context, string) ([]caldav.Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovers++
	return m.calendars, nil
}

func (m *mockDAV) QueryCalendar(_ context.Context, cal string, _ *caldav.CalendarQuery) ([]caldav.CalendarObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, cal)
	var out []caldav.CalendarObject
	for p, data := range m.objects {
		if strings.HasPrefix(p, cal) {
			out = append(out, caldav.CalendarObject{Path: p, Data: data, ModTime: testNow.Add(-time.Hour)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *mockDAV) GetCalendarObject(_ context.Context, p string) (*caldav.CalendarObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[p]
	if !ok {
		return nil, errors.New("404 Not Found")
	}
	return &caldav.CalendarObject{Path: p, Data: data}, nil
}

func (m *mockDAV) PutCalendarObject(_ context.Context, p string, cal *ical.Calendar) (*caldav.CalendarObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = cal
	return &caldav.CalendarObject{Path: p}, nil
}

func (m *mockDAV) RemoveAll(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	if _, ok := m.objects[p]; !ok {
		return errors.New("404 Not Found")
	}
	delete(m.objects, p)
	return nil
}

func newTestAdapter(dav *mockDAV, targets map[model.CalendarKey]string) *Adapter {
	a := NewAdapterWithClient(dav, targets, testLogger)
	a.loc = time.UTC
	a.now = func() time.Time { return testNow }
	n := 0
	a.newUID = func() string {
		n++
		return "uid-" + string(rune('0'+n))
	}
	return a
}

var workTargets = map[model.CalendarKey]string{
	{AccountID: "work", CalendarID: "primary"}: "G:Work",
	{AccountID: "work", CalendarID: "team"}:    "/dav/cal/home",
}

// ---------------------------------------------------------------------------
// Adapter
// ---------------------------------------------------------------------------

func TestAdapter_ListCalendarsSkipsTaskLists(t *testing.T) {
	a := newTestAdapter(newMockDAV(), workTargets)

	got, err := a.ListCalendars(context.Background(), "work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("calendars = %+v, want 2", got)
	}
	if got[0].Name != "G:Work" || got[0].ID != "/dav/cal/work/" {
		t.Errorf("calendar[0] = %+v", got[0])
	}
	if got[1].Name != "home" {
		t.Errorf("calendar[1].Name = %q, want path base %q", got[1].Name, "home")
	}
}

func TestAdapter_CreateThenList(t *testing.T) {
	dav := newMockDAV()
	a := newTestAdapter(dav, workTargets)
	ctx := context.Background()

	ev := model.Event{
		Subject:    "Standup",
		Start:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:        time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC),
		TimeZone:   "Europe/Berlin",
		SourceID:   "g-1",
		Recurrence: &model.Recurrence{Frequency: "WEEKLY", Interval: 1, ByDay: []string{"MO"}},
	}
	created, err := a.CreateEvent(ctx, "work", "primary", ev)
	if err != nil {
		t.Fatalf("CreateEvent() error: %v", err)
	}
	if created.ID != "/dav/cal/work/uid-1.ics" {
		t.Errorf("ID = %q, want object path", created.ID)
	}
	if !created.LastModified.Equal(testNow) {
		t.Errorf("LastModified = %v, want %v", created.LastModified, testNow)
	}

	got, err := a.ListEvents(ctx, "work", "primary", testNow.AddDate(0, -1, 0), testNow.AddDate(0, 6, 0), "")
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	e := got[0]
	if e.Subject != "Standup" || e.SourceID != "g-1" || e.TimeZone != "Europe/Berlin" {
		t.Errorf("event = %+v", e)
	}
	if !e.Start.Equal(ev.Start) || !e.End.Equal(ev.End) {
		t.Errorf("times = %v..%v, want %v..%v", e.Start, e.End, ev.Start, ev.End)
	}
	if e.Recurrence == nil || e.Recurrence.Frequency != "WEEKLY" {
		t.Errorf("Recurrence = %+v, want WEEKLY", e.Recurrence)
	}
	if dav.discovers != 1 {
		t.Errorf("discovers = %d, want 1 (name cached)", dav.discovers)
	}
}

func TestAdapter_PathTargetSkipsDiscovery(t *testing.T) {
	dav := newMockDAV()
	a := newTestAdapter(dav, workTargets)

	if _, err := a.ListEvents(context.Background(), "work", "team", time.Time{}, time.Time{}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dav.discovers != 0 {
		t.Errorf("discovers = %d, want 0", dav.discovers)
	}
	if dav.queries[0] != "/dav/cal/home/" {
		t.Errorf("query path = %q, want trailing slash", dav.queries[0])
	}
}

func TestAdapter_UnknownTarget(t *testing.T) {
	a := newTestAdapter(newMockDAV(), map[model.CalendarKey]string{
		{AccountID: "work", CalendarID: "primary"}: "Missing",
	})

	if _, err := a.ListEvents(context.Background(), "work", "primary", time.Time{}, time.Time{}, ""); err == nil {
		t.Error("expected error for a calendar the server does not have")
	}
	if _, err := a.ListEvents(context.Background(), "home", "primary", time.Time{}, time.Time{}, ""); err == nil {
		t.Error("expected error for an unmapped pair")
	}
}

func TestAdapter_UpdatePreservesUIDAndAlarms(t *testing.T) {
	dav := newMockDAV()
	a := newTestAdapter(dav, workTargets)
	ctx := context.Background()

	created, err := a.CreateEvent(ctx, "work", "primary", model.Event{
		Subject:  "Old",
		Start:    testNow,
		End:      testNow.Add(time.Hour),
		Location: "Room 1",
	})
	if err != nil {
		t.Fatalf("CreateEvent() error: %v", err)
	}
	alarm := ical.NewComponent(ical.CompAlarm)
	alarm.Props.SetText(ical.PropAction, "DISPLAY")
	master := masterEvent(dav.objects[created.ID])
	master.Children = append(master.Children, alarm)

	updated, err := a.UpdateEvent(ctx, "work", "primary", model.Event{
		ID:      created.ID,
		Subject: "New",
		Start:   testNow,
		End:     testNow.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("UpdateEvent() error: %v", err)
	}
	if updated.Subject != "New" || updated.Location != "" {
		t.Errorf("updated = %+v, want subject New and no location", updated)
	}

	e := masterEvent(dav.objects[created.ID])
	if uid, _ := e.Props.Text(ical.PropUID); uid != "uid-1" {
		t.Errorf("UID = %q, want uid-1", uid)
	}
	if len(e.Children) != 1 {
		t.Errorf("alarms = %d, want 1 kept", len(e.Children))
	}
}

func TestAdapter_UpdateMissing(t *testing.T) {
	a := newTestAdapter(newMockDAV(), workTargets)
	if _, err := a.UpdateEvent(context.Background(), "work", "primary", model.Event{ID: "/dav/cal/work/nope.ics"}); err == nil {
		t.Error("expected error for a missing object")
	}
}

func TestAdapter_DeleteEvent(t *testing.T) {
	dav := newMockDAV()
	a := newTestAdapter(dav, workTargets)
	ctx := context.Background()

	created, err := a.CreateEvent(ctx, "work", "primary", model.Event{Subject: "x", Start: testNow, End: testNow.Add(time.Hour)})
	if err != nil {
		t.Fatalf("CreateEvent() error: %v", err)
	}
	if err := a.DeleteEvent(ctx, "work", "primary", created.ID); err != nil {
		t.Errorf("DeleteEvent() = %v", err)
	}
	if err := a.DeleteEvent(ctx, "work", "primary", created.ID); err != nil {
		t.Errorf("DeleteEvent(gone) = %v, want nil", err)
	}

	dav.removeErr = errors.New("403 Forbidden")
	if err := a.DeleteEvent(ctx, "work", "primary", created.ID); err == nil {
		t.Error("expected error for a forbidden delete")
	}
}

func TestAdapter_NoChangeToken(t *testing.T) {
	a := newTestAdapter(newMockDAV(), workTargets)
	if tok, err := a.GetChangeToken(context.Background(), "work", "primary"); tok != "" || err != nil {
		t.Errorf("GetChangeToken() = %q, %v", tok, err)
	}
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

func decode(t *testing.T, s string) *ical.Calendar {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(strings.ReplaceAll(s, "\n", "\r\n"))).Decode()
	if err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}
	return cal
}

func TestObjectToModel_ForeignObject(t *testing.T) {
	cal := decode(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//EN
BEGIN:VEVENT
UID:abc
DTSTAMP:20260201T000000Z
DTSTART;TZID=Europe/Berlin:20260310T090000
DURATION:PT90M
SUMMARY:Review\, final
RRULE:FREQ=MONTHLY;BYDAY=-1FR
END:VEVENT
BEGIN:VEVENT
UID:abc
DTSTAMP:20260201T000000Z
RECURRENCE-ID;TZID=Europe/Berlin:20260327T090000
DTSTART;TZID=Europe/Berlin:20260327T110000
DURATION:PT90M
SUMMARY:Moved
END:VEVENT
END:VCALENDAR
`)
	mod := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	got, ok, err := objectToModel("/dav/cal/work/abc.ics", cal, mod, time.UTC)
	if err != nil || !ok {
		t.Fatalf("objectToModel() = %v, %v", ok, err)
	}
	if got.Subject != "Review, final" {
		t.Errorf("Subject = %q, want unescaped text", got.Subject)
	}
	if want := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC); !got.Start.Equal(want) {
		t.Errorf("Start = %v, want %v", got.Start, want)
	}
	if got.End.Sub(got.Start) != 90*time.Minute {
		t.Errorf("duration = %v, want 90m", got.End.Sub(got.Start))
	}
	if got.TimeZone != "Europe/Berlin" {
		t.Errorf("TimeZone = %q", got.TimeZone)
	}
	if got.Recurrence == nil || got.Recurrence.ByDay[0] != "-1FR" {
		t.Errorf("Recurrence = %+v", got.Recurrence)
	}
	if !got.LastModified.Equal(mod) {
		t.Errorf("LastModified = %v, want object mod time %v", got.LastModified, mod)
	}
}

func TestObjectToModel_AllDayAndLastModified(t *testing.T) {
	cal := decode(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//EN
BEGIN:VEVENT
UID:day
DTSTAMP:20260201T000000Z
LAST-MODIFIED:20260215T101500Z
DTSTART;VALUE=DATE:20260501
SUMMARY:Holiday
END:VEVENT
END:VCALENDAR
`)

	got, ok, err := objectToModel("/p/day.ics", cal, time.Time{}, time.UTC)
	if err != nil || !ok {
		t.Fatalf("objectToModel() = %v, %v", ok, err)
	}
	if !got.AllDay {
		t.Error("AllDay = false, want true")
	}
	if want := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC); !got.End.Equal(want) {
		t.Errorf("End = %v, want %v", got.End, want)
	}
	if want := time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC); !got.LastModified.Equal(want) {
		t.Errorf("LastModified = %v, want %v", got.LastModified, want)
	}
}

func TestObjectToModel_Skipped(t *testing.T) {
	cancelled := decode(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//EN
BEGIN:VEVENT
UID:c
DTSTAMP:20260201T000000Z
DTSTART:20260301T090000Z
STATUS:CANCELLED
END:VEVENT
END:VCALENDAR
`)
	if _, ok, err := objectToModel("/p/c.ics", cancelled, time.Time{}, time.UTC); ok || err != nil {
		t.Errorf("cancelled: ok = %v, err = %v, want skipped", ok, err)
	}
	if _, ok, err := objectToModel("/p/x.ics", nil, time.Time{}, time.UTC); ok || err != nil {
		t.Errorf("nil data: ok = %v, err = %v, want skipped", ok, err)
	}
}

func TestNewCalendarObject_Encodes(t *testing.T) {
	cal, err := newCalendarObject(model.Event{
		Subject: "Offsite",
		Start:   time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC),
		AllDay:  true,
	}, "u-1", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sb strings.Builder
	if err := ical.NewEncoder(&sb).Encode(cal); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"UID:u-1", "DTSTART;VALUE=DATE:20260601", "DTEND;VALUE=DATE:20260603", "PRODID:" + productID} {
		if !strings.Contains(out, want) {
			t.Errorf("encoded object missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, sourceIDProp) {
		t.Error("source id property written for an event without one")
	}
}
