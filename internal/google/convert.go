package google

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/njoerd114/calrelay/internal/model"
)

const (
	// sourceIDProperty is the private extended property carrying the id of
	// the event a cloud copy mirrors.
	sourceIDProperty = "calrelaySourceId"

	statusCancelled = "cancelled"
	untitled        = "(No Title)"
	rrulePrefix     = "RRULE:"

	dateLayout = "2006-01-02"
)

// apiEventToModel converts a Calendar API event. All-day dates are placed at
// midnight in loc.
func apiEventToModel(e *calendar.Event, loc *time.Location) (model.Event, error) {
	ev := model.Event{
		ID:          e.Id,
		Subject:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
	}
	if strings.TrimSpace(ev.Subject) == "" {
		ev.Subject = untitled
	}

	var err error
	if ev.Start, ev.AllDay, err = parseEventTime(e.Start, loc); err != nil {
		return model.Event{}, fmt.Errorf("parsing start of %s: %w", e.Id, err)
	}
	if ev.End, _, err = parseEventTime(e.End, loc); err != nil {
		return model.Event{}, fmt.Errorf("parsing end of %s: %w", e.Id, err)
	}
	if e.Start != nil {
		ev.TimeZone = e.Start.TimeZone
	}

	for _, line := range e.Recurrence {
		if !strings.HasPrefix(line, rrulePrefix) {
			continue // EXDATE and RDATE are not mirrored
		}
		r, err := model.ParseRRule(line)
		if err != nil {
			return model.Event{}, fmt.Errorf("parsing recurrence of %s: %w", e.Id, err)
		}
		ev.Recurrence = r
		break
	}

	if e.Updated != "" {
		if t, err := time.Parse(time.RFC3339Nano, e.Updated); err == nil {
			ev.LastModified = t
		}
	}
	if ev.LastModified.IsZero() {
		ev.LastModified = time.Now().UTC()
	}

	if e.ExtendedProperties != nil {
		ev.SourceID = e.ExtendedProperties.Private[sourceIDProperty]
	}
	return ev, nil
}

// modelToAPIEvent builds the request body for insert and patch. Text fields
// are always sent so that a patch clears them when they were emptied.
func modelToAPIEvent(ev model.Event) (*calendar.Event, error) {
	e := &calendar.Event{
		Summary:         ev.Subject,
		Description:     ev.Description,
		Location:        ev.Location,
		Start:           formatEventTime(ev.Start, ev.AllDay, ev.TimeZone),
		End:             formatEventTime(ev.End, ev.AllDay, ev.TimeZone),
		ForceSendFields: []string{"Summary", "Description", "Location"},
	}

	if ev.Recurrence != nil {
		rr, err := ev.Recurrence.RRule()
		if err != nil {
			return nil, fmt.Errorf("formatting recurrence of %q: %w", ev.Subject, err)
		}
		e.Recurrence = []string{rrulePrefix + rr}
	}

	if ev.SourceID != "" {
		e.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{sourceIDProperty: ev.SourceID},
		}
	}
	return e, nil
}

func parseEventTime(dt *calendar.EventDateTime, loc *time.Location) (t time.Time, allDay bool, err error) {
	if dt == nil {
		return time.Time{}, false, fmt.Errorf("missing date")
	}
	if dt.Date != "" {
		t, err = time.ParseInLocation(dateLayout, dt.Date, loc)
		return t, true, err
	}
	t, err = time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, false, err
	}
	if dt.TimeZone != "" {
		if zone, zerr := time.LoadLocation(dt.TimeZone); zerr == nil {
			t = t.In(zone)
		}
	}
	return t, false, nil
}

func formatEventTime(t time.Time, allDay bool, tz string) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.Format(dateLayout)}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}
