package caldav

import (
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"github.com/njoerd114/calrelay/internal/model"
)

const (
	sourceIDProp = "X-CALRELAY-SOURCE-ID"
	// modifiedProp keeps LastModified at full precision; LAST-MODIFIED only
	// holds whole seconds.
	modifiedProp = "X-CALRELAY-MODIFIED"
	productID    = "-//calrelay//EN"
)

// masterEvent returns the VEVENT that carries the series, skipping
// overridden instances (those with RECURRENCE-ID).
func masterEvent(cal *ical.Calendar) *ical.Event {
	if cal == nil {
		return nil
	}
	for _, e := range cal.Events() {
		if e.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		return &e
	}
	return nil
}

// objectToModel converts the master VEVENT of a calendar object. ok is false
// for objects without an event and for cancelled events.
func objectToModel(path string, cal *ical.Calendar, modTime time.Time, loc *time.Location) (ev model.Event, ok bool, err error) {
	e := masterEvent(cal)
	if e == nil {
		return model.Event{}, false, nil
	}
	if status, _ := e.Status(); status == ical.EventCancelled {
		return model.Event{}, false, nil
	}

	ev = model.Event{ID: path}
	if ev.Subject, err = e.Props.Text(ical.PropSummary); err != nil {
		return model.Event{}, false, fmt.Errorf("reading summary of %s: %w", path, err)
	}
	if ev.Description, err = e.Props.Text(ical.PropDescription); err != nil {
		return model.Event{}, false, fmt.Errorf("reading description of %s: %w", path, err)
	}
	if ev.Location, err = e.Props.Text(ical.PropLocation); err != nil {
		return model.Event{}, false, fmt.Errorf("reading location of %s: %w", path, err)
	}
	if ev.SourceID, err = e.Props.Text(sourceIDProp); err != nil {
		return model.Event{}, false, fmt.Errorf("reading source id of %s: %w", path, err)
	}

	start := e.Props.Get(ical.PropDateTimeStart)
	if start == nil {
		return model.Event{}, false, fmt.Errorf("event %s has no DTSTART", path)
	}
	if ev.Start, err = e.DateTimeStart(loc); err != nil {
		return model.Event{}, false, fmt.Errorf("parsing start of %s: %w", path, err)
	}
	if ev.End, err = e.DateTimeEnd(loc); err != nil {
		return model.Event{}, false, fmt.Errorf("parsing end of %s: %w", path, err)
	}
	ev.AllDay = start.ValueType() == ical.ValueDate || len(start.Value) == len("20060102")
	ev.TimeZone = start.Params.Get(ical.ParamTimezoneID)

	if rule := e.Props.Get(ical.PropRecurrenceRule); rule != nil {
		if ev.Recurrence, err = model.ParseRRule(rule.Value); err != nil {
			return model.Event{}, false, err
		}
	}

	mod, err := e.Props.DateTime(ical.PropLastModified, time.UTC)
	switch {
	case err == nil && !mod.IsZero():
		ev.LastModified = preciseModified(e, mod)
	case !modTime.IsZero():
		ev.LastModified = modTime
	default:
		ev.LastModified = time.Now().UTC()
	}
	return ev, true, nil
}

// newCalendarObject builds a single-event calendar for ev with the given UID.
func newCalendarObject(ev model.Event, uid string, now time.Time) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	e := ical.NewEvent()
	e.Props.SetText(ical.PropUID, uid)
	if err := applyEvent(e, ev, now); err != nil {
		return nil, err
	}
	cal.Children = append(cal.Children, e.Component)
	return cal, nil
}

// applyEvent overwrites the synced properties of e with ev. Properties calrelay
// does not sync, such as alarms and attendees, are left alone.
func applyEvent(e *ical.Event, ev model.Event, now time.Time) error {
	setOrDelete(e.Props, ical.PropSummary, ev.Subject)
	setOrDelete(e.Props, ical.PropDescription, ev.Description)
	setOrDelete(e.Props, ical.PropLocation, ev.Location)
	setOrDelete(e.Props, sourceIDProp, ev.SourceID)

	if ev.AllDay {
		e.Props.SetDate(ical.PropDateTimeStart, ev.Start)
		e.Props.SetDate(ical.PropDateTimeEnd, ev.End)
	} else {
		loc := zoneFor(ev.TimeZone)
		e.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.In(loc))
		e.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.In(loc))
	}
	e.Props.Del(ical.PropDuration)

	e.Props.Del(ical.PropRecurrenceRule)
	if ev.Recurrence != nil {
		rule, err := ev.Recurrence.RRule()
		if err != nil {
			return err
		}
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = rule
		e.Props.Set(prop)
	}

	// LAST-MODIFIED mirrors the source event so the copy is not newer than
	// what it was copied from.
	mod := ev.LastModified
	if mod.IsZero() {
		mod = now
	}
	e.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	e.Props.SetDateTime(ical.PropLastModified, mod.UTC())
	e.Props.SetText(modifiedProp, mod.UTC().Format(time.RFC3339Nano))
	return nil
}

// preciseModified returns the full-precision stamp written by calrelay when
// it still agrees with LAST-MODIFIED. Another client editing the event moves
// LAST-MODIFIED and the stamp is ignored.
func preciseModified(e *ical.Event, lastModified time.Time) time.Time {
	raw, err := e.Props.Text(modifiedProp)
	if err != nil || raw == "" {
		return lastModified
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || !t.Truncate(time.Second).Equal(lastModified) {
		return lastModified
	}
	return t
}

func setOrDelete(props ical.Props, name, value string) {
	if value == "" {
		props.Del(name)
		return
	}
	props.SetText(name, value)
}

// zoneFor resolves an IANA name, falling back to UTC so DTSTART never
// carries an unnamed offset.
func zoneFor(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
