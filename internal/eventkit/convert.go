package eventkit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	ek "github.com/BRO3886/go-eventkit"
	ekcalendar "github.com/BRO3886/go-eventkit/calendar"

	"github.com/njoerd114/calrelay/internal/model"
)

var frequencies = map[string]ek.RecurrenceFrequency{
	"DAILY":   ek.FrequencyDaily,
	"WEEKLY":  ek.FrequencyWeekly,
	"MONTHLY": ek.FrequencyMonthly,
	"YEARLY":  ek.FrequencyYearly,
}

var weekdays = map[string]ek.Weekday{
	"SU": ek.Sunday,
	"MO": ek.Monday,
	"TU": ek.Tuesday,
	"WE": ek.Wednesday,
	"TH": ek.Thursday,
	"FR": ek.Friday,
	"SA": ek.Saturday,
}

// eventToModel converts an EventKit event. EventKit has nowhere to store a
// source id, so SourceID is always empty and matching relies on mappings.
func eventToModel(e *ekcalendar.Event) model.Event {
	ev := model.Event{
		ID:           e.ID,
		Subject:      e.Title,
		Description:  e.Notes,
		Location:     e.Location,
		Start:        e.StartDate,
		End:          e.EndDate,
		TimeZone:     e.TimeZone,
		AllDay:       e.AllDay,
		LastModified: e.ModifiedAt,
	}
	if ev.LastModified.IsZero() {
		ev.LastModified = time.Now().UTC()
	}
	if len(e.RecurrenceRules) > 0 {
		ev.Recurrence = ruleToRecurrence(e.RecurrenceRules[0])
	}
	return ev
}

// eventToCreateInput builds the create request for calendarName.
func eventToCreateInput(ev model.Event, calendarName string) (ekcalendar.CreateEventInput, error) {
	input := ekcalendar.CreateEventInput{
		Title:     ev.Subject,
		StartDate: ev.Start,
		EndDate:   ev.End,
		AllDay:    ev.AllDay,
		Location:  ev.Location,
		Notes:     ev.Description,
		Calendar:  calendarName,
		TimeZone:  ev.TimeZone,
	}
	if ev.Recurrence != nil {
		rule, err := recurrenceToRule(*ev.Recurrence)
		if err != nil {
			return ekcalendar.CreateEventInput{}, err
		}
		input.RecurrenceRules = []ek.RecurrenceRule{rule}
	}
	return input, nil
}

// eventToUpdateInput builds an update that overwrites every synced field.
// A nil recurrence is sent as an empty rule list so the series is removed.
func eventToUpdateInput(ev model.Event) (ekcalendar.UpdateEventInput, error) {
	title := ev.Subject
	notes := ev.Description
	location := ev.Location
	start := ev.Start
	end := ev.End
	allDay := ev.AllDay

	input := ekcalendar.UpdateEventInput{
		Title:     &title,
		Notes:     &notes,
		Location:  &location,
		StartDate: &start,
		EndDate:   &end,
		AllDay:    &allDay,
	}
	if ev.TimeZone != "" {
		tz := ev.TimeZone
		input.TimeZone = &tz
	}

	rules := []ek.RecurrenceRule{}
	if ev.Recurrence != nil {
		rule, err := recurrenceToRule(*ev.Recurrence)
		if err != nil {
			return ekcalendar.UpdateEventInput{}, err
		}
		rules = append(rules, rule)
	}
	input.RecurrenceRules = &rules
	return input, nil
}

func recurrenceToRule(r model.Recurrence) (ek.RecurrenceRule, error) {
	freq, ok := frequencies[strings.ToUpper(r.Frequency)]
	if !ok {
		return ek.RecurrenceRule{}, fmt.Errorf("unsupported frequency %q", r.Frequency)
	}
	rule := ek.RecurrenceRule{Frequency: freq, Interval: max(r.Interval, 1)}

	for _, d := range r.ByDay {
		dow, err := parseByDay(d)
		if err != nil {
			return ek.RecurrenceRule{}, err
		}
		rule.DaysOfTheWeek = append(rule.DaysOfTheWeek, dow)
	}

	switch {
	case r.Until != nil:
		until := *r.Until
		rule.End = &ek.RecurrenceEnd{EndDate: &until}
	case r.Count > 0:
		rule.End = &ek.RecurrenceEnd{OccurrenceCount: r.Count}
	}
	return rule, nil
}

func ruleToRecurrence(rule ek.RecurrenceRule) *model.Recurrence {
	r := &model.Recurrence{Interval: max(rule.Interval, 1)}
	for name, f := range frequencies {
		if f == rule.Frequency {
			r.Frequency = name
		}
	}
	if r.Frequency == "" {
		return nil
	}

	for _, d := range rule.DaysOfTheWeek {
		for code, w := range weekdays {
			if w != d.DayOfTheWeek {
				continue
			}
			if d.WeekNumber != 0 {
				code = strconv.Itoa(d.WeekNumber) + code
			}
			r.ByDay = append(r.ByDay, code)
		}
	}

	if rule.End != nil {
		if rule.End.EndDate != nil {
			until := rule.End.EndDate.UTC()
			r.Until = &until
		}
		r.Count = rule.End.OccurrenceCount
	}
	return r
}

// parseByDay parses "MO" or an ordinal form such as "-1FR" or "2TU".
func parseByDay(s string) (ek.RecurrenceDayOfWeek, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return ek.RecurrenceDayOfWeek{}, fmt.Errorf("invalid weekday %q", s)
	}
	w, ok := weekdays[s[len(s)-2:]]
	if !ok {
		return ek.RecurrenceDayOfWeek{}, fmt.Errorf("invalid weekday %q", s)
	}
	dow := ek.RecurrenceDayOfWeek{DayOfTheWeek: w}
	if prefix := s[:len(s)-2]; prefix != "" {
		n, err := strconv.Atoi(prefix)
		if err != nil || n == 0 || n < -53 || n > 53 {
			return ek.RecurrenceDayOfWeek{}, fmt.Errorf("invalid weekday ordinal %q", s)
		}
		dow.WeekNumber = n
	}
	return dow, nil
}
