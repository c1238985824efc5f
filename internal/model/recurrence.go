package model

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Recurrence is the repeat rule attached to a series master. At most one of
// Until and Count bounds the series; neither means it repeats forever.
type Recurrence struct {
	// Frequency is an RFC 5545 FREQ value: DAILY, WEEKLY, MONTHLY, YEARLY.
	Frequency string

	// Interval is the step between occurrences. Values below 1 mean 1.
	Interval int

	Until *time.Time
	Count int

	// ByDay holds BYDAY entries such as "MO" or "-1FR".
	ByDay []string
}

var weekdays = map[string]rrule.Weekday{
	"MO": rrule.MO, "TU": rrule.TU, "WE": rrule.WE, "TH": rrule.TH,
	"FR": rrule.FR, "SA": rrule.SA, "SU": rrule.SU,
}

// ParseRRule parses an RRULE value, with or without the "RRULE:" prefix.
// DTSTART lines are rejected: the start lives on the event itself.
func ParseRRule(s string) (*Recurrence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty recurrence rule")
	}
	if strings.Contains(s, "\n") {
		return nil, fmt.Errorf("recurrence rule %q spans multiple lines", s)
	}

	opt, err := rrule.StrToROption(s)
	if err != nil {
		return nil, fmt.Errorf("parsing recurrence rule %q: %w", s, err)
	}

	r := &Recurrence{
		Frequency: opt.Freq.String(),
		Interval:  max(opt.Interval, 1),
		Count:     opt.Count,
	}
	if !opt.Until.IsZero() {
		until := opt.Until
		r.Until = &until
	}
	for _, wd := range opt.Byweekday {
		r.ByDay = append(r.ByDay, wd.String())
	}
	return r, nil
}

// RRule formats r as an RRULE value without the "RRULE:" prefix.
func (r Recurrence) RRule() (string, error) {
	freq, err := rrule.StrToFreq(strings.ToUpper(r.Frequency))
	if err != nil {
		return "", fmt.Errorf("formatting recurrence: %w", err)
	}

	opt := rrule.ROption{Freq: freq, Count: r.Count}
	if r.Interval > 1 {
		opt.Interval = r.Interval
	}
	if r.Until != nil {
		opt.Until = *r.Until
	}
	for _, day := range r.ByDay {
		wd, err := parseWeekday(day)
		if err != nil {
			return "", fmt.Errorf("formatting recurrence: %w", err)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	return opt.RRuleString(), nil
}

func (r Recurrence) clone() Recurrence {
	cp := r
	cp.ByDay = slices.Clone(r.ByDay)
	if r.Until != nil {
		u := *r.Until
		cp.Until = &u
	}
	return cp
}

// parseWeekday accepts "MO" or an ordinal form such as "+2MO" / "-1FR".
func parseWeekday(s string) (rrule.Weekday, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return rrule.Weekday{}, fmt.Errorf("invalid weekday %q", s)
	}
	wd, ok := weekdays[s[len(s)-2:]]
	if !ok {
		return rrule.Weekday{}, fmt.Errorf("invalid weekday %q", s)
	}
	if prefix := s[:len(s)-2]; prefix != "" {
		n, err := strconv.Atoi(prefix)
		if err != nil {
			return rrule.Weekday{}, fmt.Errorf("invalid weekday ordinal %q", s)
		}
		return wd.Nth(n), nil
	}
	return wd, nil
}
