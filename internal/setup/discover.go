package setup

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/njoerd114/calrelay/internal/model"
)

// LocalPrefix is prepended to a cloud calendar's name to form the default
// local calendar name, so mirrored calendars are easy to tell apart.
const LocalPrefix = "G:"

// CalendarLister lists the calendars a backend exposes. Implemented by every
// sync backend.
type CalendarLister interface {
	ListCalendars(ctx context.Context, accountID string) ([]model.CalendarInfo, error)
}

// DiscoverCalendars lists the calendars of accountID sorted by name, then id.
func DiscoverCalendars(ctx context.Context, lister CalendarLister, accountID string) ([]model.CalendarInfo, error) {
	cals, err := lister.ListCalendars(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing calendars: %w", err)
	}
	slices.SortFunc(cals, func(a, b model.CalendarInfo) int {
		if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return cals, nil
}

// DefaultLocalName returns the suggested local calendar for a cloud calendar.
func DefaultLocalName(c model.CalendarInfo) string {
	name := c.Name
	if name == "" {
		name = c.ID
	}
	return LocalPrefix + name
}

// calendarLabel is how a calendar appears in selection prompts.
func calendarLabel(c model.CalendarInfo) string {
	if c.Name == "" || c.Name == c.ID {
		return c.ID
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.ID)
}

// hasLocal reports whether name matches a discovered local calendar by name
// or id.
func hasLocal(local []model.CalendarInfo, name string) bool {
	return slices.ContainsFunc(local, func(c model.CalendarInfo) bool {
		return c.Name == name || c.ID == name
	})
}
