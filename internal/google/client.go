// Package google implements the cloud side of calrelay on the Google Calendar
// API. It provides a [Client] that satisfies the sync engine's backend
// contract, a 3-attempt exponential-backoff [Retry] helper, and conversion
// between API events and [model.Event].
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/njoerd114/calrelay/internal/model"
)

// pageSize is the largest page the events endpoint accepts.
const pageSize = 2500

// HTTPClientSource hands out an authorised HTTP client per account.
// Implemented by [credentials.Store].
type HTTPClientSource interface {
	HTTPClient(ctx context.Context, accountID string) (*http.Client, error)
}

// ServiceFactory builds a Calendar API service for one account.
type ServiceFactory func(ctx context.Context, accountID string) (*calendar.Service, error)

// Client talks to Google Calendar on behalf of every configured account.
// Services are created lazily and cached per account. Create one with
// [NewClient] or [NewClientWithServiceFactory].
type Client struct {
	newService ServiceFactory
	loc        *time.Location
	logger     *slog.Logger

	mu       sync.Mutex
	services map[string]*calendar.Service
}

// NewClient creates a Client whose services authenticate through auth.
func NewClient(auth HTTPClientSource, logger *slog.Logger) *Client {
	return NewClientWithServiceFactory(func(ctx context.Context, accountID string) (*calendar.Service, error) {
		hc, err := auth.HTTPClient(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return calendar.NewService(ctx, option.WithHTTPClient(hc))
	}, logger)
}

// NewClientWithServiceFactory creates a Client with a caller-supplied service
// factory. Intended for tests that point the service at an httptest server.
func NewClientWithServiceFactory(factory ServiceFactory, logger *slog.Logger) *Client {
	return &Client{
		newService: factory,
		loc:        time.Local,
		logger:     logger,
		services:   make(map[string]*calendar.Service),
	}
}

func (c *Client) service(ctx context.Context, accountID string) (*calendar.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[accountID]; ok {
		return svc, nil
	}
	svc, err := c.newService(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service for %s: %w", accountID, err)
	}
	c.services[accountID] = svc
	return svc, nil
}

// Ping validates the account's credentials by listing one calendar.
func (c *Client) Ping(ctx context.Context, accountID string) error {
	svc, err := c.service(ctx, accountID)
	if err != nil {
		return err
	}
	err = Retry(ctx, defaultMaxAttempts, func() error {
		_, callErr := svc.CalendarList.List().MaxResults(1).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return fmt.Errorf("ping google for %s: %w", accountID, err)
	}
	return nil
}

// ListCalendars returns every calendar on the account's calendar list.
func (c *Client) ListCalendars(ctx context.Context, accountID string) ([]model.CalendarInfo, error) {
	svc, err := c.service(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var out []model.CalendarInfo
	err = Retry(ctx, defaultMaxAttempts, func() error {
		out = out[:0]
		return svc.CalendarList.List().Context(ctx).Pages(ctx, func(page *calendar.CalendarList) error {
			for _, entry := range page.Items {
				name := entry.Summary
				if entry.SummaryOverride != "" {
					name = entry.SummaryOverride
				}
				out = append(out, model.CalendarInfo{
					ID:        entry.Id,
					Name:      name,
					AccountID: accountID,
					TimeZone:  entry.TimeZone,
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list calendars for %s: %w", accountID, err)
	}
	return out, nil
}

// ListEvents returns the events of one calendar. With a change token only
// events changed since the token are returned; an expired token falls back
// to a full windowed fetch. Cancelled events and modified instances of a
// series are skipped.
func (c *Client) ListEvents(ctx context.Context, accountID, calendarID string, windowStart, windowEnd time.Time, changeToken string) ([]model.Event, error) {
	svc, err := c.service(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if changeToken != "" {
		events, err := c.listEvents(ctx, svc, calendarID, func(call *calendar.EventsListCall) *calendar.EventsListCall {
			return call.SyncToken(changeToken)
		})
		if err == nil {
			return events, nil
		}
		if !isGone(err) {
			return nil, fmt.Errorf("list changed events in %s: %w", calendarID, err)
		}
		c.logger.Info("change token expired, running full fetch", "account", accountID, "calendar", calendarID)
	}

	events, err := c.listEvents(ctx, svc, calendarID, func(call *calendar.EventsListCall) *calendar.EventsListCall {
		return call.
			TimeMin(windowStart.Format(time.RFC3339)).
			TimeMax(windowEnd.Format(time.RFC3339)).
			ShowDeleted(false)
	})
	if err != nil {
		return nil, fmt.Errorf("list events in %s: %w", calendarID, err)
	}
	return events, nil
}

func (c *Client) listEvents(ctx context.Context, svc *calendar.Service, calendarID string, configure func(*calendar.EventsListCall) *calendar.EventsListCall) ([]model.Event, error) {
	var out []model.Event
	err := Retry(ctx, defaultMaxAttempts, func() error {
		out = out[:0]
		call := configure(svc.Events.List(calendarID).MaxResults(pageSize))
		return call.Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				if item.Status == statusCancelled || item.RecurringEventId != "" {
					continue
				}
				ev, err := apiEventToModel(item, c.loc)
				if err != nil {
					c.logger.Warn("skipping unreadable event", "calendar", calendarID, "event", item.Id, "error", err)
					continue
				}
				out = append(out, ev)
			}
			return nil
		})
	})
	return out, err
}

// CreateEvent inserts ev and returns the stored copy.
func (c *Client) CreateEvent(ctx context.Context, accountID, calendarID string, ev model.Event) (model.Event, error) {
	svc, err := c.service(ctx, accountID)
	if err != nil {
		return model.Event{}, err
	}
	body, err := modelToAPIEvent(ev)
	if err != nil {
		return model.Event{}, err
	}

	var created *calendar.Event
	err = Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		created, callErr = svc.Events.Insert(calendarID, body).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("insert %q into %s: %w", ev.Subject, calendarID, err)
	}
	return apiEventToModel(created, c.loc)
}

// UpdateEvent patches the event with ev.ID. Fields calrelay does not model,
// such as attendees and reminders, are left as they are.
func (c *Client) UpdateEvent(ctx context.Context, accountID, calendarID string, ev model.Event) (model.Event, error) {
	svc, err := c.service(ctx, accountID)
	if err != nil {
		return model.Event{}, err
	}
	body, err := modelToAPIEvent(ev)
	if err != nil {
		return model.Event{}, err
	}
	if ev.Recurrence == nil {
		body.NullFields = append(body.NullFields, "Recurrence")
	}
	// Patch merges start and end, so the field of the other kind is nulled
	// when an event switches between timed and all-day.
	for _, dt := range []*calendar.EventDateTime{body.Start, body.End} {
		if ev.AllDay {
			dt.NullFields = append(dt.NullFields, "DateTime")
		} else {
			dt.NullFields = append(dt.NullFields, "Date")
		}
	}

	var updated *calendar.Event
	err = Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		updated, callErr = svc.Events.Patch(calendarID, ev.ID, body).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("patch %q in %s: %w", ev.Subject, calendarID, err)
	}
	return apiEventToModel(updated, c.loc)
}

// DeleteEvent removes an event. An event that is already gone is not an error.
func (c *Client) DeleteEvent(ctx context.Context, accountID, calendarID, eventID string) error {
	svc, err := c.service(ctx, accountID)
	if err != nil {
		return err
	}
	err = Retry(ctx, defaultMaxAttempts, func() error {
		return svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	if err != nil && !isGone(err) && !isNotFound(err) {
		return fmt.Errorf("delete %s from %s: %w", eventID, calendarID, err)
	}
	return nil
}

// GetChangeToken pages through the calendar requesting only page tokens and
// returns the sync token issued on the last page.
func (c *Client) GetChangeToken(ctx context.Context, accountID, calendarID string) (string, error) {
	svc, err := c.service(ctx, accountID)
	if err != nil {
		return "", err
	}

	var token string
	err = Retry(ctx, defaultMaxAttempts, func() error {
		token = ""
		return svc.Events.List(calendarID).
			MaxResults(pageSize).
			ShowDeleted(true).
			Fields("nextPageToken", "nextSyncToken").
			Pages(ctx, func(page *calendar.Events) error {
				if page.NextSyncToken != "" {
					token = page.NextSyncToken
				}
				return nil
			})
	})
	if err != nil {
		return "", fmt.Errorf("fetch sync token for %s: %w", calendarID, err)
	}
	return token, nil
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusGone
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
