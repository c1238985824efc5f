// Package model defines the event vocabulary shared by the sync engine and
// every calendar backend.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Event is the normalised representation of one calendar event. Values are
// treated as immutable: use [Event.Mirror] to derive a copy with different
// identities.
type Event struct {
	// ID is the identifier issued by the backend that owns this copy.
	ID string

	// SourceID references the counterpart event this copy mirrors. Empty when
	// the backend cannot carry it or the event has never been mirrored.
	SourceID string

	Subject     string
	Description string
	Location    string

	Start time.Time
	End   time.Time

	// TimeZone is an IANA name (e.g. "Europe/Berlin"). Empty means the times
	// carry their own location.
	TimeZone string

	// AllDay marks date-only events. Start and End are then midnights and End
	// is exclusive.
	AllDay bool

	// Recurrence is nil for single events.
	Recurrence *Recurrence

	// LastModified is the sole conflict-resolution signal. Backends without a
	// native value set it to the read time.
	LastModified time.Time
}

// CalendarInfo describes one calendar a backend exposes for an account.
type CalendarInfo struct {
	ID        string
	Name      string
	AccountID string
	TimeZone  string
}

// CalendarKey names one (account, calendar) sync pair.
type CalendarKey struct {
	AccountID  string
	CalendarID string
}

// String returns "account/calendar", used in log lines and error messages.
func (k CalendarKey) String() string {
	return k.AccountID + "/" + k.CalendarID
}

// ContentHash returns a SHA-256 hex digest over subject, start, end, and
// last-modified time. Times are normalised to UTC first so the digest does
// not depend on the location a backend attached.
func (e Event) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(e.Subject))
	h.Write([]byte("|"))
	h.Write([]byte(formatHashTime(e.Start)))
	h.Write([]byte("|"))
	h.Write([]byte(formatHashTime(e.End)))
	h.Write([]byte("|"))
	h.Write([]byte(formatHashTime(e.LastModified)))
	return hex.EncodeToString(h.Sum(nil))
}

// Mirror returns a copy of e carrying the given identities. All content
// fields, including LastModified, are kept.
func (e Event) Mirror(id, sourceID string) Event {
	cp := e
	cp.ID = id
	cp.SourceID = sourceID
	if e.Recurrence != nil {
		r := e.Recurrence.clone()
		cp.Recurrence = &r
	}
	return cp
}

// InWindow reports whether e overlaps [start, end]. An event starting exactly
// at start is included even when it has zero duration; an event that ends at
// or before start, or starts after end, is not.
func (e Event) InWindow(start, end time.Time) bool {
	if e.Start.After(end) {
		return false
	}
	if !e.Start.Before(start) {
		return true
	}
	return e.End.After(start)
}

func formatHashTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
