package sync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/state"
)

// --- Mock Backend ------------------------------------------------------------

type mockBackend struct {
	mu      sync.Mutex
	prefix  string
	events  map[model.CalendarKey][]model.Event
	nextID  int
	token   string
	listErr map[model.CalendarKey]error

	// Recorded calls.
	tokensSeen []string
	creates    []model.Event
	updates    []model.Event
	deletes    []string

	// onCreate runs after every successful create, outside the lock.
	onCreate func()
}

func newMockBackend(prefix string) *mockBackend {
	return &mockBackend{
		prefix:  prefix,
		events:  make(map[model.CalendarKey][]model.Event),
		listErr: make(map[model.CalendarKey]error),
	}
}

func (m *mockBackend) add(acct, cal string, evs ...model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := model.CalendarKey{AccountID: acct, CalendarID: cal}
	m.events[k] = append(m.events[k], evs...)
}

func (m *mockBackend) failList(acct, cal string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr[model.CalendarKey{AccountID: acct, CalendarID: cal}] = err
}

func (m *mockBackend) ListCalendars(_ context.Context, accountID string) ([]model.CalendarInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CalendarInfo
	for k := range m.events {
		if k.AccountID == accountID {
			out = append(out, model.CalendarInfo{ID: k.CalendarID, Name: k.CalendarID, AccountID: accountID})
		}
	}
	return out, nil
}

func (m *mockBackend) ListEvents(_ context.Context, accountID, calendarID string, _, _ time.Time, changeToken string) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := model.CalendarKey{AccountID: accountID, CalendarID: calendarID}
	m.tokensSeen = append(m.tokensSeen, changeToken)
	if err := m.listErr[k]; err != nil {
		return nil, err
	}
	return slices.Clone(m.events[k]), nil
}

func (m *mockBackend) CreateEvent(_ context.Context, accountID, calendarID string, ev model.Event) (model.Event, error) {
	m.mu.Lock()
	k := model.CalendarKey{AccountID: accountID, CalendarID: calendarID}
	m.nextID++
	ev.ID = fmt.Sprintf("%s-%d", m.prefix, m.nextID)
	m.events[k] = append(m.events[k], ev)
	m.creates = append(m.creates, ev)
	hook := m.onCreate
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return ev, nil
}

func (m *mockBackend) UpdateEvent(_ context.Context, accountID, calendarID string, ev model.Event) (model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := model.CalendarKey{AccountID: accountID, CalendarID: calendarID}
	for i, existing := range m.events[k] {
		if existing.ID == ev.ID {
			m.events[k][i] = ev
			m.updates = append(m.updates, ev)
			return ev, nil
		}
	}
	return model.Event{}, fmt.Errorf("event %q not found", ev.ID)
}

func (m *mockBackend) DeleteEvent(_ context.Context, accountID, calendarID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := model.CalendarKey{AccountID: accountID, CalendarID: calendarID}
	evs := m.events[k]
	for i, existing := range evs {
		if existing.ID == eventID {
			m.events[k] = append(evs[:i], evs[i+1:]...)
			m.deletes = append(m.deletes, eventID)
			return nil
		}
	}
	return fmt.Errorf("event %q not found", eventID)
}

func (m *mockBackend) GetChangeToken(_ context.Context, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *mockBackend) list(acct, cal string) []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events[model.CalendarKey{AccountID: acct, CalendarID: cal}])
}

func (m *mockBackend) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creates)
}

func (m *mockBackend) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

// --- Mock State Store --------------------------------------------------------

type mockStore struct {
	mu        sync.Mutex
	calendars []state.CalendarRef
	tokens    map[model.CalendarKey]string
	saves     int
	mappings  map[string]*state.EventMapping
	order     []string
}

func newMockStore(refs ...state.CalendarRef) *mockStore {
	return &mockStore{
		calendars: refs,
		tokens:    make(map[model.CalendarKey]string),
		mappings:  make(map[string]*state.EventMapping),
	}
}

func mappingKey(acct, cal, foreign string) string {
	return acct + "\x00" + cal + "\x00" + foreign
}

func (m *mockStore) GetChangeToken(_ context.Context, accountID, calendarID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[model.CalendarKey{AccountID: accountID, CalendarID: calendarID}], nil
}

func (m *mockStore) SaveChangeToken(_ context.Context, accountID, calendarID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[model.CalendarKey{AccountID: accountID, CalendarID: calendarID}] = token
	m.saves++
	return nil
}

func (m *mockStore) GetMapping(_ context.Context, accountID, calendarID, foreignEventID string) (*state.EventMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[mappingKey(accountID, calendarID, foreignEventID)]
	if !ok {
		return nil, nil //nolint:nilnil
	}
	cp := *mp
	return &cp, nil
}

func (m *mockStore) SaveMapping(_ context.Context, mp *state.EventMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mappingKey(mp.AccountID, mp.CalendarID, mp.ForeignEventID)
	if _, ok := m.mappings[k]; !ok {
		m.order = append(m.order, k)
	}
	cp := *mp
	m.mappings[k] = &cp
	return nil
}

func (m *mockStore) ListMappings(_ context.Context, accountID, calendarID string) ([]*state.EventMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*state.EventMapping
	for _, k := range m.order {
		mp, ok := m.mappings[k]
		if !ok || mp.AccountID != accountID || mp.CalendarID != calendarID {
			continue
		}
		cp := *mp
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) DeleteMapping(_ context.Context, accountID, calendarID, foreignEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, mappingKey(accountID, calendarID, foreignEventID))
	return nil
}

func (m *mockStore) ListAccounts(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ref := range m.calendars {
		if !slices.Contains(out, ref.AccountID) {
			out = append(out, ref.AccountID)
		}
	}
	return out, nil
}

func (m *mockStore) ListCalendars(_ context.Context) ([]state.CalendarRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calendars), nil
}

func (m *mockStore) token(acct, cal string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[model.CalendarKey{AccountID: acct, CalendarID: cal}]
	return tok, ok
}

func (m *mockStore) mapping(acct, cal, foreign string) *state.EventMapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mappings[mappingKey(acct, cal, foreign)]
}

func (m *mockStore) mappingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}
