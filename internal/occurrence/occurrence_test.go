package occurrence

import (
	"context"
	"testing"
	"time"

	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/store"
)

// fakeStore implements store.Store, backing only the event/occurrence
// methods Materializer exercises. The rest return zero values; nothing in
// this package calls them.
type fakeStore struct {
	events      map[string]*model.Event
	occurrences map[string][]model.Occurrence // eventID -> rows
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:      make(map[string]*model.Event),
		occurrences: make(map[string][]model.Occurrence),
	}
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) CreateAccount(ctx context.Context, a *model.Account) error { return nil }
func (s *fakeStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return nil, nil
}
func (s *fakeStore) ListAccounts(ctx context.Context) ([]*model.Account, error)        { return nil, nil }
func (s *fakeStore) ListEnabledAccounts(ctx context.Context) ([]*model.Account, error) { return nil, nil }
func (s *fakeStore) DeleteAccount(ctx context.Context, id string) error                { return nil }

func (s *fakeStore) CreateCalendar(ctx context.Context, c *model.Calendar) error { return nil }
func (s *fakeStore) GetCalendar(ctx context.Context, id string) (*model.Calendar, error) {
	return nil, nil
}
func (s *fakeStore) ListCalendarsForAccount(ctx context.Context, accountID string) ([]*model.Calendar, error) {
	return nil, nil
}
func (s *fakeStore) UpdateCalendarSyncTokens(ctx context.Context, id, ctag, syncToken string) error {
	return nil
}
func (s *fakeStore) ClearCalendarCTag(ctx context.Context, id string) error { return nil }
func (s *fakeStore) SetCalendarDefault(ctx context.Context, accountID, calendarID string) error {
	return nil
}
func (s *fakeStore) DeleteCalendar(ctx context.Context, id string) error { return nil }

func (s *fakeStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return e, nil
}
func (s *fakeStore) GetEventByUID(ctx context.Context, calendarID, uid string, originalInstanceTime *int64) (*model.Event, error) {
	return nil, nil
}
func (s *fakeStore) ListEventsForCalendar(ctx context.Context, calendarID string) ([]*model.Event, error) {
	return nil, nil
}
func (s *fakeStore) ListExceptionsForMaster(ctx context.Context, masterEventID string) ([]*model.Event, error) {
	return nil, nil
}
func (s *fakeStore) WriteEvent(ctx context.Context, w store.EventWrite) error { return nil }
func (s *fakeStore) UpdateEventSyncState(ctx context.Context, id string, status model.SyncStatus, etag, caldavURL string) error {
	return nil
}
func (s *fakeStore) MoveEventCalendar(ctx context.Context, id, targetCalendarID string, status model.SyncStatus) error {
	return nil
}
func (s *fakeStore) DeleteEvent(ctx context.Context, id string) error { return nil }
func (s *fakeStore) SearchEvents(ctx context.Context, calendarID, query string) ([]*model.Event, error) {
	return nil, nil
}

func (s *fakeStore) ReplaceOccurrences(ctx context.Context, eventID string, occurrences []model.Occurrence) error {
	s.occurrences[eventID] = occurrences
	return nil
}
func (s *fakeStore) DeleteOccurrencesForEvent(ctx context.Context, eventID string) error {
	delete(s.occurrences, eventID)
	return nil
}
func (s *fakeStore) GetOccurrenceAt(ctx context.Context, eventID string, startTs int64) (*model.Occurrence, error) {
	for i := range s.occurrences[eventID] {
		if s.occurrences[eventID][i].StartTs == startTs {
			return &s.occurrences[eventID][i], nil
		}
	}
	return nil, nil
}
func (s *fakeStore) InsertOccurrence(ctx context.Context, o model.Occurrence) error {
	s.occurrences[o.EventID] = append(s.occurrences[o.EventID], o)
	return nil
}
func (s *fakeStore) LinkOccurrenceException(ctx context.Context, occurrenceID, exceptionEventID string) error {
	for eventID, rows := range s.occurrences {
		for i := range rows {
			if rows[i].ID == occurrenceID {
				s.occurrences[eventID][i].ExceptionEventID = exceptionEventID
				return nil
			}
		}
	}
	return nil
}
func (s *fakeStore) UnlinkExceptionEvent(ctx context.Context, exceptionEventID string) error {
	return nil
}
func (s *fakeStore) OccurrencesForDayRange(ctx context.Context, calendarID string, days store.DayRange) ([]store.OccurrenceRow, error) {
	return nil, nil
}
func (s *fakeStore) Subscribe(calendarID string, fn func()) (unsubscribe func()) {
	return func() {}
}

func (s *fakeStore) EnqueueOperation(ctx context.Context, op *model.PendingOperation) error {
	return nil
}
func (s *fakeStore) GetReadyOperations(ctx context.Context, calendarID string, now time.Time) ([]*model.PendingOperation, error) {
	return nil, nil
}
func (s *fakeStore) MarkOperationInProgress(ctx context.Context, id string) error { return nil }
func (s *fakeStore) MarkOperationSuccess(ctx context.Context, id string) error    { return nil }
func (s *fakeStore) MarkOperationRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	return nil
}
func (s *fakeStore) MarkOperationFailed(ctx context.Context, id string, failedAt time.Time) error {
	return nil
}
func (s *fakeStore) MarkOperationConflict(ctx context.Context, id string, conflictCycles int) error {
	return nil
}
func (s *fakeStore) AdvanceMovePhase(ctx context.Context, id string, targetCalendarID string) error {
	return nil
}
func (s *fakeStore) ResetAbandonedInProgress(ctx context.Context) error { return nil }
func (s *fakeStore) ResetExpiredFailed(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
func (s *fakeStore) ConflictOperationsForCalendar(ctx context.Context, calendarID string) ([]*model.PendingOperation, error) {
	return nil, nil
}
func (s *fakeStore) AbandonOperation(ctx context.Context, id string) error { return nil }
func (s *fakeStore) ListOperationsOlderThan(ctx context.Context, cutoff time.Time) ([]*model.PendingOperation, error) {
	return nil, nil
}
func (s *fakeStore) DeleteOperation(ctx context.Context, id string) error { return nil }

func (s *fakeStore) RecordSyncSession(ctx context.Context, sess *model.SyncSession) error {
	return nil
}
func (s *fakeStore) AppendSyncLog(ctx context.Context, l *model.SyncLog) error { return nil }

func (s *fakeStore) CreateIcsSubscription(ctx context.Context, sub *model.IcsSubscription) error {
	return nil
}
func (s *fakeStore) GetIcsSubscription(ctx context.Context, id string) (*model.IcsSubscription, error) {
	return nil, nil
}
func (s *fakeStore) ListDueIcsSubscriptions(ctx context.Context, now time.Time) ([]*model.IcsSubscription, error) {
	return nil, nil
}
func (s *fakeStore) UpdateIcsSubscriptionState(ctx context.Context, id, etag, lastModified string, lastSyncAt, nextRefreshAt time.Time) error {
	return nil
}

var _ store.Store = (*fakeStore)(nil)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRegenerateNonRecurring(t *testing.T) {
	fs := newFakeStore()
	ev := &model.Event{
		ID:         "ev1",
		CalendarID: "cal1",
		StartTs:    1000,
		EndTs:      2000,
	}
	fs.events[ev.ID] = ev

	m := New(fs)
	if err := m.Regenerate(t.Context(), ev.ID); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	rows := fs.occurrences[ev.ID]
	if len(rows) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(rows))
	}
	if rows[0].StartTs != 1000 || rows[0].EndTs != 2000 {
		t.Fatalf("unexpected occurrence bounds: %+v", rows[0])
	}
	if rows[0].IsCancelled {
		t.Fatalf("non-recurring occurrence should not be cancelled")
	}
}

func TestRegenerateDailyRRuleHonorsExdate(t *testing.T) {
	fs := newFakeStore()
	now := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	exdateTs := start.AddDate(0, 0, 2).UnixMilli() // third day excluded

	ev := &model.Event{
		ID:         "ev-daily",
		CalendarID: "cal1",
		StartTs:    start.UnixMilli(),
		EndTs:      end.UnixMilli(),
		RRule:      "FREQ=DAILY;COUNT=5",
		ExDate:     []int64{exdateTs},
	}
	fs.events[ev.ID] = ev

	m := NewWithClock(fs, fixedClock(now))
	if err := m.Regenerate(t.Context(), ev.ID); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	rows := fs.occurrences[ev.ID]
	if len(rows) != 5 {
		t.Fatalf("got %d occurrences, want 5", len(rows))
	}

	var cancelledCount int
	for _, r := range rows {
		duration := r.EndTs - r.StartTs
		if duration != end.Sub(start).Milliseconds() {
			t.Fatalf("unexpected instance duration: %d", duration)
		}
		if r.StartTs == exdateTs {
			if !r.IsCancelled {
				t.Fatalf("occurrence at EXDATE instant should be cancelled")
			}
			cancelledCount++
		}
	}
	if cancelledCount != 1 {
		t.Fatalf("expected exactly one cancelled occurrence, got %d", cancelledCount)
	}
}

func TestRegenerateUnboundedRuleClampedToWindow(t *testing.T) {
	fs := newFakeStore()
	now := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	start := time.Date(2020, 1, 1, 9, 0, 0, 0, time.UTC)
	ev := &model.Event{
		ID:         "ev-weekly",
		CalendarID: "cal1",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(30 * time.Minute).UnixMilli(),
		RRule:      "FREQ=WEEKLY",
	}
	fs.events[ev.ID] = ev

	m := NewWithClock(fs, fixedClock(now))
	if err := m.Regenerate(t.Context(), ev.ID); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	rows := fs.occurrences[ev.ID]
	if len(rows) == 0 {
		t.Fatalf("expected at least one occurrence")
	}
	windowStart := now.Add(-expansionPast)
	windowEnd := now.Add(expansionFuture)
	for _, r := range rows {
		rt := time.UnixMilli(r.StartTs)
		if rt.Before(windowStart.Add(-31*time.Minute)) || rt.After(windowEnd.Add(31*time.Minute)) {
			t.Fatalf("occurrence %v outside expansion window", rt)
		}
	}
}

func TestLinkExceptionUpdatesExistingOccurrence(t *testing.T) {
	fs := newFakeStore()
	now := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	ev := &model.Event{
		ID:         "ev-daily2",
		CalendarID: "cal1",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		RRule:      "FREQ=DAILY;COUNT=3",
	}
	fs.events[ev.ID] = ev

	m := NewWithClock(fs, fixedClock(now))
	if err := m.Regenerate(t.Context(), ev.ID); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	secondInstant := start.AddDate(0, 0, 1).UnixMilli()
	if err := m.LinkException(t.Context(), ev.ID, secondInstant, "exc-event-1"); err != nil {
		t.Fatalf("LinkException: %v", err)
	}

	occ, err := fs.GetOccurrenceAt(t.Context(), ev.ID, secondInstant)
	if err != nil {
		t.Fatalf("GetOccurrenceAt: %v", err)
	}
	if occ == nil || occ.ExceptionEventID != "exc-event-1" {
		t.Fatalf("expected occurrence linked to exc-event-1, got %+v", occ)
	}
	if len(fs.occurrences[ev.ID]) != 3 {
		t.Fatalf("linking an existing slot should not insert a new row")
	}
}

func TestLinkExceptionInsertsSyntheticWhenSlotMissing(t *testing.T) {
	fs := newFakeStore()
	now := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	master := &model.Event{
		ID:         "ev-daily3",
		CalendarID: "cal1",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		RRule:      "FREQ=DAILY;COUNT=3",
	}
	fs.events[master.ID] = master

	originalInstant := start.AddDate(0, 0, 10).UnixMilli() // never emitted by COUNT=3
	exceptionEvent := &model.Event{
		ID:         "exc-event-2",
		CalendarID: "cal1",
		StartTs:    originalInstant + 3_600_000, // moved an hour later
		EndTs:      originalInstant + 7_200_000,
	}
	fs.events[exceptionEvent.ID] = exceptionEvent

	m := NewWithClock(fs, fixedClock(now))
	if err := m.Regenerate(t.Context(), master.ID); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	before := len(fs.occurrences[master.ID])

	if err := m.LinkException(t.Context(), master.ID, originalInstant, exceptionEvent.ID); err != nil {
		t.Fatalf("LinkException: %v", err)
	}

	rows := fs.occurrences[master.ID]
	if len(rows) != before+1 {
		t.Fatalf("expected a synthetic occurrence to be inserted, got %d rows (had %d)", len(rows), before)
	}

	var found bool
	for _, r := range rows {
		if r.ExceptionEventID == exceptionEvent.ID {
			found = true
			if r.StartTs != exceptionEvent.StartTs || r.EndTs != exceptionEvent.EndTs {
				t.Fatalf("synthetic occurrence should mirror the exception event's own bounds, got %+v", r)
			}
		}
	}
	if !found {
		t.Fatalf("no occurrence linked to %s", exceptionEvent.ID)
	}
}
