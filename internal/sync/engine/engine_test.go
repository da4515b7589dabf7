package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/caldavclient"
	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/occurrence"
	"github.com/kashcal/sync-core/internal/queue"
	"github.com/kashcal/sync-core/internal/quirks"
	"github.com/kashcal/sync-core/internal/store"
	"github.com/kashcal/sync-core/internal/sync/conflict"
	"github.com/kashcal/sync-core/internal/sync/pull"
	"github.com/kashcal/sync-core/internal/sync/push"
)

// fakeStore backs every method push/pull/conflict/engine exercise across a
// full SyncCalendar call.
type fakeStore struct {
	store.Store

	events      map[string]*model.Event
	calendars   map[string]*model.Calendar
	ops         map[string]*model.PendingOperation
	occurrences map[string][]model.Occurrence
	clearedCT   map[string]bool
	sessions    []*model.SyncSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:      make(map[string]*model.Event),
		calendars:   make(map[string]*model.Calendar),
		ops:         make(map[string]*model.PendingOperation),
		occurrences: make(map[string][]model.Occurrence),
		clearedCT:   make(map[string]bool),
	}
}

func (s *fakeStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.events[id], nil
}

func (s *fakeStore) GetEventByUID(ctx context.Context, calendarID, uid string, originalInstanceTime *int64) (*model.Event, error) {
	for _, e := range s.events {
		if e.CalendarID == calendarID && e.UID == uid && e.OriginalInstanceTime == nil && originalInstanceTime == nil {
			return e, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListEventsForCalendar(ctx context.Context, calendarID string) ([]*model.Event, error) {
	var out []*model.Event
	for _, e := range s.events {
		if e.CalendarID == calendarID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) WriteEvent(ctx context.Context, w store.EventWrite) error {
	cp := w.Event
	s.events[cp.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteEvent(ctx context.Context, id string) error {
	delete(s.events, id)
	delete(s.occurrences, id)
	return nil
}

func (s *fakeStore) GetCalendar(ctx context.Context, id string) (*model.Calendar, error) {
	return s.calendars[id], nil
}

func (s *fakeStore) UpdateCalendarSyncTokens(ctx context.Context, id, ctag, syncToken string) error {
	cal := s.calendars[id]
	if cal != nil {
		cal.CTag = ctag
		cal.SyncToken = syncToken
	}
	return nil
}

func (s *fakeStore) ClearCalendarCTag(ctx context.Context, id string) error {
	s.clearedCT[id] = true
	if cal := s.calendars[id]; cal != nil {
		cal.CTag = ""
	}
	return nil
}

func (s *fakeStore) UpdateEventSyncState(ctx context.Context, id string, status model.SyncStatus, etag, caldavURL string) error {
	e, ok := s.events[id]
	if !ok {
		return nil
	}
	e.SyncStatus = status
	e.ETag = etag
	e.CaldavURL = caldavURL
	return nil
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
	return nil
}

func (s *fakeStore) EnqueueOperation(ctx context.Context, op *model.PendingOperation) error {
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *fakeStore) GetReadyOperations(ctx context.Context, calendarID string, now time.Time) ([]*model.PendingOperation, error) {
	var out []*model.PendingOperation
	for _, op := range s.ops {
		if (op.TargetCalendarID == calendarID || op.SourceCalendarID == calendarID) && op.Status == model.OpStatusPending {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkOperationInProgress(ctx context.Context, id string) error {
	s.ops[id].Status = model.OpStatusInProgress
	return nil
}

func (s *fakeStore) MarkOperationSuccess(ctx context.Context, id string) error {
	delete(s.ops, id)
	return nil
}

func (s *fakeStore) MarkOperationRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	op := s.ops[id]
	op.Status = model.OpStatusPending
	op.RetryCount = retryCount
	op.NextRetryAt = &nextRetryAt
	return nil
}

func (s *fakeStore) MarkOperationFailed(ctx context.Context, id string, failedAt time.Time) error {
	op := s.ops[id]
	op.Status = model.OpStatusFailed
	op.FailedAt = &failedAt
	return nil
}

func (s *fakeStore) MarkOperationConflict(ctx context.Context, id string, conflictCycles int) error {
	op := s.ops[id]
	op.Status = model.OpStatusConflict
	op.ConflictCycles = conflictCycles
	return nil
}

func (s *fakeStore) AdvanceMovePhase(ctx context.Context, id string, targetCalendarID string) error {
	op := s.ops[id]
	op.MovePhase = model.MovePhaseCreateInTarget
	op.TargetCalendarID = targetCalendarID
	op.Status = model.OpStatusPending
	op.RetryCount = 0
	op.NextRetryAt = nil
	return nil
}

func (s *fakeStore) AbandonOperation(ctx context.Context, id string) error {
	delete(s.ops, id)
	return nil
}

func (s *fakeStore) ConflictOperationsForCalendar(ctx context.Context, calendarID string) ([]*model.PendingOperation, error) {
	var out []*model.PendingOperation
	for _, op := range s.ops {
		if (op.TargetCalendarID == calendarID || op.SourceCalendarID == calendarID) && op.Status == model.OpStatusConflict {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteOperation(ctx context.Context, id string) error {
	delete(s.ops, id)
	return nil
}

func (s *fakeStore) RecordSyncSession(ctx context.Context, sess *model.SyncSession) error {
	cp := *sess
	s.sessions = append(s.sessions, &cp)
	return nil
}

func ctagBody(ctag string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:response>
    <d:href>/cal1/</d:href>
    <d:propstat>
      <d:prop><cs:getctag>%s</cs:getctag></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`, ctag)
}

func newEngine(fs *fakeStore, srv *httptest.Server) *Engine {
	q := quirks.NewDefaultQuirks(srv.URL)
	client := caldavclient.NewClient(q, "user", "pass", zerolog.Nop())
	qu := queue.New(fs, zerolog.Nop())
	mat := occurrence.New(fs)
	pushStrategy := push.New(fs, client, qu, zerolog.Nop())
	pullStrategy := pull.New(fs, client, q, mat, zerolog.Nop())
	resolver := conflict.New(fs, client, qu, conflict.ServerWins, zerolog.Nop())
	return New(fs, pushStrategy, resolver, pullStrategy, zerolog.Nop())
}

func TestSyncCalendarNoOpsMatchingCtagRecordsSuccess(t *testing.T) {
	fs := newFakeStore()
	cal := &model.Calendar{ID: "cal1", CTag: "ctag-1"}
	fs.calendars[cal.ID] = cal

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(ctagBody("ctag-1")))
	}))
	defer srv.Close()
	cal.RemoteURL = srv.URL + "/cal1/"

	eng := newEngine(fs, srv)
	sess, err := eng.SyncCalendar(t.Context(), cal, "manual")
	if err != nil {
		t.Fatalf("SyncCalendar: %v", err)
	}
	if sess.Status != model.SessionSuccess {
		t.Fatalf("expected SUCCESS, got %s", sess.Status)
	}
	if sess.SyncType != model.SyncIncremental {
		t.Fatalf("expected INCREMENTAL (no full sync ran), got %s", sess.SyncType)
	}
	if len(fs.sessions) != 1 {
		t.Fatalf("expected exactly one recorded session, got %d", len(fs.sessions))
	}
}

func TestSyncCalendarSkipsPushOnReadOnlyCalendar(t *testing.T) {
	fs := newFakeStore()
	cal := &model.Calendar{ID: "cal1", CTag: "ctag-1", IsReadOnly: true}
	fs.calendars[cal.ID] = cal
	fs.ops["op1"] = &model.PendingOperation{ID: "op1", EventID: "ev1", Kind: model.OpCreate, Status: model.OpStatusPending, TargetCalendarID: "cal1"}

	var propfindCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "PROPFIND" {
			propfindCount++
		}
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(ctagBody("ctag-1")))
	}))
	defer srv.Close()
	cal.RemoteURL = srv.URL + "/cal1/"

	eng := newEngine(fs, srv)
	sess, err := eng.SyncCalendar(t.Context(), cal, "scheduled")
	if err != nil {
		t.Fatalf("SyncCalendar: %v", err)
	}
	if sess.EventsPushedCreated != 0 {
		t.Fatalf("expected no pushes on read-only calendar, got %+v", sess)
	}
	if _, stillPending := fs.ops["op1"]; !stillPending {
		t.Fatalf("expected pending op left untouched, push was skipped")
	}
}

func TestSyncCalendarUnauthorizedPushFailsSessionWithAuthError(t *testing.T) {
	fs := newFakeStore()
	cal := &model.Calendar{ID: "cal1", CTag: "ctag-1"}
	fs.calendars[cal.ID] = cal
	ev := &model.Event{ID: "ev1", CalendarID: "cal1", UID: "ev1@x", SyncStatus: model.SyncStatusPendingCreate}
	fs.events[ev.ID] = ev
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	cal.RemoteURL = srv.URL + "/cal1/"
	fs.ops["op1"] = &model.PendingOperation{
		ID: "op1", EventID: "ev1", Kind: model.OpCreate, Status: model.OpStatusPending,
		TargetURL: srv.URL + "/cal1/ev1.ics", TargetCalendarID: "cal1", MaxRetries: model.MaxRetries,
	}

	eng := newEngine(fs, srv)
	sess, err := eng.SyncCalendar(t.Context(), cal, "manual")
	if err == nil {
		t.Fatalf("expected AuthError")
	}
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
	if sess.Status != model.SessionFailed || sess.ErrorType != "AUTH" {
		t.Fatalf("expected FAILED/AUTH session, got %+v", sess)
	}
	if len(fs.sessions) != 1 {
		t.Fatalf("expected the failed session to still be recorded, got %d", len(fs.sessions))
	}
}

func TestSyncAccountStopsAtFirstAuthError(t *testing.T) {
	fs := newFakeStore()
	good := &model.Calendar{ID: "cal1", CTag: "ctag-1"}
	bad := &model.Calendar{ID: "cal2", CTag: "ctag-1"}
	fs.calendars[good.ID] = good
	fs.calendars[bad.ID] = bad

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cal2/" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(ctagBody("ctag-1")))
	}))
	defer srv.Close()
	good.RemoteURL = srv.URL + "/cal1/"
	bad.RemoteURL = srv.URL + "/cal2/"

	eng := newEngine(fs, srv)
	result := eng.SyncAccount(t.Context(), []*model.Calendar{good, bad}, "scheduled")
	if result.Kind != AccountAuthError {
		t.Fatalf("expected AccountAuthError, got %v (%+v)", result.Kind, result)
	}
	if result.AuthCalendarID != "cal2" {
		t.Fatalf("expected auth failure attributed to cal2, got %q", result.AuthCalendarID)
	}
}
