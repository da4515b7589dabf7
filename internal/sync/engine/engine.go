// Package engine implements SyncEngine: the per-calendar and per-account
// orchestration of push, conflict resolution, and pull, recording one
// SyncSession per syncCalendar call.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/store"
	"github.com/kashcal/sync-core/internal/sync/conflict"
	"github.com/kashcal/sync-core/internal/sync/pull"
	"github.com/kashcal/sync-core/internal/sync/push"
)

// AuthError short-circuits an account's sync: a 401 from any stage of any
// calendar's push/conflict/pull means no further calendars on that account
// are attempted.
type AuthError struct {
	CalendarID string
}

func (e *AuthError) Error() string {
	return "engine: unauthorized on calendar " + e.CalendarID
}

type Engine struct {
	store    store.Store
	push     *push.Strategy
	conflict *conflict.Resolver
	pull     *pull.Strategy
	now      func() time.Time
	logger   zerolog.Logger
}

func New(s store.Store, p *push.Strategy, c *conflict.Resolver, pl *pull.Strategy, logger zerolog.Logger) *Engine {
	return &Engine{store: s, push: p, conflict: c, pull: pl, now: time.Now, logger: logger.With().Str("component", "engine").Logger()}
}

// NewWithClock lets tests pin "now" so recorded durations are deterministic.
func NewWithClock(s store.Store, p *push.Strategy, c *conflict.Resolver, pl *pull.Strategy, logger zerolog.Logger, now func() time.Time) *Engine {
	return &Engine{store: s, push: p, conflict: c, pull: pl, now: now, logger: logger.With().Str("component", "engine").Logger()}
}

// SyncCalendar runs push → resolve-conflicts → pull for one calendar and
// persists exactly one SyncSession recording the result. A 401 at any
// stage returns *AuthError; the session is still recorded, with
// status=FAILED and errorType="AUTH".
func (e *Engine) SyncCalendar(ctx context.Context, cal *model.Calendar, triggerSource string) (model.SyncSession, error) {
	start := e.now().UTC()
	session := model.SyncSession{
		ID:            uuid.NewString(),
		CalendarID:    cal.ID,
		CalendarName:  cal.DisplayName,
		TriggerSource: triggerSource,
		StartTime:     start,
		Status:        model.SessionSuccess,
	}

	var authErr *AuthError

	if !cal.SkipsPush() {
		counts, err := e.push.PushCalendar(ctx, cal.ID)
		session.EventsPushedCreated += counts.Created
		session.EventsPushedUpdated += counts.Updated
		session.EventsPushedDeleted += counts.Deleted
		if err != nil {
			if ae := asPushAuthError(err); ae != "" {
				authErr = &AuthError{CalendarID: ae}
			} else {
				e.fail(&session, "PUSH", err)
				return e.finish(ctx, session, start)
			}
		}
		if counts.Failed > 0 {
			session.Status = model.SessionPartial
		}
	}

	if authErr == nil {
		conflictCounts, err := e.conflict.ResolveCalendar(ctx, cal.ID)
		session.ConflictsResolved += conflictCounts.Resolved + conflictCounts.Retried
		if err != nil {
			if ae := asConflictAuthError(err); ae != "" {
				authErr = &AuthError{CalendarID: ae}
			} else {
				e.fail(&session, "CONFLICT", err)
				return e.finish(ctx, session, start)
			}
		}
		if len(conflictCounts.Abandoned) > 0 {
			// ResolveCalendar already cleared the calendar's ctag for each
			// abandoned operation; re-read so pull sees the cleared state.
			if refreshed, err := e.store.GetCalendar(ctx, cal.ID); err == nil && refreshed != nil {
				cal = refreshed
			}
			session.Status = model.SessionPartial
		}
	}

	if authErr == nil {
		outcome, err := e.pull.PullCalendar(ctx, cal, false)
		session.EventsWritten += outcome.Created + outcome.Updated
		session.EventsUpdated += outcome.Updated
		session.EventsDeleted += outcome.Deleted
		if outcome.UsedFullSync {
			session.SyncType = model.SyncFull
		} else {
			session.SyncType = model.SyncIncremental
		}
		if err != nil {
			if ae := asPullAuthError(err); ae != "" {
				authErr = &AuthError{CalendarID: ae}
			} else {
				e.fail(&session, "PULL", err)
				return e.finish(ctx, session, start)
			}
		}
	}

	if authErr != nil {
		session.Status = model.SessionFailed
		session.ErrorType = "AUTH"
		session.ErrorStage = "SYNC"
		session.ErrorMessage = authErr.Error()
		sess, finErr := e.finish(ctx, session, start)
		if finErr != nil {
			return sess, finErr
		}
		return sess, authErr
	}

	return e.finish(ctx, session, start)
}

func (e *Engine) fail(session *model.SyncSession, stage string, err error) {
	if errors.Is(err, context.Canceled) {
		session.Status = model.SessionCancelled
		session.ErrorType = "SYNC"
		session.ErrorStage = stage
		session.ErrorMessage = "cancelled"
		return
	}
	session.Status = model.SessionFailed
	session.ErrorType = "SYNC"
	session.ErrorStage = stage
	session.ErrorMessage = err.Error()
}

func (e *Engine) finish(ctx context.Context, session model.SyncSession, start time.Time) (model.SyncSession, error) {
	session.DurationMs = e.now().UTC().Sub(start).Milliseconds()
	if err := e.store.RecordSyncSession(ctx, &session); err != nil {
		return session, err
	}
	return session, nil
}

func asPushAuthError(err error) string {
	var ae *push.AuthError
	if errors.As(err, &ae) {
		return ae.CalendarID
	}
	return ""
}

func asPullAuthError(err error) string {
	var ae *pull.AuthError
	if errors.As(err, &ae) {
		return ae.CalendarID
	}
	return ""
}

func asConflictAuthError(err error) string {
	var ae *conflict.AuthError
	if errors.As(err, &ae) {
		return ae.CalendarID
	}
	return ""
}

// AccountKind discriminates a SyncAccount result.
type AccountKind int

const (
	AccountSuccess AccountKind = iota
	AccountPartialSuccess
	AccountAuthError
	AccountError
)

// AccountResult aggregates one account's sync across all its calendars.
type AccountResult struct {
	Kind           AccountKind
	CalendarErrors map[string]error
	AuthCalendarID string
	Err            error
}

// SyncAccount iterates calendars in the order the Store returns them
// (§5: "not guaranteed globally"), syncing each in turn. A 401 on any
// calendar stops the remaining calendars on this account.
func (e *Engine) SyncAccount(ctx context.Context, calendars []*model.Calendar, triggerSource string) AccountResult {
	result := AccountResult{Kind: AccountSuccess, CalendarErrors: map[string]error{}}

	for _, cal := range calendars {
		_, err := e.SyncCalendar(ctx, cal, triggerSource)
		if err == nil {
			continue
		}
		var ae *AuthError
		if errors.As(err, &ae) {
			result.Kind = AccountAuthError
			result.AuthCalendarID = ae.CalendarID
			result.Err = err
			return result
		}
		result.CalendarErrors[cal.ID] = err
	}

	if len(result.CalendarErrors) > 0 {
		result.Kind = AccountPartialSuccess
	}
	return result
}
