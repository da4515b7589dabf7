// Package scheduler is the single point of admission to the sync engine:
// a periodic ticker plus foreground/on-resume/push/manual triggers, each
// gated by a per-account mutex so at most one sync task per account runs
// at a time.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/caldavclient"
	"github.com/kashcal/sync-core/internal/credentials"
	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/occurrence"
	"github.com/kashcal/sync-core/internal/queue"
	"github.com/kashcal/sync-core/internal/quirks"
	"github.com/kashcal/sync-core/internal/store"
	"github.com/kashcal/sync-core/internal/sync/conflict"
	"github.com/kashcal/sync-core/internal/sync/engine"
	"github.com/kashcal/sync-core/internal/sync/pull"
	"github.com/kashcal/sync-core/internal/sync/push"
)

// MinInterval is the floor on the periodic tick; New clamps any smaller
// value up to this.
const MinInterval = 15 * time.Minute

// trigger is one request to sync a single account outside the periodic tick.
type trigger struct {
	accountID string
	source    string
}

// Scheduler owns the periodic tick and the per-account mutex set. It never
// talks to a CalDAV server itself; it builds a fresh push/pull/conflict/
// engine wiring per account per run, from that account's own credentials
// and provider quirks.
type Scheduler struct {
	store       store.Store
	credentials credentials.Store
	registry    *quirks.ProviderRegistry
	policy      conflict.Policy
	interval    time.Duration
	logger      zerolog.Logger

	triggers chan trigger

	locksMu sync.Mutex
	running map[string]bool
}

// New constructs a Scheduler. interval below MinInterval is clamped up to
// it. policy is the ConflictResolver policy applied account-wide; pass ""
// for the default (SERVER_WINS).
func New(s store.Store, creds credentials.Store, interval time.Duration, policy conflict.Policy, logger zerolog.Logger) *Scheduler {
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Scheduler{
		store:       s,
		credentials: creds,
		registry:    quirks.NewProviderRegistry(),
		policy:      policy,
		interval:    interval,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		triggers:    make(chan trigger, 16),
		running:     make(map[string]bool),
	}
}

// Trigger enqueues an out-of-band sync for one account. source identifies
// the cause (foreground, resume, push, manual) and is recorded on the
// resulting SyncSession. Never blocks: if the channel (capacity 16) is
// full, this new request is dropped with a warning log; it is not
// coalesced with or queued behind earlier requests.
func (s *Scheduler) Trigger(accountID, source string) {
	select {
	case s.triggers <- trigger{accountID: accountID, source: source}:
	default:
		s.logger.Warn().Str("accountId", accountID).Msg("trigger queue full, dropping request")
	}
}

// Run blocks until ctx is cancelled, driving the periodic tick and
// draining manual triggers. At startup it resets any operation left
// IN_PROGRESS by a prior process that died mid-push back to PENDING.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.store.ResetAbandonedInProgress(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.syncAllAccounts(ctx, "scheduled")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.syncAllAccounts(ctx, "scheduled")
		case t := <-s.triggers:
			go s.runAccountByID(ctx, t.accountID, t.source)
		}
	}
}

func (s *Scheduler) syncAllAccounts(ctx context.Context, source string) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list accounts failed")
		return
	}
	for _, account := range accounts {
		if !account.IsEnabled || !account.Provider.SyncsViaCalDAV() {
			continue
		}
		go s.runAccount(ctx, account, source)
	}
}

func (s *Scheduler) runAccountByID(ctx context.Context, accountID, source string) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("accountId", accountID).Msg("list accounts failed")
		return
	}
	for _, account := range accounts {
		if account.ID == accountID {
			s.runAccount(ctx, account, source)
			return
		}
	}
	s.logger.Warn().Str("accountId", accountID).Msg("trigger for unknown account")
}

// runAccount acquires the per-account mutex, builds the account's
// push/pull/conflict/engine wiring, and syncs every calendar the account
// owns. A second concurrent call for the same account is rejected as
// AlreadySyncing — logged, never surfaced.
func (s *Scheduler) runAccount(ctx context.Context, account *model.Account, source string) {
	if !account.Provider.SyncsViaCalDAV() {
		return
	}
	if !s.tryAcquire(account.ID) {
		s.logger.Debug().Str("accountId", account.ID).Msg("AlreadySyncing")
		return
	}
	defer s.release(account.ID)

	log := s.logger.With().Str("accountId", account.ID).Str("trigger", source).Logger()

	cred, availability, err := s.credentials.Get(ctx, account.ID)
	if err != nil {
		log.Error().Err(err).Msg("credential lookup failed")
		return
	}
	if availability != credentials.Available {
		log.Warn().Int("availability", int(availability)).Msg("credentials unavailable, skipping account")
		return
	}

	q := s.registry.GetQuirksForAccount(account)
	if q == nil {
		return
	}

	client := caldavclient.NewClient(q, cred.Username, cred.Password, s.logger)
	pq := queue.New(s.store, s.logger)
	materializer := occurrence.New(s.store)
	eng := engine.New(
		s.store,
		push.New(s.store, client, pq, s.logger),
		conflict.New(s.store, client, pq, s.policy, s.logger),
		pull.New(s.store, client, q, materializer, s.logger),
		s.logger,
	)

	calendars, err := s.store.ListCalendarsForAccount(ctx, account.ID)
	if err != nil {
		log.Error().Err(err).Msg("list calendars failed")
		return
	}

	result := eng.SyncAccount(ctx, calendars, source)
	switch result.Kind {
	case engine.AccountSuccess:
		log.Info().Int("calendars", len(calendars)).Msg("sync complete")
	case engine.AccountPartialSuccess:
		log.Warn().Int("failedCalendars", len(result.CalendarErrors)).Msg("sync completed with errors")
	case engine.AccountAuthError:
		log.Error().Str("calendarId", result.AuthCalendarID).Msg("account sync aborted: authentication failed")
	case engine.AccountError:
		log.Error().Err(result.Err).Msg("account sync failed")
	}
}

func (s *Scheduler) tryAcquire(accountID string) bool {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if s.running[accountID] {
		return false
	}
	s.running[accountID] = true
	return true
}

func (s *Scheduler) release(accountID string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.running, accountID)
}
