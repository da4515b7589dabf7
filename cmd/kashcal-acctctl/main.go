// Command kashcal-acctctl registers a CalDAV account with the sync core,
// outside the daemon's own lifecycle; it creates no calendars.
// It is the bootstrap step an operator runs once per account; the daemon
// never creates accounts itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/caldavclient"
	"github.com/kashcal/sync-core/internal/config"
	"github.com/kashcal/sync-core/internal/credentials"
	"github.com/kashcal/sync-core/internal/logging"
	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/occurrence"
	"github.com/kashcal/sync-core/internal/queue"
	"github.com/kashcal/sync-core/internal/quirks"
	"github.com/kashcal/sync-core/internal/store"
	"github.com/kashcal/sync-core/internal/store/sqlite"
	"github.com/kashcal/sync-core/internal/sync/conflict"
	"github.com/kashcal/sync-core/internal/sync/engine"
	"github.com/kashcal/sync-core/internal/sync/pull"
	"github.com/kashcal/sync-core/internal/sync/push"
)

func main() {
	var (
		email         string
		providerFlag  string
		principalURL  string
		homeSetURL    string
		displayName   string
		username      string
		password      string
		trustInsecure bool
		triggerSync   bool
	)
	flag.StringVar(&email, "email", "", "Account email/identifier (required)")
	flag.StringVar(&providerFlag, "provider", "caldav", "Account provider: caldav or icloud")
	flag.StringVar(&principalURL, "principal-url", "", "CalDAV principal URL (required)")
	flag.StringVar(&homeSetURL, "home-set-url", "", "calendar-home-set URL (optional; discovered on first sync if empty)")
	flag.StringVar(&displayName, "display", "", "Account display name (optional; defaults to email)")
	flag.StringVar(&username, "username", "", "Basic-auth username (required)")
	flag.StringVar(&password, "password", "", "Basic-auth password or app-specific password (required)")
	flag.BoolVar(&trustInsecure, "insecure", false, "Trust the server's TLS certificate without verification")
	flag.BoolVar(&triggerSync, "sync", false, "Run a full sync for the new account immediately after registering it")
	flag.Parse()

	if email == "" || principalURL == "" || username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "usage: kashcal-acctctl -email <addr> -principal-url <url> -username <user> -password <pass> [-provider caldav|icloud] [-display <name>] [-home-set-url <url>] [-insecure] [-sync]")
		os.Exit(2)
	}
	if displayName == "" {
		displayName = email
	}

	var provider model.Provider
	switch providerFlag {
	case "caldav":
		provider = model.ProviderCalDAV
	case "icloud":
		provider = model.ProviderICloud
	default:
		fmt.Fprintf(os.Stderr, "unknown provider: %s\n", providerFlag)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger = logger.With().Str("component", "acctctl").Logger()

	st, err := sqlite.New(cfg.Store.DSN, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store init: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	account := &model.Account{
		ID:            uuid.NewString(),
		Provider:      provider,
		Email:         email,
		DisplayName:   displayName,
		PrincipalURL:  principalURL,
		HomeSetURL:    homeSetURL,
		IsEnabled:     true,
		TrustInsecure: trustInsecure,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := st.CreateAccount(ctx, account); err != nil {
		fmt.Fprintf(os.Stderr, "create account: %v\n", err)
		os.Exit(1)
	}

	// The daemon's credential store is its own in-process instance; acctctl
	// registering here only seeds the reference MemoryStore an operator
	// runs acctctl against in the same process lifetime as the daemon (a
	// persistent keychain-backed Store shares state across processes
	// without this limitation).
	creds := credentials.NewMemoryStore()
	creds.Put(account.ID, credentials.Credential{Username: username, Password: password})

	logger.Info().Str("accountId", account.ID).Str("email", email).Msg("account created")
	fmt.Printf("Created account id=%s email=%s provider=%s\n", account.ID, email, provider)

	if !triggerSync {
		return
	}

	if err := runOneOffSync(ctx, st, creds, account, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "sync: %v\n", err)
		os.Exit(1)
	}
}

// runOneOffSync builds the same push/pull/conflict/engine wiring the
// scheduler builds per account per tick, then syncs every calendar the
// account owns exactly once. It does not go through Scheduler: acctctl is
// a one-shot process, not a long-running admission point, so there is no
// per-account mutex to acquire here.
func runOneOffSync(ctx context.Context, st store.Store, creds credentials.Store, account *model.Account, cfg *config.Config, logger zerolog.Logger) error {
	cred, availability, err := creds.Get(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("credential lookup: %w", err)
	}
	if availability != credentials.Available {
		return fmt.Errorf("credentials unavailable for account %s", account.ID)
	}

	registry := quirks.NewProviderRegistry()
	q := registry.GetQuirksForAccount(account)
	if q == nil {
		return fmt.Errorf("no quirks registered for provider %s", account.Provider)
	}

	client := caldavclient.NewClient(q, cred.Username, cred.Password, logger)
	pq := queue.New(st, logger)
	materializer := occurrence.New(st)
	eng := engine.New(
		st,
		push.New(st, client, pq, logger),
		conflict.New(st, client, pq, conflict.Policy(cfg.Scheduler.ConflictPolicy), logger),
		pull.New(st, client, q, materializer, logger),
		logger,
	)

	calendars, err := st.ListCalendarsForAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("list calendars: %w", err)
	}

	result := eng.SyncAccount(ctx, calendars, "manual")
	switch result.Kind {
	case engine.AccountSuccess:
		logger.Info().Int("calendars", len(calendars)).Msg("sync complete")
	case engine.AccountPartialSuccess:
		logger.Warn().Int("failedCalendars", len(result.CalendarErrors)).Msg("sync completed with errors")
		return fmt.Errorf("%d calendars failed", len(result.CalendarErrors))
	case engine.AccountAuthError:
		return fmt.Errorf("authentication failed on calendar %s", result.AuthCalendarID)
	case engine.AccountError:
		return result.Err
	}
	return nil
}
