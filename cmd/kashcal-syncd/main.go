package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kashcal/sync-core/internal/config"
	"github.com/kashcal/sync-core/internal/credentials"
	"github.com/kashcal/sync-core/internal/icalcodec"
	"github.com/kashcal/sync-core/internal/logging"
	"github.com/kashcal/sync-core/internal/scheduler"
	"github.com/kashcal/sync-core/internal/store/sqlite"
	"github.com/kashcal/sync-core/internal/sync/conflict"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	icalcodec.SetProdID(cfg.ICS.BuildProdID())

	st, err := sqlite.New(cfg.Store.DSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()

	// Credentials live outside the durable Store (§4.1 "Credential
	// isolation"). This in-process store starts empty and nothing in this
	// binary writes to it; kashcal-acctctl writes to its own separate
	// instance, not to this one. A production deployment backs this with the
	// platform keychain instead of the in-process reference implementation.
	creds := credentials.NewMemoryStore()

	sched := scheduler.New(st, creds, cfg.Scheduler.Interval, conflict.Policy(cfg.Scheduler.ConflictPolicy), logger)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduler stopped with error")
		}
	}()

	logger.Info().Dur("interval", cfg.Scheduler.Interval).Msg("sync scheduler running")

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	logger.Info().Msg("bye")
}
