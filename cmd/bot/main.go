// Package main is the entry point for the Slack game bot core.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"slack-game-bot/internal/config"
	"slack-game-bot/internal/pkg/lock"
	"slack-game-bot/internal/service"
	"slack-game-bot/internal/store"
)

// dependencies groups everything the Slack dispatcher and the calendar
// scheduler plug into: the dispatcher drives ledger and challenge operations
// from commands and actions, the scheduler calls Economy.DailyGrantAll and
// Economy.WeeklyReset at the configured wall-clock instants.
type dependencies struct {
	Config     *config.Config
	Store      *store.Store
	Locks      *lock.KeyLock
	Ledger     *service.LedgerService
	Challenges *service.ChallengeService
	Economy    *service.EconomyService
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if level, lerr := zerolog.ParseLevel(cfg.Log.Level); lerr == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Msg("Configuration loaded successfully")

	// Open the state store and load the document
	st, err := store.Open(&cfg.Storage, cfg.Flags, cfg.SecretCoins.GlobalCap)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
	}
	defer st.Close()
	st.Load()

	// Initialize the per-key lock and services
	locks := lock.NewKeyLock()
	ledger := service.NewLedgerService(st, locks, cfg.Economy.DefaultStake)

	deps := &dependencies{
		Config:     cfg,
		Store:      st,
		Locks:      locks,
		Ledger:     ledger,
		Challenges: service.NewChallengeService(st, ledger, locks),
		Economy:    service.NewEconomyService(st, ledger, cfg.Economy.DailyGrant, cfg.SecretCoins.Odds),
	}

	log.Info().
		Str("data_dir", deps.Config.Storage.Dir).
		Str("state_file", deps.Config.Storage.File).
		Str("tz", deps.Config.Time.Zone).
		Interface("flags", deps.Config.Flags).
		Msg("Core initialized")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
}
