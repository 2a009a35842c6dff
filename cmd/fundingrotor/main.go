package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/fundingrotor/internal/archive/postgres"
	"github.com/sawpanic/fundingrotor/internal/cache/rediscache"
	"github.com/sawpanic/fundingrotor/internal/cachedvenue"
	"github.com/sawpanic/fundingrotor/internal/config"
	"github.com/sawpanic/fundingrotor/internal/controller"
	"github.com/sawpanic/fundingrotor/internal/envsetup"
	"github.com/sawpanic/fundingrotor/internal/logging"
	"github.com/sawpanic/fundingrotor/internal/opsserver"
	"github.com/sawpanic/fundingrotor/internal/portfolio"
	"github.com/sawpanic/fundingrotor/internal/ratelimit"
	"github.com/sawpanic/fundingrotor/internal/reconciler"
	"github.com/sawpanic/fundingrotor/internal/state"
	"github.com/sawpanic/fundingrotor/internal/venue"
	"github.com/sawpanic/fundingrotor/internal/venue/venuea"
	"github.com/sawpanic/fundingrotor/internal/venue/venueb"
)

const appName = "fundingrotor"

var (
	flagConfig     string
	flagStateFile  string
	flagVerbose    bool
	flagOps        bool
	flagOpsHost    string
	flagOpsPort    int
	flagArchiveDSN string
	flagRedisAddr  string
	flagRedisPass  string
	flagRedisDB    int
	flagCacheTTL   time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Delta-neutral funding-rate rotation engine",
		Version: "v1.0.0",
		Long: `fundingrotor holds paired long/short perpetual-futures positions across
two venues, rotating into whichever monitored symbol pays the best
delta-neutral funding rate and exiting on stop-loss, fee coverage, a
better opportunity, max age, or a health mismatch.`,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "config.json", "path to the JSON strategy config")
	rootCmd.PersistentFlags().StringVar(&flagStateFile, "state-file", "state.json", "path to the persisted state document")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug-level logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rotation engine until interrupted",
		RunE:  runRotor,
	}
	runCmd.Flags().BoolVar(&flagOps, "ops", false, "serve the operator HTTP dashboard (/healthz, /state, /metrics, /ws)")
	runCmd.Flags().StringVar(&flagOpsHost, "ops-host", "127.0.0.1", "operator dashboard bind host")
	runCmd.Flags().IntVar(&flagOpsPort, "ops-port", 8089, "operator dashboard bind port")
	runCmd.Flags().StringVar(&flagArchiveDSN, "archive-dsn", "", "Postgres DSN for durable cycle archiving (optional)")
	runCmd.Flags().StringVar(&flagRedisAddr, "redis-addr", "", "Redis address for scanner read caching (optional)")
	runCmd.Flags().StringVar(&flagRedisPass, "redis-password", "", "Redis password")
	runCmd.Flags().IntVar(&flagRedisDB, "redis-db", 0, "Redis logical DB index")
	runCmd.Flags().DurationVar(&flagCacheTTL, "cache-ttl", 20*time.Second, "scanner read cache TTL when --redis-addr is set")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current persisted state document as JSON",
		RunE:  runStatus,
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the startup reconciler once and exit, without entering the loop",
		RunE:  runReconcileOnce,
	}

	rootCmd.AddCommand(runCmd, statusCmd, reconcileCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildAdapters constructs both venue adapters and their rate limiters
// from environment-provided credentials.
func buildAdapters() (venue.Adapter, venue.Adapter, *ratelimit.Limiter, *ratelimit.Limiter, error) {
	if err := envsetup.LoadDotEnv(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load .env: %w", err)
	}
	credsA, err := envsetup.VenueCredentials("VENUE_A", "https://venue-a.example.com")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	credsB, err := envsetup.VenueCredentials("VENUE_B", "https://venue-b.example.com")
	if err != nil {
		return nil, nil, nil, nil, err
	}

	limA := ratelimit.New(ratelimit.DefaultConfig("venue-a"))
	limB := ratelimit.New(ratelimit.DefaultConfig("venue-b"))
	return venuea.New(credsA), venueb.New(credsB), limA, limB, nil
}

// printBanner writes a colorized startup banner when stdout is an
// interactive TTY; non-interactive runs (CI, systemd, a log file) just get
// the usual zerolog lines and skip it entirely.
func printBanner(log zerolog.Logger) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	fmt.Fprintf(os.Stderr, "\x1b[36mfundingrotor\x1b[0m — delta-neutral funding-rate rotation engine\n")
}

func runRotor(cmd *cobra.Command, args []string) error {
	log := logging.New(flagVerbose)
	printBanner(log)

	// Fail fast on a malformed config file; the controller reloads it from
	// ConfigPath on every step afterward, so a warning here is advisory only.
	_, warning, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("fundingrotor: load config: %w", err)
	}
	if warning != "" {
		log.Warn().Msg("fundingrotor: " + warning)
	}

	venueA, venueB, limA, limB, err := buildAdapters()
	if err != nil {
		return fmt.Errorf("fundingrotor: %w", err)
	}

	var scanVenueA, scanVenueB venue.Adapter
	if flagRedisAddr != "" {
		cache, err := rediscache.New(flagRedisAddr, flagRedisPass, flagRedisDB)
		if err != nil {
			return fmt.Errorf("fundingrotor: connect redis: %w", err)
		}
		defer cache.Close()
		scanVenueA = cachedvenue.New(venueA, cache, flagCacheTTL)
		scanVenueB = cachedvenue.New(venueB, cache, flagCacheTTL)
		log.Info().Str("addr", flagRedisAddr).Dur("ttl", flagCacheTTL).Msg("fundingrotor: scanner read cache enabled")
	}

	mgr := state.NewManager(flagStateFile)
	tracker := portfolio.NewTracker(portfolio.FromBalanceDelta)

	deps := controller.Deps{
		ConfigPath:         flagConfig,
		StateMgr:           mgr,
		VenueA:             venueA,
		VenueB:             venueB,
		LimiterA:           limA,
		LimiterB:           limB,
		ScanVenueA:         scanVenueA,
		ScanVenueB:         scanVenueB,
		Log:                log,
		Tracker:            tracker,
		Archive:            buildArchive(flagArchiveDSN, log),
		MaxScanConcurrency: 4,
	}

	ctl, err := controller.New(deps)
	if err != nil {
		return fmt.Errorf("fundingrotor: %w", err)
	}

	var ops *opsserver.Server
	if flagOps {
		// opsserver.New needs a StateProvider and Deps.Ops needs the server
		// it returns, so the controller is constructed twice: once to hand
		// opsserver a snapshot source, once more with Ops wired in. Both
		// constructions only read the state file, which is idempotent.
		ops = opsserver.New(opsserver.Config{Host: flagOpsHost, Port: flagOpsPort}, ctl, log)
		deps.Ops = ops
		ctl, err = controller.New(deps)
		if err != nil {
			return fmt.Errorf("fundingrotor: %w", err)
		}
		go func() {
			if err := ops.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
				log.Error().Err(err).Msg("fundingrotor: ops server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ops.Shutdown(shutdownCtx)
		}()
		log.Info().Str("host", flagOpsHost).Int("port", flagOpsPort).Msg("fundingrotor: operator dashboard listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("fundingrotor: shutdown signal received")
		ctl.Stop()
		cancel()
	}()

	if err := ctl.Run(ctx); err != nil {
		log.Error().Err(err).Msg("fundingrotor: halted")
		return err
	}
	log.Info().Msg("fundingrotor: clean shutdown")
	return nil
}

func buildArchive(dsn string, log zerolog.Logger) controller.Archiver {
	if dsn == "" {
		return nil
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		log.Error().Err(err).Msg("fundingrotor: open archive database, continuing without it")
		return nil
	}
	if err := db.Ping(); err != nil {
		log.Error().Err(err).Msg("fundingrotor: ping archive database, continuing without it")
		return nil
	}
	if _, err := db.Exec(postgres.Schema); err != nil {
		log.Error().Err(err).Msg("fundingrotor: apply archive schema, continuing without it")
		return nil
	}
	return postgres.New(db, 5*time.Second)
}

func runStatus(cmd *cobra.Command, args []string) error {
	mgr := state.NewManager(flagStateFile)
	doc, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("fundingrotor: load state: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func runReconcileOnce(cmd *cobra.Command, args []string) error {
	log := logging.New(flagVerbose)
	cfg, _, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("fundingrotor: load config: %w", err)
	}
	venueA, venueB, _, _, err := buildAdapters()
	if err != nil {
		return fmt.Errorf("fundingrotor: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	live, err := reconciler.QueryLiveSet(ctx, cfg.Universe.SymbolsToMonitor, venueA, venueB, 4)
	if err != nil {
		return fmt.Errorf("fundingrotor: query live set: %w", err)
	}

	mgr := state.NewManager(flagStateFile)
	doc, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("fundingrotor: load state: %w", err)
	}

	symbol := ""
	if doc.CurrentPosition != nil {
		symbol = doc.CurrentPosition.Symbol
	}
	verdict := reconciler.Reconcile(doc.State, symbol, live, 0, 0)
	log.Info().Str("outcome", verdict.Outcome.String()).Str("message", verdict.Message).Msg("fundingrotor: reconciliation result")
	fmt.Printf("outcome=%s symbol=%s message=%q\n", verdict.Outcome, verdict.Symbol, verdict.Message)
	return nil
}
