// sweepbot runs one Window Coordinator per configured symbol against
// the live Polymarket CLOB, sweeping the winning side of each 5-minute
// up/down market the instant the window closes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/arbwatch/sweepbot/internal/bookmirror"
	"github.com/arbwatch/sweepbot/internal/config"
	"github.com/arbwatch/sweepbot/internal/coordinator"
	"github.com/arbwatch/sweepbot/internal/discovery"
	"github.com/arbwatch/sweepbot/internal/journal"
	"github.com/arbwatch/sweepbot/internal/oracle"
	"github.com/arbwatch/sweepbot/internal/orderbuilder"
	"github.com/arbwatch/sweepbot/internal/period"
	"github.com/arbwatch/sweepbot/internal/risk"
	"github.com/arbwatch/sweepbot/internal/rpcfallback"
	"github.com/arbwatch/sweepbot/internal/submitter"
	"github.com/arbwatch/sweepbot/internal/sweep"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the declarative JSON config")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables as-is")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	layerSecrets(&cfg.Polymarket)

	zone, err := time.LoadLocation(cfg.Strategy.TZ)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.Strategy.TZ).Msg("failed to load configured time zone")
	}

	log.Info().
		Strs("symbols", cfg.Strategy.Symbols).
		Bool("simulation_mode", cfg.Strategy.SimulationMode).
		Str("tz", cfg.Strategy.TZ).
		Msg("sweepbot starting")

	deps, cleanup, err := wire(cfg, zone)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire components")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	oracleFeed := oracle.NewFeed(cfg.Polymarket.OracleWSURL, cfg.Polymarket.OracleTopic, deps.oracleCache,
		cfg.Strategy.WindowDurationSecs, cfg.Strategy.CaptureSecs,
		func(tsSec int64) int64 { return period.WindowForUnix(tsSec, cfg.Strategy.WindowDurationSecs, zone) })
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := oracleFeed.Run(ctx, cfg.Strategy.Symbols); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("oracle feed exited")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := deps.bookFeed.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("book feed exited")
		}
	}()

	for _, symbol := range cfg.Strategy.Symbols {
		c := coordinator.New(symbol, cfg.Strategy, zone, deps.Deps)
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("coordinator exited")
			}
		}(symbol)
	}

	log.Info().Msg("all systems running")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")
	wg.Wait()
	log.Info().Msg("goodbye")
}

// wiredDeps bundles the coordinator.Deps plus the long-running feeds
// that don't belong to any single coordinator.
type wiredDeps struct {
	coordinator.Deps
	oracleCache *oracle.Cache
	bookFeed    *bookmirror.Feed
}

// wire constructs every C1-C9 component and replays the journal's
// outstanding cost into the risk gate before any coordinator starts,
// so a restart never forgets exposure from positions still open when
// the process last exited.
func wire(cfg *config.Config, zone *time.Location) (wiredDeps, func(), error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	pk, err := crypto.HexToECDSA(stripHexPrefix(cfg.Polymarket.PrivateKey))
	if err != nil {
		return wiredDeps{}, nil, fmt.Errorf("parse private key: %w", err)
	}
	signerAddr := common.HexToAddress(cfg.Polymarket.SignerAddress)
	funderAddr := common.HexToAddress(cfg.Polymarket.FunderAddress)

	mirror := bookmirror.New()
	bookFeed := bookmirror.NewFeed(cfg.Polymarket.WSURL, mirror)

	oracleCache := oracle.New()

	discoveryClient := discovery.NewClient(cfg.Polymarket.GammaAPIURL, httpClient)

	builder := orderbuilder.New(pk, signerAddr, funderAddr, cfg.Polymarket.SignatureType, cfg.Polymarket.CLOBAPIURL, httpClient)

	sub := submitter.New(cfg.Polymarket.CLOBAPIURL, submitter.Creds{
		APIKey:     cfg.Polymarket.CLOBAPIKey,
		APISecret:  cfg.Polymarket.CLOBAPISecret,
		Passphrase: cfg.Polymarket.CLOBPassphrase,
		Address:    signerAddr,
	}, cfg.Strategy.RateLimitPerSec, httpClient)

	sweepEngine := sweep.New(mirror, builder, sub, sweep.Config{
		SweepTargetPrice: cfg.Strategy.SweepTargetPrice,
		SweepTimeout:     time.Duration(cfg.Strategy.SweepTimeoutSecs) * time.Second,
		InterOrderDelay:  time.Duration(cfg.Strategy.InterOrderDelayMs) * time.Millisecond,
		MinTradeableSize: decimal.NewFromInt(1),
		BookEventWait:    time.Duration(cfg.Strategy.BookEventWaitSecs) * time.Second,
	})

	gate := risk.New(cfg.Strategy.MinConfidencePct, cfg.Strategy.MinConfidenceAbs, cfg.Strategy.MaxTotalExposure, 200*time.Millisecond)

	jrnl, err := journal.Open(journalDSN(), cfg.Strategy.JournalPath)
	if err != nil {
		return wiredDeps{}, nil, fmt.Errorf("open journal: %w", err)
	}

	outstanding, err := jrnl.OutstandingCost()
	if err != nil {
		log.Warn().Err(err).Msg("failed to read outstanding cost from journal, starting at zero")
	} else if outstanding.IsPositive() {
		gate.AddOutstanding(outstanding)
		log.Info().Str("outstanding", outstanding.String()).Msg("replayed outstanding exposure from journal")
	}

	rpc := rpcfallback.New(cfg.Polymarket.RPCURLs)

	deps := wiredDeps{
		Deps: coordinator.Deps{
			OracleCache: oracleCache,
			Mirror:      mirror,
			BookFeed:    bookFeed,
			Discovery:   discoveryClient,
			Builder:     builder,
			Sweep:       sweepEngine,
			Gate:        gate,
			Journal:     jrnl,
			RPC:         rpc,
		},
		oracleCache: oracleCache,
		bookFeed:    bookFeed,
	}

	cleanup := func() {
		if err := jrnl.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close journal cleanly")
		}
	}
	return deps, cleanup, nil
}

// journalDSN picks the journal's SQL mirror location: a configured
// postgres DSN (JOURNAL_DATABASE_URL) if present, otherwise the sqlite
// file data/journal.db, beside the default append-log path.
func journalDSN() string {
	if dsn := os.Getenv("JOURNAL_DATABASE_URL"); dsn != "" {
		return dsn
	}
	return "data/journal.db"
}

func layerSecrets(pm *config.Polymarket) {
	pm.PrivateKey = os.Getenv("WALLET_PRIVATE_KEY")
	pm.SignerAddress = os.Getenv("SIGNER_ADDRESS")
	pm.FunderAddress = os.Getenv("FUNDER_ADDRESS")
	pm.CLOBAPIKey = os.Getenv("CLOB_API_KEY")
	pm.CLOBAPISecret = os.Getenv("CLOB_API_SECRET")
	pm.CLOBPassphrase = os.Getenv("CLOB_PASSPHRASE")
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
