package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/rivetgate"
	"github.com/layer-3/rivetgate/adapters/ledger"
	"github.com/layer-3/rivetgate/adapters/store"
	"github.com/layer-3/rivetgate/internal/config"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/internal/metrics"
	"github.com/layer-3/rivetgate/ports"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("rivetgate stopped")
		os.Exit(1)
	}
}

// run wires and serves rivetgate until a signal or a serve error
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogger(cfg.Log)

	serverKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Auth.ServerKey, "0x"))
	if err != nil {
		return fmt.Errorf("invalid server key: %w", err)
	}
	funding, err := cfg.FundingAmount()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := rivetgate.Options{
		Domain:         cfg.Server.Domain,
		TLS:            cfg.Server.TLS,
		ServerKey:      serverKey,
		SessionSecret:  []byte(cfg.Auth.SessionSecret),
		SessionTTL:     cfg.Auth.SessionMaxAge,
		BearerMaxAge:   cfg.Auth.BearerMaxAge,
		Services:       cfg.Auth.Services,
		TopicPrefix:    cfg.Events.TopicPrefix,
		LedgerTimeout:  cfg.Ledger.Timeout,
		ReceiptTimeout: cfg.Ledger.ReceiptTimeout,
		Notabot: &rivetgate.NotabotOptions{
			FundingAmount:     funding,
			Cooldown:          cfg.Notabot.Cooldown,
			MaxFundingsPerDay: cfg.Notabot.MaxFundingsPerDay,
			TipMultiplier:     cfg.Notabot.TipMultiplier,
		},
	}

	// Redis backs both the shared store and the event stream
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}

		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{Client: redisClient},
			watermill.NewStdLogger(false, false),
		)
		if err != nil {
			return fmt.Errorf("failed to create redis publisher: %w", err)
		}
		defer closePublisher(publisher)

		opts.Store = store.NewRedisStore(redisClient)
		opts.Publisher = publisher
	}

	l, closeLedger, err := openLedger(ctx, cfg, serverKey)
	if err != nil {
		return err
	}
	defer closeLedger()
	opts.Ledger = l

	gate, err := rivetgate.New(opts)
	if err != nil {
		return fmt.Errorf("failed to assemble rivetgate: %w", err)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           gate.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go serveMetrics(cfg.Server.MetricsListen)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Listen).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

// openLedger dials the configured chain, or falls back to the in-memory ledger
func openLedger(ctx context.Context, cfg *config.Config, serverKey *ecdsa.PrivateKey) (ports.Ledger, func(), error) {
	signer := eth.NewKeySigner(serverKey)

	if cfg.Ledger.RPCURL == "" {
		log.Warn().Msg("no rpc url configured: using the in-memory ledger, state is lost on restart")
		sponsor := cfg.Ledger.Sponsor
		if sponsor == "" {
			sponsor = signer.Address().Hex()
		}
		return ledger.NewMemoryLedger(cfg.Ledger.ChainID, sponsor, common.HexToAddress(cfg.Ledger.NotabotContract)), func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Ledger.Timeout)
	defer cancel()
	l, err := ledger.Dial(dialCtx, cfg.Ledger.RPCURL, signer, ledger.Config{
		MembershipContract: common.HexToAddress(cfg.Ledger.MembershipContract),
		NotabotContract:    common.HexToAddress(cfg.Ledger.NotabotContract),
		TipMultiplier:      cfg.Notabot.TipMultiplier,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial ledger %s: %w", cfg.Ledger.RPCURL, err)
	}
	return l, l.Close, nil
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func closePublisher(p message.Publisher) {
	if err := p.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close publisher")
	}
}
