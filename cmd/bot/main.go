package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trendbot/internal/broker"
	"trendbot/internal/config"
	"trendbot/internal/executor"
	"trendbot/internal/journal"
	"trendbot/internal/metrics"
	"trendbot/internal/position"
	"trendbot/internal/risk"
	"trendbot/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Fatal().Err(err).Msg("config error")
	}

	log := newLogger(cfg.LogLevel)
	runID := generateRunID()
	log.Info().Str("run_id", runID).Str("symbol", cfg.Symbol).
		Int("fast", cfg.FastPeriod).Int("slow", cfg.SlowPeriod).
		Dur("poll_interval", cfg.PollInterval).Msg("starting bot")

	jw, err := journal.NewWriter(cfg.JournalPath, runID)
	if err != nil {
		log.Fatal().Err(err).Msg("journal open failed")
	}
	defer func() {
		if err := jw.Close(); err != nil {
			log.Error().Err(err).Msg("journal close failed")
		}
	}()

	tracker := position.NewTracker(cfg.Symbol)
	if err := tracker.Load(cfg.CheckpointPath); err == nil {
		snap := tracker.Current()
		log.Info().Str("qty", snap.Qty.String()).Str("avg_entry", snap.AvgEntry.String()).
			Msg("loaded position checkpoint")
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Error().Err(err).Str("path", cfg.CheckpointPath).
			Msg("checkpoint load failed, starting flat")
	}

	conn := broker.NewAlpaca(cfg.APIKey, cfg.APISecret, cfg.BaseURL, log)
	gate := risk.Gate{Log: log}
	exec := executor.New(executor.Config{
		Symbol:       cfg.Symbol,
		PositionSize: cfg.PositionSize,
		AckTimeout:   cfg.AckTimeout,
		MaxQty:       cfg.MaxQty,
		MaxNotional:  decimal.NewFromFloat(cfg.MaxNotional),
		KillSwitch:   cfg.KillSwitch,
	}, conn, tracker, gate, log)

	sess, err := session.New(cfg, conn, tracker, exec, jw, log)
	if err != nil {
		log.Fatal().Err(err).Msg("session init failed")
	}

	metricsSrv := metrics.Serve(cfg.MetricsAddr)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Shutdown(shutCtx)
		cancel()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("session stopped with error")
	}

	if err := tracker.Save(cfg.CheckpointPath); err != nil {
		log.Error().Err(err).Msg("checkpoint save failed")
	}
	log.Info().Msg("bot shutdown complete")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return timestamp
	}
	return timestamp + "-" + hex.EncodeToString(randomBytes)
}
