// Command saplingd is a minimal demonstration process: it opens a
// store environment, drives the four-stage worker pipeline from
// internal/stress, and logs the result. It is not a CLI; its only
// configuration is environment variables: SAPLING_METRICS_ADDR, read
// here, and the sizing variables the stress package reads.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lambkin-lang/sapling/internal/store"
	"github.com/lambkin-lang/sapling/internal/stress"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	registry := prometheus.NewRegistry()

	env, err := store.Open(
		store.WithLogger(log),
		store.WithMetricsRegisterer(registry),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("open environment")
	}
	defer env.Close()

	if addr := os.Getenv("SAPLING_METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			log.Info().Str("addr", addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server exited")
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := stress.LoadConfig()
	log.Info().Int("rounds", cfg.Rounds).Int("orders", cfg.Orders).Dur("timeout", cfg.Timeout).
		Msg("starting pipeline run")

	result, err := stress.Run(ctx, env, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("pipeline run ended with error")
	}
	for stage, count := range result.StageCounters {
		log.Info().Uint32("stage", stage).Uint64("processed", count).Msg("stage counter")
	}

	log.Info().Interface("stat", env.Stat()).Msg("environment stat")
}
