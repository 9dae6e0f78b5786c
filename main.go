package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dnldd/fusion/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt, syscall.SIGTERM}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

// serveMetrics serves the provided registry's metrics until the context is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second * 5,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutting down metrics server")
		}
	}()

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msgf("serving metrics on %s", addr)
	}
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Error().Err(err).Msg("loading config")
		return
	}

	tuning, err := service.LoadTuning(cfg.TuningFilepath)
	if err != nil {
		log.Error().Err(err).Msg("loading tuning")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	fusionCfg := service.FusionConfig{
		Markets: cfg.Markets,
		Tuning:  tuning,
		Store: service.StoreConfig{
			Kind:          cfg.StoreKind,
			Path:          cfg.SQLitePath,
			Endpoint:      cfg.DBEndpoint,
			User:          cfg.DBUser,
			Pass:          cfg.DBPass,
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPass,
		},
		KafkaBrokers:   cfg.KafkaBrokers,
		KafkaTopic:     cfg.KafkaTopic,
		Registerer:     reg,
		ReplayFilepath: cfg.ReplayFilepath,
		Cancel:         cancel,
	}
	fusion, err := service.NewFusion(ctx, &fusionCfg)
	if err != nil {
		log.Error().Err(err).Msg("creating fusion service")
		return
	}

	err = fusion.Restore(ctx)
	if err != nil {
		log.Error().Err(err).Msg("restoring fusion service")
		return
	}

	go handleTermination(ctx, cancel)
	go serveMetrics(ctx, cfg.MetricsAddr, reg)
	fusion.Run(ctx)
}
