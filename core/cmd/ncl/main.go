package main

import (
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	nickel "github.com/giacomocariello/nickel/core"
	"github.com/giacomocariello/nickel/core/tracedb"
)

func main() {
	configPath := flag.String("config", os.Getenv("NCL_CONFIG"), "path to ncl.yaml")
	flag.Parse()

	cfg, err := nickel.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var sink nickel.TraceSink
	if cfg.TraceDB != "" {
		store, err := tracedb.Open(cfg.TraceDB)
		if err != nil {
			logger.Error("open trace db", "err", err)
			os.Exit(1)
		}
		defer store.Close()
		sink = store
	}

	core, err := nickel.NewCore(cfg, sink, logger)
	if err != nil {
		logger.Error("failed to start core", "err", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "err", err)
			}
		}()
	}

	// Handle shutdown signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})
	go func() {
		<-sigs
		logger.Info("shutting down")
		core.Shutdown()
		close(stopped)
	}()

	logger.Info("ncl core listening", "sock", cfg.Sock, "dir", cfg.Dir, "metrics", cfg.MetricsAddr, "trace_db", cfg.TraceDB)
	core.Run()
	<-stopped
}
