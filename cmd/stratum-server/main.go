package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmackey/stratum/internal/config"
	"github.com/tmackey/stratum/internal/metrics"
	"github.com/tmackey/stratum/internal/server"
	"github.com/tmackey/stratum/internal/storage"
)

func main() {
	port := flag.Int("port", 8080, "TCP port to listen on")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	configPath := flag.String("config", "", "Optional YAML config file")
	metricsPort := flag.Int("metrics-port", 0, "Prometheus /metrics port (0 disables)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}

	// Flags set explicitly on the command line win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "data-dir":
			cfg.DataDir = *dataDir
		case "metrics-port":
			cfg.MetricsPort = *metricsPort
		}
	})

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}

	engine, err := storage.Open(cfg.DataDir, engineCfg, log)
	if err != nil {
		log.Error("failed to open storage", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}

	reg := metrics.NewRegistry()
	srv := server.New(engine, reg, log)
	if err := srv.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.Error("startup failed", "err", err)
		engine.Close()
		os.Exit(1)
	}

	stopStats := make(chan struct{})
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		go func() {
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("metrics endpoint failed", "err", err)
			}
		}()
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stopStats:
					return
				case <-ticker.C:
					server.PublishEngineStats(reg, engine.Stats())
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		srv.Stop()
	}()

	serveErr := srv.Serve()
	close(stopStats)
	srv.Stop()

	if err := engine.Close(); err != nil {
		log.Error("shutdown flush failed", "err", err)
		os.Exit(2)
	}
	if serveErr != nil {
		log.Error("server error", "err", serveErr)
		os.Exit(2)
	}
}
