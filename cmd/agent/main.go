package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jeden-/mt5agent/internal/agent"
	"github.com/jeden-/mt5agent/internal/bridge"
	"github.com/jeden-/mt5agent/internal/config"
	"github.com/jeden-/mt5agent/internal/journal"
	"github.com/jeden-/mt5agent/internal/observ"
	"github.com/jeden-/mt5agent/internal/position"
	sig "github.com/jeden-/mt5agent/internal/signal"
	"github.com/jeden-/mt5agent/internal/store"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "config.yaml", "path to config file")
		listen     = flag.String("listen", "", "override bridge listen address")
		httpAddr   = flag.String("http", "", "override metrics/health listen address")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listen != "" {
		cfg.Bridge.Listen = *listen
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	observ.Setup(cfg.LogLevel, cfg.LogPretty)
	observ.SetVersion(version)
	observ.Log("agent_boot", map[string]any{"version": version, "config": *configPath})

	db, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	jrnl, err := journal.New(cfg.Store.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	channel := bridge.NewChannel(bridge.Config{
		Listen:            cfg.Bridge.Listen,
		Transport:         cfg.Bridge.Transport,
		LivenessTimeout:   time.Duration(cfg.Bridge.LivenessSecs) * time.Second,
		CommandsPerSecond: cfg.Bridge.CommandsPerSecond,
		Refresh: bridge.RefreshConfig{
			AccountSecs:    cfg.Refresh.AccountSecs,
			MarketDataSecs: cfg.Refresh.MarketDataSecs,
			PositionsSecs:  cfg.Refresh.PositionsSecs,
			HistorySecs:    cfg.Refresh.HistorySecs,
			BackoffSecs:    cfg.Refresh.BackoffSecs,
		},
	})

	reconciler := position.NewReconciler(channel, db.Positions())
	fallback := store.NewFallback(cfg.Store.FallbackPath)

	ctrl := agent.New(
		channel,
		reconciler,
		&sig.StaticSource{},
		&sig.ThresholdValidator{MinConfidence: 0.6},
		db,
		fallback,
		jrnl,
		agent.Options{
			OwnerID:      cfg.Agent.OwnerID,
			LoopInterval: time.Duration(cfg.Agent.LoopIntervalMs) * time.Millisecond,
			StopTimeout:  time.Duration(cfg.Agent.StopTimeoutSecs) * time.Second,
			DedupeWindow: time.Hour,
			Instruments:  cfg.Agent.Instruments,
		},
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.Error("http_server_failed", err, map[string]any{"addr": cfg.HTTPAddr})
		}
	}()
	observ.Log("http_listening", map[string]any{"addr": cfg.HTTPAddr})

	if cfg.Agent.Autostart {
		mode, err := agent.ParseMode(cfg.Agent.Mode)
		if err != nil {
			return fmt.Errorf("autostart: %w", err)
		}
		if _, err := ctrl.Start(mode); err != nil {
			observ.Error("agent_autostart_failed", err, nil)
		}
	} else {
		// bring the channel up anyway so the adapter can attach
		if err := channel.Start(); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	s := <-stop
	observ.Log("agent_shutdown", map[string]any{"signal": s.String()})

	if _, err := ctrl.Stop(); err != nil && !errors.Is(err, agent.ErrAlreadyStopped) {
		observ.Error("agent_shutdown_stop_failed", err, nil)
	}
	if ctrl.ResetPending() {
		ctrl.Reset()
	}
	channel.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
