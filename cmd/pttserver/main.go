package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"ptt/server/internal/audit"
	"ptt/server/internal/clock"
	"ptt/server/internal/config"
	"ptt/server/internal/fanout"
	"ptt/server/internal/httpapi"
	"ptt/server/internal/identity"
	"ptt/server/internal/roster"
	"ptt/server/internal/router"
	"ptt/server/internal/store"
	"ptt/server/internal/ws"
	"ptt/server/internal/wtapi"
)

// Version is stamped at release time; "dev" for local builds.
var Version = "0.1.0-dev"

func main() {
	// Check for CLI subcommands before parsing server flags, mirroring the
	// teacher's own RunCLI-before-flag.Parse split.
	if len(os.Args) > 1 {
		if runCLI(os.Args[1:], "ptt.db") {
			return
		}
	}

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		slog.Error("parse flags", "err", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	engine := fanout.New()
	emitter := audit.New(st, cfg.AuditQueueSize)
	defer emitter.Stop()
	rosterEmitter := roster.New(st, cfg.RosterQueueSize)
	defer rosterEmitter.Stop()

	resolver := identity.NewDevResolver(nil)

	r := router.New(router.Config{
		Catalog:       st,
		Clock:         clock.System{},
		Engine:        engine,
		Audit:         emitter,
		Roster:        rosterEmitter,
		SweepInterval: time.Duration(cfg.RouterSweepMS) * time.Millisecond,
		IdleCutoffMS:  cfg.IdleParticipantMS,
		EvictGraceMS:  cfg.CoordinatorEvictMS,
	})
	defer r.Stop()

	wsHandler := ws.NewHandler(r, resolver, cfg.ControlRatePerSec)
	api := httpapi.New(r, resolver, wsHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runMetrics(ctx, r, 5*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if cfg.WebTransportAddr != "" {
		wt, err := wtapi.New(cfg.WebTransportAddr, 24*time.Hour, r, resolver, cfg.ControlRatePerSec)
		if err != nil {
			slog.Error("wtapi init", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := wt.ListenAndServe(ctx); err != nil {
				slog.Error("wtapi serve", "err", err)
			}
		}()
		slog.Info("webtransport listening", "addr", cfg.WebTransportAddr)
	}

	slog.Info("pttserver listening", "addr", cfg.ListenAddr, "version", Version)
	if err := api.Run(ctx, cfg.ListenAddr); err != nil {
		slog.Error("server run", "err", err)
		os.Exit(1)
	}
}
