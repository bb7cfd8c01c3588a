package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"github.com/yokuradaisuke/backlog-migration/internal/buildinfo"
	"github.com/yokuradaisuke/backlog-migration/pkg/config"
	"github.com/yokuradaisuke/backlog-migration/pkg/httpapi"
	"github.com/yokuradaisuke/backlog-migration/pkg/migration"
	"github.com/yokuradaisuke/backlog-migration/pkg/supervise"
)

const defaultConfig = "migrate.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("migrated %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return
	}

	configPath := defaultConfig
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.Level())
	defer closeLog()

	if err := cfg.EnsureDirs(); err != nil {
		logger.Error("cannot create directories", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)
		cancel()
	}()

	sup := supervise.New(logger)
	orch := migration.New(cfg, sup, logger)
	server := httpapi.NewServer(cfg, orch, logger)

	logger.Info("starting migrated",
		"version", buildinfo.Version, "addr", cfg.ListenAddr, "bin_dir", cfg.BinDir)
	sdnotify.SdNotify(false, sdnotify.SdNotifyReady)

	if err := server.Start(ctx); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}

	// A background run may still be alive; give it a clean stop.
	if run := orch.Session().Run(); run != nil && run.Running() {
		logger.Info("stopping background migration", "pid", run.PID)
		run.Stop()
	}
}
