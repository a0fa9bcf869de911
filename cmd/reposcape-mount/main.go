// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/reposcape/reposcape/internal/clock"
	"github.com/reposcape/reposcape/internal/config"
	"github.com/reposcape/reposcape/internal/process"
	"github.com/reposcape/reposcape/lib/mountfs"
	"github.com/reposcape/reposcape/lib/repoprobe"
	"github.com/reposcape/reposcape/lib/reposcache"
	"github.com/reposcape/reposcape/lib/vcsrunner"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the reposcape configuration file (overrides REPOSCAPE_CONFIG)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		process.Fatal(process.ExitConfig, err)
	}

	if err := run(cfg, logger); err != nil {
		process.Fatal(process.ExitMountFailure, err)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing configured paths: %w", err)
	}

	// A prober with an empty token still probes public repositories,
	// so it is always constructed even when github_token_env is unset.
	token := cfg.GitHubToken()
	prober := repoprobe.New(token, cfg.ProbeCacheTTL, clock.Real())

	cache, err := reposcache.New(reposcache.Options{
		Root:                 cfg.CacheRoot,
		Host:                 cfg.Host,
		TTL:                  cfg.TTL,
		WatchTTL:             cfg.WatchTTL,
		RetentionGenerations: cfg.RetentionGenerations,
		Runner:               &vcsrunner.Runner{Logger: logger},
		Prober:               prober,
		Clock:                clock.Real(),
		Logger:               logger,
		GitHubToken:          token,
	})
	if err != nil {
		return fmt.Errorf("initializing repository cache: %w", err)
	}

	ctx := context.Background()
	cache.Sweep(ctx)

	server, err := mountfs.Mount(mountfs.Options{
		Mountpoint:    cfg.MountPoint,
		Cache:         cache,
		EntryCacheTTL: cfg.EntryCacheTTL,
		AttrCacheTTL:  cfg.AttrCacheTTL,
		AllowOther:    cfg.AllowOther,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("mounting filesystem: %w", err)
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("reposcape-mount running",
		"mountpoint", cfg.MountPoint,
		"cache_root", cfg.CacheRoot,
		"host", cfg.Host,
	)

	<-signalCtx.Done()
	logger.Info("shutting down")

	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmounting %s: %w", cfg.MountPoint, err)
	}
	return nil
}
