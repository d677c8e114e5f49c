/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

// Command kiwitun runs the IP-in-IP tunnel engine: it loads configuration,
// opens the tun device and raw sockets, mirrors the host routing table, and
// relays packets until terminated. Process lifecycle (flags, signals,
// daemonization) is intentionally minimal per spec.md §1's Non-goals; it is
// not the subject of the tunneling engine itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sq8vps/kiwitun/internal/config"
	"github.com/sq8vps/kiwitun/internal/diag"
	"github.com/sq8vps/kiwitun/internal/route"
	"github.com/sq8vps/kiwitun/internal/tundev"
	"github.com/sq8vps/kiwitun/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kiwitun:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/kiwitun/kiwitun.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := diag.NewLogger(cfg.LogLevel)
	entry := log.WithField("component", "kiwitun")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tun, err := tundev.Open(cfg.TunName, "", "", 0)
	if err != nil {
		return fmt.Errorf("opening tun device: %w", err)
	}
	defer tun.Close()
	entry.WithField("interface", tun.Name()).Info("tun device up")

	mirror := route.New(entry)
	if err := mirror.Init(ctx); err != nil {
		return fmt.Errorf("initializing route mirror: %w", err)
	}
	defer mirror.Close()

	engine, err := tunnel.Wire(cfg, tun, mirror, entry)
	if err != nil {
		return fmt.Errorf("wiring tunnel engine: %w", err)
	}

	watcher, err := config.NewWatcher(*configPath, entry)
	if err != nil {
		entry.WithError(err).Warn("configuration hot-reload disabled")
		watcher = nil
	} else {
		defer watcher.Close()
	}

	engine.Run(ctx)
	entry.Info("kiwitun running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			entry.WithField("signal", sig).Info("shutting down")
			engine.Stop()
			return nil
		case changed := <-watcherChanges(watcher):
			// The live engine keeps the Config snapshot it was wired
			// with; a reloaded configuration is only logged here and
			// takes effect after a restart.
			entry.WithField("ttl", changed.TTL).Info("configuration reloaded")
		}
	}
}

// watcherChanges returns w.Changes, or a nil channel (which blocks forever
// in a select) when hot-reload is disabled.
func watcherChanges(w *config.Watcher) <-chan *config.Config {
	if w == nil {
		return nil
	}
	return w.Changes
}
