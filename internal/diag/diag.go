/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

// Package diag provides the logging backend and the per-reader stall
// watchdog shared by the rest of the engine.
package diag

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the logrus logger used throughout the engine, with the
// level read from configuration.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// Watchdog tracks the last-activity timestamp of a reader and logs a
// warning if it stalls beyond timeout. Unlike mtypes.CriticalLogger, a
// stall is reported, never used to exit or restart the process: spec.md §5
// requires per-packet and per-reader errors to never crash the engine,
// only initialization failures propagate to the host.
type Watchdog struct {
	log     *logrus.Entry
	name    string
	timeout time.Duration

	mu           sync.Mutex
	lastActivity time.Time
}

// NewWatchdog constructs a Watchdog for a reader identified by name, and
// starts its monitor goroutine. Cancel ctx to stop the monitor.
func NewWatchdog(ctx context.Context, log *logrus.Entry, name string, timeout time.Duration) *Watchdog {
	w := &Watchdog{
		log:          log.WithField("reader", name),
		name:         name,
		timeout:      timeout,
		lastActivity: time.Now(),
	}
	go w.monitor(ctx)
	return w
}

// Touch records reader activity; call it once per successful read/write.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

func (w *Watchdog) monitor(ctx context.Context) {
	ticker := time.NewTicker(w.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			stalled := time.Since(w.lastActivity) > w.timeout
			since := time.Since(w.lastActivity)
			w.mu.Unlock()
			if stalled {
				w.log.Warnf("no activity for %v, reader may be stalled", since)
			}
		}
	}
}
