/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

// Package config loads and watches the engine's YAML configuration.
package config

import (
	"fmt"
	"io/ioutil"
	"net"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/sq8vps/kiwitun/internal/addrutil"
)

// Config is the engine's read-mostly startup configuration, per spec.md §3.
type Config struct {
	Tun4in4 bool `yaml:"tun4in4"`
	Tun6in4 bool `yaml:"tun6in4"`

	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`

	Local6  string `yaml:"local6"`
	Remote6 string `yaml:"remote6"`

	TTL uint8 `yaml:"ttl"`

	Hostname        string        `yaml:"hostname"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	TunName string `yaml:"tun_name"`

	// Ambient additions beyond spec.md's narrower data model.
	LogLevel        string        `yaml:"log_level"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
}

// Defaults returns a Config with the spec's documented defaults.
func Defaults() Config {
	return Config{
		TTL:             64,
		RefreshInterval: 60 * time.Second,
		LogLevel:        "info",
		WatchdogTimeout: 30 * time.Second,
	}
}

// Load reads and parses a YAML config file, applying Defaults() for any
// field the file omits.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if !cfg.Tun4in4 && !cfg.Tun6in4 {
		return nil, fmt.Errorf("config: at least one of tun4in4/tun6in4 must be enabled")
	}
	if cfg.TTL == 0 {
		return nil, fmt.Errorf("config: ttl must be in 1..255")
	}
	return &cfg, nil
}

// LocalV4 parses Local as addrutil.V4, or the zero address if empty/"0.0.0.0".
func (c *Config) LocalV4() addrutil.V4 {
	return parseV4(c.Local)
}

// RemoteV4 parses Remote as addrutil.V4, zero meaning "use route mirror".
// This is the static, config-file value; the live value mutated by the
// hostname-resolver collaborator is held in a RemoteResolver instead.
func (c *Config) RemoteV4() addrutil.V4 {
	return parseV4(c.Remote)
}

func parseV4(s string) addrutil.V4 {
	if s == "" {
		return addrutil.ZeroV4
	}
	v, ok := addrutil.ToV4(net.ParseIP(s))
	if !ok {
		return addrutil.ZeroV4
	}
	return v
}

func parseV6(s string) addrutil.V6 {
	if s == "" {
		return addrutil.ZeroV6
	}
	v, ok := addrutil.ToV6(net.ParseIP(s))
	if !ok {
		return addrutil.ZeroV6
	}
	return v
}

// Local6V6 parses Local6 as addrutil.V6.
func (c *Config) Local6V6() addrutil.V6 { return parseV6(c.Local6) }

// RemoteResolver holds a live remote address that a hostname resolver can
// refresh while readers load it without locking. The tunnel engine does not
// consult it: tunnel.Wire copies the static RemoteV4() value into the
// engine's Config once, at startup.
type RemoteResolver struct {
	remote atomic.Value // addrutil.V4
}

// NewRemoteResolver seeds the resolver with an initial address.
func NewRemoteResolver(initial addrutil.V4) *RemoteResolver {
	r := &RemoteResolver{}
	r.remote.Store(initial)
	return r
}

// Load returns the current remote address.
func (r *RemoteResolver) Load() addrutil.V4 {
	v := r.remote.Load()
	if v == nil {
		return addrutil.ZeroV4
	}
	return v.(addrutil.V4)
}

// Set updates the remote address; safe to call concurrently with Load.
func (r *RemoteResolver) Set(addr addrutil.V4) {
	r.remote.Store(addr)
}

// Watcher reloads Config from disk whenever the file changes, notifying
// subscribers on Changes.
type Watcher struct {
	path    string
	log     *logrus.Entry
	fsw     *fsnotify.Watcher
	Changes chan *Config
}

// NewWatcher starts watching path for changes. Call Close to stop.
func NewWatcher(path string, log *logrus.Entry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}
	w := &Watcher{
		path:    path,
		log:     log,
		fsw:     fsw,
		Changes: make(chan *Config, 1),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("config: reload failed, keeping previous configuration")
				continue
			}
			select {
			case w.Changes <- cfg:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config: watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
