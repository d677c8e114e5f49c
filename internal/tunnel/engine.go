/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

// Package tunnel implements the four IP-in-IP encap/decap paths and the
// reader goroutines that drive them, per spec.md §4.4/§4.5.
package tunnel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sq8vps/kiwitun/internal/addrutil"
)

// State is one of the engine's observable lifecycle states (spec.md §4.4.5).
type State int32

const (
	StateInitialized State = iota
	StateRunning
	StateDraining
)

// TunDevice is the subset of tundev.Tun the engine depends on; satisfied
// directly by *tundev.Tun, and by a fake in tests.
type TunDevice interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// V4Socket is a raw AF_INET/SOCK_RAW socket in header-included mode.
type V4Socket interface {
	Recv(buf []byte) (int, error)
	SendTo(dst addrutil.V4, buf []byte) (int, error)
	Close() error
}

// V6Socket is a raw AF_INET6/SOCK_RAW socket in header-included mode. It is
// write-only in this engine: used only for ICMPv6 emission.
type V6Socket interface {
	SendTo(dst addrutil.V6, buf []byte) (int, error)
	Close() error
}

// V4Router resolves an IPv4 destination to an outer gateway, or the zero
// address when no route matches. Satisfied by *route.Mirror.
type V4Router interface {
	LookupV4(dest addrutil.V4) addrutil.V4
}

// V6Router resolves an IPv6 destination to an outer (IPv4-mapped) gateway,
// or the zero address when no route matches. Satisfied by *route.Mirror.
type V6Router interface {
	LookupV6(dest addrutil.V6) addrutil.V6
}

// Config is the subset of the engine's startup configuration the tunnel
// paths consult directly; config.Config builds one of these.
type Config struct {
	Tun4in4 bool
	Tun6in4 bool

	Local  addrutil.V4
	Remote addrutil.V4 // zero means "use the route mirror"

	Local6 addrutil.V6

	TTL byte

	// WatchdogTimeout is how long a reader may go silent before
	// diag.Watchdog logs a stall warning; zero means use
	// defaultWatchdogTimeout.
	WatchdogTimeout time.Duration
}

// Engine owns the raw sockets and the tun descriptor and implements the
// four encap/decap paths. It is constructed once at startup and passed by
// reference to each reader goroutine; readers never duplicate state.
type Engine struct {
	cfg Config

	v4Router V4Router
	v6Router V6Router

	tun      TunDevice
	sockV4   V4Socket // proto 4, also used to emit ICMPv4
	sock6in4 V4Socket // proto 41, receives 6-in-4
	sock6    V6Socket // AF_INET6 raw, write-only, emits ICMPv6

	log *logrus.Entry

	state  atomic.Int32
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewEngine constructs an Engine in the Initialized state from already-open
// resources. sock6in4/sock6 may be nil when cfg.Tun6in4 is false.
func NewEngine(cfg Config, v4Router V4Router, v6Router V6Router, tun TunDevice, sockV4, sock6in4 V4Socket, sock6 V6Socket, log *logrus.Entry) *Engine {
	e := &Engine{
		cfg:      cfg,
		v4Router: v4Router,
		v6Router: v6Router,
		tun:      tun,
		sockV4:   sockV4,
		sock6in4: sock6in4,
		sock6:    sock6,
		log:      log,
		stopCh:   make(chan struct{}),
	}
	e.state.Store(int32(StateInitialized))
	return e
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// watchdogTimeout returns cfg.WatchdogTimeout, falling back to
// defaultWatchdogTimeout when unset.
func (e *Engine) watchdogTimeout() time.Duration {
	if e.cfg.WatchdogTimeout > 0 {
		return e.cfg.WatchdogTimeout
	}
	return defaultWatchdogTimeout
}

// SendToV4 implements icmpsynth.Sender by writing on the v4 socket shared
// with the 4-in-4 RX path; sendto on a raw socket is atomic per message, so
// this is safe without additional locking (spec.md §5).
func (e *Engine) SendToV4(dst addrutil.V4, packet []byte) (int, error) {
	return e.sockV4.SendTo(dst, packet)
}

// SendToV6 implements icmpsynth.Sender by writing on the write-only ICMPv6
// socket.
func (e *Engine) SendToV6(dst addrutil.V6, packet []byte) (int, error) {
	return e.sock6.SendTo(dst, packet)
}
