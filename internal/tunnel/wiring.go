/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sq8vps/kiwitun/internal/config"
	"github.com/sq8vps/kiwitun/internal/diag"
	"github.com/sq8vps/kiwitun/internal/route"
	"github.com/sq8vps/kiwitun/internal/tundev"
)

// defaultWatchdogTimeout is how long a reader may go silent before the
// watchdog logs a stall warning. Readers block on blocking I/O calls, so
// idle tunnels with no traffic are expected to trip this routinely; it is
// observability only, never a cause for the reader to exit.
const defaultWatchdogTimeout = 30 * time.Second

// maxPacketSize bounds the per-read buffer; large enough for a
// full-size IP packet plus the reserved outer-header prefix.
const maxPacketSize = 65535 + ipv4HeaderLen

// Wire performs the initialization sequence from spec.md §4.5: it opens the
// raw sockets the enabled transports require (with header-included mode),
// and returns an Engine in StateInitialized. The tun device and route
// mirror must already be open; the caller brings them up first, matching
// the teacher's init ordering (tun before sockets before threads).
func Wire(cfg *config.Config, tun *tundev.Tun, mirror *route.Mirror, log *logrus.Entry) (*Engine, error) {
	ec := Config{
		Tun4in4:         cfg.Tun4in4,
		Tun6in4:         cfg.Tun6in4,
		Local:           cfg.LocalV4(),
		Remote:          cfg.RemoteV4(),
		Local6:          cfg.Local6V6(),
		TTL:             cfg.TTL,
		WatchdogTimeout: cfg.WatchdogTimeout,
	}

	var sockV4, sock6in4 V4Socket
	var sock6 V6Socket

	if ec.Tun4in4 {
		s, err := newRawV4Socket(ipProtoIPIP)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFatalIO, err)
		}
		sockV4 = s
	}
	if ec.Tun6in4 {
		s, err := newRawV4Socket(ipProtoIPv6Route)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFatalIO, err)
		}
		sock6in4 = s

		s6, err := newRawV6Socket()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFatalIO, err)
		}
		sock6 = s6

		// 6-in-4 encap transmits on the same v4 socket the 4-in-4 path
		// uses, per the teacher's original: protocol is a receive-side
		// filter, transmit works on any header-included raw socket.
		if sockV4 == nil {
			s4, err := newRawV4Socket(ipProtoIPIP)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFatalIO, err)
			}
			sockV4 = s4
		}
	}

	return NewEngine(ec, mirror, mirror, tun, sockV4, sock6in4, sock6, log), nil
}

// Run starts the reader goroutines (tun, and each enabled decap socket)
// and transitions the engine to StateRunning. It returns once all readers
// have been launched; readers run until Stop is called or a read on their
// descriptor fails. Cancelling ctx stops only the readers' watchdogs.
func (e *Engine) Run(ctx context.Context) {
	e.state.Store(int32(StateRunning))

	e.wg.Add(1)
	go e.runTunReader(ctx)

	if e.cfg.Tun4in4 {
		e.wg.Add(1)
		go e.runV4SockReader(ctx)
	}
	if e.cfg.Tun6in4 {
		e.wg.Add(1)
		go e.run6in4SockReader(ctx)
	}
}

// Stop transitions the engine to Draining, closes the tun descriptor and
// raw sockets so blocked readers observe a read failure and exit, and
// waits for them to return.
func (e *Engine) Stop() {
	e.state.Store(int32(StateDraining))
	close(e.stopCh)

	e.tun.Close()
	e.sockV4.Close()
	if e.sock6in4 != nil {
		e.sock6in4.Close()
	}
	if e.sock6 != nil {
		e.sock6.Close()
	}

	e.wg.Wait()
}

func (e *Engine) runTunReader(ctx context.Context) {
	defer e.wg.Done()
	wd := diag.NewWatchdog(ctx, e.log, "tun", e.watchdogTimeout())

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		n, err := e.tun.Read(buf[ipv4HeaderLen:])
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.log.WithError(err).Error("tunnel: tun read failed, reader exiting")
			return
		}
		if n == 0 {
			continue
		}
		wd.Touch()

		version := buf[ipv4HeaderLen] >> 4
		switch version {
		case 4:
			if e.cfg.Tun4in4 {
				if err := e.EncapV4(buf, n); err != nil && !isDropOnly(err) {
					e.log.WithError(err).Debug("tunnel: 4-in-4 encap error")
				}
			}
		case 6:
			if e.cfg.Tun6in4 {
				if err := e.EncapV6(buf, n); err != nil && !isDropOnly(err) {
					e.log.WithError(err).Debug("tunnel: 6-in-4 encap error")
				}
			}
		}
	}
}

func (e *Engine) runV4SockReader(ctx context.Context) {
	defer e.wg.Done()
	wd := diag.NewWatchdog(ctx, e.log, "sock4", e.watchdogTimeout())

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		n, err := e.sockV4.Recv(buf)
		if err != nil {
			e.log.WithError(err).Error("tunnel: ipv4 socket read failed, reader exiting")
			return
		}
		if n == 0 {
			continue
		}
		wd.Touch()

		if buf[0]>>4 != 4 || buf[9] != ipProtoIPIP {
			continue
		}
		if err := e.DecapV4(buf, n); err != nil && !isDropOnly(err) {
			e.log.WithError(err).Debug("tunnel: 4-in-4 decap error")
		}
	}
}

func (e *Engine) run6in4SockReader(ctx context.Context) {
	defer e.wg.Done()
	wd := diag.NewWatchdog(ctx, e.log, "sock6in4", e.watchdogTimeout())

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		n, err := e.sock6in4.Recv(buf)
		if err != nil {
			e.log.WithError(err).Error("tunnel: 6-in-4 socket read failed, reader exiting")
			return
		}
		if n == 0 {
			continue
		}
		wd.Touch()

		if buf[0]>>4 != 4 || buf[9] != ipProtoIPv6Route {
			continue
		}
		if err := e.DecapV6(buf, n); err != nil && !isDropOnly(err) {
			e.log.WithError(err).Debug("tunnel: 6-in-4 decap error")
		}
	}
}

// isDropOnly reports whether err represents a routine, expected drop
// (policy/no-route/invalid-packet) that has already been handled (ICMP
// emitted where applicable); the reader loops do not log such errors and
// log every other path error at debug level.
func isDropOnly(err error) bool {
	return errors.Is(err, ErrInvalidPacket) || errors.Is(err, ErrPolicyDrop) || errors.Is(err, ErrNoRoute)
}
