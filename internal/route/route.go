/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

// Package route maintains the two in-memory route tables (IPv4 and IPv6)
// the tunnel engine consults to pick an outer destination, populated by a
// netlink dump at startup and kept current by a background subscriber.
package route

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sq8vps/kiwitun/internal/addrutil"
)

// RouteInitError wraps the failure of the initial dump of either family's
// routing table.
type RouteInitError struct {
	Family string
	Err    error
}

func (e *RouteInitError) Error() string {
	return fmt.Sprintf("route: init failed for %s: %v", e.Family, e.Err)
}

func (e *RouteInitError) Unwrap() error { return e.Err }

// blockSize is the block size of the original C implementation's
// block-allocation scheme. The tables here grow through append and do not
// use it.
const blockSize = 256

// Entry4 is a single IPv4 route table row.
type Entry4 struct {
	Destination addrutil.V4
	Netmask     addrutil.V4
	Gateway     addrutil.V4
}

// Entry6 is a single IPv6 route table row.
type Entry6 struct {
	Destination addrutil.V6
	Netmask     addrutil.V6
	Gateway     addrutil.V6
}

// table4 is a sorted, mutex-guarded IPv4 route table: netmask descending,
// then destination ascending, so a linear scan yields longest-prefix match.
type table4 struct {
	mu      sync.Mutex
	entries []Entry4
}

func lessV4(a, b Entry4) bool {
	pa, pb := addrutil.PopcountV4(a.Netmask), addrutil.PopcountV4(b.Netmask)
	if pa != pb {
		return pa > pb
	}
	return addrutil.CompareV4(a.Destination, b.Destination) < 0
}

func (t *table4) insert(e Entry4) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.entries {
		if existing == e {
			return
		}
	}
	idx := 0
	for idx < len(t.entries) && lessV4(t.entries[idx], e) {
		idx++
	}
	t.entries = append(t.entries, Entry4{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
}

func (t *table4) remove(e Entry4) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.entries {
		if existing == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *table4) lookup(dest addrutil.V4) addrutil.V4 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if addrutil.AndV4(dest, e.Netmask) == e.Destination {
			return e.Gateway
		}
	}
	return addrutil.ZeroV4
}

func (t *table4) snapshot() []Entry4 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry4, len(t.entries))
	copy(out, t.entries)
	return out
}

type table6 struct {
	mu      sync.Mutex
	entries []Entry6
}

func lessV6(a, b Entry6) bool {
	pa, pb := addrutil.PopcountV6(a.Netmask), addrutil.PopcountV6(b.Netmask)
	if pa != pb {
		return pa > pb
	}
	return addrutil.CompareV6(a.Destination, b.Destination) < 0
}

func (t *table6) insert(e Entry6) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.entries {
		if existing == e {
			return
		}
	}
	idx := 0
	for idx < len(t.entries) && lessV6(t.entries[idx], e) {
		idx++
	}
	t.entries = append(t.entries, Entry6{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
}

func (t *table6) remove(e Entry6) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.entries {
		if existing == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *table6) lookup(dest addrutil.V6) addrutil.V6 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if addrutil.AndV6(dest, e.Netmask) == e.Destination {
			return e.Gateway
		}
	}
	return addrutil.ZeroV6
}

func (t *table6) snapshot() []Entry6 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry6, len(t.entries))
	copy(out, t.entries)
	return out
}

// Mirror owns the two route tables and the background subscriber that keeps
// them current.
type Mirror struct {
	log *logrus.Entry

	v4 table4
	v6 table6

	sub    *netlink.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Mirror. Call Init to perform the initial dump and start
// the subscriber.
func New(log *logrus.Entry) *Mirror {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Mirror{log: log}
}

// Init dumps the current v4 and v6 routing tables and starts the subscriber
// task for incremental updates. Returns *RouteInitError on failure.
func (m *Mirror) Init(ctx context.Context) error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return &RouteInitError{Family: "rtnetlink", Err: err}
	}
	defer conn.Close()

	if err := m.dumpFamily(conn, unix.AF_INET); err != nil {
		return &RouteInitError{Family: "ipv4", Err: err}
	}
	if err := m.dumpFamily(conn, unix.AF_INET6); err != nil {
		return &RouteInitError{Family: "ipv6", Err: err}
	}

	sub, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{
		Groups: unix.RTMGRP_IPV4_ROUTE | unix.RTMGRP_IPV6_ROUTE,
	})
	if err != nil {
		return &RouteInitError{Family: "subscriber", Err: err}
	}
	m.sub = sub

	subCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.subscribeLoop(subCtx)

	return nil
}

func (m *Mirror) dumpFamily(conn *rtnetlink.Conn, family uint8) error {
	msgs, err := conn.Route.List()
	if err != nil {
		return err
	}
	for _, rm := range msgs {
		if rm.Family != family {
			continue
		}
		m.applyRoute(rm, true)
	}
	return nil
}

// applyRoute parses a single RouteMessage and inserts or removes the
// corresponding entry. Only RTN_UNICAST entries are retained; default
// routes (destination == unspecified) are discarded.
func (m *Mirror) applyRoute(rm rtnetlink.RouteMessage, insert bool) {
	if rm.Type != unix.RTN_UNICAST {
		return
	}

	switch rm.Family {
	case unix.AF_INET:
		dst, ok := addrutil.ToV4(rm.Attributes.Dst)
		if !ok {
			dst = addrutil.ZeroV4
		}
		if dst.IsZero() {
			return
		}
		gw, _ := addrutil.ToV4(rm.Attributes.Gateway)
		e := Entry4{
			Destination: dst,
			Netmask:     addrutil.CIDRToMaskV4(rm.DstLength),
			Gateway:     gw,
		}
		if insert {
			m.v4.insert(e)
		} else {
			m.v4.remove(e)
		}
	case unix.AF_INET6:
		dst, ok := addrutil.ToV6(rm.Attributes.Dst)
		if !ok {
			dst = addrutil.ZeroV6
		}
		if dst.IsZero() {
			return
		}
		gw, _ := addrutil.ToV6(rm.Attributes.Gateway)
		e := Entry6{
			Destination: dst,
			Netmask:     addrutil.CIDRToMaskV6(rm.DstLength),
			Gateway:     gw,
		}
		if insert {
			m.v6.insert(e)
		} else {
			m.v6.remove(e)
		}
	}
}

// subscribeLoop drains NEWROUTE/DELROUTE notifications until the socket is
// closed or ctx is cancelled. Socket loss is fatal to the mirror: the
// tunnel can keep operating on the routes already loaded plus any
// configured fixed peer, but the table will no longer track kernel changes.
func (m *Mirror) subscribeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, _, err := m.sub.Receive()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.WithError(err).Error("route: subscriber socket lost, mirror is now stale")
			return
		}
		for _, raw := range msgs {
			var rm rtnetlink.RouteMessage
			if err := rm.UnmarshalBinary(raw.Data); err != nil {
				m.log.WithError(err).Debug("route: dropping malformed route notification")
				continue
			}
			insert := raw.Header.Type == unix.RTM_NEWROUTE
			if raw.Header.Type != unix.RTM_NEWROUTE && raw.Header.Type != unix.RTM_DELROUTE {
				continue
			}
			m.applyRoute(rm, insert)
		}
	}
}

// LookupV4 returns the gateway for dest, or the zero address if no route
// matches.
func (m *Mirror) LookupV4(dest addrutil.V4) addrutil.V4 {
	return m.v4.lookup(dest)
}

// LookupV6 returns the gateway for dest, or the zero address if no route
// matches.
func (m *Mirror) LookupV6(dest addrutil.V6) addrutil.V6 {
	return m.v6.lookup(dest)
}

// UnmapV4InV6 exposes addrutil.UnmapV4InV6 so callers only need to import
// the route package on the lookup path.
func UnmapV4InV6(addr addrutil.V6) (addrutil.V4, bool) {
	return addrutil.UnmapV4InV6(addr)
}

// DumpTables renders both tables for diagnostics, in lookup order.
func (m *Mirror) DumpTables() string {
	return m.String()
}

func (m *Mirror) String() string {
	v4 := m.v4.snapshot()
	v6 := m.v6.snapshot()
	s := fmt.Sprintf("route mirror: %d ipv4 entries, %d ipv6 entries\n", len(v4), len(v6))
	for _, e := range v4 {
		s += fmt.Sprintf("  %s/%d via %s\n", e.Destination, addrutil.PopcountV4(e.Netmask), e.Gateway)
	}
	for _, e := range v6 {
		s += fmt.Sprintf("  %s/%d via %s\n", e.Destination, addrutil.PopcountV6(e.Netmask), e.Gateway)
	}
	return s
}

// Close tears down the subscriber. Safe to call even if Init failed before
// the subscriber was started.
func (m *Mirror) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	var err error
	if m.sub != nil {
		err = m.sub.Close()
	}
	m.wg.Wait()
	return err
}
