/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/sq8vps/kiwitun/internal/addrutil"
	"github.com/sq8vps/kiwitun/internal/checksum"
	"github.com/sq8vps/kiwitun/internal/icmpsynth"
	"github.com/sq8vps/kiwitun/internal/route"
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40

	icmpTimeExceeded     = 11
	icmpExcTTL           = 0
	icmpDestUnreach      = 3
	icmpHostUnknown      = 7
	icmpv6TimeExceeded   = 3
	icmpv6ExcHopLimit    = 0
	icmpv6DestUnreach    = 1
	icmpv6NoRoute        = 0
	ipProtoIPIP          = 4
	ipProtoIPv6Route     = 41
	ipv4DFMask           = 0x40
)

// EncapV4 implements the 4-in-4 encap path (spec.md §4.4.1). buf must have
// an ipv4HeaderLen-byte prefix reserved before the inner packet; size is
// the number of inner bytes read into buf[ipv4HeaderLen:]. On success the
// outer header is written in place and the packet is transmitted; the
// returned error, if any, is one of the sentinel kinds in errors.go.
func (e *Engine) EncapV4(buf []byte, size int) error {
	if size < ipv4HeaderLen+8 || len(buf) < ipv4HeaderLen+size {
		return fmt.Errorf("%w: short inner packet", ErrInvalidPacket)
	}
	inner := buf[ipv4HeaderLen : ipv4HeaderLen+size]

	if inner[0]>>4 != 4 {
		return fmt.Errorf("%w: inner version != 4", ErrInvalidPacket)
	}
	if inner[0]&0x0F != ipv4HeaderLen/4 {
		return fmt.Errorf("%w: inner header length != %d", ErrInvalidPacket, ipv4HeaderLen)
	}
	if int(binary.BigEndian.Uint16(inner[2:4])) != size {
		return fmt.Errorf("%w: inner total_len mismatch", ErrInvalidPacket)
	}

	innerSrc := addrutil.V4{inner[12], inner[13], inner[14], inner[15]}
	innerDst := addrutil.V4{inner[16], inner[17], inner[18], inner[19]}

	switch inner[8] {
	case 0:
		return nil // TTL == 0: drop silently
	case 1:
		offending := buf[ipv4HeaderLen : ipv4HeaderLen+ipv4HeaderLen+8]
		if err := icmpsynth.EmitV4(e, e.cfg.Local, offending, icmpTimeExceeded, icmpExcTTL, 0); err != nil {
			e.log.WithError(err).Debug("tunnel: failed to emit icmp time-exceeded")
		}
		return fmt.Errorf("%w: ttl expired", ErrPolicyDrop)
	}

	inner[8]-- // decrement TTL
	if err := checksum.IPv4Checksum(inner, ipv4HeaderLen); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}

	outer := buf[:ipv4HeaderLen]
	outer[0] = 0x45
	outer[1] = inner[1] // TOS copied from inner
	binary.BigEndian.PutUint16(outer[2:4], 0)
	binary.BigEndian.PutUint16(outer[4:6], 0)
	outer[6] = inner[6] & ipv4DFMask
	outer[7] = 0
	outer[8] = e.cfg.TTL
	outer[9] = ipProtoIPIP
	binary.BigEndian.PutUint16(outer[10:12], 0)
	copy(outer[12:16], e.cfg.Local[:])

	dst := e.cfg.Remote
	if dst.IsZero() {
		dst = e.v4Router.LookupV4(innerDst)
	}
	if dst.IsZero() {
		offending := buf[ipv4HeaderLen : ipv4HeaderLen+ipv4HeaderLen+8]
		if err := icmpsynth.EmitV4(e, e.cfg.Local, offending, icmpDestUnreach, icmpHostUnknown, 0); err != nil {
			e.log.WithError(err).Debug("tunnel: failed to emit icmp destination-unreachable")
		}
		return fmt.Errorf("%w: no route to %s", ErrNoRoute, innerDst)
	}
	copy(outer[16:20], dst[:])

	if dst == innerSrc {
		return fmt.Errorf("%w: loopback guard (outer dst == inner src)", ErrPolicyDrop)
	}

	total := ipv4HeaderLen + size
	n, err := e.sockV4.SendTo(dst, buf[:total])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	if n != total {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrTransientIO, n, total)
	}
	return nil
}

// EncapV6 implements the 6-in-4 encap path (spec.md §4.4.2).
func (e *Engine) EncapV6(buf []byte, size int) error {
	if size < ipv6HeaderLen+8 || len(buf) < ipv4HeaderLen+size {
		return fmt.Errorf("%w: short inner packet", ErrInvalidPacket)
	}
	inner := buf[ipv4HeaderLen : ipv4HeaderLen+size]

	if inner[0]>>4 != 6 {
		return fmt.Errorf("%w: inner version != 6", ErrInvalidPacket)
	}
	if int(binary.BigEndian.Uint16(inner[4:6])) != size-ipv6HeaderLen {
		return fmt.Errorf("%w: inner payload_len mismatch", ErrInvalidPacket)
	}

	var innerSrc, innerDst addrutil.V6
	copy(innerSrc[:], inner[8:24])
	copy(innerDst[:], inner[24:40])

	switch inner[7] {
	case 0:
		return nil // hop limit == 0: drop silently
	case 1:
		offending := buf[ipv4HeaderLen : ipv4HeaderLen+ipv6HeaderLen+8]
		if err := icmpsynth.EmitV6(e, e.cfg.Local6, offending, icmpv6TimeExceeded, icmpv6ExcHopLimit, 0); err != nil {
			e.log.WithError(err).Debug("tunnel: failed to emit icmpv6 time-exceeded")
		}
		return fmt.Errorf("%w: hop limit expired", ErrPolicyDrop)
	}

	inner[7]-- // decrement hop limit; IPv6 has no header checksum

	outer := buf[:ipv4HeaderLen]
	outer[0] = 0x45
	outer[1] = 0
	binary.BigEndian.PutUint16(outer[2:4], 0)
	binary.BigEndian.PutUint16(outer[4:6], 0)
	outer[6] = 0
	outer[7] = 0
	outer[8] = e.cfg.TTL
	outer[9] = ipProtoIPv6Route
	binary.BigEndian.PutUint16(outer[10:12], 0)
	copy(outer[12:16], e.cfg.Local[:])

	dst := e.cfg.Remote
	if dst.IsZero() {
		gw6 := e.v6Router.LookupV6(innerDst)
		mapped, ok := route.UnmapV4InV6(gw6)
		if ok {
			dst = mapped
		} else {
			dst = addrutil.ZeroV4
		}
	}
	if dst.IsZero() {
		offending := buf[ipv4HeaderLen : ipv4HeaderLen+ipv6HeaderLen+8]
		if err := icmpsynth.EmitV6(e, e.cfg.Local6, offending, icmpv6DestUnreach, icmpv6NoRoute, 0); err != nil {
			e.log.WithError(err).Debug("tunnel: failed to emit icmpv6 destination-unreachable")
		}
		return fmt.Errorf("%w: no route to %s", ErrNoRoute, innerDst)
	}
	copy(outer[16:20], dst[:])

	total := ipv4HeaderLen + size
	n, err := e.sockV4.SendTo(dst, buf[:total])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	if n != total {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrTransientIO, n, total)
	}
	return nil
}

// peerFilterOK applies the outer-header peer filter shared by both decap
// paths: the IPv4 outer header is checked against config.remote/local
// regardless of the inner packet's version (spec.md §9).
func (e *Engine) peerFilterOK(outer []byte) bool {
	if !e.cfg.Remote.IsZero() {
		src := addrutil.V4{outer[12], outer[13], outer[14], outer[15]}
		if src != e.cfg.Remote {
			return false
		}
	}
	if !e.cfg.Local.IsZero() {
		dst := addrutil.V4{outer[16], outer[17], outer[18], outer[19]}
		if dst != e.cfg.Local {
			return false
		}
	}
	return true
}

// DecapV4 implements the 4-in-4 decap path (spec.md §4.4.3): buf is the
// complete received packet (outer header at buf[0:20], inner at
// buf[20:size]).
func (e *Engine) DecapV4(buf []byte, size int) error {
	if size < 2*ipv4HeaderLen {
		return fmt.Errorf("%w: packet too short", ErrInvalidPacket)
	}
	outer := buf[:ipv4HeaderLen]
	inner := buf[ipv4HeaderLen:size]

	if !e.peerFilterOK(outer) {
		return fmt.Errorf("%w: peer filter mismatch", ErrPolicyDrop)
	}
	if inner[0]>>4 != 4 {
		return fmt.Errorf("%w: inner version != 4", ErrInvalidPacket)
	}

	oldOuterSum := binary.BigEndian.Uint16(outer[10:12])
	if err := checksum.IPv4Checksum(outer, ipv4HeaderLen); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if binary.BigEndian.Uint16(outer[10:12]) != oldOuterSum {
		return fmt.Errorf("%w: outer checksum mismatch", ErrInvalidPacket)
	}

	oldInnerSum := binary.BigEndian.Uint16(inner[10:12])
	if err := checksum.IPv4Checksum(inner, ipv4HeaderLen); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if binary.BigEndian.Uint16(inner[10:12]) != oldInnerSum {
		return fmt.Errorf("%w: inner checksum mismatch", ErrInvalidPacket)
	}

	if outer[0]&0x0F != ipv4HeaderLen/4 {
		return fmt.Errorf("%w: outer header length != %d", ErrInvalidPacket, ipv4HeaderLen)
	}
	if inner[0]&0x0F != ipv4HeaderLen/4 {
		return fmt.Errorf("%w: inner header length != %d", ErrInvalidPacket, ipv4HeaderLen)
	}
	if inner[8] == 0 {
		return nil // TTL exceeded, drop silently
	}
	if int(binary.BigEndian.Uint16(inner[2:4])) != size-ipv4HeaderLen {
		return fmt.Errorf("%w: inner length inconsistent", ErrInvalidPacket)
	}

	payload := buf[ipv4HeaderLen:size]
	n, err := e.tun.Write(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrTransientIO, n, len(payload))
	}
	return nil
}

// DecapV6 implements the 6-in-4 decap path (spec.md §4.4.4).
func (e *Engine) DecapV6(buf []byte, size int) error {
	if size < ipv4HeaderLen+ipv6HeaderLen {
		return fmt.Errorf("%w: packet too short", ErrInvalidPacket)
	}
	outer := buf[:ipv4HeaderLen]
	inner := buf[ipv4HeaderLen:size]

	if !e.peerFilterOK(outer) {
		return fmt.Errorf("%w: peer filter mismatch", ErrPolicyDrop)
	}
	if inner[0]>>4 != 6 {
		return fmt.Errorf("%w: inner version != 6", ErrInvalidPacket)
	}

	oldOuterSum := binary.BigEndian.Uint16(outer[10:12])
	if err := checksum.IPv4Checksum(outer, ipv4HeaderLen); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if binary.BigEndian.Uint16(outer[10:12]) != oldOuterSum {
		return fmt.Errorf("%w: outer checksum mismatch", ErrInvalidPacket)
	}

	if outer[0]&0x0F != ipv4HeaderLen/4 {
		return fmt.Errorf("%w: outer header length != %d", ErrInvalidPacket, ipv4HeaderLen)
	}
	if inner[7] == 0 {
		return nil // hop limit exceeded, drop silently
	}
	if int(binary.BigEndian.Uint16(inner[4:6])) != size-ipv4HeaderLen-ipv6HeaderLen {
		return fmt.Errorf("%w: inner length inconsistent", ErrInvalidPacket)
	}

	payload := buf[ipv4HeaderLen:size]
	n, err := e.tun.Write(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrTransientIO, n, len(payload))
	}
	return nil
}
