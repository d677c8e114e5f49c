/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

// Package icmpsynth builds ICMPv4 and ICMPv6 error messages quoting an
// offending packet's header and first 8 bytes, per spec.md §4.3.
package icmpsynth

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sq8vps/kiwitun/internal/addrutil"
	"github.com/sq8vps/kiwitun/internal/checksum"
)

// ErrInsufficientData is returned when the offending packet is too short to
// quote a full header plus 8 payload bytes.
var ErrInsufficientData = errors.New("icmpsynth: insufficient data to construct icmp message")

// ErrPartialTransmit is returned when the Sender wrote fewer bytes than the
// constructed message; ICMP messages must be sent atomically, so no retry
// is attempted.
var ErrPartialTransmit = errors.New("icmpsynth: partial icmp transmit")

const (
	ipv4HeaderLen    = 20
	icmpv4HeaderLen  = 8
	quoteLen         = 8 // bytes of offending payload quoted after its header
	icmpDefaultTTL   = 64
	ipv4ProtoICMP    = 1
	ipv6ProtoICMPv6  = 58
	ipv6DefaultHop   = 64
	icmpv6HeaderLen  = 8
	icmpv6ChecksumAt = checksum.IPv6HeaderLen + checksum.ICMPv6ChecksumOffset
)

// Sender transmits a fully-built header-included IP packet on the raw
// socket for its family. It is implemented by the tunnel engine's raw
// socket wrappers; icmpsynth depends only on this narrow interface to avoid
// an import cycle with the tunnel package.
type Sender interface {
	SendToV4(dst addrutil.V4, packet []byte) (int, error)
	SendToV6(dst addrutil.V6, packet []byte) (int, error)
}

// EmitV4 builds and transmits an ICMPv4 error message quoting offending[:]
// (the offending packet's 20-byte header plus at least 8 payload bytes).
// local is the configured outer source (zero lets the kernel fill it in).
func EmitV4(s Sender, local addrutil.V4, offending []byte, icmpType, code byte, rest uint32) error {
	if len(offending) < ipv4HeaderLen+quoteLen {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrInsufficientData, len(offending), ipv4HeaderLen+quoteLen)
	}

	quoted := offending[:ipv4HeaderLen+quoteLen]
	total := ipv4HeaderLen + icmpv4HeaderLen + len(quoted)
	buf := make([]byte, total)

	// outer IPv4 header
	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0    // TOS
	// total_len (bytes 2-3) and id (4-5) left for the kernel to fill
	buf[6], buf[7] = 0, 0 // flags/fragment
	buf[8] = icmpDefaultTTL
	buf[9] = ipv4ProtoICMP
	binary.BigEndian.PutUint32(buf[12:16], binary.BigEndian.Uint32(local[:]))
	dst := addrutil.V4{offending[12], offending[13], offending[14], offending[15]}
	binary.BigEndian.PutUint32(buf[16:20], binary.BigEndian.Uint32(dst[:]))

	// ICMPv4 header + quoted data
	icmp := buf[ipv4HeaderLen:]
	icmp[0] = icmpType
	icmp[1] = code
	// checksum at icmp[2:4], zeroed, filled below
	binary.BigEndian.PutUint32(icmp[4:8], rest)
	copy(icmp[icmpv4HeaderLen:], quoted)

	if err := checksum.IPv4Checksum(buf, ipv4HeaderLen); err != nil {
		return err
	}
	icmpLen := icmpv4HeaderLen + len(quoted)
	icmpSum := checksum.InetChecksum(icmp, icmpLen, 2)
	binary.BigEndian.PutUint16(icmp[2:4], icmpSum)

	n, err := s.SendToV4(dst, buf)
	if err != nil {
		return err
	}
	if n != total {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrPartialTransmit, n, total)
	}
	return nil
}

// EmitV6 builds and transmits an ICMPv6 error message quoting offending[:]
// (the offending packet's 40-byte header plus at least 8 payload bytes).
// local6 is the configured ICMPv6 source (zero sends the unspecified
// address).
func EmitV6(s Sender, local6 addrutil.V6, offending []byte, icmpType, code byte, rest uint32) error {
	if len(offending) < checksum.IPv6HeaderLen+quoteLen {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrInsufficientData, len(offending), checksum.IPv6HeaderLen+quoteLen)
	}

	quoted := offending[:checksum.IPv6HeaderLen+quoteLen]
	icmpLen := icmpv6HeaderLen + len(quoted)
	total := checksum.IPv6HeaderLen + icmpLen
	buf := make([]byte, total)

	// outer IPv6 header
	buf[0] = 0x60 // version 6, flow label high nibble 0
	buf[1], buf[2], buf[3] = 0, 0, 0
	binary.BigEndian.PutUint16(buf[4:6], uint16(icmpLen))
	buf[6] = ipv6ProtoICMPv6
	buf[7] = ipv6DefaultHop
	copy(buf[8:24], local6[:])
	var dst addrutil.V6
	copy(dst[:], offending[8:24])
	copy(buf[24:40], dst[:])

	icmp := buf[checksum.IPv6HeaderLen:]
	icmp[0] = icmpType
	icmp[1] = code
	binary.BigEndian.PutUint32(icmp[4:8], rest)
	copy(icmp[icmpv6HeaderLen:], quoted)

	if err := checksum.ICMPv6Checksum(buf, icmpLen); err != nil {
		return err
	}

	n, err := s.SendToV6(dst, buf)
	if err != nil {
		return err
	}
	if n != total {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrPartialTransmit, n, total)
	}
	return nil
}
