/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

// Package checksum implements the one's-complement Internet checksum used
// for IPv4 headers, ICMPv4, and ICMPv6 (over a synthesized IPv6
// pseudo-header).
package checksum

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/icmp"
)

// ErrOddHeaderLength is returned by IPv4Checksum when hlen is not a
// multiple of 4, per spec.md §4.1.
var ErrOddHeaderLength = errors.New("checksum: header length not a multiple of 4")

// IPv6HeaderLen and ICMPv6ChecksumOffset describe the fixed buffer layout
// ICMPv6Checksum operates on; ipv4ChecksumFieldOff is the IPv4 header's
// checksum field offset.
const (
	IPv6HeaderLen        = 40
	ICMPv6ChecksumOffset = 2
	ipv4ChecksumFieldOff = 10
	nextHeaderICMPv6     = 58
)

// rawSum accumulates the unfolded 32-bit one's-complement sum of
// data[:length], treating the two bytes at skipOffset as zero.
func rawSum(data []byte, length int, skipOffset int) uint32 {
	var sum uint32
	i := 0
	for i+1 < length {
		if i == skipOffset {
			i += 2
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
		i += 2
	}
	if i < length && i != skipOffset {
		sum += uint32(data[i]) << 8
	}
	return sum
}

// fold reduces a 32-bit accumulator to its 16-bit one's-complement sum,
// applying the carry fold twice to absorb the carry generated by the
// first fold.
func fold(sum uint32) uint16 {
	sum = (sum & 0xFFFF) + (sum >> 16)
	sum = (sum & 0xFFFF) + (sum >> 16)
	return uint16(sum)
}

// InetChecksum computes the standard one's-complement 16-bit Internet
// checksum over data[:length], treating the two bytes at skipOffset as
// zero (used to exclude the checksum field itself from the sum). Odd
// lengths are tolerated by treating the missing low byte as zero.
func InetChecksum(data []byte, length int, skipOffset int) uint16 {
	return ^fold(rawSum(data, length, skipOffset))
}

// IPv4Checksum recomputes the header checksum over header[:hlen] (skipping
// the checksum field at offset 10) and writes it into bytes 10-11 in
// place. hlen must be a multiple of 4.
func IPv4Checksum(header []byte, hlen int) error {
	if hlen%4 != 0 {
		return fmt.Errorf("%w: hlen=%d", ErrOddHeaderLength, hlen)
	}
	if len(header) < hlen {
		return fmt.Errorf("checksum: header shorter than hlen (%d < %d)", len(header), hlen)
	}
	sum := InetChecksum(header, hlen, ipv4ChecksumFieldOff)
	binary.BigEndian.PutUint16(header[ipv4ChecksumFieldOff:ipv4ChecksumFieldOff+2], sum)
	return nil
}

// ICMPv6Checksum computes the ICMPv6 checksum for a buffer laid out as a
// 40-byte IPv6 header immediately followed by the ICMPv6 message
// (buf[:IPv6HeaderLen+icmpLen]), using the IPv6 pseudo-header {src(16) |
// dst(16) | payload-len(4) | zeros(3) | next-header(1)} described in
// spec.md §4.1. The checksum is stored at offset
// IPv6HeaderLen+ICMPv6ChecksumOffset.
func ICMPv6Checksum(buf []byte, icmpLen int) error {
	if len(buf) < IPv6HeaderLen+icmpLen {
		return fmt.Errorf("checksum: buffer too short for icmpv6 message (%d < %d)", len(buf), IPv6HeaderLen+icmpLen)
	}

	src := net.IP(buf[8:24])
	dst := net.IP(buf[24:40])
	pseudo := icmp.IPv6PseudoHeader(src, dst, nextHeaderICMPv6)
	// The pseudo-header's payload-length field must reflect the ICMPv6
	// message length, not the next-header byte count x/net assumes when
	// used for transport-layer checksums; set it explicitly per spec.md.
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(icmpLen))

	sum := rawSum(pseudo, len(pseudo), -1)
	sum += rawSum(buf[IPv6HeaderLen:IPv6HeaderLen+icmpLen], icmpLen, ICMPv6ChecksumOffset)

	result := ^fold(sum)
	binary.BigEndian.PutUint16(buf[IPv6HeaderLen+ICMPv6ChecksumOffset:IPv6HeaderLen+ICMPv6ChecksumOffset+2], result)
	return nil
}
