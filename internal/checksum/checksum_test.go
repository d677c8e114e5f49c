/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

package checksum

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildIPv4HeaderViaGopacket constructs a 20-byte IPv4 header, checksum
// included, via gopacket as an independent oracle; TestIPv4ChecksumRoundTrip
// recomputes the checksum with our engine and checks the two agree.
func buildIPv4HeaderViaGopacket(t *testing.T, ttl uint8) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Protocol: layers.IPProtocolIPIP,
		SrcIP:    net.IPv4(192, 168, 1, 5).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
		Length:   20,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, ip.SerializeTo(buf, opts))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

func TestIPv4ChecksumRoundTrip(t *testing.T) {
	hdr := buildIPv4HeaderViaGopacket(t, 64)
	want := binary.BigEndian.Uint16(hdr[10:12])

	// zero the field, recompute, and expect the same value back.
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	require.NoError(t, IPv4Checksum(hdr, 20))
	assert.Equal(t, want, binary.BigEndian.Uint16(hdr[10:12]))
}

func TestIPv4ChecksumChangesOnMutation(t *testing.T) {
	hdr := buildIPv4HeaderViaGopacket(t, 64)
	require.NoError(t, IPv4Checksum(hdr, 20))
	before := binary.BigEndian.Uint16(hdr[10:12])

	hdr[8]-- // decrement TTL, as the encap path does
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	require.NoError(t, IPv4Checksum(hdr, 20))
	after := binary.BigEndian.Uint16(hdr[10:12])

	assert.NotEqual(t, before, after)
}

func TestIPv4ChecksumRejectsOddHeaderLength(t *testing.T) {
	hdr := make([]byte, 21)
	err := IPv4Checksum(hdr, 21)
	assert.ErrorIs(t, err, ErrOddHeaderLength)
}

func TestInetChecksumSkipsOffset(t *testing.T) {
	data := []byte{0x00, 0x01, 0xAB, 0xCD, 0x00, 0x02}
	// checksum field at offset 2 should not contribute regardless of value.
	sum1 := InetChecksum(data, len(data), 2)
	data[2], data[3] = 0x12, 0x34
	sum2 := InetChecksum(data, len(data), 2)
	assert.Equal(t, sum1, sum2)
}

func TestICMPv6ChecksumNonZeroAndChangesOnMutation(t *testing.T) {
	// outer IPv6 header (40 bytes) + ICMPv6 time-exceeded message quoting
	// an 8-byte inner header stub.
	buf := make([]byte, 40+8+8)
	src := net.ParseIP("2001:db8::1").To16()
	dst := net.ParseIP("2001:db8::2").To16()
	copy(buf[8:24], src)
	copy(buf[24:40], dst)

	icmpLen := 8 + 8
	buf[40] = 3 // type: time exceeded
	buf[41] = 0 // code

	require.NoError(t, ICMPv6Checksum(buf, icmpLen))
	stored := binary.BigEndian.Uint16(buf[42:44])
	assert.NotZero(t, stored)

	// mutating the quoted payload must change the checksum.
	buf[48] ^= 0xFF
	require.NoError(t, ICMPv6Checksum(buf, icmpLen))
	mutated := binary.BigEndian.Uint16(buf[42:44])
	assert.NotEqual(t, stored, mutated)
}
