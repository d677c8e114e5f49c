/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

package icmpsynth

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sq8vps/kiwitun/internal/addrutil"
	"github.com/sq8vps/kiwitun/internal/checksum"
)

type fakeSender struct {
	v4dst addrutil.V4
	v4pkt []byte
	v6dst addrutil.V6
	v6pkt []byte
	short bool
}

func (f *fakeSender) SendToV4(dst addrutil.V4, packet []byte) (int, error) {
	f.v4dst = dst
	f.v4pkt = append([]byte(nil), packet...)
	if f.short {
		return len(packet) - 1, nil
	}
	return len(packet), nil
}

func (f *fakeSender) SendToV6(dst addrutil.V6, packet []byte) (int, error) {
	f.v6dst = dst
	f.v6pkt = append([]byte(nil), packet...)
	if f.short {
		return len(packet) - 1, nil
	}
	return len(packet), nil
}

func offendingV4Packet() []byte {
	hdr := make([]byte, 20+8)
	hdr[0] = 0x45
	hdr[8] = 40 // ttl
	hdr[9] = 6  // protocol (arbitrary, e.g. tcp)
	copy(hdr[12:16], []byte{192, 168, 1, 5})
	copy(hdr[16:20], []byte{192, 168, 2, 9})
	return hdr
}

func TestEmitV4TimeExceeded(t *testing.T) {
	s := &fakeSender{}
	off := offendingV4Packet()

	err := EmitV4(s, addrutil.ZeroV4, off, 11, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, addrutil.V4{192, 168, 1, 5}, s.v4dst)
	require.Len(t, s.v4pkt, 20+8+28)
	assert.Equal(t, byte(0x45), s.v4pkt[0])
	assert.Equal(t, byte(1), s.v4pkt[9]) // protocol icmp
	assert.Equal(t, byte(11), s.v4pkt[20])
	assert.Equal(t, byte(0), s.v4pkt[21])
	// quoted header begins at byte 28 and must equal the offending data
	assert.Equal(t, off, s.v4pkt[28:])
}

func TestEmitV4RejectsInsufficientData(t *testing.T) {
	s := &fakeSender{}
	err := EmitV4(s, addrutil.ZeroV4, make([]byte, 10), 11, 0, 0)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestEmitV4ReportsPartialTransmit(t *testing.T) {
	s := &fakeSender{short: true}
	off := offendingV4Packet()
	err := EmitV4(s, addrutil.ZeroV4, off, 3, 7, 0)
	assert.ErrorIs(t, err, ErrPartialTransmit)
}

func offendingV6Packet() []byte {
	hdr := make([]byte, 40+8)
	hdr[0] = 0x60
	copy(hdr[8:24], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	copy(hdr[24:40], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2})
	return hdr
}

func TestEmitV6TimeExceeded(t *testing.T) {
	s := &fakeSender{}
	off := offendingV6Packet()

	err := EmitV6(s, addrutil.ZeroV6, off, 3, 0, 0)
	require.NoError(t, err)

	var wantDst addrutil.V6
	copy(wantDst[:], off[8:24])
	assert.Equal(t, wantDst, s.v6dst)

	require.Len(t, s.v6pkt, 40+8+48)
	assert.Equal(t, byte(0x60), s.v6pkt[0])
	assert.Equal(t, byte(58), s.v6pkt[6]) // next header icmpv6
	assert.Equal(t, byte(3), s.v6pkt[40])

	stored := binary.BigEndian.Uint16(s.v6pkt[checksum.IPv6HeaderLen+checksum.ICMPv6ChecksumOffset : checksum.IPv6HeaderLen+checksum.ICMPv6ChecksumOffset+2])
	assert.NotZero(t, stored)
}

func TestEmitV6RejectsInsufficientData(t *testing.T) {
	s := &fakeSender{}
	err := EmitV6(s, addrutil.ZeroV6, make([]byte, 10), 1, 0, 0)
	assert.ErrorIs(t, err, ErrInsufficientData)
}
