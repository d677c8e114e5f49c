/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

package addrutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmapIdempotence(t *testing.T) {
	v4, ok := ToV4(ZeroV4.NetIP())
	require.True(t, ok)
	v4[0], v4[1], v4[2], v4[3] = 10, 0, 0, 2

	mapped := MapV4InV6(v4)
	back, ok := UnmapV4InV6(mapped)
	require.True(t, ok)
	assert.Equal(t, v4, back)
}

func TestUnmapRejectsNonMapped(t *testing.T) {
	var v6 V6
	v6[0] = 0x20 // 2001:db8::... not a mapped address
	_, ok := UnmapV4InV6(v6)
	assert.False(t, ok)

	// all-zero (unspecified) is not a mapped address either.
	_, ok = UnmapV4InV6(ZeroV6)
	assert.False(t, ok)
}

func TestCIDRToMaskV4(t *testing.T) {
	cases := []struct {
		prefix uint8
		want   V4
	}{
		{0, V4{0, 0, 0, 0}},
		{8, V4{0xFF, 0, 0, 0}},
		{24, V4{0xFF, 0xFF, 0xFF, 0}},
		{32, V4{0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CIDRToMaskV4(c.prefix), "prefix %d", c.prefix)
	}
}

func TestCIDRToMaskV6(t *testing.T) {
	mask := CIDRToMaskV6(32)
	want := V6{0xFF, 0xFF, 0xFF, 0xFF}
	assert.Equal(t, want, mask)
	assert.Equal(t, 32, PopcountV6(mask))
}

func TestAndV4(t *testing.T) {
	addr := V4{192, 168, 1, 9}
	mask := CIDRToMaskV4(24)
	assert.Equal(t, V4{192, 168, 1, 0}, AndV4(addr, mask))
}

func TestCompareV4Ordering(t *testing.T) {
	a := V4{10, 0, 0, 1}
	b := V4{10, 0, 0, 2}
	assert.Equal(t, -1, CompareV4(a, b))
	assert.Equal(t, 1, CompareV4(b, a))
	assert.Equal(t, 0, CompareV4(a, a))
}

func TestPopcountV4RanksLongestPrefixFirst(t *testing.T) {
	narrow := PopcountV4(CIDRToMaskV4(16))
	wide := PopcountV4(CIDRToMaskV4(24))
	assert.Greater(t, wide, narrow)
}
