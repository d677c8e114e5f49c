/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sq8vps/kiwitun/internal/addrutil"
)

func v4(a, b, c, d byte) addrutil.V4 { return addrutil.V4{a, b, c, d} }

func TestTable4OrderingLongestPrefixFirst(t *testing.T) {
	var tb table4
	tb.insert(Entry4{Destination: v4(10, 0, 0, 0), Netmask: addrutil.CIDRToMaskV4(8), Gateway: v4(1, 1, 1, 1)})
	tb.insert(Entry4{Destination: v4(10, 0, 0, 0), Netmask: addrutil.CIDRToMaskV4(24), Gateway: v4(2, 2, 2, 2)})
	tb.insert(Entry4{Destination: v4(10, 0, 1, 0), Netmask: addrutil.CIDRToMaskV4(24), Gateway: v4(3, 3, 3, 3)})

	snap := tb.snapshot()
	require.Len(t, snap, 3)
	for i := 1; i < len(snap); i++ {
		pi := addrutil.PopcountV4(snap[i-1].Netmask)
		pj := addrutil.PopcountV4(snap[i].Netmask)
		if pi == pj {
			assert.LessOrEqual(t, addrutil.CompareV4(snap[i-1].Destination, snap[i].Destination), 0)
		} else {
			assert.Greater(t, pi, pj)
		}
	}
}

func TestTable4LookupLongestPrefixMatch(t *testing.T) {
	var tb table4
	tb.insert(Entry4{Destination: v4(10, 0, 0, 0), Netmask: addrutil.CIDRToMaskV4(8), Gateway: v4(1, 1, 1, 1)})
	tb.insert(Entry4{Destination: v4(10, 0, 0, 0), Netmask: addrutil.CIDRToMaskV4(24), Gateway: v4(2, 2, 2, 2)})

	gw := tb.lookup(v4(10, 0, 0, 5))
	assert.Equal(t, v4(2, 2, 2, 2), gw)

	gw = tb.lookup(v4(10, 5, 5, 5))
	assert.Equal(t, v4(1, 1, 1, 1), gw)
}

func TestTable4LookupNoRouteReturnsZero(t *testing.T) {
	var tb table4
	gw := tb.lookup(v4(192, 168, 1, 1))
	assert.Equal(t, addrutil.ZeroV4, gw)
}

func TestTable4RemoveShiftsAndPreservesOrder(t *testing.T) {
	var tb table4
	a := Entry4{Destination: v4(10, 0, 0, 0), Netmask: addrutil.CIDRToMaskV4(24), Gateway: v4(1, 1, 1, 1)}
	b := Entry4{Destination: v4(10, 0, 1, 0), Netmask: addrutil.CIDRToMaskV4(24), Gateway: v4(2, 2, 2, 2)}
	tb.insert(a)
	tb.insert(b)
	tb.remove(a)

	snap := tb.snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, b, snap[0])
}

func TestTable4InsertIsIdempotent(t *testing.T) {
	var tb table4
	e := Entry4{Destination: v4(10, 0, 0, 0), Netmask: addrutil.CIDRToMaskV4(24), Gateway: v4(1, 1, 1, 1)}
	tb.insert(e)
	tb.insert(e)
	assert.Len(t, tb.snapshot(), 1)
}

func TestUnmapV4InV6Helper(t *testing.T) {
	mapped := addrutil.MapV4InV6(v4(10, 0, 0, 2))
	got, ok := UnmapV4InV6(mapped)
	require.True(t, ok)
	assert.Equal(t, v4(10, 0, 0, 2), got)
}
