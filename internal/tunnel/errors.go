/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

package tunnel

import "errors"

// Sentinel error kinds the engine distinguishes by cause, per spec.md §7.
// Per-packet errors wrap one of these; callers compare with errors.Is.
var (
	// ErrInvalidPacket covers version mismatch, header length mismatch,
	// inconsistent length fields, and bad checksums. The packet is
	// dropped and the reader loops do not log it; no ICMP is emitted, to
	// avoid amplifying malformed traffic.
	ErrInvalidPacket = errors.New("tunnel: invalid packet")

	// ErrPolicyDrop covers TTL/hop-limit expiry, the RFC 2003 loopback
	// guard, and peer filter mismatches. An ICMP error is emitted where
	// the path specifies one.
	ErrPolicyDrop = errors.New("tunnel: dropped by policy")

	// ErrNoRoute is returned when destination lookup produced the zero
	// address and no fixed peer is configured. An ICMP
	// Destination-Unreachable is emitted.
	ErrNoRoute = errors.New("tunnel: no route to destination")

	// ErrTransientIO covers EWOULDBLOCK/EAGAIN and partial send/write;
	// the reader loops log it at debug level and continue.
	ErrTransientIO = errors.New("tunnel: transient i/o error")

	// ErrFatalIO covers read failure on a reader's own descriptor or
	// failure to create a required socket during init. Init failures
	// propagate to the caller; runtime fatals on a reader end that
	// reader only.
	ErrFatalIO = errors.New("tunnel: fatal i/o error")

	// ErrAllocFailure covers route-table growth failure.
	ErrAllocFailure = errors.New("tunnel: allocation failure")
)
