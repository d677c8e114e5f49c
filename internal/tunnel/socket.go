/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

package tunnel

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sq8vps/kiwitun/internal/addrutil"
)

// rawV4Socket is an AF_INET/SOCK_RAW socket in header-included mode bound
// to a given IP protocol number, per spec.md §6.
type rawV4Socket struct {
	fd int
	mu sync.Mutex
}

// newRawV4Socket creates a raw IPv4 socket for protocol proto (4 for
// 4-in-4 RX, 41 for 6-in-4 RX) and enables IP_HDRINCL.
func newRawV4Socket(proto int) (*rawV4Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, proto)
	if err != nil {
		return nil, fmt.Errorf("tunnel: creating raw ipv4 socket (proto %d): %w", proto, err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tunnel: IP_HDRINCL (proto %d): %w", proto, err)
	}
	return &rawV4Socket{fd: fd}, nil
}

func (s *rawV4Socket) Recv(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	return n, err
}

func (s *rawV4Socket) SendTo(dst addrutil.V4, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa := &unix.SockaddrInet4{Addr: dst}
	if err := unix.Sendto(s.fd, buf, 0, sa); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (s *rawV4Socket) Close() error { return unix.Close(s.fd) }

// rawV6Socket is an AF_INET6/SOCK_RAW socket in header-included mode, used
// write-only for ICMPv6 emission.
type rawV6Socket struct {
	fd int
	mu sync.Mutex
}

func newRawV6Socket() (*rawV6Socket, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("tunnel: creating raw ipv6 socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tunnel: IPV6_HDRINCL: %w", err)
	}
	return &rawV6Socket{fd: fd}, nil
}

func (s *rawV6Socket) SendTo(dst addrutil.V6, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa := &unix.SockaddrInet6{Addr: dst}
	if err := unix.Sendto(s.fd, buf, 0, sa); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (s *rawV6Socket) Close() error { return unix.Close(s.fd) }
