/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 Kusakabe Si. All Rights Reserved.
 */

// Package tundev opens and brings up the point-to-point tun interface the
// engine reads inner packets from and writes decapsulated packets to.
package tundev

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64
)

// Tun is a point-to-point IFF_TUN interface, opened without packet-info
// prefix bytes (IFF_NO_PI), per spec.md §6.
type Tun struct {
	file *os.File
	name string

	mu     sync.RWMutex
	closed bool
}

// Open creates a tun device. name may be empty for kernel selection. The
// interface is brought up and, when addr/peer are non-empty, assigned a
// point-to-point IPv4 address.
func Open(name, addr, peer string, mtu int) (*Tun, error) {
	fd, err := unix.Open(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tundev: open(%q): %s does not exist", name, cloneDevicePath)
		}
		return nil, fmt.Errorf("tundev: open: %w", err)
	}

	var ifr [ifReqSize]byte
	copy(ifr[:], []byte(name))
	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	*(*uint16)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = flags

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0])))
	if errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("tundev: TUNSETIFF: %v", errno)
	}

	deviceName := trimNull(string(ifr[:unix.IFNAMSIZ]))

	t := &Tun{
		file: os.NewFile(uintptr(fd), cloneDevicePath),
		name: deviceName,
	}

	if err := t.setUp(); err != nil {
		t.Close()
		return nil, fmt.Errorf("tundev: bringing up interface: %w", err)
	}
	if mtu > 0 {
		if err := t.setMTU(mtu); err != nil {
			t.Close()
			return nil, fmt.Errorf("tundev: setting mtu: %w", err)
		}
	}
	if addr != "" && peer != "" {
		if err := t.setIPv4Address(addr, peer); err != nil {
			t.Close()
			return nil, fmt.Errorf("tundev: setting address: %w", err)
		}
	}

	return t, nil
}

func trimNull(s string) string {
	for i, c := range s {
		if c == 0 {
			return s[:i]
		}
	}
	return s
}

// Name returns the kernel-assigned or requested interface name.
func (t *Tun) Name() string { return t.name }

// Read reads a single inner packet.
func (t *Tun) Read(buf []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, os.ErrClosed
	}
	return t.file.Read(buf)
}

// Write writes a single inner packet.
func (t *Tun) Write(buf []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, os.ErrClosed
	}
	return t.file.Write(buf)
}

// Close closes the underlying descriptor; safe to call more than once.
func (t *Tun) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.file.Close()
}

func (t *Tun) setUp() error {
	return execCmd("ip", "link", "set", "dev", t.name, "up")
}

func (t *Tun) setMTU(mtu int) error {
	return execCmd("ip", "link", "set", "dev", t.name, "mtu", fmt.Sprintf("%d", mtu))
}

func (t *Tun) setIPv4Address(local, peer string) error {
	return execCmd("ip", "addr", "add", local, "peer", peer, "dev", t.name)
}

func execCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}
