// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build linux

package core

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// systemSetupUDPSocket enables path-MTU discovery and extended error
// reporting on the channel's UDP socket, ported from the teacher's
// udp_linux.go (same option names, same control-function shape).
func systemSetupUDPSocket(ch *Channel) error {
	sc, err := ch.conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	callErr := sc.Control(func(fd uintptr) {
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
			setErr = err
			return
		}
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, unix.IP_RECVERR, 1); err != nil {
			setErr = err
		}
	})
	if callErr != nil {
		return callErr
	}
	return setErr
}
