// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build unix

package pgwire

import (
	"fmt"
	"net"
	"syscall"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// sockRead reads once, translating EAGAIN into iox.ErrWouldBlock.
func sockRead(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, iox.ErrWouldBlock
		default:
			return 0, err
		}
	}
}

// sockWrite writes until p is consumed or the socket would block.
func sockWrite(fd int, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(fd, p[written:])
		if n > 0 {
			written += n
		}
		switch err {
		case nil:
		case unix.EINTR:
		case unix.EAGAIN:
			return written, iox.ErrWouldBlock
		default:
			return written, err
		}
	}
	return written, nil
}

func sockClose(fd int) error {
	return unix.Close(fd)
}

// adoptSocket duplicates the descriptor behind conn, then closes conn. Closing the
// original does not shut the socket down because the duplicate still references it.
func adoptSocket(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%T does not expose a raw descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	dup := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dup, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	unix.CloseOnExec(dup)
	_ = conn.Close()
	return dup, nil
}
