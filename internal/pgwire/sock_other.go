// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build !unix

package pgwire

import (
	"errors"
	"net"
	"runtime"
)

var errUnsupported = errors.New("raw socket access is not supported on " + runtime.GOOS)

func setNonblock(fd int) error { return errUnsupported }

func sockRead(fd int, p []byte) (int, error) { return 0, errUnsupported }

func sockWrite(fd int, p []byte) (int, error) { return 0, errUnsupported }

func sockClose(fd int) error { return errUnsupported }

func adoptSocket(conn net.Conn) (int, error) { return -1, errUnsupported }
