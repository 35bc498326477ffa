//go:build unix

package socks

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const udpSocketBufferSize = 4 * 1024 * 1024

// setSocketOptions enlarges relay socket buffers so bursts of object
// updates are not dropped by the kernel.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, udpSocketBufferSize)
		if sysErr != nil {
			return
		}
		sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, udpSocketBufferSize)
	})
	if err != nil {
		return err
	}
	return sysErr
}
