//go:build !unix

package socks

import "syscall"

func setSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}
