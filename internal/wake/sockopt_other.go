//go:build !unix && !windows

package wake

import "syscall"

func setBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
