//go:build !unix

package sockopt

import "syscall"

// Broadcast is a no-op on platforms without unix socket options.
func Broadcast() func(network, address string, c syscall.RawConn) error {
	return nil
}
