//go:build unix

package sockopt

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Broadcast returns a net.ListenConfig control function enabling SO_REUSEADDR and SO_BROADCAST,
// which DHCP sockets need to share the well-known ports and send to 255.255.255.255.
func Broadcast() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
				return
			}
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
