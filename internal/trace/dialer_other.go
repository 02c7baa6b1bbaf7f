//go:build !linux

package trace

import "syscall"

// ttlControl is a no-op where the hop limit cannot be set portably; every
// hop then probes the destination directly.
func ttlControl(int) func(network, address string, c syscall.RawConn) error {
	return nil
}
