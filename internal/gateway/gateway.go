// Package gateway finds the default IPv4 gateway of the host.
package gateway

import "net"

// Lookup returns the default gateway address.
type Lookup func() (net.IP, error)
