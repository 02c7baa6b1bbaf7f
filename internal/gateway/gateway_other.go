//go:build !linux

package gateway

import (
	"net"

	"github.com/pkg/errors"
)

func Default() (net.IP, error) {
	return nil, errors.New("default gateway lookup not supported on this platform")
}
