//go:build linux

package gateway

import (
	"net"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// Default reads the main routing table through netlink and returns the
// gateway of the IPv4 default route with the lowest priority.
func Default() (net.IP, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, errors.Wrap(err, "list routes")
	}
	var best *netlink.Route
	for i := range routes {
		route := &routes[i]
		if route.Gw == nil || !isDefaultDst(route.Dst) {
			continue
		}
		if best == nil || route.Priority < best.Priority {
			best = route
		}
	}
	if best == nil {
		return nil, errors.New("no default route")
	}
	return best.Gw, nil
}

func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.IsUnspecified()
}
