package resolver

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/NodePath81/netdiag/internal/config"
	"github.com/pkg/errors"
)

const dialTimeout = 2 * time.Second

// Resolver resolves host names, optionally through a fixed set of DNS servers
// that are used round-robin.
type Resolver struct {
	resolver *net.Resolver
	servers  []string
	next     uint32
}

func NewResolver(cfg config.DNSConfig) *Resolver {
	if len(cfg.Servers) == 0 {
		return &Resolver{resolver: net.DefaultResolver}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, server := range cfg.Servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		servers = append(servers, server)
	}
	r := &Resolver{servers: servers}
	r.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			if len(r.servers) == 0 {
				return d.DialContext(ctx, network, address)
			}
			idx := atomic.AddUint32(&r.next, 1)
			server := r.servers[int(idx)%len(r.servers)]
			return d.DialContext(ctx, "udp", server)
		},
	}
	return r
}

// Servers returns the normalized host:port list, empty for the system resolver.
func (r *Resolver) Servers() []string {
	out := make([]string, len(r.servers))
	copy(out, r.servers)
	return out
}

func (r *Resolver) ResolveHost(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, errors.New("empty host")
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return []net.IP{ip}, nil
	}
	if r.resolver == nil {
		return nil, errors.New("resolver not initialized")
	}
	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IP != nil {
			ips = append(ips, addr.IP)
		}
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("no IPs resolved for %s", host)
	}
	return ips, nil
}

// ResolveOne returns the first IPv4 address when one exists, otherwise the
// first address.
func (r *Resolver) ResolveOne(ctx context.Context, host string) (net.IP, error) {
	ips, err := r.ResolveHost(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}
