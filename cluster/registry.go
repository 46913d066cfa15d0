package cluster

import (
	"fmt"
	"net/url"
	"strings"
)

// Registry is the fixed, ordered list of peer base addresses. It is built
// once at startup and never changes afterwards.
type Registry struct {
	peers []string
}

// ParsePeerList splits a comma-separated list of addresses, dropping
// blank entries.
func ParsePeerList(s string) []string {
	var res []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}

// NormalizeAddr turns "host:port" or "http://host:port/" into "http://host:port".
func NormalizeAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	addr = strings.TrimRight(addr, "/")

	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parsing peer address %q: %w", addr, err)
	}

	if u.Host == "" {
		return "", fmt.Errorf("peer address %q has no host", addr)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("peer address %q: unsupported scheme %q", addr, u.Scheme)
	}

	return addr, nil
}

// NewRegistry normalizes the addresses, keeping the first occurrence of
// every peer in the configured order. The address of this node (self)
// is dropped so that a shared peer list can be used for every node.
func NewRegistry(self string, addrs []string) (*Registry, error) {
	var selfAddr string
	if self != "" {
		var err error
		if selfAddr, err = NormalizeAddr(self); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(addrs))
	peers := make([]string, 0, len(addrs))

	for _, a := range addrs {
		addr, err := NormalizeAddr(a)
		if err != nil {
			return nil, err
		}

		if addr == selfAddr || seen[addr] {
			continue
		}

		seen[addr] = true
		peers = append(peers, addr)
	}

	return &Registry{peers: peers}, nil
}

// Peers returns a copy of the peer list in the configured order.
func (r *Registry) Peers() []string {
	return append([]string(nil), r.peers...)
}

func (r *Registry) Len() int {
	return len(r.peers)
}
