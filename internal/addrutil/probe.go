package addrutil

import (
	"net"
	"strconv"
	"strings"

	"natrelay/internal/model"
)

// DialAddr builds the "host:port" address used to reach a relay candidate.
//
// The routing table's address field is expected to be a bare IP, but entries
// carrying a stale ":port" suffix are tolerated: the host is kept and always
// joined with the descriptor's port. An empty address is not dialable.
func DialAddr(node model.NodeDescriptor) (string, bool) {
	host := HostFromAddr(node.PublicAddress)
	if host == "" {
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(node.PublicPort.Int())), true
}

// HostFromAddr returns the host part of addr, which may or may not carry a port.
func HostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// A bare IPv6 address parses as-is and must not lose its last group.
	if ip := net.ParseIP(strings.Trim(a, "[]")); ip != nil {
		return ip.String()
	}

	// Handle unbracketed IPv6 "host:port" by peeling off the last ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if _, err := strconv.Atoi(a[last+1:]); err == nil {
				return a[:last]
			}
		}
	}

	return strings.Trim(a, "[]")
}
