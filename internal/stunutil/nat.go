package stunutil

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	NATTypeUnknown           = "Unknown"
	NATTypeSymmetric         = "Symmetric"
	NATTypePortRestricted    = "Port-Restricted"
	NATTypeAddressRestricted = "Address-Restricted"
	NATTypeFullCone          = "Full-Cone"

	// NATTypeConeOrRestricted is only produced by CompareServers.
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// Prober performs a single STUN exchange. *Client implements it.
type Prober interface {
	Probe(ctx context.Context, host string, port int) (ProbeResult, error)
}

// Classification is the outcome of two probes against the same server.
// Err is set when a probe failed and NATType is Unknown.
type Classification struct {
	NATType string
	First   ProbeResult
	Second  ProbeResult
	Err     error
}

// Classify probes host:port twice and labels the NAT from the two results.
//
// Both probes share one destination, so only mapping stability over time is
// observed. Full-Cone cannot be told apart from the restricted kinds this way;
// use CompareServers with distinct servers for that.
func Classify(ctx context.Context, p Prober, host string, port int) Classification {
	first, err := p.Probe(ctx, host, port)
	if err != nil {
		return Classification{NATType: NATTypeUnknown, Err: fmt.Errorf("first probe: %w", err)}
	}
	second, err := p.Probe(ctx, host, port)
	if err != nil {
		return Classification{NATType: NATTypeUnknown, First: first, Err: fmt.Errorf("second probe: %w", err)}
	}
	return Classification{NATType: Decide(first, second), First: first, Second: second}
}

// Decide applies the decision table to two probe results, first match wins.
func Decide(first, second ProbeResult) string {
	sameIP := first.PublicIP == second.PublicIP
	samePort := first.PublicPort == second.PublicPort
	switch {
	case !sameIP && !samePort:
		return NATTypeSymmetric
	case sameIP && !samePort:
		return NATTypePortRestricted
	case sameIP && samePort:
		return NATTypeAddressRestricted
	default:
		return NATTypeFullCone
	}
}

// ProbeServers probes each "host:port" server once and returns the successful
// results in order. It fails only when every server failed.
func ProbeServers(ctx context.Context, p Prober, servers []string) ([]ProbeResult, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no STUN servers provided")
	}

	results := make([]ProbeResult, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		host, port, err := ParseServer(server)
		if err != nil {
			lastErr = err
			continue
		}
		res, err := p.Probe(ctx, host, port)
		if err != nil {
			lastErr = err
			continue
		}
		results = append(results, res)
	}

	if len(results) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return nil, lastErr
	}
	return results, nil
}

// CompareServers infers NAT type by comparing mapped endpoints reported by
// distinct servers.
func CompareServers(results []ProbeResult) string {
	if len(results) < 2 {
		return NATTypeUnknown
	}
	first := results[0]
	for _, res := range results[1:] {
		if res != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

// ParseServer splits "host:port" (optionally prefixed with "stun:").
func ParseServer(server string) (string, int, error) {
	s := strings.TrimPrefix(strings.TrimSpace(server), "stun:")
	if s == "" {
		return "", 0, fmt.Errorf("empty STUN server")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("STUN server %q: %w", server, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("STUN server %q: invalid port", server)
	}
	return host, port, nil
}
