package stunutil

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"

	"natrelay/internal/model"
)

const (
	// MagicCookie is the fixed RFC5389 cookie, also the XOR mask for mapped addresses.
	MagicCookie uint32 = 0x2112A442

	// DefaultTimeout bounds a single probe when the caller passes none.
	DefaultTimeout = 5 * time.Second

	headerSize     = 20
	minResponseLen = 28
	familyOffset   = 25
	portOffset     = 26
	addrOffset     = 28
	familyIPv4     = 0x01
)

// ProbeResult is the public endpoint reported by one STUN exchange.
type ProbeResult struct {
	PublicIP   string
	PublicPort uint16
}

func (r ProbeResult) String() string {
	return net.JoinHostPort(r.PublicIP, strconv.Itoa(int(r.PublicPort)))
}

// Client sends single STUN binding requests from an ephemeral UDP socket.
type Client struct {
	// LocalBind is the interface address to bind; empty means the wildcard.
	LocalBind string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// NewClient returns a client bound to localBind with the given per-probe timeout.
func NewClient(localBind string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{LocalBind: localBind, Timeout: timeout, Logger: logger}
}

// NewBindingRequest builds a 20-byte binding request with a random transaction ID
// and no attributes.
func NewBindingRequest() (*stun.Message, error) {
	return stun.Build(stun.TransactionID, stun.BindingRequest)
}

// Probe resolves host to IPv4, sends one binding request to host:port and waits
// for a matching response. There is no retry; the socket is closed on return.
func (c *Client) Probe(ctx context.Context, host string, port int) (ProbeResult, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	serverIP, err := resolveIPv4(ctx, host)
	if err != nil {
		return ProbeResult{}, err
	}
	server := &net.UDPAddr{IP: serverIP, Port: port}

	local := &net.UDPAddr{}
	if c.LocalBind != "" {
		local.IP = net.ParseIP(c.LocalBind)
		if local.IP == nil {
			return ProbeResult{}, fmt.Errorf("%w: invalid bind address %q", model.ErrNetwork, c.LocalBind)
		}
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: bind %s: %v", model.ErrNetwork, c.LocalBind, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %v", model.ErrNetwork, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	req, err := NewBindingRequest()
	if err != nil {
		return ProbeResult{}, err
	}
	if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
		return ProbeResult{}, fmt.Errorf("%w: send to %s: %v", model.ErrNetwork, server, err)
	}
	logger.Debug("stun request sent",
		zap.String("server", server.String()),
		zap.String("local", conn.LocalAddr().String()))

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return ProbeResult{}, fmt.Errorf("%w: stun %s: %v", model.ErrNetwork, server, err)
		}
		if !MatchesTransaction(buf[:n], req.TransactionID) {
			logger.Debug("ignoring datagram with foreign transaction id", zap.Stringer("from", from))
			continue
		}
		res, ok := ParseBindingResponse(buf[:n])
		if !ok {
			continue
		}
		return res, nil
	}
}

// ParseBindingResponse decodes the XOR-MAPPED-ADDRESS attribute that is assumed
// to start at offset 24. Responses shorter than 28 bytes or with a non-IPv4
// family are rejected.
func ParseBindingResponse(b []byte) (ProbeResult, bool) {
	if len(b) < minResponseLen || b[familyOffset] != familyIPv4 {
		return ProbeResult{}, false
	}
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], MagicCookie)

	ip := make(net.IP, net.IPv4len)
	for i := range ip {
		ip[i] = b[addrOffset+i] ^ cookie[i]
	}
	port := binary.BigEndian.Uint16(b[portOffset:portOffset+2]) ^ uint16(MagicCookie>>16)
	return ProbeResult{PublicIP: ip.String(), PublicPort: port}, true
}

// MatchesTransaction reports whether b echoes the given transaction ID.
func MatchesTransaction(b []byte, id [stun.TransactionIDSize]byte) bool {
	if len(b) < headerSize {
		return false
	}
	return [stun.TransactionIDSize]byte(b[8:headerSize]) == id
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%w: %s is not an IPv4 address", model.ErrResolution, host)
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrResolution, host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("%w: no IPv4 address for %s", model.ErrResolution, host)
}
