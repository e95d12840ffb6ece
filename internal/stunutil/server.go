package stunutil

import (
	"errors"
	"net"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

var (
	errNotSTUN    = errors.New("not a STUN message")
	errNotBinding = errors.New("not a binding request")
)

// Responder answers STUN binding requests with the sender's reflexive address.
// XOR-MAPPED-ADDRESS is always the first attribute, followed by FINGERPRINT.
type Responder struct {
	conn   *net.UDPConn
	logger *zap.Logger
}

// StartResponder starts a responder on the given UDP address (e.g. ":3478").
func StartResponder(addr string, logger *zap.Logger) (*Responder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	r := &Responder{conn: conn, logger: logger}
	go r.serve()
	return r, nil
}

// LocalAddr returns the local address of the responder.
func (r *Responder) LocalAddr() string {
	if r == nil || r.conn == nil {
		return ""
	}
	return r.conn.LocalAddr().String()
}

// Close stops the responder.
func (r *Responder) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Responder) serve() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		resp, err := BindingResponse(buf[:n], addr)
		if err != nil {
			r.logger.Debug("dropping datagram", zap.Stringer("from", addr), zap.Error(err))
			continue
		}
		if _, err := r.conn.WriteToUDP(resp, addr); err != nil {
			r.logger.Warn("stun response failed", zap.Stringer("to", addr), zap.Error(err))
		}
	}
}

// BindingResponse builds the success response for a raw binding request from addr.
func BindingResponse(raw []byte, addr *net.UDPAddr) ([]byte, error) {
	if !stun.IsMessage(raw) {
		return nil, errNotSTUN
	}
	req := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := req.Decode(); err != nil {
		return nil, err
	}
	if req.Type != stun.BindingRequest {
		return nil, errNotBinding
	}
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: addr.IP, Port: addr.Port},
		stun.Fingerprint,
	)
	if err != nil {
		return nil, err
	}
	return resp.Raw, nil
}
