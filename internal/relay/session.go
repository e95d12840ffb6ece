// Package relay connects a node to the closest reachable relay and exchanges
// JSON envelopes through it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"natrelay/internal/addrutil"
	"natrelay/internal/model"
)

// DefaultAttemptTimeout bounds a single connect attempt.
const DefaultAttemptTimeout = 5 * time.Second

// State is the lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistered
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Session. Zero values pick TCP and DefaultAttemptTimeout.
type Options struct {
	Dialer         Dialer
	AttemptTimeout time.Duration
	Logger         *zap.Logger
	// OnDisconnect is called once when the relay closes the connection or the
	// transport fails. It is not called for a local Close.
	OnDisconnect func(err error)
	// Buffer is the capacity of the inbound message channel.
	Buffer int
}

// Session is a registered connection to one relay.
//
// A single goroutine owns the transport's read side and publishes inbound
// chunks on Messages; Send may be called concurrently and writes are
// serialized in call order.
type Session struct {
	local model.NodeDescriptor
	opts  Options
	log   *zap.Logger

	mu        sync.Mutex
	state     State
	remote    model.NodeDescriptor
	transport Transport
	reading   bool
	closedErr error

	writeMu   sync.Mutex
	messages  chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession returns a Disconnected session for the local node.
func NewSession(local model.NodeDescriptor, opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = TCPDialer{}
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Session{
		local:    local,
		opts:     opts,
		log:      opts.Logger,
		state:    StateDisconnected,
		messages: make(chan string, opts.Buffer),
		done:     make(chan struct{}),
	}
}

// Establish creates a session and connects it to the first reachable candidate.
func Establish(ctx context.Context, candidates []model.NodeDescriptor, local model.NodeDescriptor, opts Options) (*Session, error) {
	s := NewSession(local, opts)
	if err := s.Establish(ctx, candidates); err != nil {
		return nil, err
	}
	return s, nil
}

// Establish tries candidates in order, skipping those without an address, and
// stops at the first successful connect. After connecting it sends the
// registration message and does not wait for an acknowledgment.
func (s *Session) Establish(ctx context.Context, candidates []model.NodeDescriptor) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("relay session is %s", state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	var errs error
	for _, candidate := range candidates {
		addr, ok := addrutil.DialAddr(candidate)
		if !ok {
			s.log.Debug("skipping relay candidate without address", zap.String("node", candidate.NodeID))
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		if s.State() != StateConnecting {
			return model.ErrNotConnected
		}

		t, err := s.connect(ctx, candidate, addr)
		if err != nil {
			s.log.Warn("relay candidate failed",
				zap.String("node", candidate.NodeID),
				zap.String("addr", candidate.PublicAddress),
				zap.Int("port", candidate.PublicPort.Int()),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s (%s): %w", candidate.NodeID, addr, err))
			continue
		}

		s.mu.Lock()
		if s.state != StateConnecting {
			s.mu.Unlock()
			_ = t.Close()
			return model.ErrNotConnected
		}
		s.state = StateRegistered
		s.remote = candidate
		s.transport = t
		s.reading = true
		s.mu.Unlock()

		s.log.Info("registered with relay", zap.String("node", candidate.NodeID), zap.String("addr", addr))
		go s.readLoop(t)
		return nil
	}

	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateFailed
	}
	s.mu.Unlock()

	if errs == nil {
		return model.ErrAllCandidatesExhausted
	}
	return fmt.Errorf("%w: %w", model.ErrAllCandidatesExhausted, errs)
}

func (s *Session) connect(ctx context.Context, candidate model.NodeDescriptor, addr string) (Transport, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
	defer cancel()

	t, err := s.opts.Dialer.Dial(attemptCtx, addr)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, fmt.Errorf("%w: %v", model.ErrResolution, err)
		}
		return nil, fmt.Errorf("%w: connect: %v", model.ErrNetwork, err)
	}

	payload, err := json.Marshal(model.NewRegister(s.local))
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := t.WriteFrame(payload); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("%w: register: %v", model.ErrNetwork, err)
	}
	return t, nil
}

// Send writes one envelope carrying payload to dst through the relay.
// It is fire-and-forget: there is no acknowledgment or retry.
func (s *Session) Send(dst model.NodeDescriptor, payload string) error {
	data, err := json.Marshal(model.NewEnvelope(s.local, dst, payload))
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state != StateRegistered {
		s.mu.Unlock()
		return model.ErrNotConnected
	}
	t := s.transport
	s.mu.Unlock()

	if err := t.WriteFrame(data); err != nil {
		return fmt.Errorf("%w: send: %v", model.ErrNetwork, err)
	}
	return nil
}

// Messages delivers inbound chunks as text in arrival order. It is closed when
// the session ends.
func (s *Session) Messages() <-chan string {
	return s.messages
}

// Done is closed once the session is closed, locally or by the relay.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the relay connection ended, if it ended remotely.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Remote returns the relay the session is bound to.
func (s *Session) Remote() model.NodeDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Close moves the session to Closed and closes the transport. Further calls
// are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return s.shutdown()
}

func (s *Session) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		t := s.transport
		reading := s.reading
		s.mu.Unlock()

		close(s.done)
		if t != nil {
			err = t.Close()
		}
		if !reading {
			close(s.messages)
		}
	})
	return err
}

func (s *Session) readLoop(t Transport) {
	defer close(s.messages)
	for {
		chunk, err := t.ReadChunk()
		if len(chunk) > 0 {
			select {
			case s.messages <- string(chunk):
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.disconnected(err)
			return
		}
	}
}

func (s *Session) disconnected(err error) {
	s.mu.Lock()
	if s.state != StateRegistered {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.closedErr = err
	remote := s.remote
	s.mu.Unlock()

	s.log.Info("relay disconnected", zap.String("node", remote.NodeID), zap.Error(err))
	_ = s.shutdown()
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(err)
	}
}
