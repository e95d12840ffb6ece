package model

import "errors"

var (
	// ErrResolution means a STUN server or relay host could not be resolved.
	ErrResolution = errors.New("resolution failed")
	// ErrNetwork covers connect, send and receive failures including timeouts.
	ErrNetwork = errors.New("network error")
	// ErrMalformedInput means the routing table is structurally invalid.
	ErrMalformedInput = errors.New("malformed input")
	// ErrNotConnected is returned by operations that require a registered relay session.
	ErrNotConnected = errors.New("not connected")
	// ErrAllCandidatesExhausted means no relay candidate accepted a connection.
	ErrAllCandidatesExhausted = errors.New("all relay candidates exhausted")
)
