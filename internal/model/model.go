package model

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is used for routing-table entries with a missing or malformed port.
	DefaultPort = 8888
	// ModuleTag fills sourceModule and destinationModule of outbound envelopes.
	ModuleTag = "chat"
	// CommandRegister tags the registration message sent after connecting to a relay.
	CommandRegister = "REGISTER"
)

// NodeDescriptor identifies a peer in the overlay.
type NodeDescriptor struct {
	NodeID        string `json:"nodeID" yaml:"nodeID"`
	PublicAddress string `json:"publicipv4" yaml:"publicipv4"`
	PublicPort    Port   `json:"publicipv4port" yaml:"publicipv4port"`
	IsLocal       bool   `json:"isLocal" yaml:"isLocal"`
}

// Reachable reports whether the descriptor carries an address to dial.
func (n NodeDescriptor) Reachable() bool {
	return strings.TrimSpace(n.PublicAddress) != ""
}

// Port is a 1-65535 port that decodes leniently from numbers or numeric strings.
// Anything else decodes to DefaultPort.
type Port int

// ParsePort parses a textual port, falling back to DefaultPort.
func ParsePort(value string) Port {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return DefaultPort
	}
	return Port(n).OrDefault()
}

// OrDefault returns p, or DefaultPort when p is out of range.
func (p Port) OrDefault() Port {
	if p < 1 || p > 65535 {
		return DefaultPort
	}
	return p
}

// Int returns the effective port number.
func (p Port) Int() int {
	return int(p.OrDefault())
}

func (p *Port) UnmarshalJSON(data []byte) error {
	*p = ParsePort(strings.Trim(string(data), `"`))
	return nil
}

func (p *Port) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		*p = DefaultPort
		return nil
	}
	*p = ParsePort(value.Value)
	return nil
}

// Envelope is the wire unit exchanged through a relay once registered.
// Response is reserved for reply correlation and left empty by senders.
type Envelope struct {
	DestinationNodeHash string         `json:"destinationNodeHash"`
	SourceNode          NodeDescriptor `json:"sourceNode"`
	DestinationNode     NodeDescriptor `json:"destinationNode"`
	SourceModule        string         `json:"sourceModule"`
	DestinationModule   string         `json:"destinationModule"`
	Query               string         `json:"query"`
	LayerID             int            `json:"layerID"`
	Response            string         `json:"response"`
}

// NewEnvelope builds an outbound envelope carrying payload as its query.
func NewEnvelope(src, dst NodeDescriptor, payload string) Envelope {
	return Envelope{
		DestinationNodeHash: dst.NodeID,
		SourceNode:          src,
		DestinationNode:     dst,
		SourceModule:        ModuleTag,
		DestinationModule:   ModuleTag,
		Query:               payload,
		LayerID:             0,
	}
}

// Register is sent once per successful relay connect.
type Register struct {
	Command string         `json:"command"`
	Node    NodeDescriptor `json:"node"`
}

// NewRegister builds the registration message for the local node.
func NewRegister(local NodeDescriptor) Register {
	return Register{Command: CommandRegister, Node: local}
}
