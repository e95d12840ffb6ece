// Package routing loads the static routing table of known overlay nodes.
package routing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"natrelay/internal/model"
	"natrelay/internal/xordist"
)

// Table is the set of known nodes; exactly one entry is the local node.
// It is immutable once loaded.
type Table struct {
	nodes []model.NodeDescriptor
	local int
}

// Load reads a routing table file. JSON and YAML are both accepted.
// Every failure is reported as model.ErrMalformedInput.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: routing table: %v", model.ErrMalformedInput, err)
	}
	return Parse(data)
}

// Parse decodes a routing table: either a top-level list of nodes or a
// mapping with a "nodes" list.
func Parse(data []byte) (*Table, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: routing table: %v", model.ErrMalformedInput, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: routing table is empty", model.ErrMalformedInput)
	}

	list := root.Content[0]
	if list.Kind == yaml.MappingNode {
		list = mappingValue(list, "nodes")
	}
	if list == nil || list.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: routing table must be a list of nodes", model.ErrMalformedInput)
	}

	var nodes []model.NodeDescriptor
	if err := list.Decode(&nodes); err != nil {
		return nil, fmt.Errorf("%w: routing table: %v", model.ErrMalformedInput, err)
	}
	return New(nodes)
}

// New validates nodes and builds a table from them.
func New(nodes []model.NodeDescriptor) (*Table, error) {
	t := &Table{nodes: make([]model.NodeDescriptor, len(nodes)), local: -1}
	for i, n := range nodes {
		if _, err := xordist.ParseID(n.NodeID); err != nil {
			return nil, fmt.Errorf("routing table entry %d: %w", i, err)
		}
		n.NodeID = strings.TrimSpace(n.NodeID)
		n.PublicAddress = strings.TrimSpace(n.PublicAddress)
		n.PublicPort = n.PublicPort.OrDefault()
		if n.IsLocal {
			if t.local >= 0 {
				return nil, fmt.Errorf("%w: more than one local node (%s, %s)", model.ErrMalformedInput, t.nodes[t.local].NodeID, n.NodeID)
			}
			t.local = i
		}
		t.nodes[i] = n
	}
	if t.local < 0 {
		return nil, fmt.Errorf("%w: no entry is marked isLocal", model.ErrMalformedInput)
	}
	return t, nil
}

// Local returns the descriptor of the running node.
func (t *Table) Local() model.NodeDescriptor {
	return t.nodes[t.local]
}

// Nodes returns all entries, local included, in file order.
func (t *Table) Nodes() []model.NodeDescriptor {
	return append([]model.NodeDescriptor(nil), t.nodes...)
}

// Peers returns every entry except the local node, in file order.
func (t *Table) Peers() []model.NodeDescriptor {
	peers := make([]model.NodeDescriptor, 0, len(t.nodes)-1)
	for i, n := range t.nodes {
		if i != t.local {
			peers = append(peers, n)
		}
	}
	return peers
}

// Lookup finds a node by identifier. Hex case and a "0x" prefix are ignored.
func (t *Table) Lookup(nodeID string) (model.NodeDescriptor, bool) {
	want, err := xordist.ParseID(nodeID)
	if err != nil {
		return model.NodeDescriptor{}, false
	}
	for _, n := range t.nodes {
		id, err := xordist.ParseID(n.NodeID)
		if err == nil && id.Cmp(want) == 0 {
			return n, true
		}
	}
	return model.NodeDescriptor{}, false
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
