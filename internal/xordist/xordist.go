// Package xordist ranks overlay nodes by XOR distance between hex identifiers.
//
// Identifiers are parsed as unbounded unsigned integers, so the distance is
// never truncated to a machine word.
package xordist

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"natrelay/internal/model"
)

// ParseID parses a hex node identifier. A leading "0x" is accepted.
func ParseID(id string) (*big.Int, error) {
	s := strings.TrimSpace(id)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("%w: empty node id", model.ErrMalformedInput)
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: node id %q is not hex", model.ErrMalformedInput, id)
	}
	return v, nil
}

// Distance returns a XOR b for two hex identifiers.
func Distance(a, b string) (*big.Int, error) {
	x, err := ParseID(a)
	if err != nil {
		return nil, err
	}
	y, err := ParseID(b)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Xor(x, y), nil
}

// Ranked is a node together with its distance to the reference identifier.
type Ranked struct {
	Node     model.NodeDescriptor
	Distance *big.Int
}

// RankWithDistance sorts candidates by ascending distance to reference.
// The sort is stable; a candidate equal to reference is first.
func RankWithDistance(reference string, candidates []model.NodeDescriptor) ([]Ranked, error) {
	ref, err := ParseID(reference)
	if err != nil {
		return nil, err
	}

	ranked := make([]Ranked, 0, len(candidates))
	for _, node := range candidates {
		id, err := ParseID(node.NodeID)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, Ranked{Node: node, Distance: new(big.Int).Xor(ref, id)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Distance.Cmp(ranked[j].Distance) < 0
	})
	return ranked, nil
}

// Rank returns candidates ordered by ascending XOR distance to reference.
func Rank(reference string, candidates []model.NodeDescriptor) ([]model.NodeDescriptor, error) {
	ranked, err := RankWithDistance(reference, candidates)
	if err != nil {
		return nil, err
	}
	out := make([]model.NodeDescriptor, len(ranked))
	for i, r := range ranked {
		out[i] = r.Node
	}
	return out, nil
}
