package routing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"natrelay/internal/model"
)

const jsonTable = `[
  {"nodeID": "a1", "publicipv4": "198.51.100.1", "publicipv4port": 9000, "isLocal": true},
  {"nodeID": "b2", "publicipv4": "198.51.100.2", "publicipv4port": "9001", "isLocal": false},
  {"nodeID": "c3", "publicipv4": "", "isLocal": false},
  {"nodeID": "D4", "publicipv4": " 198.51.100.4 ", "publicipv4port": "n/a"}
]`

func TestParse_JSONList(t *testing.T) {
	t.Parallel()

	table, err := Parse([]byte(jsonTable))
	require.NoError(t, err)

	assert.Equal(t, "a1", table.Local().NodeID)
	assert.Equal(t, model.Port(9000), table.Local().PublicPort)
	assert.Len(t, table.Nodes(), 4)

	peers := table.Peers()
	require.Len(t, peers, 3)
	assert.Equal(t, model.Port(9001), peers[0].PublicPort)
	assert.Equal(t, model.Port(model.DefaultPort), peers[1].PublicPort)
	assert.False(t, peers[1].Reachable())
	assert.Equal(t, "198.51.100.4", peers[2].PublicAddress)
	assert.Equal(t, model.Port(model.DefaultPort), peers[2].PublicPort)
}

func TestParse_YAMLMapping(t *testing.T) {
	t.Parallel()

	table, err := Parse([]byte(`
nodes:
  - nodeID: "0a"
    publicipv4: 203.0.113.1
    isLocal: true
  - nodeID: "0b"
    publicipv4: 203.0.113.2
    publicipv4port: 7000
`))
	require.NoError(t, err)
	assert.Equal(t, "0a", table.Local().NodeID)
	assert.Len(t, table.Peers(), 1)
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":          ``,
		"scalar":         `"nodes"`,
		"no nodes key":   `{"peers": []}`,
		"bad yaml":       `[{"nodeID": "a1"`,
		"missing id":     `[{"publicipv4": "1.2.3.4", "isLocal": true}]`,
		"non hex id":     `[{"nodeID": "zz", "isLocal": true}]`,
		"no local":       `[{"nodeID": "a1"}]`,
		"two locals":     `[{"nodeID": "a1", "isLocal": true}, {"nodeID": "b2", "isLocal": true}]`,
		"wrong isLocal":  `[{"nodeID": "a1", "isLocal": [1]}]`,
		"list of string": `["a1", "b2"]`,
	}
	for name, in := range cases {
		_, err := Parse([]byte(in))
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, model.ErrMalformedInput), "%s: %v", name, err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nodes.json"))
	assert.ErrorIs(t, err, model.ErrMalformedInput)
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nodes.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonTable), 0o600))
	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a1", table.Local().NodeID)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	table, err := Parse([]byte(jsonTable))
	require.NoError(t, err)

	n, ok := table.Lookup("0xd4")
	require.True(t, ok)
	assert.Equal(t, "D4", n.NodeID)

	_, ok = table.Lookup("ee")
	assert.False(t, ok)
	_, ok = table.Lookup("not-hex")
	assert.False(t, ok)
}
