package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_Node(t *testing.T) {
	t.Parallel()

	cfg := Config{Node: &NodeConfig{RoutingTable: "nodes.json"}}
	ApplyDefaults(&cfg)

	assert.Equal(t, DefaultSTUNServer, cfg.Node.STUNServer)
	assert.Equal(t, DefaultSTUNTimeoutSec, cfg.Node.STUNTimeoutSec)
	assert.Equal(t, DefaultLocalBind, cfg.Node.LocalBind)
	assert.Equal(t, DefaultRelayTimeoutSec, cfg.Node.RelayTimeoutSec)
	assert.Equal(t, TransportTCP, cfg.Node.RelayTransport)
	assert.Equal(t, DefaultRelayPath, cfg.Node.RelayPath)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
}

func TestApplyDefaults_RelayAndSTUN(t *testing.T) {
	t.Parallel()

	cfg := Config{Relay: &RelayConfig{}, STUN: &STUNConfig{}}
	ApplyDefaults(&cfg)
	assert.Equal(t, DefaultRelayListen, cfg.Relay.Listen)
	assert.Equal(t, DefaultRelayPath, cfg.Relay.WebSocketPath)
	assert.Equal(t, DefaultSTUNListen, cfg.STUN.Listen)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.Error(t, Validate(Config{}))

	cfg := Config{Node: &NodeConfig{}}
	ApplyDefaults(&cfg)
	assert.Error(t, Validate(cfg), "routing table required")

	cfg.Node.RoutingTable = "nodes.json"
	assert.NoError(t, Validate(cfg))

	cfg.Node.RelayTransport = "carrier-pigeon"
	assert.Error(t, Validate(cfg))
}

func TestSave_Writes0600AndLoads(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "node.yaml")
	cfg := Config{Node: &NodeConfig{RoutingTable: "nodes.json", RelayTransport: TransportWebSocket}}
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.Node)
	assert.Equal(t, "nodes.json", loaded.Node.RoutingTable)
	assert.Equal(t, TransportWebSocket, loaded.Node.RelayTransport)
	assert.Nil(t, loaded.Relay)
}
