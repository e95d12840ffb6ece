package agent

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"natrelay/internal/config"
	"natrelay/internal/hub"
	"natrelay/internal/model"
	"natrelay/internal/relay"
	"natrelay/internal/routing"
	"natrelay/internal/stunutil"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startHub(t *testing.T) (*hub.Server, model.NodeDescriptor) {
	t.Helper()

	s := hub.NewServer(config.RelayConfig{}, zap.NewNop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	port := ln.Addr().(*net.TCPAddr).Port
	return s, model.NodeDescriptor{NodeID: "ff", PublicAddress: "127.0.0.1", PublicPort: model.Port(port)}
}

func startSTUN(t *testing.T) string {
	t.Helper()

	r, err := stunutil.StartResponder("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r.LocalAddr()
}

func nodeConfig(stunServer string) config.NodeConfig {
	return config.NodeConfig{
		STUNServer:      stunServer,
		STUNTimeoutSec:  2,
		LocalBind:       "127.0.0.1",
		RelayTimeoutSec: 2,
		RelayTransport:  config.TransportTCP,
	}
}

func connectPeer(t *testing.T, s *hub.Server, hubNode model.NodeDescriptor, id string) (*relay.Session, model.NodeDescriptor) {
	t.Helper()

	self := model.NodeDescriptor{NodeID: id, PublicAddress: "192.0.2.2", PublicPort: 8888, IsLocal: true}
	sess, err := relay.Establish(context.Background(), []model.NodeDescriptor{hubNode}, self,
		relay.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	require.Eventually(t, func() bool { return s.Registered(id) }, 2*time.Second, 10*time.Millisecond)
	return sess, self
}

func TestNode_CandidatesExcludeLocal(t *testing.T) {
	t.Parallel()

	table, err := routing.New([]model.NodeDescriptor{
		{NodeID: "ff", PublicAddress: "192.0.2.10"},
		{NodeID: "08", PublicAddress: "192.0.2.11", IsLocal: true},
		{NodeID: "0c", PublicAddress: "192.0.2.12"},
		{NodeID: "09", PublicAddress: "192.0.2.13"},
	})
	require.NoError(t, err)

	n := New(nodeConfig("127.0.0.1:1"), table, zap.NewNop(), io.Discard)
	got, err := n.Candidates()
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.NodeID
	}
	assert.Equal(t, []string{"09", "0c", "ff"}, ids)
}

func TestNode_DiscoverNATInvalidServer(t *testing.T) {
	t.Parallel()

	table, err := routing.New([]model.NodeDescriptor{{NodeID: "01", IsLocal: true}})
	require.NoError(t, err)

	n := New(nodeConfig("no-port"), table, zap.NewNop(), io.Discard)
	cls := n.DiscoverNAT(context.Background())
	assert.Equal(t, stunutil.NATTypeUnknown, cls.NATType)
	assert.Error(t, cls.Err)
}

func TestRun_SendsThroughRelay(t *testing.T) {
	t.Parallel()

	s, hubNode := startHub(t)
	peer, _ := connectPeer(t, s, hubNode, "0b")

	// 0b is closer than the hub but has no public address, so it is skipped.
	table, err := routing.New([]model.NodeDescriptor{
		{NodeID: "0a", PublicAddress: "192.0.2.1", IsLocal: true},
		{NodeID: "0b"},
		hubNode,
	})
	require.NoError(t, err)

	out := &syncBuffer{}
	n := New(nodeConfig(startSTUN(t)), table, zap.NewNop(), out)

	in := strings.NewReader("0b hello there\n\nzz nope\n")
	require.NoError(t, n.Run(context.Background(), in))

	select {
	case msg, ok := <-peer.Messages():
		require.True(t, ok)
		assert.Contains(t, msg, `"query":"hello there"`)
		assert.Contains(t, msg, `"nodeID":"0a"`)
	case <-time.After(2 * time.Second):
		t.Fatal("peer received nothing")
	}

	text := out.String()
	assert.Contains(t, text, "public address: 127.0.0.1:")
	assert.NotContains(t, text, "nat type: "+stunutil.NATTypeUnknown)
	assert.Contains(t, text, "relay: ff (127.0.0.1:")
	assert.Contains(t, text, "unknown node zz")
}

func TestRun_PrintsInboundMessages(t *testing.T) {
	t.Parallel()

	s, hubNode := startHub(t)
	peer, _ := connectPeer(t, s, hubNode, "0b")

	local := model.NodeDescriptor{NodeID: "0a", PublicAddress: "192.0.2.1", IsLocal: true}
	table, err := routing.New([]model.NodeDescriptor{local, hubNode})
	require.NoError(t, err)

	out := &syncBuffer{}
	n := New(nodeConfig("no-port"), table, zap.NewNop(), out)

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background(), pr) }()

	require.Eventually(t, func() bool { return s.Registered("0a") }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, peer.Send(local, "ping"))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `<< {`) && strings.Contains(out.String(), `"query":"ping"`)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after input closed")
	}
}

func TestRun_DegradedWithoutRelay(t *testing.T) {
	t.Parallel()

	table, err := routing.New([]model.NodeDescriptor{
		{NodeID: "0a", PublicAddress: "192.0.2.1", IsLocal: true},
		{NodeID: "0b"},
	})
	require.NoError(t, err)

	out := &syncBuffer{}
	n := New(nodeConfig("no-port"), table, zap.NewNop(), out)
	require.NoError(t, n.Run(context.Background(), strings.NewReader("0b anyone?\n")))

	text := out.String()
	assert.Contains(t, text, "nat type: "+stunutil.NATTypeUnknown)
	assert.Contains(t, text, "relay: not connected")
	assert.Contains(t, text, "send to 0b failed: "+model.ErrNotConnected.Error())
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	table, err := routing.New([]model.NodeDescriptor{{NodeID: "0a", IsLocal: true}})
	require.NoError(t, err)

	n := New(nodeConfig("no-port"), table, zap.NewNop(), io.Discard)

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, pr) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
