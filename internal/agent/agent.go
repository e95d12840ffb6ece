// Package agent runs a node: it reports the NAT type, registers with the
// closest reachable relay and relays lines typed by the user.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"natrelay/internal/config"
	"natrelay/internal/model"
	"natrelay/internal/relay"
	"natrelay/internal/routing"
	"natrelay/internal/stunutil"
	"natrelay/internal/xordist"
)

// Node holds the identity and collaborators of the running node. It is built
// once at startup and passed to whatever needs it.
type Node struct {
	cfg    config.NodeConfig
	table  *routing.Table
	log    *zap.Logger
	prober stunutil.Prober
	dialer relay.Dialer

	outMu sync.Mutex
	out   io.Writer
}

// New builds a node from its config and routing table. User-facing output
// goes to out.
func New(cfg config.NodeConfig, table *routing.Table, logger *zap.Logger, out io.Writer) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	var dialer relay.Dialer = relay.TCPDialer{}
	if cfg.RelayTransport == config.TransportWebSocket {
		dialer = relay.WebSocketDialer{Path: cfg.RelayPath}
	}
	return &Node{
		cfg:    cfg,
		table:  table,
		log:    logger,
		prober: stunutil.NewClient(cfg.LocalBind, seconds(cfg.STUNTimeoutSec), logger),
		dialer: dialer,
		out:    out,
	}
}

// Local returns the descriptor of this node.
func (n *Node) Local() model.NodeDescriptor {
	return n.table.Local()
}

// DiscoverNAT probes the configured STUN server twice and classifies the NAT.
// Failures degrade to Unknown and are logged, never returned.
func (n *Node) DiscoverNAT(ctx context.Context) stunutil.Classification {
	host, port, err := stunutil.ParseServer(n.cfg.STUNServer)
	if err != nil {
		n.log.Warn("invalid STUN server", zap.String("server", n.cfg.STUNServer), zap.Error(err))
		return stunutil.Classification{NATType: stunutil.NATTypeUnknown, Err: err}
	}

	cls := stunutil.Classify(ctx, n.prober, host, port)
	if cls.Err != nil {
		n.log.Warn("STUN probe failed",
			zap.String("addr", host),
			zap.Int("port", port),
			zap.Error(cls.Err))
	}

	if len(n.cfg.STUNCompareServers) > 0 {
		results, err := stunutil.ProbeServers(ctx, n.prober, n.cfg.STUNCompareServers)
		if err != nil {
			n.log.Warn("STUN comparison failed", zap.Strings("servers", n.cfg.STUNCompareServers), zap.Error(err))
		} else {
			n.log.Info("STUN comparison across servers",
				zap.Int("results", len(results)),
				zap.String("nat", stunutil.CompareServers(results)))
		}
	}
	return cls
}

// Candidates returns the other nodes ordered by XOR distance to this node.
func (n *Node) Candidates() ([]model.NodeDescriptor, error) {
	return xordist.Rank(n.Local().NodeID, n.table.Peers())
}

// Connect registers with the closest reachable relay. The returned session is
// never nil; when every candidate failed it stays unconnected and the error
// says why.
func (n *Node) Connect(ctx context.Context) (*relay.Session, error) {
	sess := relay.NewSession(n.Local(), relay.Options{
		Dialer:         n.dialer,
		AttemptTimeout: seconds(n.cfg.RelayTimeoutSec),
		Logger:         n.log,
		OnDisconnect: func(err error) {
			n.printf("relay disconnected: %v\n", err)
		},
	})

	candidates, err := n.Candidates()
	if err != nil {
		return sess, err
	}
	if err := sess.Establish(ctx, candidates); err != nil {
		return sess, err
	}
	return sess, nil
}

// Run reports the NAT type, connects to a relay and then sends every input
// line "<nodeID> <text>" through it while printing inbound messages. It
// returns when in is exhausted or ctx is cancelled.
func (n *Node) Run(ctx context.Context, in io.Reader) error {
	cls := n.DiscoverNAT(ctx)
	if cls.Err == nil {
		n.printf("public address: %s\n", cls.First)
	}
	n.printf("nat type: %s\n", cls.NATType)

	sess, err := n.Connect(ctx)
	if err != nil {
		n.log.Warn("no relay available, messages will not be delivered", zap.Error(err))
		n.printf("relay: not connected\n")
	} else {
		remote := sess.Remote()
		n.printf("relay: %s (%s:%d)\n", remote.NodeID, remote.PublicAddress, remote.PublicPort.Int())
	}

	lines := make(chan string)
	go scanLines(in, lines)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for msg := range sess.Messages() {
			n.printf("<< %s\n", msg)
		}
		return nil
	})
	g.Go(func() error {
		defer sess.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				n.handleLine(sess, line)
			}
		}
	})
	return g.Wait()
}

func (n *Node) handleLine(sess *relay.Session, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	dest, text, _ := strings.Cut(line, " ")
	dst, ok := n.table.Lookup(dest)
	if !ok {
		n.printf("unknown node %s\n", dest)
		return
	}
	if err := sess.Send(dst, strings.TrimSpace(text)); err != nil {
		n.log.Warn("send failed", zap.String("node", dst.NodeID), zap.Error(err))
		n.printf("send to %s failed: %v\n", dst.NodeID, err)
	}
}

func (n *Node) printf(format string, args ...any) {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	fmt.Fprintf(n.out, format, args...)
}

func scanLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
