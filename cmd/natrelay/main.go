package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"natrelay/internal/agent"
	"natrelay/internal/config"
	"natrelay/internal/hub"
	"natrelay/internal/logging"
	"natrelay/internal/routing"
	"natrelay/internal/stunutil"
	"natrelay/internal/xordist"
)

const usage = `natrelay - STUN NAT discovery and XOR-closest relay messaging

Usage:
  natrelay discover [--config <path>] [--stun host:port] [--compare a,b] [--local-bind <ip>]
  natrelay rank --config <path> [--routing-table <path>]
  natrelay run --config <path> [--routing-table <path>] [--stun host:port] [--transport tcp|websocket]
  natrelay relay serve [--config <path>] [--listen :8888] [--ws-listen <addr>] [--ws-path /relay]
  natrelay stun serve [--config <path>] [--listen :3478]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "discover":
		handleDiscover(os.Args[2:])
	case "rank":
		handleRank(os.Args[2:])
	case "run":
		handleRun(os.Args[2:])
	case "relay":
		handleRelay(os.Args[2:])
	case "stun":
		handleSTUN(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	server := fs.String("stun", "", "STUN server host:port")
	compare := fs.String("compare", "", "comma-separated STUN servers to compare mappings across")
	localBind := fs.String("local-bind", "", "local interface address for probes")
	timeout := fs.Duration("timeout", 0, "per-probe timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Node == nil {
		cfg.Node = &config.NodeConfig{}
	}
	overrideNode(cfg.Node, "", *server, *localBind, "", *compare)
	if *timeout > 0 {
		cfg.Node.STUNTimeoutSec = int((*timeout + time.Second - 1) / time.Second)
	}
	config.ApplyDefaults(&cfg)

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	host, port, err := stunutil.ParseServer(cfg.Node.STUNServer)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := stunutil.NewClient(cfg.Node.LocalBind, time.Duration(cfg.Node.STUNTimeoutSec)*time.Second, logger)
	cls := stunutil.Classify(ctx, client, host, port)
	if cls.Err != nil {
		logger.Warn("STUN probe failed", zap.String("addr", host), zap.Int("port", port), zap.Error(cls.Err))
	} else {
		fmt.Fprintf(os.Stdout, "public address: %s\n", cls.First)
		fmt.Fprintf(os.Stdout, "second probe:   %s\n", cls.Second)
	}
	fmt.Fprintf(os.Stdout, "nat type: %s\n", cls.NATType)

	if len(cfg.Node.STUNCompareServers) == 0 {
		return
	}
	results, err := stunutil.ProbeServers(ctx, client, cfg.Node.STUNCompareServers)
	if err != nil {
		logger.Warn("STUN comparison failed", zap.Error(err))
		return
	}
	for i, res := range results {
		fmt.Fprintf(os.Stdout, "mapping %d: %s\n", i+1, res)
	}
	fmt.Fprintf(os.Stdout, "nat type across servers: %s\n", stunutil.CompareServers(results))
}

func handleRank(args []string) {
	fs := flag.NewFlagSet("rank", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	tablePath := fs.String("routing-table", "", "path to routing table (JSON or YAML)")
	_ = fs.Parse(args)

	_, table := loadNode(*configPath, func(node *config.NodeConfig) {
		overrideNode(node, *tablePath, "", "", "", "")
	})

	local := table.Local()
	ranked, err := xordist.RankWithDistance(local.NodeID, table.Peers())
	if err != nil {
		fatal(err)
	}
	if len(ranked) == 0 {
		fmt.Fprintln(os.Stdout, "no peers")
		return
	}

	fmt.Fprintf(os.Stdout, "local node %s\n", local.NodeID)
	fmt.Fprintf(os.Stdout, "%-20s  %-22s  %-6s  %s\n", "NODE", "PUBLIC_ADDR", "PORT", "DISTANCE")
	for _, r := range ranked {
		addr := r.Node.PublicAddress
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(os.Stdout, "%-20s  %-22s  %-6d  %x\n", r.Node.NodeID, addr, r.Node.PublicPort.Int(), r.Distance)
	}
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	tablePath := fs.String("routing-table", "", "path to routing table (JSON or YAML)")
	server := fs.String("stun", "", "STUN server host:port")
	transport := fs.String("transport", "", "relay transport: tcp or websocket")
	_ = fs.Parse(args)

	cfg, table := loadNode(*configPath, func(node *config.NodeConfig) {
		overrideNode(node, *tablePath, *server, "", *transport, "")
	})

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	node := agent.New(*cfg.Node, table, logger, os.Stdout)
	fmt.Fprintf(os.Stdout, "node %s ready, type \"<nodeID> <message>\"\n", node.Local().NodeID)
	if err := node.Run(ctx, os.Stdin); err != nil {
		fatal(err)
	}
}

func handleRelay(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "relay subcommand required\n")
		os.Exit(2)
	}

	switch args[0] {
	case "serve":
		relayServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown relay subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func relayServe(args []string) {
	fs := flag.NewFlagSet("relay serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "TCP listen address")
	wsListen := fs.String("ws-listen", "", "WebSocket listen address (disabled when empty)")
	wsPath := fs.String("ws-path", "", "WebSocket endpoint path")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Relay == nil {
		cfg.Relay = &config.RelayConfig{}
	}
	if *listen != "" {
		cfg.Relay.Listen = *listen
	}
	if *wsListen != "" {
		cfg.Relay.WebSocketListen = *wsListen
	}
	if *wsPath != "" {
		cfg.Relay.WebSocketPath = *wsPath
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	srv := hub.NewServer(*cfg.Relay, logger)
	fatal(srv.ListenAndServe(ctx))
}

func handleSTUN(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "stun subcommand required\n")
		os.Exit(2)
	}

	switch args[0] {
	case "serve":
		stunServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown stun subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func stunServe(args []string) {
	fs := flag.NewFlagSet("stun serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "UDP listen address")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.STUN == nil {
		cfg.STUN = &config.STUNConfig{}
	}
	if *listen != "" {
		cfg.STUN.Listen = *listen
	}
	config.ApplyDefaults(&cfg)

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	resp, err := stunutil.StartResponder(cfg.STUN.Listen, logger)
	if err != nil {
		fatal(err)
	}
	defer resp.Close()

	fmt.Fprintf(os.Stdout, "STUN responder listening on %s\n", resp.LocalAddr())
	waitForSignal()
}

// loadNode loads the config and the routing table. Any failure here is fatal.
func loadNode(configPath string, override func(*config.NodeConfig)) (config.Config, *routing.Table) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Node == nil {
		cfg.Node = &config.NodeConfig{}
	}
	override(cfg.Node)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	table, err := routing.Load(cfg.Node.RoutingTable)
	if err != nil {
		fatal(fmt.Errorf("load routing table: %w", err))
	}
	return cfg, table
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideNode(cfg *config.NodeConfig, routingTable, stunServer, localBind, transport, compare string) {
	if routingTable != "" {
		cfg.RoutingTable = routingTable
	}
	if stunServer != "" {
		cfg.STUNServer = stunServer
	}
	if localBind != "" {
		cfg.LocalBind = localBind
	}
	if transport != "" {
		cfg.RelayTransport = transport
	}
	if compare != "" {
		cfg.STUNCompareServers = splitList(compare)
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fatal(err)
	}
	return logger
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
