package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"ghostnet/internal/config"
	"ghostnet/internal/daemon"
	"ghostnet/internal/debuglog"
	"ghostnet/internal/metrics"
	"ghostnet/internal/node"
	"ghostnet/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: ghost-node <run|id|status|peers|events> [args]")
	fmt.Fprintln(w, "  run    [--listen <ip:port>] [--peer <addr>]... [--name <name>] [--primary <id>] [--debug]")
	fmt.Fprintln(w, "  id")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  peers")
	fmt.Fprintln(w, "  events [--n 20]")
	fmt.Fprintln(w, "settings are read from GHOST_* environment variables; flags override them")
}

func homeDir() string {
	if h := os.Getenv("GHOST_HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".ghostnet")
}

type peerList []string

func (p *peerList) String() string { return strings.Join(*p, ",") }

func (p *peerList) Set(v string) error {
	if v == "" {
		return errors.New("empty peer address")
	}
	*p = append(*p, v)
	return nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadNode()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	repl, err := config.LoadReplication()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listen := fs.String("listen", cfg.Listen, "listen addr (host:port)")
	name := fs.String("name", cfg.Name, "node name")
	primary := fs.Uint64("primary", cfg.PrimaryID, "global id of the clock authority (0 = lowest id)")
	debug := fs.Bool("debug", false, "enable debug logging")
	var peers peerList
	fs.Var(&peers, "peer", "bootstrap peer address (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("GHOST_DEBUG", "1")
	}
	cfg.Listen = *listen
	cfg.Name = *name
	cfg.PrimaryID = *primary
	if len(peers) > 0 {
		cfg.Peers = peers
	}
	if cfg.Home == "" {
		cfg.Home = homeDir()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	debuglog.SetOutput(stderr)
	runner, err := daemon.NewRunner(cfg, repl, daemon.Options{Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	go func() {
		addr, ok := <-ready
		if ok {
			fmt.Fprintf(stdout, "READY addr=%s id=%d name=%s\n", addr, runner.Self.GlobalID, runner.Self.Name)
		}
	}()
	if err := runner.RunWithContext(ctx, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	self, err := node.NewNode(homeDir(), node.Options{Name: os.Getenv("GHOST_NAME")})
	if err != nil {
		fmt.Fprintf(stderr, "id: node unavailable: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "name=%s id=%d\n", self.Name, self.GlobalID)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, err := metrics.ReadSnapshot(snapshotPath())
	if err != nil {
		fmt.Fprintf(stderr, "status: no metrics snapshot: %v\n", err)
		return 1
	}
	established := 0
	relayed := 0
	for _, p := range snap.Peers {
		if p.State == "established" {
			established++
		}
		if p.Relay {
			relayed++
		}
	}
	fmt.Fprintln(stdout, "Local replication summary:")
	fmt.Fprintf(stdout, "  network time: %.3f\n", snap.NetworkTime)
	fmt.Fprintf(stdout, "  peers: %d (established=%d relayed=%d)\n", len(snap.Peers), established, relayed)
	fmt.Fprintf(stdout, "  connections: %d streams: %d\n", snap.CurrentConns, snap.CurrentStreams)
	fmt.Fprintf(stdout, "  state: sent=%d delta=%d received=%d inserted=%d\n",
		snap.State.Sent, snap.State.DeltaSent, snap.State.Received, snap.State.Inserted)
	fmt.Fprintf(stdout, "  state dropped: stale=%d delta=%d unpack=%d\n",
		snap.State.DropStale, snap.State.DropDelta, snap.State.DropUnpack)
	fmt.Fprintf(stdout, "  events: sent=%d received=%d retained=%d dropped=%d\n",
		snap.Event.Sent, snap.Event.Received, snap.Event.Retained, snap.Event.DropUnsent+snap.Event.DropDecode)
	fmt.Fprintf(stdout, "  relay: toggles=%d relayed=%d forwarded=%d masqueraded=%d\n",
		snap.Route.RelayToggles, snap.Route.Relayed, snap.Route.Forwarded, snap.Route.Masqueraded)
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, err := metrics.ReadSnapshot(snapshotPath())
	if err != nil {
		fmt.Fprintf(stderr, "peers: no metrics snapshot: %v\n", err)
		return 1
	}
	peers := append([]metrics.PeerGauge(nil), snap.Peers...)
	sort.Slice(peers, func(i, j int) bool { return peers[i].GlobalID < peers[j].GlobalID })
	if len(peers) == 0 {
		fmt.Fprintln(stdout, "no peers")
		return 0
	}
	for _, p := range peers {
		route := "direct"
		if p.Relay {
			route = "relay"
		}
		fmt.Fprintf(stdout, "%-20d %-16s %-12s %-6s rtt=%.1fms errors=%d outbox=%d\n",
			p.GlobalID, p.Name, p.State, route, p.LatencyMillis, p.Errors, p.Outbox)
	}
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.Int("n", 20, "number of events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, err := store.New(homeDir())
	if err != nil {
		fmt.Fprintf(stderr, "events: %v\n", err)
		return 1
	}
	events, err := st.ConnEvents(*n)
	if err != nil {
		fmt.Fprintf(stderr, "events: %v\n", err)
		return 1
	}
	for _, ev := range events {
		fmt.Fprintf(stdout, "%s %-12s %s id=%d\n", ev.At.Format("2006-01-02T15:04:05Z07:00"), ev.Kind, ev.Peer, ev.GlobalID)
	}
	return 0
}

func snapshotPath() string {
	if p := os.Getenv("GHOST_METRICS_PATH"); p != "" {
		return p
	}
	return filepath.Join(homeDir(), "metrics.json")
}
