package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logkv/internal/node"
	"logkv/internal/raftcore"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port          = flag.Int("port", 0, "TCP port to listen on (required)")
		id            = flag.Int("id", -1, "this server's unique integer id within the cluster (required)")
		role          = flag.String("role", "follower", "advisory starting role (leader|follower); logged only, never overrides the elected role")
		peersFlag     = flag.String("peers", "", "comma-separated list of id=host:port for every other cluster member")
		dataDir       = flag.String("data", ".", "directory for WAL and snapshot files")
		metricsAddr   = flag.String("metrics-addr", "", "address to serve /metrics on (empty disables Prometheus export)")
		snapshotEvery = flag.Uint64("snapshot-every", 100, "number of applied entries between automatic snapshots")
	)
	flag.Parse()

	if *port == 0 {
		log.Println("logkv: -port is required")
		return 2
	}
	if *id < 0 {
		log.Println("logkv: -id is required")
		return 2
	}
	if *role != "leader" && *role != "follower" {
		log.Printf("logkv: -role must be leader or follower, got %q", *role)
		return 2
	}

	peers, addrs, err := parsePeers(*peersFlag)
	if err != nil {
		log.Printf("logkv: invalid -peers: %v", err)
		return 2
	}

	n, err := node.New(node.Config{
		ID:            raftcore.ServerID(strconv.Itoa(*id)),
		Port:          *port,
		Peers:         peers,
		PeerAddrs:     addrs,
		DataDir:       *dataDir,
		SnapshotEvery: *snapshotEvery,
	})
	if err != nil {
		log.Printf("logkv: %v", err)
		return 1
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	log.Printf("logkv: node %d starting on port %d, advisory role %q, peers %v", *id, *port, *role, peers)

	serveErr := make(chan error, 1)
	go func() { serveErr <- n.Serve() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Println("logkv: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Printf("logkv: serve error: %v", err)
		}
	}

	shutdownDone := make(chan struct{})
	go func() {
		n.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		log.Println("logkv: shut down cleanly")
	case <-time.After(5 * time.Second):
		log.Println("logkv: shutdown timed out, exiting anyway")
	}

	return 0
}

// parsePeers turns "2=host:9002,3=host:9003" into a peer id list and an
// id-to-address map, the CLI-facing counterpart of raftcore.Config's
// Peers/PeerAddrs fields.
func parsePeers(raw string) ([]raftcore.ServerID, map[raftcore.ServerID]string, error) {
	if raw == "" {
		return nil, map[raftcore.ServerID]string{}, nil
	}

	var peers []raftcore.ServerID
	addrs := make(map[raftcore.ServerID]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("peer entry %q must be id=host:port", entry)
		}
		id := raftcore.ServerID(parts[0])
		peers = append(peers, id)
		addrs[id] = parts[1]
	}
	return peers, addrs, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("logkv: serving /metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("logkv: metrics server stopped: %v", err)
	}
}
