// Package node wires [MODULE A] through [MODULE E] together into one
// running server process and implements transport.ConsensusHandler by
// delegating the four peer RPCs straight to raftcore.Core and answering
// PUT/GET itself, matching the teacher's server.Server role as the single
// type every other layer is built around.
package node

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"logkv/internal/kv"
	"logkv/internal/metrics"
	"logkv/internal/raftcore"
	"logkv/internal/rpc"
	"logkv/internal/snapshot"
	"logkv/internal/transport"
	"logkv/internal/wal"
)

// Config bundles everything needed to construct a Node, one per process.
type Config struct {
	ID        raftcore.ServerID
	Port      int
	Peers     []raftcore.ServerID
	PeerAddrs map[raftcore.ServerID]string
	DataDir   string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	SnapshotEvery      uint64
}

// Node owns the wiring between the WAL, snapshot manager, state machine,
// consensus core, and network dispatcher for one server process.
type Node struct {
	core    *raftcore.Core
	kv      *kv.Store
	metrics *metrics.Prometheus
	id      raftcore.ServerID

	dispatcher *transport.Dispatcher
}

// New constructs every layer and wires it up, but does not start serving
// or running the consensus core's background jobs — call Serve for that.
func New(cfg Config) (*Node, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}

	walPath := filepath.Join(dataDir, fmt.Sprintf("wal_%d.log", cfg.Port))
	w, err := wal.Open(walPath)
	if err != nil {
		return nil, fmt.Errorf("node: open wal: %w", err)
	}

	snap := snapshot.NewManager(dataDir, fmt.Sprintf("%d", cfg.Port), 3)
	store := kv.NewStore(string(cfg.ID))
	client := transport.NewClient()

	promMetrics, err := metrics.NewPrometheus(string(cfg.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("node: construct metrics: %w", err)
	}

	core, err := raftcore.NewCore(raftcore.Config{
		ID:                 cfg.ID,
		Peers:              cfg.Peers,
		PeerAddrs:          cfg.PeerAddrs,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		SnapshotEvery:      cfg.SnapshotEvery,
	}, w, snap, store, client, promMetrics)
	if err != nil {
		return nil, fmt.Errorf("node: construct core: %w", err)
	}

	n := &Node{core: core, kv: store, metrics: promMetrics, id: cfg.ID}

	dispatcher, err := transport.Listen(fmt.Sprintf(":%d", cfg.Port), n)
	if err != nil {
		return nil, fmt.Errorf("node: listen on port %d: %w", cfg.Port, err)
	}
	n.dispatcher = dispatcher

	return n, nil
}

// Addr returns the dispatcher's bound network address.
func (n *Node) Addr() string { return n.dispatcher.Addr().String() }

// Serve runs the consensus core's background jobs and the network
// dispatcher's accept loop. It blocks until the dispatcher's listener is
// closed by Shutdown.
func (n *Node) Serve() error {
	go n.core.Run()
	log.Printf("[NODE-%s] serving on %s", n.id, n.Addr())
	return n.dispatcher.Serve()
}

// Shutdown closes the listener and then stops the consensus core's
// background jobs, in that order so no new request can be accepted once the
// core beneath it has torn down.
func (n *Node) Shutdown() {
	_ = n.dispatcher.Close()
	n.core.Shutdown()
}

// HandleRequestVote, HandleAppendEntries, HandleHeartbeat, and
// HandleInstallSnapshot satisfy transport.ConsensusHandler by delegating
// straight through to the consensus core; Node adds no logic of its own
// to the peer-to-peer RPCs, only to the client-facing PUT/GET verbs below.

func (n *Node) HandleRequestVote(args rpc.RequestVoteArgs) rpc.RequestVoteReply {
	return n.core.HandleRequestVote(args)
}

func (n *Node) HandleAppendEntries(args rpc.AppendEntriesArgs) rpc.AppendEntriesReply {
	return n.core.HandleAppendEntries(args)
}

func (n *Node) HandleHeartbeat(args rpc.HeartbeatArgs) rpc.HeartbeatReply {
	return n.core.HandleHeartbeat(args)
}

func (n *Node) HandleInstallSnapshot(args rpc.InstallSnapshotArgs) rpc.InstallSnapshotReply {
	return n.core.HandleInstallSnapshot(args)
}

// HandlePut proposes the entry through the consensus core (the dispatcher
// has already validated key and value), translating its outcome into the PutStatus the dispatcher writes back
// onto the wire, per spec.md §6/§7's client contract: only a leader may
// accept a write, and OK is withheld until the write is committed.
func (n *Node) HandlePut(ctx context.Context, key, value string) rpc.PutStatus {
	err := n.core.Propose(ctx, key, value)
	switch {
	case err == nil:
		return rpc.PutOK
	case err == raftcore.ErrNotLeader:
		return rpc.PutNotLeader
	default:
		log.Printf("[NODE-%s] PUT %s failed: %v", n.id, key, err)
		return rpc.PutError
	}
}

// HandleGet reads directly from the local state machine regardless of
// role, the deliberate weak-read contract spec.md §9 documents: a
// follower may answer with state that is slightly stale relative to the
// leader, but never with state from an entry that was not actually
// committed somewhere in the cluster.
func (n *Node) HandleGet(key string) (string, bool) {
	return n.kv.Get(key)
}
