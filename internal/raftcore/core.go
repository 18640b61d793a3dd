package raftcore

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"logkv/internal/kv"
	"logkv/internal/pubsub"
	"logkv/internal/snapshot"
	"logkv/internal/wal"
)

// Config bundles the knobs a Core is constructed with. Timeouts follow the
// ranges spec.md §4.D/§5 recommend.
type Config struct {
	ID                 ServerID
	Peers              []ServerID
	PeerAddrs          map[ServerID]string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	SnapshotEvery      uint64
}

func (c Config) withDefaults() Config {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = 100
	}
	return c
}

// Core is the consensus engine for one node. All fields below mu are
// guarded by it, matching spec.md §5's "single reentrant-free mutex
// covering: role, current_term, voted_for, commit_index, applied_index,
// per-peer next_index/match_index." The lock ordering consensus → WAL →
// snapshot (never reverse) is maintained by never calling back into Core
// from within wal/snapshot code.
type Core struct {
	mu sync.Mutex

	id    ServerID
	peers []ServerID
	addrs map[ServerID]string

	currentTerm  uint64
	votedFor     *ServerID
	commitIndex  uint64
	appliedIndex uint64
	role         roleVariant

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration
	snapshotEvery      uint64

	wal       *wal.WAL
	snap      *snapshot.Manager
	kv        *kv.Store
	transport PeerTransport
	metrics   MetricsCollector

	pubSub *pubsub.PubSubClient

	// electionTimer fires when a follower/candidate has heard nothing for
	// too long; heartbeatTicker fires on a leader's replication cadence.
	// Exactly one of these is armed at a time per spec.md §5.
	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	// pendingCommits lets Propose block the calling goroutine until its
	// entry's index is committed, implementing the deferred-OK-until-
	// commit REDESIGN FLAG (spec.md §9) without polling.
	pendingCommits map[uint64][]chan error

	shutdownOnce sync.Once
}

// NewCore constructs a Core in the Follower role, loading persisted term
// and vote from the WAL's meta file (matching the teacher's NewServer,
// generalized to load durable state instead of always starting at term 0).
func NewCore(cfg Config, w *wal.WAL, snap *snapshot.Manager, store *kv.Store, transport PeerTransport, metrics MetricsCollector) (*Core, error) {
	cfg = cfg.withDefaults()

	meta, err := w.LoadMeta()
	if err != nil {
		return nil, fmt.Errorf("raftcore: load meta: %w", err)
	}

	var votedFor *ServerID
	if meta.VotedFor != "" {
		v := ServerID(meta.VotedFor)
		votedFor = &v
	}

	c := &Core{
		id:                  cfg.ID,
		peers:               cfg.Peers,
		addrs:               cfg.PeerAddrs,
		currentTerm:         meta.CurrentTerm,
		votedFor:            votedFor,
		role:                newFollowerVariant(time.Now().Add(cfg.ElectionTimeoutMin)),
		electionTimeoutMin:  cfg.ElectionTimeoutMin,
		electionTimeoutMax:  cfg.ElectionTimeoutMax,
		heartbeatInterval:   cfg.HeartbeatInterval,
		snapshotEvery:       cfg.SnapshotEvery,
		wal:                 w,
		snap:                snap,
		kv:                  store,
		transport:           transport,
		metrics:             metrics,
		pubSub:              pubsub.NewPubSub(),
		pendingCommits:      make(map[uint64][]chan error),
	}

	idx, _ := w.LastInfo()
	c.commitIndex = idx
	c.appliedIndex = idx
	if snapLatest, err := snap.LatestSnapshot(); err == nil {
		store.Install(snapLatest.State)
		if snapLatest.LastIndex > c.appliedIndex {
			c.appliedIndex = snapLatest.LastIndex
		}
		if snapLatest.LastIndex > c.commitIndex {
			c.commitIndex = snapLatest.LastIndex
		}
	}

	c.electionTimer = time.NewTimer(c.randomElectionTimeout())
	c.metrics.SetRole(RoleFollower.String())
	c.metrics.SetTerm(c.currentTerm)

	log.Printf("[CORE-%s] [TERM-%d] started as Follower, commit_index=%d applied_index=%d", c.id, c.currentTerm, c.commitIndex, c.appliedIndex)
	return c, nil
}

func (c *Core) randomElectionTimeout() time.Duration {
	span := int64(c.electionTimeoutMax - c.electionTimeoutMin)
	if span <= 0 {
		return c.electionTimeoutMin
	}
	return c.electionTimeoutMin + time.Duration(rand.Int63n(span))
}

// ID returns this node's server id.
func (c *Core) ID() ServerID { return c.id }

// RoleAndTerm is a convenience snapshot read for logging/metrics/the node
// layer's "am I leader" PUT-routing check.
func (c *Core) RoleAndTerm() (Role, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role.role(), c.currentTerm
}

// persistLocked durably saves (current_term, voted_for) before any vote or
// append-entries reply leaves the node, per spec.md §5's durability
// ordering requirement. Must be called with mu held.
func (c *Core) persistLocked() error {
	votedFor := ""
	if c.votedFor != nil {
		votedFor = string(*c.votedFor)
	}
	if err := c.wal.SaveMeta(c.currentTerm, votedFor); err != nil {
		return fmt.Errorf("raftcore: persist meta: %w", err)
	}
	return nil
}

// stepDownLocked implements spec.md §4.D's step_down(new_term): adopt the
// higher term, clear the vote, transition to Follower, persist before any
// further outbound message. Must be called with mu held.
func (c *Core) stepDownLocked(newTerm uint64) error {
	if newTerm > c.currentTerm {
		c.currentTerm = newTerm
	}
	c.votedFor = nil
	wasLeader := c.role.role() == RoleLeader
	c.role = newFollowerVariant(time.Now().Add(c.randomElectionTimeout()))

	if err := c.persistLocked(); err != nil {
		return err
	}

	if wasLeader {
		c.stopHeartbeatTickerLocked()
		c.armElectionTimerLocked()
		for index, chans := range c.pendingCommits {
			for _, ch := range chans {
				ch <- ErrNotLeader
			}
			delete(c.pendingCommits, index)
		}
	}
	c.metrics.SetRole(RoleFollower.String())
	c.metrics.SetTerm(c.currentTerm)
	c.publishRoleChangedLocked()
	return nil
}

func (c *Core) publishRoleChangedLocked() {
	pubsub.Publish(c.pubSub, pubsub.NewEvent(EventRoleChanged, RoleChangedPayload{Role: c.role.role(), Term: c.currentTerm}))
}

func (c *Core) armElectionTimerLocked() {
	c.electionTimer.Reset(c.randomElectionTimeout())
}

func (c *Core) stopHeartbeatTickerLocked() {
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
		c.heartbeatTicker = nil
	}
}

// Shutdown stops all background tickers, signals shutdown to any
// subscriber (e.g. the Run loop), and waits for the event bus to drain.
// It does not wait for Run itself or for in-flight replication goroutines
// to return.
func (c *Core) Shutdown() {
	c.shutdownOnce.Do(func() {
		pubsub.Publish(c.pubSub, pubsub.NewEvent(EventShutdown, struct{}{}))
		c.pubSub.GracefulShutdown()

		c.mu.Lock()
		defer c.mu.Unlock()
		c.electionTimer.Stop()
		c.stopHeartbeatTickerLocked()
	})
}
