package raftcore

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"logkv/internal/entry"
	"logkv/internal/rpc"
)

// ErrNotLeader is returned by Propose when this node is not currently the
// leader; spec.md §6 maps it directly to the NOT_LEADER client reply.
var ErrNotLeader = errors.New("raftcore: not leader")

// ErrCommitTimeout is returned by Propose when majority commitment did not
// complete within ctx's deadline; spec.md §7 treats this as a dropped
// connection, not a reply, leaving the entry uncommitted for now.
var ErrCommitTimeout = errors.New("raftcore: commit timed out")

// Propose appends a PUT entry to the leader's log and blocks until it is
// committed (replicated to a majority) or ctx is done, implementing the
// deferred-OK-until-commit REDESIGN FLAG in spec.md §9: the client PUT's
// OK reply must not precede majority acknowledgment.
func (c *Core) Propose(ctx context.Context, key, value string) error {
	start := time.Now()

	c.mu.Lock()
	if c.role.role() != RoleLeader {
		c.mu.Unlock()
		return ErrNotLeader
	}
	index := c.wal.LastIndex() + 1
	e := entry.Entry{Index: index, Term: c.currentTerm, Op: entry.OpPut, Key: key, Value: value}

	if err := c.wal.Append(e); err != nil {
		c.mu.Unlock()
		return err
	}

	// A single-node cluster (or a leader that already holds majority
	// match_index at this point) may commit the entry immediately without
	// waiting on any peer reply.
	c.advanceCommitIndexLocked()
	if index <= c.appliedIndex {
		c.mu.Unlock()
		c.metrics.RecordCommandLatency(time.Since(start))
		c.metrics.RecordCommandCommitted()
		return nil
	}

	done := make(chan error, 1)
	c.pendingCommits[index] = append(c.pendingCommits[index], done)
	c.mu.Unlock()

	go c.replicateToAllPeers()

	select {
	case err := <-done:
		if err == nil {
			c.metrics.RecordCommandLatency(time.Since(start))
			c.metrics.RecordCommandCommitted()
		}
		return err
	case <-ctx.Done():
		return ErrCommitTimeout
	}
}

// replicateToAllPeers fans a replication attempt out to every peer. It is
// safe to call redundantly (e.g. once per heartbeat tick and once per
// Propose); each call only ever advances state monotonically.
func (c *Core) replicateToAllPeers() {
	c.mu.Lock()
	if c.role.role() != RoleLeader {
		c.mu.Unlock()
		return
	}
	peers := append([]ServerID(nil), c.peers...)
	c.mu.Unlock()

	for _, peer := range peers {
		go c.replicateToPeer(peer)
	}
}

// replicateToPeer sends one APPEND_ENTRIES (or switches the peer into
// snapshot-transfer mode) based on that peer's current next_index.
func (c *Core) replicateToPeer(peer ServerID) {
	c.mu.Lock()
	if c.role.role() != RoleLeader || c.role.leader == nil {
		c.mu.Unlock()
		return
	}
	progress, ok := c.role.leader.progress[peer]
	addr, addrOK := c.addrs[peer]
	if !ok || !addrOK {
		c.mu.Unlock()
		return
	}
	term := c.currentTerm
	leaderID := string(c.id)
	leaderCommit := c.commitIndex
	firstIndex := c.wal.FirstIndex()
	nextIndex := progress.nextIndex
	c.mu.Unlock()

	if nextIndex < firstIndex {
		c.installSnapshotOnPeer(peer, addr)
		return
	}

	prevIndex := nextIndex - 1
	prevTerm, ok := c.wal.TermAt(prevIndex)
	if !ok {
		// The entry this peer needs as an anchor has been compacted since
		// we read nextIndex; fall back to a snapshot transfer.
		c.installSnapshotOnPeer(peer, addr)
		return
	}
	entries := c.wal.EntriesFrom(nextIndex)

	args := rpc.AppendEntriesArgs{
		Term:         term,
		LeaderID:     leaderID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	reply, err := c.transport.AppendEntries(ctx, addr, args)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentTerm != term || c.role.role() != RoleLeader {
		return
	}
	if reply.Term > c.currentTerm {
		_ = c.stepDownLocked(reply.Term)
		return
	}

	progress, ok = c.role.leader.progress[peer]
	if !ok {
		return
	}
	if reply.Success {
		if len(entries) > 0 {
			progress.matchIndex = entries[len(entries)-1].Index
			progress.nextIndex = progress.matchIndex + 1
		}
		c.advanceCommitIndexLocked()
	} else {
		if progress.nextIndex > 1 {
			progress.nextIndex--
		}
	}
}

// advanceCommitIndexLocked implements spec.md §4.D's commit rule: the
// largest N such that a majority of match_index[*] >= N and log[N].term ==
// current_term. Must be called with mu held.
func (c *Core) advanceCommitIndexLocked() {
	if c.role.leader == nil {
		return
	}

	matchIndices := make([]uint64, 0, len(c.role.leader.progress)+1)
	lastIndex := c.wal.LastIndex()
	matchIndices = append(matchIndices, lastIndex) // the leader always matches itself
	for _, p := range c.role.leader.progress {
		matchIndices = append(matchIndices, p.matchIndex)
	}
	sort.Slice(matchIndices, func(i, j int) bool { return matchIndices[i] > matchIndices[j] })

	need := majority(len(c.role.leader.progress) + 1)
	candidate := matchIndices[need-1]

	if candidate <= c.commitIndex {
		return
	}
	term, ok := c.wal.TermAt(candidate)
	if !ok || term != c.currentTerm {
		// Never commit an entry from a prior term purely by counting
		// replicas (the Figure-8 hazard); wait for an entry of the
		// current term to reach the same majority instead.
		return
	}

	c.commitIndex = candidate
	c.applyCommittedLocked()
}

// applyCommittedLocked applies every entry between appliedIndex and
// commitIndex to the state machine in order, and wakes any Propose callers
// whose entry just became committed.
func (c *Core) applyCommittedLocked() {
	for c.appliedIndex < c.commitIndex {
		next := c.appliedIndex + 1
		e, err := c.wal.Get(next)
		if err != nil {
			log.Printf("[CORE-%s] FATAL: committed entry %d missing from WAL: %v", c.id, next, err)
			return
		}
		if err := c.kv.Apply(e); err != nil {
			log.Printf("[CORE-%s] FATAL: apply entry %d: %v", c.id, next, err)
			return
		}
		c.appliedIndex = next

		for _, ch := range c.pendingCommits[next] {
			ch <- nil
		}
		delete(c.pendingCommits, next)

		if c.snapshotEvery > 0 && c.appliedIndex%c.snapshotEvery == 0 {
			go c.maybeSnapshot(c.appliedIndex)
		}
	}
}

// HandleAppendEntries is the APPEND_ENTRIES RPC handler.
func (c *Core) HandleAppendEntries(args rpc.AppendEntriesArgs) rpc.AppendEntriesReply {
	c.metrics.RecordAppendEntries()
	c.mu.Lock()
	defer c.mu.Unlock()

	if args.Term < c.currentTerm {
		return rpc.AppendEntriesReply{Term: c.currentTerm, Success: false}
	}
	if args.Term > c.currentTerm || c.role.role() != RoleFollower {
		if err := c.stepDownLocked(args.Term); err != nil {
			log.Printf("[CORE-%s] FATAL: %v", c.id, err)
			return rpc.AppendEntriesReply{Term: c.currentTerm, Success: false}
		}
	}
	c.armElectionTimerLocked()

	prevTerm, ok := c.wal.TermAt(args.PrevLogIndex)
	if !ok || prevTerm != args.PrevLogTerm {
		return rpc.AppendEntriesReply{Term: c.currentTerm, Success: false}
	}

	for _, e := range args.Entries {
		existingTerm, exists := c.wal.TermAt(e.Index)
		if exists && existingTerm == e.Term {
			continue
		}
		if exists {
			if err := c.wal.TruncateFrom(e.Index); err != nil {
				log.Printf("[CORE-%s] FATAL: truncate: %v", c.id, err)
				return rpc.AppendEntriesReply{Term: c.currentTerm, Success: false}
			}
		}
		if err := c.wal.Append(e); err != nil {
			log.Printf("[CORE-%s] FATAL: append: %v", c.id, err)
			return rpc.AppendEntriesReply{Term: c.currentTerm, Success: false}
		}
	}

	lastNewIndex := args.PrevLogIndex
	if len(args.Entries) > 0 {
		lastNewIndex = args.Entries[len(args.Entries)-1].Index
	}
	if args.LeaderCommit < lastNewIndex {
		c.commitIndex = args.LeaderCommit
	} else {
		c.commitIndex = lastNewIndex
	}
	c.applyCommittedLocked()

	return rpc.AppendEntriesReply{Term: c.currentTerm, Success: true, MatchIndex: lastNewIndex}
}

// HandleHeartbeat is the HEARTBEAT RPC handler — an AppendEntries with no
// log-matching obligation, used purely to reset the follower's deadline
// and detect a stale leader via term.
func (c *Core) HandleHeartbeat(args rpc.HeartbeatArgs) rpc.HeartbeatReply {
	c.metrics.RecordHeartbeat()
	c.mu.Lock()
	defer c.mu.Unlock()

	if args.Term < c.currentTerm {
		return rpc.HeartbeatReply{Term: c.currentTerm}
	}
	if args.Term > c.currentTerm || c.role.role() != RoleFollower {
		if err := c.stepDownLocked(args.Term); err != nil {
			log.Printf("[CORE-%s] FATAL: %v", c.id, err)
		}
	}
	c.armElectionTimerLocked()
	return rpc.HeartbeatReply{Term: c.currentTerm}
}
