package raftcore

import (
	"context"
	"log"
	"time"

	"logkv/internal/rpc"
)

const snapshotChunkSize = 32 * 1024

// maybeSnapshot captures the state machine as of appliedIndex and discards
// the covered log prefix, implementing spec.md §4.C's periodic-capture
// trigger. It runs on every node, not just the leader, since every node
// independently compacts its own log once it has applied enough entries
// (the operator-tunable `-snapshot-every`, SPEC_FULL.md §9).
func (c *Core) maybeSnapshot(appliedIndex uint64) {
	c.mu.Lock()
	term, ok := c.wal.TermAt(appliedIndex)
	firstIndex := c.wal.FirstIndex()
	c.mu.Unlock()

	if !ok || appliedIndex < firstIndex {
		// Already compacted past this point by a prior snapshot.
		return
	}

	state := c.kv.Export()
	if err := c.snap.CreateSnapshot(appliedIndex, term, state); err != nil {
		log.Printf("[CORE-%s] snapshot creation failed at index %d: %v", c.id, appliedIndex, err)
		return
	}
	if err := c.wal.DiscardPrefix(appliedIndex); err != nil {
		log.Printf("[CORE-%s] FATAL: discard prefix after snapshot: %v", c.id, err)
		return
	}
	log.Printf("[SNAPSHOT-%s] captured state through index %d, WAL first_index now %d", c.id, appliedIndex, appliedIndex+1)
}

// installSnapshotOnPeer is the leader-side half of spec.md §4.D's snapshot
// installation: stream the current latest snapshot to peer in fixed-size
// chunks via INSTALL_SNAPSHOT, then resume normal replication at
// next_index[peer] = last_included_index + 1.
func (c *Core) installSnapshotOnPeer(peer ServerID, addr string) {
	snap, err := c.snap.LatestSnapshot()
	if err != nil {
		log.Printf("[CORE-%s] cannot snapshot-transfer to %s: %v", c.id, peer, err)
		return
	}

	full, err := c.snap.ReadChunk(0, 1<<30) // one Manager call re-reads the whole file; chunking below is on the wire only
	if err != nil {
		log.Printf("[CORE-%s] cannot read snapshot for transfer to %s: %v", c.id, peer, err)
		return
	}

	c.mu.Lock()
	term := c.currentTerm
	if c.role.role() != RoleLeader || c.role.leader == nil {
		c.mu.Unlock()
		return
	}
	progress := c.role.leader.progress[peer]
	if progress != nil {
		progress.snapshotting = true
	}
	c.mu.Unlock()

	offset := 0
	for {
		end := offset + snapshotChunkSize
		if end > len(full) {
			end = len(full)
		}
		done := end >= len(full)

		args := rpc.InstallSnapshotArgs{
			Term:              term,
			LastIncludedIndex: snap.LastIndex,
			LastIncludedTerm:  snap.LastTerm,
			Offset:            int64(offset),
			Data:              full[offset:end],
			Done:              done,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		reply, err := c.transport.InstallSnapshot(ctx, addr, args)
		cancel()
		if err != nil {
			log.Printf("[CORE-%s] snapshot chunk to %s failed: %v", c.id, peer, err)
			return
		}

		c.mu.Lock()
		if reply.Term > c.currentTerm {
			_ = c.stepDownLocked(reply.Term)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if done {
			break
		}
		offset = end
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role.role() == RoleLeader && c.role.leader != nil {
		if progress, ok := c.role.leader.progress[peer]; ok {
			progress.nextIndex = snap.LastIndex + 1
			progress.matchIndex = snap.LastIndex
			progress.snapshotting = false
		}
	}
	log.Printf("[CORE-%s] snapshot transfer to %s complete through index %d", c.id, peer, snap.LastIndex)
}

// HandleInstallSnapshot is the follower-side INSTALL_SNAPSHOT RPC handler.
// It writes the chunk via the snapshot manager and, on the final chunk,
// installs the resulting state into the state machine and fast-forwards
// the WAL's metadata, per spec.md §4.D.
func (c *Core) HandleInstallSnapshot(args rpc.InstallSnapshotArgs) rpc.InstallSnapshotReply {
	c.metrics.RecordInstallSnapshot()
	c.mu.Lock()
	if args.Term < c.currentTerm {
		term := c.currentTerm
		c.mu.Unlock()
		return rpc.InstallSnapshotReply{Term: term}
	}
	if args.Term > c.currentTerm || c.role.role() != RoleFollower {
		if err := c.stepDownLocked(args.Term); err != nil {
			log.Printf("[CORE-%s] FATAL: %v", c.id, err)
		}
	}
	c.armElectionTimerLocked()
	c.mu.Unlock()

	if err := c.snap.WriteChunk(args.Offset, args.Data, args.Done); err != nil {
		log.Printf("[CORE-%s] FATAL: write snapshot chunk: %v", c.id, err)
		c.mu.Lock()
		term := c.currentTerm
		c.mu.Unlock()
		return rpc.InstallSnapshotReply{Term: term}
	}

	if !args.Done {
		c.mu.Lock()
		term := c.currentTerm
		c.mu.Unlock()
		return rpc.InstallSnapshotReply{Term: term}
	}

	installed, err := c.snap.LatestSnapshot()
	if err != nil {
		log.Printf("[CORE-%s] FATAL: read back installed snapshot: %v", c.id, err)
		c.mu.Lock()
		term := c.currentTerm
		c.mu.Unlock()
		return rpc.InstallSnapshotReply{Term: term}
	}
	c.kv.Install(installed.State)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wal.InstallSnapshotMeta(args.LastIncludedIndex, args.LastIncludedTerm); err != nil {
		log.Printf("[CORE-%s] FATAL: install snapshot meta: %v", c.id, err)
		return rpc.InstallSnapshotReply{Term: c.currentTerm}
	}
	c.commitIndex = args.LastIncludedIndex
	c.appliedIndex = args.LastIncludedIndex
	log.Printf("[CORE-%s] installed snapshot through index %d", c.id, args.LastIncludedIndex)
	return rpc.InstallSnapshotReply{Term: c.currentTerm}
}
