package raftcore

import (
	"context"
	"log"
	"time"

	"logkv/internal/rpc"
)

// majority returns the strict majority size for a cluster of n members,
// ⌊n/2⌋+1, correcting the source's acks > (followers+1)/2 arithmetic per
// the REDESIGN FLAG in spec.md §9.
func majority(n int) int {
	return n/2 + 1
}

// beginElection implements spec.md §4.D's CANDIDATE entry action: bump the
// term, vote for self, persist, and solicit votes from every peer in
// parallel. Must be called with mu NOT held; it acquires it internally.
func (c *Core) beginElection() {
	c.mu.Lock()
	if c.role.role() == RoleLeader {
		c.mu.Unlock()
		return
	}

	c.currentTerm++
	self := c.id
	c.votedFor = &self
	c.role = newCandidateVariant(time.Now().Add(c.randomElectionTimeout()))
	term := c.currentTerm
	lastIndex, lastTerm := c.wal.LastInfo()

	if err := c.persistLocked(); err != nil {
		log.Printf("[CORE-%s] [TERM-%d] FATAL: failed to persist candidacy: %v", c.id, term, err)
		c.mu.Unlock()
		return
	}
	c.metrics.SetRole(RoleCandidate.String())
	c.metrics.SetTerm(term)
	c.publishRoleChangedLocked()
	peers := append([]ServerID(nil), c.peers...)
	addrs := c.addrs
	clusterSize := len(c.peers) + 1
	c.mu.Unlock()

	c.metrics.RecordElection()
	log.Printf("[CORE-%s] [TERM-%d] election started, last_log=(%d,%d)", c.id, term, lastIndex, lastTerm)
	electionStart := time.Now()

	args := rpc.RequestVoteArgs{
		Term:         term,
		CandidateID:  string(self),
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	votesCh := make(chan bool, len(peers))
	for _, peer := range peers {
		peer := peer
		addr, ok := addrs[peer]
		if !ok {
			votesCh <- false
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			reply, err := c.transport.RequestVote(ctx, addr, args)
			if err != nil {
				votesCh <- false
				return
			}
			c.handleVoteReply(term, reply)
			votesCh <- reply.VoteGranted && reply.Term == term
		}()
	}

	granted := 1 // self vote
	for range peers {
		if <-votesCh {
			granted++
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentTerm != term || c.role.role() != RoleCandidate {
		// Term moved on, or we already stepped down/became leader via a
		// concurrent RPC reply; this tally is stale.
		return
	}
	if granted >= majority(clusterSize) {
		c.becomeLeaderLocked()
		c.metrics.RecordElectionDuration(time.Since(electionStart))
	}
}

// handleVoteReply steps this node down if a peer's reply carries a higher
// term, per spec.md's "if one server's current term is smaller than the
// other's" rule applied to RPC replies as well as requests.
func (c *Core) handleVoteReply(requestTerm uint64, reply rpc.RequestVoteReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reply.Term > c.currentTerm {
		_ = c.stepDownLocked(reply.Term)
	}
}

// becomeLeaderLocked transitions a winning candidate to Leader: seeds
// per-peer next_index/match_index, starts the heartbeat ticker, stops the
// election timer, and immediately broadcasts a heartbeat. Must be called
// with mu held.
func (c *Core) becomeLeaderLocked() {
	lastIndex, _ := c.wal.LastInfo()
	c.role = newLeaderVariant(c.peers, lastIndex+1)
	c.electionTimer.Stop()
	c.heartbeatTicker = time.NewTicker(c.heartbeatInterval)

	c.metrics.SetRole(RoleLeader.String())
	c.publishRoleChangedLocked()
	log.Printf("[CORE-%s] [TERM-%d] elected Leader", c.id, c.currentTerm)

	go c.replicateToAllPeers()
}

// HandleRequestVote is the RequestVote RPC handler, invoked by the
// transport dispatcher on an inbound REQUEST_VOTE. It implements spec.md
// §4.D's three vote-granting conditions.
func (c *Core) HandleRequestVote(args rpc.RequestVoteArgs) rpc.RequestVoteReply {
	c.metrics.RecordRequestVote()
	c.mu.Lock()
	defer c.mu.Unlock()

	if args.Term < c.currentTerm {
		return rpc.RequestVoteReply{Term: c.currentTerm, VoteGranted: false}
	}
	if args.Term > c.currentTerm {
		if err := c.stepDownLocked(args.Term); err != nil {
			log.Printf("[CORE-%s] FATAL: %v", c.id, err)
		}
	}

	candidate := ServerID(args.CandidateID)
	alreadyVotedOther := c.votedFor != nil && *c.votedFor != candidate
	if alreadyVotedOther {
		return rpc.RequestVoteReply{Term: c.currentTerm, VoteGranted: false}
	}

	lastIndex, lastTerm := c.wal.LastInfo()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)
	if !upToDate {
		return rpc.RequestVoteReply{Term: c.currentTerm, VoteGranted: false}
	}

	c.votedFor = &candidate
	if c.role.role() != RoleFollower {
		c.role = newFollowerVariant(time.Now().Add(c.randomElectionTimeout()))
	} else {
		c.armElectionTimerLocked()
	}
	if err := c.persistLocked(); err != nil {
		log.Printf("[CORE-%s] FATAL: failed to persist vote: %v", c.id, err)
		return rpc.RequestVoteReply{Term: c.currentTerm, VoteGranted: false}
	}

	log.Printf("[CORE-%s] [TERM-%d] granted vote to %s", c.id, c.currentTerm, candidate)
	return rpc.RequestVoteReply{Term: c.currentTerm, VoteGranted: true}
}
