package raftcore

import (
	"log"
	"time"

	"logkv/internal/pubsub"
)

/*
Background jobs, matching the teacher's jobs.go convention: each job
subscribes to EventShutdown so it exits cleanly instead of leaking, and
runs as a plain goroutine owned by the caller (Run), never detached.
*/

// Run starts the core's two long-lived background tasks and blocks until
// Shutdown is called. Per spec.md §5, exactly one of the election timer
// and the heartbeat ticker is ever "live" at a time, but both selects are
// always armed here; the one that doesn't apply to the current role
// simply never fires meaningfully (the election timer is reset whenever
// AppendEntries/Heartbeat/RequestVote succeed while follower/candidate,
// and is stopped outright on becoming leader).
func (c *Core) Run() {
	stopCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(c.pubSub, EventShutdown, stopCh, pubsub.SubscriptionOptions{IsBlocking: false})

	log.Printf("[JOB-%s] consensus core running", c.id)

	for {
		c.mu.Lock()
		electionTimer := c.electionTimer
		heartbeatTicker := c.heartbeatTicker
		c.mu.Unlock()

		var heartbeatC <-chan time.Time
		if heartbeatTicker != nil {
			heartbeatC = heartbeatTicker.C
		} else {
			// No ticker armed (we are not leader): block only on the
			// election timer and shutdown until a role change arms one.
			heartbeatC = make(chan time.Time)
		}

		select {
		case <-electionTimer.C:
			c.mu.Lock()
			isLeader := c.role.role() == RoleLeader
			c.mu.Unlock()
			if !isLeader {
				c.beginElection()
			}
			c.mu.Lock()
			if c.role.role() != RoleLeader {
				c.armElectionTimerLocked()
			}
			c.mu.Unlock()
		case <-heartbeatC:
			c.sendHeartbeats()
		case <-stopCh:
			log.Printf("[JOB-%s] consensus core stopping", c.id)
			return
		case <-time.After(10 * time.Millisecond):
			// Re-check which timer/ticker is currently armed; this bounds
			// how quickly a role change (which swaps electionTimer for
			// heartbeatTicker or vice versa) is picked up by this loop.
		}
	}
}

// sendHeartbeats is the leader's replication tick: send APPEND_ENTRIES to
// every peer, with an empty entry list acting as the heartbeat for peers
// that are caught up, matching spec.md §4.D's "fixed interval" requirement.
func (c *Core) sendHeartbeats() {
	c.mu.Lock()
	if c.role.role() != RoleLeader {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.replicateToAllPeers()
}
