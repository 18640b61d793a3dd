// Package raftcore implements the consensus core, [MODULE D] of spec.md:
// elections, log replication, commit advancement, and snapshot
// installation. It is deliberately transport-agnostic — it depends only on
// internal/rpc's argument/reply structs and the PeerTransport interface
// below, never on internal/transport itself, so the two packages can each
// be tested in isolation.
package raftcore

import (
	"context"
	"time"

	"logkv/internal/pubsub"
	"logkv/internal/rpc"
)

// ServerID is the id of a server in the cluster, an operator-supplied
// small integer per spec.md §6, carried as a string everywhere it is
// compared or logged.
type ServerID string

// Role is the tagged-variant discriminant exposed for logging and
// metrics. Core itself never stores a bare Role field — see state.go —
// but callers that only need to know "what is this node right now"
// without touching consensus state use it.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// PeerTransport is the outbound half of the network dispatcher, satisfied
// structurally by internal/transport.Client. Core depends only on this
// interface so it never imports internal/transport.
type PeerTransport interface {
	RequestVote(ctx context.Context, peerAddr string, args rpc.RequestVoteArgs) (rpc.RequestVoteReply, error)
	AppendEntries(ctx context.Context, peerAddr string, args rpc.AppendEntriesArgs) (rpc.AppendEntriesReply, error)
	Heartbeat(ctx context.Context, peerAddr string, args rpc.HeartbeatArgs) (rpc.HeartbeatReply, error)
	InstallSnapshot(ctx context.Context, peerAddr string, args rpc.InstallSnapshotArgs) (rpc.InstallSnapshotReply, error)
}

// MetricsCollector is an optional interface for recording performance
// metrics, grounded on server.MetricsCollector in the teacher, extended
// with role/term gauges for the additive Prometheus layer (SPEC_FULL.md §8).
type MetricsCollector interface {
	RecordCommandLatency(latency time.Duration)
	RecordCommandCommitted()
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
	RecordInstallSnapshot()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
	SetRole(role string)
	SetTerm(term uint64)
}

// Event types published on the core's internal pubsub bus, mirroring the
// teacher's ServerShutDown/ElectionTimeoutExpired/VoteGranted events.
const (
	EventShutdown pubsub.EventType = iota
	EventElectionTimeoutExpired
	EventRoleChanged
)

// RoleChangedPayload travels with EventRoleChanged so observers (metrics,
// logging) can react without polling Core's state.
type RoleChangedPayload struct {
	Role Role
	Term uint64
}
