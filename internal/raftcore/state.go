package raftcore

import "time"

// followerState holds the fields that only make sense while a node is a
// follower: the deadline by which it must hear from a leader before
// starting its own election.
type followerState struct {
	deadline time.Time
}

// candidateState holds the fields that only make sense while a node is
// soliciting votes for its own candidacy.
type candidateState struct {
	votesGranted int
	deadline     time.Time
}

// peerProgress is the leader's per-follower replication cursor, Figure 2's
// nextIndex/matchIndex.
type peerProgress struct {
	nextIndex  uint64
	matchIndex uint64
	// snapshotting is true while this peer has fallen behind the leader's
	// first log index and is being caught up via INSTALL_SNAPSHOT instead
	// of APPEND_ENTRIES.
	snapshotting bool
}

// leaderState holds the fields that only make sense while a node is
// leader: per-peer replication progress.
type leaderState struct {
	progress map[ServerID]*peerProgress
}

// roleVariant is exactly one of follower/candidate/leader non-nil at a
// time, per spec.md §9's Design Note (REDESIGN FLAG applied): the teacher
// models role as a flat State enum plus shared fields that only make sense
// for some roles; here a wrong-role field is a nil pointer, so misuse
// fails at its first dereference instead of silently reading stale data.
type roleVariant struct {
	follower  *followerState
	candidate *candidateState
	leader    *leaderState
}

func (v roleVariant) role() Role {
	switch {
	case v.leader != nil:
		return RoleLeader
	case v.candidate != nil:
		return RoleCandidate
	default:
		return RoleFollower
	}
}

func newFollowerVariant(deadline time.Time) roleVariant {
	return roleVariant{follower: &followerState{deadline: deadline}}
}

func newCandidateVariant(deadline time.Time) roleVariant {
	return roleVariant{candidate: &candidateState{votesGranted: 1, deadline: deadline}}
}

func newLeaderVariant(peers []ServerID, nextIndex uint64) roleVariant {
	progress := make(map[ServerID]*peerProgress, len(peers))
	for _, p := range peers {
		progress[p] = &peerProgress{nextIndex: nextIndex, matchIndex: 0}
	}
	return roleVariant{leader: &leaderState{progress: progress}}
}
