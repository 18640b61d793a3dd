package raftcore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logkv/internal/entry"
	"logkv/internal/kv"
	"logkv/internal/rpc"
	"logkv/internal/snapshot"
	"logkv/internal/wal"
)

// noopMetrics is a hand-rolled stand-in for raftcore.MetricsCollector,
// matching the teacher's mocks/metrics_collector_mock.go pattern but
// trimmed to "do nothing, never fail" since these tests don't assert on
// metrics.
type noopMetrics struct{}

func (noopMetrics) RecordCommandLatency(time.Duration) {}
func (noopMetrics) RecordCommandCommitted()             {}
func (noopMetrics) RecordAppendEntries()                {}
func (noopMetrics) RecordRequestVote()                  {}
func (noopMetrics) RecordHeartbeat()                    {}
func (noopMetrics) RecordInstallSnapshot()              {}
func (noopMetrics) RecordElection()                     {}
func (noopMetrics) RecordElectionDuration(time.Duration) {}
func (noopMetrics) SetRole(string)                      {}
func (noopMetrics) SetTerm(uint64)                      {}

// fakeTransport is a hand-rolled mock of PeerTransport with per-method
// error injection, matching the teacher's mocks/*.go convention.
type fakeTransport struct {
	RequestVoteFunc      func(ctx context.Context, addr string, args rpc.RequestVoteArgs) (rpc.RequestVoteReply, error)
	AppendEntriesFunc    func(ctx context.Context, addr string, args rpc.AppendEntriesArgs) (rpc.AppendEntriesReply, error)
	HeartbeatFunc        func(ctx context.Context, addr string, args rpc.HeartbeatArgs) (rpc.HeartbeatReply, error)
	InstallSnapshotFunc  func(ctx context.Context, addr string, args rpc.InstallSnapshotArgs) (rpc.InstallSnapshotReply, error)
}

func (f *fakeTransport) RequestVote(ctx context.Context, addr string, args rpc.RequestVoteArgs) (rpc.RequestVoteReply, error) {
	if f.RequestVoteFunc != nil {
		return f.RequestVoteFunc(ctx, addr, args)
	}
	return rpc.RequestVoteReply{}, nil
}

func (f *fakeTransport) AppendEntries(ctx context.Context, addr string, args rpc.AppendEntriesArgs) (rpc.AppendEntriesReply, error) {
	if f.AppendEntriesFunc != nil {
		return f.AppendEntriesFunc(ctx, addr, args)
	}
	return rpc.AppendEntriesReply{}, nil
}

func (f *fakeTransport) Heartbeat(ctx context.Context, addr string, args rpc.HeartbeatArgs) (rpc.HeartbeatReply, error) {
	if f.HeartbeatFunc != nil {
		return f.HeartbeatFunc(ctx, addr, args)
	}
	return rpc.HeartbeatReply{}, nil
}

func (f *fakeTransport) InstallSnapshot(ctx context.Context, addr string, args rpc.InstallSnapshotArgs) (rpc.InstallSnapshotReply, error) {
	if f.InstallSnapshotFunc != nil {
		return f.InstallSnapshotFunc(ctx, addr, args)
	}
	return rpc.InstallSnapshotReply{}, nil
}

func newTestCore(t *testing.T, id ServerID, peers []ServerID, transport PeerTransport) *Core {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "wal_test.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	snap := snapshot.NewManager(dir, string(id), 3)
	store := kv.NewStore(string(id))

	core, err := NewCore(Config{
		ID:                 id,
		Peers:              peers,
		PeerAddrs:          map[ServerID]string{},
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	}, w, snap, store, transport, noopMetrics{})
	require.NoError(t, err)
	t.Cleanup(core.Shutdown)
	return core
}

func TestMajority(t *testing.T) {
	assert.Equal(t, 1, majority(1))
	assert.Equal(t, 2, majority(2))
	assert.Equal(t, 2, majority(3))
	assert.Equal(t, 3, majority(4))
	assert.Equal(t, 3, majority(5))
}

func TestCore_SingleNodeBecomesLeaderAndCommits(t *testing.T) {
	core := newTestCore(t, "1", nil, &fakeTransport{})

	core.beginElection()

	role, _ := core.RoleAndTerm()
	assert.Equal(t, RoleLeader, role)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, core.Propose(ctx, "a", "1"))

	v, ok := core.kv.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestCore_ProposeRejectsWhenNotLeader(t *testing.T) {
	core := newTestCore(t, "1", []ServerID{"2"}, &fakeTransport{
		RequestVoteFunc: func(ctx context.Context, addr string, args rpc.RequestVoteArgs) (rpc.RequestVoteReply, error) {
			return rpc.RequestVoteReply{Term: args.Term, VoteGranted: false}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := core.Propose(ctx, "a", "1")
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestCore_HandleRequestVote_GrantsWhenUpToDateAndUnvoted(t *testing.T) {
	core := newTestCore(t, "1", []ServerID{"2"}, &fakeTransport{})

	reply := core.HandleRequestVote(rpc.RequestVoteArgs{
		Term:         1,
		CandidateID:  "2",
		LastLogIndex: 0,
		LastLogTerm:  0,
	})

	assert.True(t, reply.VoteGranted)
	assert.Equal(t, uint64(1), reply.Term)
}

func TestCore_HandleRequestVote_DeniesStaleTerm(t *testing.T) {
	core := newTestCore(t, "1", []ServerID{"2"}, &fakeTransport{})
	core.HandleRequestVote(rpc.RequestVoteArgs{Term: 5, CandidateID: "2"})

	reply := core.HandleRequestVote(rpc.RequestVoteArgs{Term: 1, CandidateID: "3"})
	assert.False(t, reply.VoteGranted)
	assert.Equal(t, uint64(5), reply.Term)
}

func TestCore_HandleRequestVote_DeniesSecondCandidateSameTerm(t *testing.T) {
	core := newTestCore(t, "1", []ServerID{"2", "3"}, &fakeTransport{})

	first := core.HandleRequestVote(rpc.RequestVoteArgs{Term: 1, CandidateID: "2"})
	assert.True(t, first.VoteGranted)

	second := core.HandleRequestVote(rpc.RequestVoteArgs{Term: 1, CandidateID: "3"})
	assert.False(t, second.VoteGranted)
}

func TestCore_HandleAppendEntries_RejectsOnLogMismatch(t *testing.T) {
	core := newTestCore(t, "1", []ServerID{"2"}, &fakeTransport{})

	reply := core.HandleAppendEntries(rpc.AppendEntriesArgs{
		Term:         1,
		LeaderID:     "2",
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	})
	assert.False(t, reply.Success)
}

func TestCore_HandleAppendEntries_AppliesEntryAndAdvancesCommit(t *testing.T) {
	core := newTestCore(t, "1", []ServerID{"2"}, &fakeTransport{})

	reply := core.HandleAppendEntries(rpc.AppendEntriesArgs{
		Term:         1,
		LeaderID:     "2",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries: []entry.Entry{
			{Index: 1, Term: 1, Op: entry.OpPut, Key: "a", Value: "1"},
		},
		LeaderCommit: 1,
	})

	require.True(t, reply.Success)
	assert.Equal(t, uint64(1), reply.MatchIndex)

	v, ok := core.kv.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}
