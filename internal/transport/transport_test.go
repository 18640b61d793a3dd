package transport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logkv/internal/entry"
	"logkv/internal/rpc"
)

// fakeHandler is a hand-rolled mock of ConsensusHandler with per-method
// error/behavior injection, matching the teacher's mocks/*.go convention.
type fakeHandler struct {
	RequestVoteFunc     func(rpc.RequestVoteArgs) rpc.RequestVoteReply
	AppendEntriesFunc   func(rpc.AppendEntriesArgs) rpc.AppendEntriesReply
	HeartbeatFunc       func(rpc.HeartbeatArgs) rpc.HeartbeatReply
	InstallSnapshotFunc func(rpc.InstallSnapshotArgs) rpc.InstallSnapshotReply
	PutFunc             func(ctx context.Context, key, value string) rpc.PutStatus
	GetFunc             func(key string) (string, bool)
}

func (f *fakeHandler) HandleRequestVote(args rpc.RequestVoteArgs) rpc.RequestVoteReply {
	if f.RequestVoteFunc != nil {
		return f.RequestVoteFunc(args)
	}
	return rpc.RequestVoteReply{}
}

func (f *fakeHandler) HandleAppendEntries(args rpc.AppendEntriesArgs) rpc.AppendEntriesReply {
	if f.AppendEntriesFunc != nil {
		return f.AppendEntriesFunc(args)
	}
	return rpc.AppendEntriesReply{}
}

func (f *fakeHandler) HandleHeartbeat(args rpc.HeartbeatArgs) rpc.HeartbeatReply {
	if f.HeartbeatFunc != nil {
		return f.HeartbeatFunc(args)
	}
	return rpc.HeartbeatReply{}
}

func (f *fakeHandler) HandleInstallSnapshot(args rpc.InstallSnapshotArgs) rpc.InstallSnapshotReply {
	if f.InstallSnapshotFunc != nil {
		return f.InstallSnapshotFunc(args)
	}
	return rpc.InstallSnapshotReply{}
}

func (f *fakeHandler) HandlePut(ctx context.Context, key, value string) rpc.PutStatus {
	if f.PutFunc != nil {
		return f.PutFunc(ctx, key, value)
	}
	return rpc.PutOK
}

func (f *fakeHandler) HandleGet(key string) (string, bool) {
	if f.GetFunc != nil {
		return f.GetFunc(key)
	}
	return "", false
}

func startDispatcher(t *testing.T, handler ConsensusHandler) string {
	t.Helper()
	d, err := Listen("127.0.0.1:0", handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	go func() { _ = d.Serve() }()
	return d.Addr().String()
}

func rawRoundTrip(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(request + "\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestDispatcher_UnknownVerb(t *testing.T) {
	addr := startDispatcher(t, &fakeHandler{})
	reply := rawRoundTrip(t, addr, "BOGUS")
	assert.Equal(t, "UNKNOWN_CMD\n", reply)
}

func TestDispatcher_Get_NotFound(t *testing.T) {
	addr := startDispatcher(t, &fakeHandler{
		GetFunc: func(key string) (string, bool) { return "", false },
	})
	reply := rawRoundTrip(t, addr, "GET missing")
	assert.Equal(t, "NOT_FOUND\n", reply)
}

func TestDispatcher_Get_Found(t *testing.T) {
	addr := startDispatcher(t, &fakeHandler{
		GetFunc: func(key string) (string, bool) { return "1", true },
	})
	reply := rawRoundTrip(t, addr, "GET a")
	assert.Equal(t, "1\n", reply)
}

func TestDispatcher_Put_RejectsEmptyValue(t *testing.T) {
	called := false
	addr := startDispatcher(t, &fakeHandler{
		PutFunc: func(ctx context.Context, key, value string) rpc.PutStatus {
			called = true
			return rpc.PutOK
		},
	})
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("PUT a\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERROR\n", line)
	assert.False(t, called)
}

func TestDispatcher_Put_DelegatesToHandler(t *testing.T) {
	addr := startDispatcher(t, &fakeHandler{
		PutFunc: func(ctx context.Context, key, value string) rpc.PutStatus {
			assert.Equal(t, "a", key)
			assert.Equal(t, "1", value)
			return rpc.PutNotLeader
		},
	})
	reply := rawRoundTrip(t, addr, "PUT a 1")
	assert.Equal(t, "NOT_LEADER\n", reply)
}

func TestClient_RequestVote_RoundTrip(t *testing.T) {
	addr := startDispatcher(t, &fakeHandler{
		RequestVoteFunc: func(args rpc.RequestVoteArgs) rpc.RequestVoteReply {
			assert.Equal(t, uint64(3), args.Term)
			assert.Equal(t, "9", args.CandidateID)
			return rpc.RequestVoteReply{Term: 3, VoteGranted: true}
		},
	})

	client := NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := client.RequestVote(ctx, addr, rpc.RequestVoteArgs{Term: 3, CandidateID: "9", LastLogIndex: 0, LastLogTerm: 0})
	require.NoError(t, err)
	assert.True(t, reply.VoteGranted)
	assert.Equal(t, uint64(3), reply.Term)
}

func TestClient_AppendEntries_RoundTripWithEntries(t *testing.T) {
	addr := startDispatcher(t, &fakeHandler{
		AppendEntriesFunc: func(args rpc.AppendEntriesArgs) rpc.AppendEntriesReply {
			require.Len(t, args.Entries, 1)
			assert.Equal(t, "a", args.Entries[0].Key)
			return rpc.AppendEntriesReply{Term: args.Term, Success: true, MatchIndex: args.Entries[0].Index}
		},
	})

	client := NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := client.AppendEntries(ctx, addr, rpc.AppendEntriesArgs{
		Term:         1,
		LeaderID:     "1",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []entry.Entry{{Index: 1, Term: 1, Op: entry.OpPut, Key: "a", Value: "1"}},
		LeaderCommit: 0,
	})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, uint64(1), reply.MatchIndex)
}

func TestClient_Heartbeat_RoundTrip(t *testing.T) {
	addr := startDispatcher(t, &fakeHandler{
		HeartbeatFunc: func(args rpc.HeartbeatArgs) rpc.HeartbeatReply {
			return rpc.HeartbeatReply{Term: args.Term}
		},
	})

	client := NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := client.Heartbeat(ctx, addr, rpc.HeartbeatArgs{Term: 7})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), reply.Term)
}

func TestClient_InstallSnapshot_RoundTripWithData(t *testing.T) {
	addr := startDispatcher(t, &fakeHandler{
		InstallSnapshotFunc: func(args rpc.InstallSnapshotArgs) rpc.InstallSnapshotReply {
			assert.Equal(t, []byte("hello"), args.Data)
			assert.True(t, args.Done)
			return rpc.InstallSnapshotReply{Term: args.Term}
		},
	})

	client := NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := client.InstallSnapshot(ctx, addr, rpc.InstallSnapshotArgs{
		Term:              2,
		LastIncludedIndex: 10,
		LastIncludedTerm:  2,
		Offset:            0,
		Data:              []byte("hello"),
		Done:              true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reply.Term)
}

func TestClient_RequestVote_FailsAfterRetriesWhenUnreachable(t *testing.T) {
	client := NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.RequestVote(ctx, "127.0.0.1:1", rpc.RequestVoteArgs{Term: 1, CandidateID: "1"})
	assert.Error(t, err)
}
