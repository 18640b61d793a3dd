// Package transport implements the network dispatcher and outbound RPC
// client, [MODULE E] of spec.md: a line-framed text protocol, one request
// per accepted connection.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"logkv/internal/entry"
	"logkv/internal/rpc"
)

// Verbs accepted by the dispatcher, exactly as spec.md §6's wire table.
const (
	verbPut             = "PUT"
	verbGet             = "GET"
	verbRequestVote     = "REQUEST_VOTE"
	verbAppendEntries   = "APPEND_ENTRIES"
	verbHeartbeat       = "HEARTBEAT"
	verbInstallSnapshot = "INSTALL_SNAPSHOT"
	verbExit            = "EXIT"
)

func writeLine(w *bufio.Writer, line string) error {
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	if _, err := w.WriteString("\n"); err != nil {
		return err
	}
	return w.Flush()
}

func encodePutRequest(key, value string) string {
	return fmt.Sprintf("%s %s %s", verbPut, key, value)
}

func encodeGetRequest(key string) string {
	return fmt.Sprintf("%s %s", verbGet, key)
}

func encodeRequestVoteRequest(args rpc.RequestVoteArgs) string {
	return fmt.Sprintf("%s %d %s %d %d", verbRequestVote, args.Term, args.CandidateID, args.LastLogIndex, args.LastLogTerm)
}

func parseRequestVoteRequest(fields []string) (rpc.RequestVoteArgs, error) {
	if len(fields) != 5 {
		return rpc.RequestVoteArgs{}, fmt.Errorf("transport: REQUEST_VOTE wants 4 operands, got %d", len(fields)-1)
	}
	term, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return rpc.RequestVoteArgs{}, err
	}
	lli, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return rpc.RequestVoteArgs{}, err
	}
	llt, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return rpc.RequestVoteArgs{}, err
	}
	return rpc.RequestVoteArgs{Term: term, CandidateID: fields[2], LastLogIndex: lli, LastLogTerm: llt}, nil
}

func encodeRequestVoteReply(reply rpc.RequestVoteReply) string {
	if reply.VoteGranted {
		return fmt.Sprintf("VOTE_GRANTED %d", reply.Term)
	}
	return fmt.Sprintf("VOTE_DENIED %d", reply.Term)
}

func parseRequestVoteReply(line string) (rpc.RequestVoteReply, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return rpc.RequestVoteReply{}, fmt.Errorf("transport: malformed RequestVote reply %q", line)
	}
	term, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return rpc.RequestVoteReply{}, err
	}
	return rpc.RequestVoteReply{Term: term, VoteGranted: fields[0] == "VOTE_GRANTED"}, nil
}

// encodeAppendEntriesHeader renders the header line; the caller is
// responsible for writing one entry.Encode() line per entry immediately
// after it, matching the WAL's own line format so the same codec need not
// be duplicated.
func encodeAppendEntriesHeader(args rpc.AppendEntriesArgs) string {
	return fmt.Sprintf("%s %d %s %d %d %d %d", verbAppendEntries, args.Term, args.LeaderID, args.PrevLogIndex, args.PrevLogTerm, args.LeaderCommit, len(args.Entries))
}

func parseAppendEntriesHeader(fields []string) (rpc.AppendEntriesArgs, int, error) {
	if len(fields) != 7 {
		return rpc.AppendEntriesArgs{}, 0, fmt.Errorf("transport: APPEND_ENTRIES wants 6 operands, got %d", len(fields)-1)
	}
	term, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return rpc.AppendEntriesArgs{}, 0, err
	}
	pli, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return rpc.AppendEntriesArgs{}, 0, err
	}
	plt, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return rpc.AppendEntriesArgs{}, 0, err
	}
	lc, err := strconv.ParseUint(fields[5], 10, 64)
	if err != nil {
		return rpc.AppendEntriesArgs{}, 0, err
	}
	n, err := strconv.Atoi(fields[6])
	if err != nil || n < 0 {
		return rpc.AppendEntriesArgs{}, 0, fmt.Errorf("transport: invalid entry count %q", fields[6])
	}
	return rpc.AppendEntriesArgs{Term: term, LeaderID: fields[2], PrevLogIndex: pli, PrevLogTerm: plt, LeaderCommit: lc}, n, nil
}

func readEntries(r *bufio.Reader, n int) ([]entry.Entry, error) {
	entries := make([]entry.Entry, 0, n)
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("transport: truncated entry list: %w", err)
		}
		e, err := entry.Decode(strings.TrimSpace(line))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func encodeAppendEntriesReply(reply rpc.AppendEntriesReply) string {
	if reply.Success {
		return fmt.Sprintf("ACK %d %d", reply.Term, reply.MatchIndex)
	}
	return fmt.Sprintf("NACK %d", reply.Term)
}

func parseAppendEntriesReply(line string) (rpc.AppendEntriesReply, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return rpc.AppendEntriesReply{}, fmt.Errorf("transport: empty AppendEntries reply")
	}
	switch fields[0] {
	case "ACK":
		if len(fields) != 3 {
			return rpc.AppendEntriesReply{}, fmt.Errorf("transport: malformed ACK reply %q", line)
		}
		term, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return rpc.AppendEntriesReply{}, err
		}
		matchIndex, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return rpc.AppendEntriesReply{}, err
		}
		return rpc.AppendEntriesReply{Term: term, Success: true, MatchIndex: matchIndex}, nil
	case "NACK":
		if len(fields) != 2 {
			return rpc.AppendEntriesReply{}, fmt.Errorf("transport: malformed NACK reply %q", line)
		}
		term, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return rpc.AppendEntriesReply{}, err
		}
		return rpc.AppendEntriesReply{Term: term, Success: false}, nil
	default:
		return rpc.AppendEntriesReply{}, fmt.Errorf("transport: unexpected AppendEntries reply verb %q", fields[0])
	}
}

func encodeHeartbeatRequest(args rpc.HeartbeatArgs) string {
	return fmt.Sprintf("%s %d", verbHeartbeat, args.Term)
}

func parseHeartbeatRequest(fields []string) (rpc.HeartbeatArgs, error) {
	if len(fields) != 2 {
		return rpc.HeartbeatArgs{}, fmt.Errorf("transport: HEARTBEAT wants 1 operand, got %d", len(fields)-1)
	}
	term, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return rpc.HeartbeatArgs{}, err
	}
	return rpc.HeartbeatArgs{Term: term}, nil
}

func encodeHeartbeatReply(reply rpc.HeartbeatReply) string {
	return fmt.Sprintf("OK %d", reply.Term)
}

func parseHeartbeatReply(line string) (rpc.HeartbeatReply, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "OK" {
		return rpc.HeartbeatReply{}, fmt.Errorf("transport: malformed Heartbeat reply %q", line)
	}
	term, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return rpc.HeartbeatReply{}, err
	}
	return rpc.HeartbeatReply{Term: term}, nil
}

// encodeInstallSnapshotHeader renders the header line; the caller writes
// args.Data's raw bytes immediately after it (no trailing newline — the
// length is carried in the header, not inferred from framing).
func encodeInstallSnapshotHeader(args rpc.InstallSnapshotArgs) string {
	done := 0
	if args.Done {
		done = 1
	}
	return fmt.Sprintf("%s %d %d %d %d %d %d", verbInstallSnapshot, args.Term, args.LastIncludedIndex, args.LastIncludedTerm, args.Offset, len(args.Data), done)
}

func parseInstallSnapshotHeader(fields []string) (rpc.InstallSnapshotArgs, int, error) {
	if len(fields) != 7 {
		return rpc.InstallSnapshotArgs{}, 0, fmt.Errorf("transport: INSTALL_SNAPSHOT wants 6 operands, got %d", len(fields)-1)
	}
	term, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return rpc.InstallSnapshotArgs{}, 0, err
	}
	lii, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return rpc.InstallSnapshotArgs{}, 0, err
	}
	lit, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return rpc.InstallSnapshotArgs{}, 0, err
	}
	off, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return rpc.InstallSnapshotArgs{}, 0, err
	}
	length, err := strconv.Atoi(fields[5])
	if err != nil || length < 0 {
		return rpc.InstallSnapshotArgs{}, 0, fmt.Errorf("transport: invalid snapshot chunk length %q", fields[5])
	}
	return rpc.InstallSnapshotArgs{Term: term, LastIncludedIndex: lii, LastIncludedTerm: lit, Offset: off, Done: fields[6] == "1"}, length, nil
}

func readExactly(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("transport: read snapshot chunk body: %w", err)
	}
	return buf, nil
}

func encodeInstallSnapshotReply(reply rpc.InstallSnapshotReply) string {
	return fmt.Sprintf("ACK %d", reply.Term)
}

func parseInstallSnapshotReply(line string) (rpc.InstallSnapshotReply, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "ACK" {
		return rpc.InstallSnapshotReply{}, fmt.Errorf("transport: malformed InstallSnapshot reply %q", line)
	}
	term, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return rpc.InstallSnapshotReply{}, err
	}
	return rpc.InstallSnapshotReply{Term: term}, nil
}
