package transport

import (
	"bufio"
	"context"
	"log"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"logkv/internal/entry"
	"logkv/internal/rpc"
)

// ConsensusHandler is the inbound half of the consensus core's surface,
// satisfied structurally by internal/node.Node (which delegates the RPC
// methods straight through to its *raftcore.Core and answers PUT/GET
// itself; PUT arguments are validated here before it is called). Declaring it here, rather than
// importing raftcore, keeps transport free of a dependency on raftcore.
type ConsensusHandler interface {
	HandleRequestVote(rpc.RequestVoteArgs) rpc.RequestVoteReply
	HandleAppendEntries(rpc.AppendEntriesArgs) rpc.AppendEntriesReply
	HandleHeartbeat(rpc.HeartbeatArgs) rpc.HeartbeatReply
	HandleInstallSnapshot(rpc.InstallSnapshotArgs) rpc.InstallSnapshotReply
	HandlePut(ctx context.Context, key, value string) rpc.PutStatus
	HandleGet(key string) (value string, found bool)
}

// Dispatcher is the network listener of spec.md §4.E: one request per
// accepted connection, framed by newline. It owns no consensus state
// beyond the connection itself; every verb is delegated to handler.
type Dispatcher struct {
	listener net.Listener
	handler  ConsensusHandler
}

// Listen starts accepting connections on addr. The caller should run
// Serve in its own goroutine and call Close on shutdown.
func Listen(addr string, handler ConsensusHandler) (*Dispatcher, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{listener: lis, handler: handler}, nil
}

// Addr returns the listener's bound address, useful when addr was
// "host:0" and the OS picked a port.
func (d *Dispatcher) Addr() net.Addr {
	return d.listener.Addr()
}

// Serve accepts connections until the listener is closed, matching the
// teacher's StartServer's blocking Accept loop but over net.Listener
// instead of a grpc.Server.
func (d *Dispatcher) Serve() error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return err
		}
		go d.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (d *Dispatcher) Close() error {
	return d.listener.Close()
}

func (d *Dispatcher) handleConn(conn net.Conn) {
	defer conn.Close()

	traceID := uuid.New().String()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		// Nothing was sent before the peer closed; per spec.md §7,
		// protocol parse errors on inbound peer RPCs get no reply.
		return
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	verb := fields[0]

	log.Printf("[TRANSPORT-%s] verb=%s remote=%s", traceID, verb, conn.RemoteAddr())

	switch verb {
	case verbPut:
		d.dispatchPut(writer, fields)
	case verbGet:
		d.dispatchGet(writer, fields)
	case verbRequestVote:
		d.dispatchRequestVote(writer, fields)
	case verbAppendEntries:
		d.dispatchAppendEntries(writer, reader, fields)
	case verbHeartbeat:
		d.dispatchHeartbeat(writer, fields)
	case verbInstallSnapshot:
		d.dispatchInstallSnapshot(writer, reader, fields)
	case verbExit:
		return
	default:
		_ = writeLine(writer, "UNKNOWN_CMD")
	}
}

func (d *Dispatcher) dispatchPut(w *bufio.Writer, fields []string) {
	if len(fields) != 3 || !entry.ValidKeyValue(fields[1], fields[2]) {
		_ = writeLine(w, string(rpc.PutError))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status := d.handler.HandlePut(ctx, fields[1], fields[2])
	if status == rpc.PutError && ctx.Err() != nil {
		// Commitment did not finish in time: no reply, the connection is
		// simply closed.
		return
	}
	_ = writeLine(w, string(status))
}

func (d *Dispatcher) dispatchGet(w *bufio.Writer, fields []string) {
	if len(fields) != 2 {
		_ = writeLine(w, string(rpc.PutError))
		return
	}
	value, found := d.handler.HandleGet(fields[1])
	if !found {
		_ = writeLine(w, "NOT_FOUND")
		return
	}
	_ = writeLine(w, value)
}

func (d *Dispatcher) dispatchRequestVote(w *bufio.Writer, fields []string) {
	args, err := parseRequestVoteRequest(fields)
	if err != nil {
		return
	}
	reply := d.handler.HandleRequestVote(args)
	_ = writeLine(w, encodeRequestVoteReply(reply))
}

func (d *Dispatcher) dispatchAppendEntries(w *bufio.Writer, r *bufio.Reader, fields []string) {
	args, n, err := parseAppendEntriesHeader(fields)
	if err != nil {
		return
	}
	entries, err := readEntries(r, n)
	if err != nil {
		return
	}
	args.Entries = entries
	reply := d.handler.HandleAppendEntries(args)
	_ = writeLine(w, encodeAppendEntriesReply(reply))
}

func (d *Dispatcher) dispatchHeartbeat(w *bufio.Writer, fields []string) {
	args, err := parseHeartbeatRequest(fields)
	if err != nil {
		return
	}
	reply := d.handler.HandleHeartbeat(args)
	_ = writeLine(w, encodeHeartbeatReply(reply))
}

func (d *Dispatcher) dispatchInstallSnapshot(w *bufio.Writer, r *bufio.Reader, fields []string) {
	args, length, err := parseInstallSnapshotHeader(fields)
	if err != nil {
		return
	}
	data, err := readExactly(r, length)
	if err != nil {
		return
	}
	args.Data = data
	reply := d.handler.HandleInstallSnapshot(args)
	_ = writeLine(w, encodeInstallSnapshotReply(reply))
}
