package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/lifecycle"
	"github.com/hfortes/courier/internal/notify"
	"github.com/hfortes/courier/internal/outbox"
	"github.com/hfortes/courier/internal/remote"
	"github.com/hfortes/courier/internal/session"
	"github.com/hfortes/courier/internal/smsimport"
	"github.com/hfortes/courier/internal/state"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/zap"
)

// Request is one control command, newline-delimited JSON over the session
// socket.
type Request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers one request on the same line framing.
type Response struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Server is the control socket for a session daemon.
type Server struct {
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	machine    *lifecycle.Machine
	reconciler *state.Reconciler
	driver     *remote.Driver
	importer   *smsimport.Importer
	coalescer  *notify.Coalescer
	sender     *outbox.Sender
	db         *store.DB
	bus        *bus.Bus

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer binds the control server to the session's Unix socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	machine *lifecycle.Machine,
	reconciler *state.Reconciler,
	driver *remote.Driver,
	importer *smsimport.Importer,
	coalescer *notify.Coalescer,
	sender *outbox.Sender,
	db *store.DB,
	b *bus.Bus,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		machine:    machine,
		reconciler: reconciler,
		driver:     driver,
		importer:   importer,
		coalescer:  coalescer,
		sender:     sender,
		db:         db,
		bus:        b,
	}, nil
}

// Start accepts connections until stopped. Blocks.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener, waits for in-flight connections, and removes
// the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("control server stopping")
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(Response{Error: "malformed request: " + err.Error()})
			continue
		}
		_ = enc.Encode(s.dispatch(req))
	}
}

type chatArgs struct {
	Chat string `json:"chat"`
}

type pinMoveArgs struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type sendArgs struct {
	Chat string `json:"chat"`
	Text string `json:"text"`
}

type searchArgs struct {
	Query string `json:"query"`
	Chat  string `json:"chat,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type messagesArgs struct {
	Chat   string `json:"chat"`
	Before int64  `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case "status":
		st := s.machine.Current()
		return ok(map[string]interface{}{
			"phase":    string(st.Phase),
			"reason":   string(st.Reason),
			"progress": st.Progress,
			"message":  st.Message,
			"unread":   s.reconciler.UnreadCount(),
			"chats":    s.reconciler.Len(),
		})

	case "chats":
		return ok(s.reconciler.Snapshot())

	case "unread":
		return ok(s.reconciler.UnreadCount())

	case "sync":
		return s.startPass("incremental sync", s.driver.PerformIncrementalSync)

	case "fullsync":
		return s.startPass("full sync", s.driver.PerformFullSync)

	case "cleansync":
		return s.startPass("clean sync", s.driver.PerformCleanSync)

	case "disconnect":
		if err := s.driver.Disconnect(context.Background()); err != nil {
			return fail(err)
		}
		return ok("disconnected")

	case "sync-anyway":
		if err := s.driver.SyncAnywayOneTime(context.Background()); err != nil {
			return fail(err)
		}
		return ok("override armed")

	case "cancel":
		s.driver.Cancel()
		return ok("cancelled")

	case "reset":
		s.driver.ResetState()
		return ok("idle")

	case "import-sms":
		go func() {
			res := s.importer.ImportAll(context.Background(), nil)
			s.logger.Info("sms import finished",
				zap.Bool("success", res.Success),
				zap.Int("messages", res.MessagesImported),
				zap.String("error", res.Error))
		}()
		return ok("import started")

	case "mark-all-read":
		if err := s.reconciler.MarkAllRead(); err != nil {
			return fail(err)
		}
		return ok(s.reconciler.UnreadCount())

	case "mark-read":
		var args chatArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		if err := s.reconciler.MarkRead(args.Chat); err != nil {
			return fail(err)
		}
		s.coalescer.Dismiss(args.Chat)
		return ok("read")

	case "dismiss":
		var args chatArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		s.coalescer.Dismiss(args.Chat)
		return ok("dismissed")

	case "pin":
		var args chatArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		if err := s.reconciler.SetPinned(args.Chat, true); err != nil {
			return fail(err)
		}
		return ok("pinned")

	case "unpin":
		var args chatArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		if err := s.reconciler.SetPinned(args.Chat, false); err != nil {
			return fail(err)
		}
		return ok("unpinned")

	case "pin-move":
		var args pinMoveArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		if err := s.reconciler.ReorderPin(args.From, args.To); err != nil {
			return fail(err)
		}
		return ok("moved")

	case "delete":
		var args chatArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		if err := s.reconciler.SetDeleted(args.Chat, true); err != nil {
			return fail(err)
		}
		return ok("deleted")

	case "restore":
		var args chatArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		if err := s.reconciler.SetDeleted(args.Chat, false); err != nil {
			return fail(err)
		}
		return ok("restored")

	case "search":
		var args searchArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		if args.Limit <= 0 {
			args.Limit = 50
		}
		results, err := s.db.SearchMessages(args.Query, args.Chat, args.Limit)
		if err != nil {
			return fail(err)
		}
		return ok(results)

	case "messages":
		var args messagesArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		if args.Limit <= 0 {
			args.Limit = 50
		}
		msgs, err := s.db.ListMessages(args.Chat, args.Before, args.Limit)
		if err != nil {
			return fail(err)
		}
		return ok(msgs)

	case "send":
		var args sendArgs
		if err := parseArgs(req.Args, &args); err != nil {
			return fail(err)
		}
		if args.Chat == "" || args.Text == "" {
			return fail(errors.New("send requires chat and text"))
		}
		id, err := s.sender.Enqueue(args.Chat, args.Text)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]string{"client_msg_id": id})

	default:
		return Response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// startPass launches a sync pass in the background; the lifecycle machine
// carries its outcome.
func (s *Server) startPass(name string, run func(context.Context) error) Response {
	if st := s.machine.Current(); st.Phase == lifecycle.Syncing {
		return fail(lifecycle.ErrSyncActive)
	}
	go func() {
		if err := run(context.Background()); err != nil {
			s.logger.Warn(name+" failed", zap.Error(err))
		}
	}()
	return ok(name + " started")
}

func parseArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.New("missing args")
	}
	return json.Unmarshal(raw, v)
}

func ok(data interface{}) Response { return Response{OK: true, Data: data} }
func fail(err error) Response      { return Response{Error: err.Error()} }
