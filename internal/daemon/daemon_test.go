package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/lifecycle"
	"github.com/hfortes/courier/internal/lock"
	"github.com/hfortes/courier/internal/notify"
	"github.com/hfortes/courier/internal/outbox"
	"github.com/hfortes/courier/internal/remote"
	"github.com/hfortes/courier/internal/smsimport"
	"github.com/hfortes/courier/internal/state"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/zap"
)

type stubBridge struct {
	chats []remote.ChatRecord
}

func (b *stubBridge) Ping(context.Context) error             { return nil }
func (b *stubBridge) ChatCount(context.Context) (int, error) { return len(b.chats), nil }
func (b *stubBridge) Chats(_ context.Context, offset, limit int) ([]remote.ChatRecord, error) {
	if offset >= len(b.chats) {
		return nil, nil
	}
	end := offset + limit
	if end > len(b.chats) {
		end = len(b.chats)
	}
	return b.chats[offset:end], nil
}
func (b *stubBridge) ChatsSince(context.Context, int64) ([]remote.ChatRecord, error) {
	return b.chats, nil
}
func (b *stubBridge) Messages(context.Context, string, int) ([]remote.MessageRecord, error) {
	return nil, nil
}
func (b *stubBridge) ClearRegistration(context.Context) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Show(notify.Notification) error { return nil }
func (nopNotifier) Clear(string) error             { return nil }

// startTestDaemon wires real components onto a temp session and returns a
// connected control client.
func startTestDaemon(t *testing.T, bridge remote.Bridge) *bufio.ReadWriter {
	t.Helper()

	// Short path to stay under the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "courier-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lk.Release() })

	db, err := store.Open(filepath.Join(tmpDir, "courier.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	b := bus.New()
	machine := lifecycle.NewMachine(b)
	reconciler := state.NewReconciler(db, b, logger)
	if err := reconciler.Load(); err != nil {
		t.Fatal(err)
	}
	reconciler.Start(context.Background())
	t.Cleanup(reconciler.Stop)

	driver := remote.NewDriver(bridge, staticNetwork{}, db, b, machine, remote.Config{}, logger)
	importer := smsimport.NewImporter(noSMSProvider{}, db, b, logger)
	coalescer := notify.NewCoalescer(nopNotifier{}, 10*time.Millisecond, logger)
	t.Cleanup(coalescer.Close)
	sender := outbox.NewSender(db, unconfiguredSender{}, b, logger)

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath},
		logger, machine, reconciler, driver, importer, coalescer, sender, db, b)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() { srv.Stop(context.Background()) })

	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
}

func roundTrip(t *testing.T, rw *bufio.ReadWriter, req Request) Response {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rw.Write(append(payload, '\n')); err != nil {
		t.Fatal(err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatal(err)
	}
	line, err := rw.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("malformed response %q: %v", line, err)
	}
	return resp
}

func TestControlStatusAndSync(t *testing.T) {
	rw := startTestDaemon(t, &stubBridge{chats: []remote.ChatRecord{
		{GUID: "c1", DisplayName: "One"},
		{GUID: "c2", DisplayName: "Two"},
	}})

	resp := roundTrip(t, rw, Request{Op: "status"})
	if !resp.OK {
		t.Fatalf("status failed: %s", resp.Error)
	}
	data := resp.Data.(map[string]interface{})
	if data["phase"] != string(lifecycle.Idle) {
		t.Fatalf("phase = %v, want idle", data["phase"])
	}

	if resp := roundTrip(t, rw, Request{Op: "fullsync"}); !resp.OK {
		t.Fatalf("fullsync failed: %s", resp.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = roundTrip(t, rw, Request{Op: "status"})
		data = resp.Data.(map[string]interface{})
		if data["phase"] == string(lifecycle.Completed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sync never completed: %+v", data)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The reconciler consumed the batches the driver published.
	deadline = time.Now().Add(2 * time.Second)
	for {
		resp = roundTrip(t, rw, Request{Op: "chats"})
		if chats, ok := resp.Data.([]interface{}); ok && len(chats) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("chats = %+v, want 2 entries", resp.Data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControlMarkAllRead(t *testing.T) {
	rw := startTestDaemon(t, &stubBridge{})

	resp := roundTrip(t, rw, Request{Op: "mark-all-read"})
	if !resp.OK {
		t.Fatalf("mark-all-read failed: %s", resp.Error)
	}
	if n, ok := resp.Data.(float64); !ok || n != 0 {
		t.Fatalf("unread after mark-all-read = %v, want 0", resp.Data)
	}
}

func TestControlUnknownOp(t *testing.T) {
	rw := startTestDaemon(t, &stubBridge{})

	resp := roundTrip(t, rw, Request{Op: "bogus"})
	if resp.OK || resp.Error == "" {
		t.Fatalf("response = %+v, want error", resp)
	}
}

func TestControlMalformedLine(t *testing.T) {
	rw := startTestDaemon(t, &stubBridge{})

	if _, err := rw.WriteString("not json\n"); err != nil {
		t.Fatal(err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatal(err)
	}
	line, err := rw.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Error == "" {
		t.Fatalf("response = %+v, want malformed-request error", resp)
	}
}

func TestControlSendQueuesOutbox(t *testing.T) {
	rw := startTestDaemon(t, &stubBridge{})

	args, _ := json.Marshal(sendArgs{Chat: "c1", Text: "hello"})
	resp := roundTrip(t, rw, Request{Op: "send", Args: args})
	if !resp.OK {
		t.Fatalf("send failed: %s", resp.Error)
	}
	data := resp.Data.(map[string]interface{})
	if data["client_msg_id"] == "" {
		t.Fatal("no client msg id assigned")
	}
}
