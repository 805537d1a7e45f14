package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type mockSender struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockSender) SendText(_ context.Context, chatGUID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, chatGUID+"|"+text)
	if m.err != nil {
		return "", m.err
	}
	return "srv-" + fmt.Sprint(len(m.calls)), nil
}

func TestSenderDrainsQueue(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{}
	s := NewSender(db, mock, b, nil)

	acks, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	id, err := s.Enqueue("chat1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.ProcessPending(context.Background())

	select {
	case evt := <-acks:
		ack := evt.Payload.(Ack)
		if ack.ClientMsgID != id || ack.ServerGUID == "" {
			t.Fatalf("ack = %+v", ack)
		}
	default:
		t.Fatal("no send ack published")
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("queue still holds %d entries", len(pending))
	}
	if len(mock.calls) != 1 || mock.calls[0] != "chat1|hello" {
		t.Fatalf("calls = %v", mock.calls)
	}
}

// The optimistic insert makes the message visible before the server
// acknowledges it; a failure afterwards marks the queue entry failed but
// keeps the message row.
func TestSenderOptimisticInsert(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	s := NewSender(db, &mockSender{}, b, nil)

	ingest, unsub := b.Subscribe(bus.KindIngestMessage, 10)
	defer unsub()

	id, err := s.Enqueue("chat1", "optimistic")
	if err != nil {
		t.Fatal(err)
	}
	s.ProcessPending(context.Background())

	select {
	case evt := <-ingest:
		msg := evt.Payload.(*store.Message)
		if msg.GUID != id || !msg.FromMe || msg.Text != "optimistic" {
			t.Fatalf("ingest payload = %+v", msg)
		}
	default:
		t.Fatal("no optimistic ingest event")
	}

	msgs, err := db.ListMessages("chat1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "optimistic" || !msgs[0].FromMe {
		t.Fatalf("messages = %+v, want the optimistic row", msgs)
	}
}

func TestSenderMarksFailed(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	s := NewSender(db, &mockSender{err: fmt.Errorf("timeout")}, b, nil)

	failed, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	id, err := s.Enqueue("chat1", "will-fail")
	if err != nil {
		t.Fatal(err)
	}
	s.ProcessPending(context.Background())

	select {
	case evt := <-failed:
		ack := evt.Payload.(Ack)
		if ack.ClientMsgID != id || ack.Error != "timeout" {
			t.Fatalf("ack = %+v", ack)
		}
	default:
		t.Fatal("no send failure published")
	}

	// Not pending anymore, but the failed row keeps its error for retry UX.
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("failed entry still pending: %v", pending)
	}
}

func TestSenderLoopStops(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, &mockSender{}, bus.New(), nil)

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
}
