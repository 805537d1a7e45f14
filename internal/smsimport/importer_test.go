package smsimport

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/state"
	"github.com/hfortes/courier/internal/store"
)

type stubProvider struct {
	permission bool
	threads    []Thread
	messages   map[string][]TextMessage
	// failThread makes Messages error for that thread id.
	failThread string
}

func (p *stubProvider) HasPermission(context.Context) bool { return p.permission }

func (p *stubProvider) Threads(context.Context) ([]Thread, error) {
	return p.threads, nil
}

func (p *stubProvider) Messages(_ context.Context, threadID string) ([]TextMessage, error) {
	if threadID == p.failThread {
		return nil, fmt.Errorf("sms database went away")
	}
	return p.messages[threadID], nil
}

type fakeImportStore struct {
	mu       sync.Mutex
	messages map[string]*store.Message
	calls    int
}

func newFakeImportStore() *fakeImportStore {
	return &fakeImportStore{messages: make(map[string]*store.Message)}
}

func (s *fakeImportStore) UpsertMessages(msgs []*store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for _, m := range msgs {
		s.messages[m.GUID] = m
	}
	return nil
}

func TestImportAllWritesSmsOrigin(t *testing.T) {
	p := &stubProvider{
		permission: true,
		threads: []Thread{
			{ID: "t1", Address: "+15550001", DisplayName: "Alice"},
			{ID: "t2", Address: "+15550002"},
		},
		messages: map[string][]TextMessage{
			"t1": {
				{ID: "1", ThreadID: "t1", Address: "+15550001", Body: "hi", DateMs: 100},
				{ID: "2", ThreadID: "t1", Body: "yo", FromMe: true, DateMs: 200},
			},
			"t2": {
				{ID: "3", ThreadID: "t2", Address: "+15550002", Body: "hey", DateMs: 50},
			},
		},
	}
	db := newFakeImportStore()
	b := bus.New()
	batches, unsub := b.Subscribe(bus.KindIngestBatch, 16)
	defer unsub()

	var progress []Progress
	im := NewImporter(p, db, b, nil)
	res := im.ImportAll(context.Background(), func(cur, total int) {
		progress = append(progress, Progress{Current: cur, Total: total})
	})

	if !res.Success || res.MessagesImported != 3 || res.Error != "" {
		t.Fatalf("result = %+v, want success with 3 messages", res)
	}
	for guid, m := range db.messages {
		if m.Origin != store.OriginSMS {
			t.Fatalf("message %s origin = %q, want %q", guid, m.Origin, store.OriginSMS)
		}
	}
	if len(progress) != 2 || progress[1] != (Progress{Current: 2, Total: 2}) {
		t.Fatalf("progress = %v", progress)
	}

	// Each thread becomes one chat batch carrying its latest message.
	seen := map[string]state.BatchPayload{}
	for len(batches) > 0 {
		evt := <-batches
		p := evt.Payload.(state.BatchPayload)
		seen[p.Chats[0].GUID] = p
	}
	alice, ok := seen[ChatGUID("+15550001")]
	if !ok {
		t.Fatalf("no batch for alice, got %v", seen)
	}
	c := alice.Chats[0]
	if c.Origin != store.OriginSMS || c.DisplayName != "Alice" {
		t.Fatalf("chat = %+v", c)
	}
	if c.LatestGUID == nil || *c.LatestGUID != "sms:2" || c.LatestAt != 200 {
		t.Fatalf("latest = %v at %d, want sms:2 at 200", c.LatestGUID, c.LatestAt)
	}
}

func TestImportPermissionDeniedIsTypedResult(t *testing.T) {
	p := &stubProvider{permission: false}
	b := bus.New()
	done, unsub := b.Subscribe(bus.KindImportDone, 4)
	defer unsub()

	res := NewImporter(p, newFakeImportStore(), b, nil).ImportAll(context.Background(), nil)
	if res.Success || res.Error != ErrPermissionDenied.Error() {
		t.Fatalf("result = %+v, want typed permission failure", res)
	}
	select {
	case evt := <-done:
		if r := evt.Payload.(Result); r.Success {
			t.Fatalf("done event = %+v", r)
		}
	default:
		t.Fatal("no import done event")
	}
}

func TestImportPartialFailureKeepsImported(t *testing.T) {
	p := &stubProvider{
		permission: true,
		threads: []Thread{
			{ID: "t1", Address: "+15550001"},
			{ID: "t2", Address: "+15550002"},
		},
		messages: map[string][]TextMessage{
			"t1": {{ID: "1", ThreadID: "t1", Address: "+15550001", Body: "hi", DateMs: 10}},
		},
		failThread: "t2",
	}
	db := newFakeImportStore()
	res := NewImporter(p, db, bus.New(), nil).ImportAll(context.Background(), nil)

	if res.Success {
		t.Fatal("partial failure reported success")
	}
	if res.MessagesImported != 1 {
		t.Fatalf("imported = %d, want 1", res.MessagesImported)
	}
	if _, ok := db.messages["sms:1"]; !ok {
		t.Fatal("successfully imported message was lost")
	}
}

func TestImportRerunIsIdempotent(t *testing.T) {
	p := &stubProvider{
		permission: true,
		threads:    []Thread{{ID: "t1", Address: "+15550001"}},
		messages: map[string][]TextMessage{
			"t1": {{ID: "1", ThreadID: "t1", Address: "+15550001", Body: "hi", DateMs: 10}},
		},
	}
	db := newFakeImportStore()
	im := NewImporter(p, db, bus.New(), nil)

	for i := 0; i < 2; i++ {
		if res := im.ImportAll(context.Background(), nil); !res.Success {
			t.Fatalf("run %d: %+v", i, res)
		}
	}
	if len(db.messages) != 1 {
		t.Fatalf("store holds %d messages after rerun, want 1", len(db.messages))
	}
}

func TestImportSkipsMalformedRecords(t *testing.T) {
	p := &stubProvider{
		permission: true,
		threads:    []Thread{{ID: "t1", Address: "+15550001"}},
		messages: map[string][]TextMessage{
			"t1": {
				{ID: "1", ThreadID: "t1", Address: "+15550001", Body: "ok", DateMs: 10},
				{ID: "", ThreadID: "t1", Body: "no id", DateMs: 20},
				{ID: "3", ThreadID: "t1", Body: "bad time", DateMs: -5},
			},
		},
	}
	db := newFakeImportStore()
	res := NewImporter(p, db, bus.New(), nil).ImportAll(context.Background(), nil)

	if !res.Success || res.MessagesImported != 1 {
		t.Fatalf("result = %+v, want success with 1 message", res)
	}
	if _, ok := db.messages["sms:1"]; !ok {
		t.Fatal("valid record missing")
	}
}
