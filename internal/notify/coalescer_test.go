package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/state"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/goleak"
)

const testDelay = 40 * time.Millisecond

type fakeNotifier struct {
	mu      sync.Mutex
	shown   []Notification
	cleared []string
	showCh  chan Notification
	clearCh chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		showCh:  make(chan Notification, 16),
		clearCh: make(chan string, 16),
	}
}

func (n *fakeNotifier) Show(notif Notification) error {
	n.mu.Lock()
	n.shown = append(n.shown, notif)
	n.mu.Unlock()
	n.showCh <- notif
	return nil
}

func (n *fakeNotifier) Clear(chatGUID string) error {
	n.mu.Lock()
	n.cleared = append(n.cleared, chatGUID)
	n.mu.Unlock()
	n.clearCh <- chatGUID
	return nil
}

func awaitShow(t *testing.T, n *fakeNotifier) Notification {
	t.Helper()
	select {
	case notif := <-n.showCh:
		return notif
	case <-time.After(2 * time.Second):
		t.Fatal("no notification flushed")
		return Notification{}
	}
}

func assertNoShow(t *testing.T, n *fakeNotifier, within time.Duration) {
	t.Helper()
	select {
	case notif := <-n.showCh:
		t.Fatalf("unexpected notification: %+v", notif)
	case <-time.After(within):
	}
}

func TestMultiSenderLinesArePrefixed(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newFakeNotifier()
	c := NewCoalescer(n, testDelay, nil)
	defer c.Close()

	c.OnIncomingMessage("chat1", Item{Sender: "A", Text: "msg1"})
	c.OnIncomingMessage("chat1", Item{Sender: "A", Text: "msg2"})
	c.OnIncomingMessage("chat1", Item{Sender: "B", Text: "msg3"})

	notif := awaitShow(t, n)
	want := "A: msg1\nA: msg2\nB: msg3"
	if notif.Body != want {
		t.Fatalf("body = %q, want %q", notif.Body, want)
	}
	if notif.ChatGUID != "chat1" {
		t.Fatalf("key = %q", notif.ChatGUID)
	}
}

func TestSingleSenderOmitsPrefix(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newFakeNotifier()
	c := NewCoalescer(n, testDelay, nil)
	defer c.Close()

	c.OnIncomingMessage("chat1", Item{Sender: "A", Text: "msg1"})
	c.OnIncomingMessage("chat1", Item{Sender: "A", Text: "msg2"})

	notif := awaitShow(t, n)
	if notif.Body != "msg1\nmsg2" {
		t.Fatalf("body = %q, want unprefixed lines", notif.Body)
	}
	if notif.Title != "A" {
		t.Fatalf("title = %q, want sender name", notif.Title)
	}
}

func TestDebounceResetsOnEachArrival(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newFakeNotifier()
	c := NewCoalescer(n, 60*time.Millisecond, nil)
	defer c.Close()

	c.OnIncomingMessage("chat1", Item{Sender: "A", Text: "one"})
	time.Sleep(35 * time.Millisecond)
	c.OnIncomingMessage("chat1", Item{Sender: "A", Text: "two"})
	// First item's original deadline has passed; the reset must have
	// swallowed it.
	assertNoShow(t, n, 40*time.Millisecond)

	notif := awaitShow(t, n)
	if notif.Body != "one\ntwo" {
		t.Fatalf("body = %q, want both items in one flush", notif.Body)
	}
}

func TestOverflowCollapsesOldItems(t *testing.T) {
	defer goleak.VerifyNone(t)
	notif := Consolidate("chat1", []Item{
		{Sender: "A", Text: "m1"},
		{Sender: "A", Text: "m2"},
		{Sender: "A", Text: "m3"},
		{Sender: "A", Text: "m4"},
		{Sender: "A", Text: "m5"},
		{Sender: "A", Text: "m6"},
	})
	lines := strings.Split(notif.Body, "\n")
	if lines[0] != "+2 earlier messages" {
		t.Fatalf("first line = %q, want overflow summary", lines[0])
	}
	if len(lines) != 5 || lines[1] != "m3" || lines[4] != "m6" {
		t.Fatalf("lines = %v, want the 4 most recent after the summary", lines)
	}
}

func TestLongLinesTruncate(t *testing.T) {
	long := strings.Repeat("x", 100)
	notif := Consolidate("chat1", []Item{{Sender: "A", Text: long}})
	if got := len([]rune(notif.Body)); got != charsPerLine {
		t.Fatalf("line length = %d, want %d", got, charsPerLine)
	}
	if !strings.HasSuffix(notif.Body, "…") {
		t.Fatalf("body %q not marked truncated", notif.Body)
	}
}

func TestReactionTitleSuppressesSender(t *testing.T) {
	notif := Consolidate("chat1", []Item{{Sender: "A", Text: `Reacted "!!" to your message`, Reaction: true}})
	if notif.Title != "New reaction" {
		t.Fatalf("title = %q", notif.Title)
	}
}

func TestDismissDropsQueueWithoutFlush(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newFakeNotifier()
	c := NewCoalescer(n, testDelay, nil)
	defer c.Close()

	c.OnIncomingMessage("chat1", Item{Sender: "A", Text: "msg"})
	c.Dismiss("chat1")

	select {
	case guid := <-n.clearCh:
		if guid != "chat1" {
			t.Fatalf("cleared %q", guid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never cleared")
	}
	assertNoShow(t, n, 3*testDelay)
}

func TestSameChatReplacesByStableKey(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newFakeNotifier()
	c := NewCoalescer(n, testDelay, nil)
	defer c.Close()

	c.OnIncomingMessage("chat1", Item{Sender: "A", Text: "first"})
	first := awaitShow(t, n)
	c.OnIncomingMessage("chat1", Item{Sender: "A", Text: "second"})
	second := awaitShow(t, n)

	if first.ChatGUID != second.ChatGUID {
		t.Fatalf("keys differ: %q vs %q", first.ChatGUID, second.ChatGUID)
	}
	if second.Body != "second" {
		t.Fatalf("second flush body = %q, want only the new item", second.Body)
	}
}

func TestBusFeedSkipsOwnMessages(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newFakeNotifier()
	b := bus.New()
	c := NewCoalescer(n, testDelay, nil)
	c.Start(context.Background(), b)
	defer c.Close()

	b.Publish(bus.Event{Kind: bus.KindIngestMessage, Payload: state.MessagePayload{
		Message: &store.Message{GUID: "m1", ChatGUID: "chat1", SenderName: "A", Text: "hi"},
	}})
	b.Publish(bus.Event{Kind: bus.KindIngestMessage, Payload: state.MessagePayload{
		Message: &store.Message{GUID: "m2", ChatGUID: "chat1", Text: "me", FromMe: true},
	}})

	notif := awaitShow(t, n)
	if notif.Body != "hi" {
		t.Fatalf("body = %q, want only the inbound message", notif.Body)
	}
	assertNoShow(t, n, 2*testDelay)
}

func TestCloseStopsAllWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newFakeNotifier()
	c := NewCoalescer(n, time.Minute, nil)

	for _, guid := range []string{"a", "b", "c"} {
		c.OnIncomingMessage(guid, Item{Sender: "X", Text: "pending"})
	}
	c.Close()

	// Queued items were dropped, not flushed.
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.shown) != 0 {
		t.Fatalf("close flushed %d notifications", len(n.shown))
	}
}
