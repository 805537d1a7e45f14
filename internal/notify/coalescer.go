// Package notify coalesces rapid-fire incoming messages into one
// notification per chat after a quiet period, so a bulk sync does not spam
// the user with one notification per message.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/state"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a chat's queued items flush.
const DefaultDebounce = time.Second

// Line budget for one consolidated notification body.
const (
	maxLines     = 4
	charsPerLine = 40
)

// Item is one queued incoming-message summary.
type Item struct {
	Sender     string
	Text       string
	Reaction   bool
	GroupEvent bool
}

// Notification is what the platform layer renders. The chat GUID is the
// stable key: showing again for the same chat replaces the previous one.
type Notification struct {
	ChatGUID string
	Title    string
	Body     string
}

// Notifier is the platform notification capability the coalescer drives.
type Notifier interface {
	Show(n Notification) error
	Clear(chatGUID string) error
}

type cmdKind int

const (
	cmdItem cmdKind = iota
	cmdDismiss
)

type command struct {
	kind cmdKind
	item Item
}

// Coalescer owns one worker goroutine per chat with pending items. Each
// worker holds its own queue and debounce timer, so there is no shared
// timer map to race on.
type Coalescer struct {
	notifier Notifier
	delay    time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	workers map[string]chan command
	closed  bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewCoalescer creates a coalescer flushing after delay of quiet.
func NewCoalescer(notifier Notifier, delay time.Duration, logger *zap.Logger) *Coalescer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coalescer{
		notifier: notifier,
		delay:    delay,
		logger:   logger,
		workers:  make(map[string]chan command),
	}
}

// Start subscribes to incoming-message events on the bus. Messages sent by
// this device never notify.
func (c *Coalescer) Start(ctx context.Context, b *bus.Bus) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := b.Subscribe(bus.KindIngestMessage, 256)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				var msg *store.Message
				switch p := evt.Payload.(type) {
				case *store.Message:
					msg = p
				case state.MessagePayload:
					msg = p.Message
				default:
					continue
				}
				if msg == nil || msg.FromMe || msg.Hidden {
					continue
				}
				sender := msg.SenderName
				if sender == "" {
					sender = msg.Sender
				}
				c.OnIncomingMessage(msg.ChatGUID, Item{
					Sender:     sender,
					Text:       msg.Text,
					Reaction:   msg.IsReaction,
					GroupEvent: msg.IsGroupEvent,
				})
			case <-ctx.Done():
				return
			}
		}
	}()
}

// OnIncomingMessage queues one item for the chat and resets its debounce
// timer: the flush moment is always strictly after the last arrival.
func (c *Coalescer) OnIncomingMessage(chatGUID string, item Item) {
	c.send(chatGUID, command{kind: cmdItem, item: item})
}

// Dismiss drops the chat's queued items and clears any visible notification
// without flushing. Used when the user opens or reads the chat.
func (c *Coalescer) Dismiss(chatGUID string) {
	c.send(chatGUID, command{kind: cmdDismiss})
}

// Close stops every worker. Queued items are dropped, not flushed.
func (c *Coalescer) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	for _, ch := range c.workers {
		close(ch)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coalescer) send(chatGUID string, cmd command) {
	if chatGUID == "" {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ch, ok := c.workers[chatGUID]
	if !ok {
		ch = make(chan command, 64)
		c.workers[chatGUID] = ch
		c.wg.Add(1)
		go c.runWorker(chatGUID, ch)
	}
	c.mu.Unlock()

	select {
	case ch <- cmd:
	default:
		c.logger.Warn("notification queue full, dropping item", zap.String("chat", chatGUID))
	}
}

func (c *Coalescer) runWorker(chatGUID string, ch chan command) {
	defer c.wg.Done()

	var queue []Item
	timer := time.NewTimer(c.delay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	disarm := func() {
		if armed && !timer.Stop() {
			<-timer.C
		}
		armed = false
	}

	for {
		select {
		case cmd, ok := <-ch:
			if !ok {
				disarm()
				return
			}
			switch cmd.kind {
			case cmdItem:
				queue = append(queue, cmd.item)
				disarm()
				timer.Reset(c.delay)
				armed = true
			case cmdDismiss:
				queue = nil
				disarm()
				if err := c.notifier.Clear(chatGUID); err != nil {
					c.logger.Warn("failed to clear notification", zap.Error(err), zap.String("chat", chatGUID))
				}
			}
		case <-timer.C:
			armed = false
			if len(queue) == 0 {
				continue
			}
			n := Consolidate(chatGUID, queue)
			queue = nil
			if err := c.notifier.Show(n); err != nil {
				c.logger.Warn("failed to show notification", zap.Error(err), zap.String("chat", chatGUID))
			}
		}
	}
}

// Consolidate builds the single notification for a burst of items. Lines are
// sender-prefixed only when more than one distinct sender contributed; the
// most recent items fill the line budget and older ones collapse into an
// overflow count.
func Consolidate(chatGUID string, items []Item) Notification {
	senders := distinctSenders(items)

	title := "New messages"
	if len(senders) == 1 && senders[0] != "" {
		only := items[len(items)-1]
		switch {
		case allReactions(items):
			// A lone reactor gets no "from X" framing; the text carries it.
			title = "New reaction"
		case only.GroupEvent && len(items) == 1:
			title = "Group update"
		default:
			title = senders[0]
		}
	} else if len(items) > 1 {
		title = fmt.Sprintf("%d new messages", len(items))
	}

	shown := items
	overflow := 0
	if len(shown) > maxLines {
		overflow = len(shown) - maxLines
		shown = shown[overflow:]
	}

	lines := make([]string, 0, len(shown)+1)
	if overflow > 0 {
		lines = append(lines, fmt.Sprintf("+%d earlier messages", overflow))
	}
	prefix := len(senders) > 1
	for _, it := range shown {
		lines = append(lines, renderLine(it, prefix))
	}

	return Notification{ChatGUID: chatGUID, Title: title, Body: strings.Join(lines, "\n")}
}

func renderLine(it Item, senderPrefix bool) string {
	line := it.Text
	if senderPrefix && it.Sender != "" && !it.GroupEvent {
		line = it.Sender + ": " + it.Text
	}
	if r := []rune(line); len(r) > charsPerLine {
		line = string(r[:charsPerLine-1]) + "…"
	}
	return line
}

func distinctSenders(items []Item) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, it := range items {
		if it.GroupEvent {
			continue
		}
		if _, ok := seen[it.Sender]; !ok {
			seen[it.Sender] = struct{}{}
			out = append(out, it.Sender)
		}
	}
	return out
}

func allReactions(items []Item) bool {
	for _, it := range items {
		if !it.Reaction {
			return false
		}
	}
	return true
}
