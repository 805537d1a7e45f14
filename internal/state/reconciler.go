package state

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/zap"
)

// Store is the slice of the durable store the reconciler needs. *store.DB
// satisfies it; tests substitute a recording fake to assert write batching.
type Store interface {
	GetAllChats() ([]store.Chat, error)
	GetLatestMessages(chatGUIDs []string) (map[string]*store.Message, error)
	PutMany(chats []*store.Chat) error
	SoftDelete(guid string) error
	UnDelete(guid string) error
	DeleteChat(guid string) error
	ContactNames(addresses []string) (map[string]string, error)
	SetCheckpoint(key, value string) error
}

// BatchPayload is the bus payload for driver-originated chat batches.
type BatchPayload struct {
	Chats []*store.Chat
	// Force marks a bulk resync: latest-message monotonicity is bypassed so
	// the server's view wins even when timestamps are ambiguous.
	Force bool
}

// MessagePayload is the bus payload for a single driver-originated message.
type MessagePayload struct {
	Message *store.Message
	Force   bool
}

// ResetPayload asks the reconciler to drop every entry with the given
// origin. Published after a clean-sync wipe or a disconnect; the store rows
// were already deleted by the driver.
type ResetPayload struct {
	Origin string
}

// Reconciler merges incoming chat records into the authoritative in-memory
// entry map, one entry per GUID. All mutation goes through here; a
// reconciliation pass for one GUID is atomic with respect to every other
// pass for the same GUID (single mutex, single consumer goroutine).
type Reconciler struct {
	mu      sync.Mutex
	entries map[string]*Entry
	unread  int

	db     Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(db Store, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		entries: make(map[string]*Entry),
		db:      db,
		bus:     b,
		logger:  logger,
	}
}

// Load populates the entry map from the durable store without writing
// anything back: unchanged rows are not re-persisted. Titles missing from
// the stored rows are resolved eagerly in one bulk pass, and latest
// messages attach from a single bulk query.
func (r *Reconciler) Load() error {
	chats, err := r.db.GetAllChats()
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}

	guids := make([]string, 0, len(chats))
	var addresses []string
	for i := range chats {
		guids = append(guids, chats[i].GUID)
		if chats[i].Title == nil {
			addresses = append(addresses, chats[i].Participants...)
		}
	}
	latest, err := r.db.GetLatestMessages(guids)
	if err != nil {
		return fmt.Errorf("load latest messages: %w", err)
	}
	names, err := r.db.ContactNames(addresses)
	if err != nil {
		return fmt.Errorf("resolve contact names: %w", err)
	}

	r.mu.Lock()
	for i := range chats {
		c := &chats[i]
		if err := validate(c); err != nil {
			r.logger.Warn("skipping malformed chat record", zap.Error(err))
			continue
		}
		e := &Entry{
			GUID:             c.GUID,
			DisplayName:      c.DisplayName,
			Title:            c.Title,
			Unread:           c.Unread,
			Pinned:           c.Pinned,
			PinIndex:         c.PinIndex,
			MuteType:         c.MuteType,
			MuteArgs:         c.MuteArgs,
			Archived:         c.Archived,
			Deleted:          c.Deleted,
			Origin:           c.Origin,
			CustomAvatarPath: c.CustomAvatarPath,
			ReadReceipts:     c.ReadReceipts,
			TypingIndicators: c.TypingIndicators,
			Participants:     c.Participants,
		}
		if e.Title == nil {
			if title := deriveTitle(e.DisplayName, e.Participants, names); title != "" {
				e.Title = &title
			}
		}
		if m, ok := latest[c.GUID]; ok {
			e.Latest = m
		}
		r.entries[c.GUID] = e
	}
	r.recomputeUnreadLocked()
	r.publishSnapshotLocked()
	r.mu.Unlock()
	return nil
}

// Start subscribes to driver ingest events on the bus. A single consumer
// goroutine drains the subscription, so same-GUID events apply in the order
// they were observed.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("ingest.", 1024)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the consumer goroutine.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindIngestChat:
		chat, ok := evt.Payload.(*store.Chat)
		if !ok {
			return
		}
		if _, err := r.Reconcile(chat, Options{}); err != nil {
			r.logger.Error("failed to reconcile chat", zap.Error(err), zap.String("guid", chat.GUID))
		}
	case bus.KindIngestBatch:
		batch, ok := evt.Payload.(BatchPayload)
		if !ok {
			return
		}
		changed, err := r.ReconcileAll(batch.Chats, Options{ForceLatest: batch.Force})
		if err != nil {
			r.logger.Error("failed to reconcile batch", zap.Error(err), zap.Int("count", len(batch.Chats)))
		} else {
			r.logger.Info("chat batch reconciled", zap.Int("chats", len(batch.Chats)), zap.Int("changed", changed))
		}
	case bus.KindIngestMessage:
		var msg *store.Message
		var force bool
		switch p := evt.Payload.(type) {
		case *store.Message:
			msg = p
		case MessagePayload:
			msg = p.Message
			force = p.Force
		default:
			return
		}
		if err := r.ApplyMessage(msg, force); err != nil {
			r.logger.Error("failed to apply message", zap.Error(err), zap.String("guid", msg.GUID))
		}
	case bus.KindIngestReset:
		reset, ok := evt.Payload.(ResetPayload)
		if !ok {
			return
		}
		r.DropOrigin(reset.Origin)
	}
}

// Reconcile merges one incoming chat record into its entry, creating the
// entry if this GUID has never been seen. The entry is persisted only when
// at least one field actually changed.
func (r *Reconciler) Reconcile(incoming *store.Chat, opts Options) (Result, error) {
	if err := validate(incoming); err != nil {
		return Result{}, err
	}

	names, err := r.namesFor(incoming)
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	before := r.unread
	res, err := r.reconcileLocked(incoming, opts, names)
	if err != nil {
		r.mu.Unlock()
		return res, err
	}

	var record *store.Chat
	var summary ChatSummary
	if res.Changes.Any() {
		e := r.entries[incoming.GUID]
		record = e.record()
		summary = e.summary()
	}
	if r.unread != before {
		r.persistUnreadLocked()
	}
	r.mu.Unlock()

	if record != nil {
		if err := r.db.PutMany([]*store.Chat{record}); err != nil {
			return res, fmt.Errorf("persist chat %q: %w", record.GUID, err)
		}
		r.bus.Publish(bus.Event{Kind: bus.KindChatUpdated, Timestamp: time.Now(), Payload: summary})
	}
	return res, nil
}

// ReconcileAll merges a batch of chats, deferring every globally derived
// value (unread total, sort order, snapshot) until the whole batch has been
// processed, and persisting all changed entries in one write. Malformed
// records are skipped and logged; the rest of the batch still reconciles.
func (r *Reconciler) ReconcileAll(incoming []*store.Chat, opts Options) (int, error) {
	valid := make([]*store.Chat, 0, len(incoming))
	var addresses []string
	for _, c := range incoming {
		if err := validate(c); err != nil {
			r.logger.Warn("skipping malformed chat record", zap.Error(err))
			continue
		}
		valid = append(valid, c)
		addresses = append(addresses, c.Participants...)
	}

	// One bulk name lookup for the whole batch: on first load this is the
	// single eager title-resolution pass.
	names, err := r.db.ContactNames(addresses)
	if err != nil {
		return 0, fmt.Errorf("resolve contact names: %w", err)
	}

	r.mu.Lock()
	var records []*store.Chat
	for _, c := range valid {
		res, err := r.reconcileLocked(c, opts, names)
		if err != nil {
			r.mu.Unlock()
			return len(records), err
		}
		if res.Changes.Any() {
			records = append(records, r.entries[c.GUID].record())
		}
	}
	r.recomputeUnreadLocked()
	r.publishSnapshotLocked()
	r.mu.Unlock()

	if len(records) > 0 {
		if err := r.db.PutMany(records); err != nil {
			return len(records), fmt.Errorf("persist batch: %w", err)
		}
	}
	return len(records), nil
}

// ApplyMessage merges one incoming message: the latest-message pointer moves
// only forward in time (unless force), and a message from someone else marks
// the chat unread.
func (r *Reconciler) ApplyMessage(msg *store.Message, force bool) error {
	if msg == nil || msg.ChatGUID == "" {
		return fmt.Errorf("message without chat guid")
	}
	if msg.DateCreated < 0 {
		return fmt.Errorf("message %q: malformed timestamp %d", msg.GUID, msg.DateCreated)
	}

	r.mu.Lock()
	e, ok := r.entries[msg.ChatGUID]
	if !ok {
		e = &Entry{
			GUID:   msg.ChatGUID,
			Origin: msg.Origin,
			Unread: !msg.FromMe,
			Latest: msg,
		}
		r.entries[msg.ChatGUID] = e
		if e.Unread {
			r.adjustUnreadLocked(1)
		}
		record, summary := e.record(), e.summary()
		r.publishSnapshotLocked()
		r.mu.Unlock()

		if err := r.db.PutMany([]*store.Chat{record}); err != nil {
			return fmt.Errorf("persist chat %q: %w", record.GUID, err)
		}
		r.bus.Publish(bus.Event{Kind: bus.KindChatUpdated, Timestamp: time.Now(), Payload: summary})
		return nil
	}

	var changes Change
	if e.Latest == nil || msg.DateCreated > e.Latest.DateCreated || force {
		e.Latest = msg
		changes |= ChangedLatest
	}
	if !msg.FromMe && !e.Unread {
		e.Unread = true
		r.adjustUnreadLocked(1)
		changes |= ChangedUnread
	}

	if !changes.Any() {
		r.mu.Unlock()
		return nil
	}
	record, summary := e.record(), e.summary()
	r.publishSnapshotLocked()
	r.mu.Unlock()

	if err := r.db.PutMany([]*store.Chat{record}); err != nil {
		return fmt.Errorf("persist chat %q: %w", record.GUID, err)
	}
	r.bus.Publish(bus.Event{Kind: bus.KindChatUpdated, Timestamp: time.Now(), Payload: summary})
	return nil
}

// reconcileLocked runs the per-field evaluators. Soft-delete transitions act
// on the underlying records, not just the flag. Pin state is deliberately
// absent: server records carry no pin data, so local pin order survives any
// resync untouched.
func (r *Reconciler) reconcileLocked(incoming *store.Chat, opts Options, names map[string]string) (Result, error) {
	e, ok := r.entries[incoming.GUID]
	if !ok {
		e = &Entry{
			GUID:         incoming.GUID,
			DisplayName:  incoming.DisplayName,
			Unread:       incoming.Unread,
			Pinned:       incoming.Pinned,
			PinIndex:     incoming.PinIndex,
			MuteType:     incoming.MuteType,
			MuteArgs:     incoming.MuteArgs,
			Archived:     incoming.Archived,
			Deleted:      incoming.Deleted,
			Origin:       incoming.Origin,
			Participants: incoming.Participants,
		}
		e.CustomAvatarPath = incoming.CustomAvatarPath
		e.ReadReceipts = incoming.ReadReceipts
		e.TypingIndicators = incoming.TypingIndicators
		title := deriveTitle(e.DisplayName, e.Participants, names)
		if title != "" {
			e.Title = &title
		}
		if incoming.LatestGUID != nil {
			e.Latest = &store.Message{
				GUID:        *incoming.LatestGUID,
				ChatGUID:    incoming.GUID,
				DateCreated: incoming.LatestAt,
			}
			if incoming.LatestText != nil {
				e.Latest.Text = *incoming.LatestText
			}
		}
		r.entries[incoming.GUID] = e
		if e.Unread {
			r.nudgeUnreadLocked(1)
		}
		return Result{Created: true, Changes: ChangedTitle | ChangedUnread | ChangedLatest}, nil
	}

	var changes Change

	// Title: recompute only when its inputs moved; the derivation itself is
	// idempotent over the same inputs.
	inputsChanged := false
	if incoming.DisplayName != "" && incoming.DisplayName != e.DisplayName {
		e.DisplayName = incoming.DisplayName
		inputsChanged = true
	}
	if len(incoming.Participants) > 0 && !sameSet(incoming.Participants, e.Participants) {
		e.Participants = incoming.Participants
		inputsChanged = true
	}
	if inputsChanged || e.Title == nil {
		title := deriveTitle(e.DisplayName, e.Participants, names)
		// A nil title and an underivable one are the same thing; only a
		// genuinely different derivation counts as a change.
		current := ""
		if e.Title != nil {
			current = *e.Title
		}
		if title != current {
			e.Title = &title
			changes |= ChangedTitle
		}
	}

	// Unread: replace on difference, keeping the counter in step.
	if incoming.Unread != e.Unread {
		e.Unread = incoming.Unread
		if e.Unread {
			r.nudgeUnreadLocked(1)
		} else {
			r.nudgeUnreadLocked(-1)
		}
		changes |= ChangedUnread
	}

	// Mute: two sub-fields evaluated independently, both applied before the
	// single persist at the end.
	if !eqStr(incoming.MuteType, e.MuteType) {
		e.MuteType = incoming.MuteType
		changes |= ChangedMute
	}
	if !eqStr(incoming.MuteArgs, e.MuteArgs) {
		e.MuteArgs = incoming.MuteArgs
		changes |= ChangedMute
	}

	// Deleted: a transition drives soft-delete actions on the underlying
	// records. Re-deleting or re-restoring is a no-op.
	if incoming.Deleted != e.Deleted {
		var err error
		if incoming.Deleted {
			err = r.db.SoftDelete(e.GUID)
		} else {
			err = r.db.UnDelete(e.GUID)
		}
		if err != nil {
			return Result{Changes: changes}, fmt.Errorf("soft delete transition %q: %w", e.GUID, err)
		}
		e.Deleted = incoming.Deleted
		changes |= ChangedDeleted
	}

	// Latest message: forward-only unless the caller forces a refresh.
	if incoming.LatestGUID != nil {
		if e.Latest == nil || incoming.LatestAt > e.Latest.DateCreated || opts.ForceLatest {
			m := &store.Message{
				GUID:        *incoming.LatestGUID,
				ChatGUID:    incoming.GUID,
				DateCreated: incoming.LatestAt,
			}
			if incoming.LatestText != nil {
				m.Text = *incoming.LatestText
			}
			if e.Latest == nil || e.Latest.GUID != m.GUID || e.Latest.DateCreated != m.DateCreated {
				e.Latest = m
				changes |= ChangedLatest
			}
		}
	}

	if incoming.CustomAvatarPath != nil && !eqStr(incoming.CustomAvatarPath, e.CustomAvatarPath) {
		e.CustomAvatarPath = incoming.CustomAvatarPath
		changes |= ChangedTitle
	}

	return Result{Changes: changes}, nil
}

// Entry returns a copy of the entry for guid, if present.
func (r *Reconciler) Entry(guid string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[guid]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	return cp, true
}

// Len returns the number of live entries.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// HardDelete removes a chat from the map and the store entirely.
func (r *Reconciler) HardDelete(guid string) error {
	r.mu.Lock()
	e, ok := r.entries[guid]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.Unread {
		r.adjustUnreadLocked(-1)
	}
	delete(r.entries, guid)
	r.publishSnapshotLocked()
	r.mu.Unlock()

	if err := r.db.DeleteChat(guid); err != nil {
		return fmt.Errorf("delete chat %q: %w", guid, err)
	}
	return nil
}

// DropOrigin removes every entry with the given origin from the in-memory
// map. The store rows are deleted separately (clean sync, disconnect).
func (r *Reconciler) DropOrigin(origin string) {
	r.mu.Lock()
	for guid, e := range r.entries {
		if e.Origin == origin {
			delete(r.entries, guid)
		}
	}
	r.recomputeUnreadLocked()
	r.publishSnapshotLocked()
	r.mu.Unlock()
}

func (r *Reconciler) namesFor(incoming *store.Chat) (map[string]string, error) {
	if incoming.DisplayName != "" || len(incoming.Participants) == 0 {
		return nil, nil
	}
	names, err := r.db.ContactNames(incoming.Participants)
	if err != nil {
		return nil, fmt.Errorf("resolve contact names: %w", err)
	}
	return names, nil
}

// nudgeUnreadLocked moves the counter without persisting. Reconciliation
// paths nudge per chat and leave the single persist to whoever finishes the
// pass, so a batch never writes the checkpoint per chat.
func (r *Reconciler) nudgeUnreadLocked(delta int) {
	r.unread += delta
	if r.unread < 0 {
		r.unread = 0
	}
}

// adjustUnreadLocked is the fast path for single-chat unread flips: no scan,
// just a counter nudge, persisted for badge consumers.
func (r *Reconciler) adjustUnreadLocked(delta int) {
	r.nudgeUnreadLocked(delta)
	r.persistUnreadLocked()
}

func (r *Reconciler) recomputeUnreadLocked() {
	n := 0
	for _, e := range r.entries {
		if e.Unread && !e.Deleted {
			n++
		}
	}
	r.unread = n
	r.persistUnreadLocked()
}

func (r *Reconciler) persistUnreadLocked() {
	if err := r.db.SetCheckpoint(store.KeyUnreadCount, strconv.Itoa(r.unread)); err != nil {
		r.logger.Warn("failed to persist unread counter", zap.Error(err))
	}
	r.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Timestamp: time.Now(), Payload: r.unread})
}

func validate(c *store.Chat) error {
	if c == nil || c.GUID == "" {
		return fmt.Errorf("chat record without guid")
	}
	if c.LatestAt < 0 {
		return fmt.Errorf("chat %q: malformed timestamp %d", c.GUID, c.LatestAt)
	}
	if c.PinIndex != nil && !c.Pinned {
		return fmt.Errorf("chat %q: pin index without pinned flag", c.GUID)
	}
	return nil
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			return false
		}
	}
	return true
}
