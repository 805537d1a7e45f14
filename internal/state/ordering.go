package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/store"
)

// compareEntries defines the display order:
//  1. pinned entries with an index, by index ascending
//  2. pinned entries without an index
//  3. unpinned entries
//  4. within a band, latest message time descending; no latest sorts last
//  5. GUID as the final deterministic tie-break, so repeated sorts of an
//     unchanged set never thrash
func compareEntries(a, b *Entry) int {
	aIdx := a.Pinned && a.PinIndex != nil
	bIdx := b.Pinned && b.PinIndex != nil
	switch {
	case aIdx && bIdx:
		if *a.PinIndex != *b.PinIndex {
			if *a.PinIndex < *b.PinIndex {
				return -1
			}
			return 1
		}
	case aIdx:
		return -1
	case bIdx:
		return 1
	case a.Pinned != b.Pinned:
		if a.Pinned {
			return -1
		}
		return 1
	}

	at, bt := latestAt(a), latestAt(b)
	switch {
	case a.Latest == nil && b.Latest != nil:
		return 1
	case a.Latest != nil && b.Latest == nil:
		return -1
	case at != bt:
		if at > bt {
			return -1
		}
		return 1
	}
	return strings.Compare(a.GUID, b.GUID)
}

func latestAt(e *Entry) int64 {
	if e.Latest == nil {
		return 0
	}
	return e.Latest.DateCreated
}

// Snapshot returns the ordered projection of all live, non-deleted entries.
func (r *Reconciler) Snapshot() []ChatSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() []ChatSummary {
	visible := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.Deleted {
			visible = append(visible, e)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		return compareEntries(visible[i], visible[j]) < 0
	})
	out := make([]ChatSummary, len(visible))
	for i, e := range visible {
		out[i] = e.summary()
	}
	return out
}

func (r *Reconciler) publishSnapshotLocked() {
	r.bus.Publish(bus.Event{
		Kind:      bus.KindChatSnapshot,
		Timestamp: time.Now(),
		Payload:   r.snapshotLocked(),
	})
}

// UnreadCount returns the cached unread total.
func (r *Reconciler) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

// RecomputeUnread runs the full unread scan and returns the result.
func (r *Reconciler) RecomputeUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputeUnreadLocked()
	return r.unread
}

// MarkRead clears the unread flag for one chat via the fast path.
func (r *Reconciler) MarkRead(guid string) error {
	r.mu.Lock()
	e, ok := r.entries[guid]
	if !ok || !e.Unread {
		r.mu.Unlock()
		return nil
	}
	e.Unread = false
	r.adjustUnreadLocked(-1)
	record, summary := e.record(), e.summary()
	r.mu.Unlock()

	if err := r.db.PutMany([]*store.Chat{record}); err != nil {
		return fmt.Errorf("persist chat %q: %w", guid, err)
	}
	r.bus.Publish(bus.Event{Kind: bus.KindChatUpdated, Timestamp: time.Now(), Payload: summary})
	return nil
}

// MarkAllRead clears the unread flag on every unread chat, persists the
// whole set in one write, and recomputes the counter once.
func (r *Reconciler) MarkAllRead() error {
	r.mu.Lock()
	var records []*store.Chat
	for _, e := range r.entries {
		if e.Unread {
			e.Unread = false
			records = append(records, e.record())
		}
	}
	r.recomputeUnreadLocked()
	r.publishSnapshotLocked()
	r.mu.Unlock()

	if len(records) == 0 {
		return nil
	}
	if err := r.db.PutMany(records); err != nil {
		return fmt.Errorf("persist mark-all-read: %w", err)
	}
	return nil
}

// SetMute updates the notification suppression fields for one chat.
func (r *Reconciler) SetMute(guid string, muteType, muteArgs *string) error {
	r.mu.Lock()
	e, ok := r.entries[guid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown chat %q", guid)
	}
	if eqStr(e.MuteType, muteType) && eqStr(e.MuteArgs, muteArgs) {
		r.mu.Unlock()
		return nil
	}
	e.MuteType = muteType
	e.MuteArgs = muteArgs
	record, summary := e.record(), e.summary()
	r.mu.Unlock()

	if err := r.db.PutMany([]*store.Chat{record}); err != nil {
		return fmt.Errorf("persist chat %q: %w", guid, err)
	}
	r.bus.Publish(bus.Event{Kind: bus.KindChatUpdated, Timestamp: time.Now(), Payload: summary})
	return nil
}

// SetDeleted drives a soft-delete or restore through the reconciler's own
// entry point, so UI mutations follow the same path as driver records.
func (r *Reconciler) SetDeleted(guid string, deleted bool) error {
	r.mu.Lock()
	e, ok := r.entries[guid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown chat %q", guid)
	}
	incoming := e.record()
	r.mu.Unlock()

	incoming.Deleted = deleted
	_, err := r.Reconcile(incoming, Options{})
	return err
}

// SetPinned pins or unpins a chat. Pinning appends to the end of the pinned
// band; unpinning clears the index and renumbers the remainder so indexes
// stay contiguous.
func (r *Reconciler) SetPinned(guid string, pinned bool) error {
	r.mu.Lock()
	e, ok := r.entries[guid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown chat %q", guid)
	}
	if e.Pinned == pinned {
		r.mu.Unlock()
		return nil
	}

	var records []*store.Chat
	if pinned {
		e.Pinned = true
		next := len(r.pinnedOrderedLocked()) - 1 // self already included
		e.PinIndex = &next
		records = append(records, e.record())
	} else {
		e.Pinned = false
		e.PinIndex = nil
		records = append(records, e.record())
		records = append(records, r.renumberPinsLocked()...)
	}
	r.publishSnapshotLocked()
	r.mu.Unlock()

	if err := r.db.PutMany(records); err != nil {
		return fmt.Errorf("persist pin change %q: %w", guid, err)
	}
	return nil
}

// ReorderPin moves the pinned entry at oldIndex to targetIndex within the
// pinned subset, renumbers every pinned entry contiguously from 0, and
// persists all of them in one write. A partial renumber would leave gaps.
func (r *Reconciler) ReorderPin(oldIndex, targetIndex int) error {
	r.mu.Lock()
	pinned := r.pinnedOrderedLocked()
	if oldIndex < 0 || oldIndex >= len(pinned) {
		r.mu.Unlock()
		return fmt.Errorf("pin reorder: old index %d out of range", oldIndex)
	}
	if targetIndex < 0 {
		targetIndex = 0
	}
	if targetIndex > oldIndex {
		// Account for the shift caused by removal.
		targetIndex--
	}
	if targetIndex >= len(pinned) {
		targetIndex = len(pinned) - 1
	}

	moved := pinned[oldIndex]
	pinned = append(pinned[:oldIndex], pinned[oldIndex+1:]...)
	pinned = append(pinned[:targetIndex], append([]*Entry{moved}, pinned[targetIndex:]...)...)

	records := make([]*store.Chat, 0, len(pinned))
	for i, e := range pinned {
		if e.PinIndex == nil || *e.PinIndex != i {
			idx := i
			e.PinIndex = &idx
		}
		records = append(records, e.record())
	}
	r.publishSnapshotLocked()
	r.mu.Unlock()

	if err := r.db.PutMany(records); err != nil {
		return fmt.Errorf("persist pin reorder: %w", err)
	}
	return nil
}

// pinnedOrderedLocked returns the visible pinned entries ordered by index,
// indexless ones last.
func (r *Reconciler) pinnedOrderedLocked() []*Entry {
	var pinned []*Entry
	for _, e := range r.entries {
		if e.Pinned && !e.Deleted {
			pinned = append(pinned, e)
		}
	}
	sort.Slice(pinned, func(i, j int) bool {
		a, b := pinned[i], pinned[j]
		switch {
		case a.PinIndex != nil && b.PinIndex != nil:
			if *a.PinIndex != *b.PinIndex {
				return *a.PinIndex < *b.PinIndex
			}
			return a.GUID < b.GUID
		case a.PinIndex != nil:
			return true
		case b.PinIndex != nil:
			return false
		default:
			return a.GUID < b.GUID
		}
	})
	return pinned
}

// renumberPinsLocked rewrites pin indexes contiguously from 0 and returns
// the records whose index actually moved.
func (r *Reconciler) renumberPinsLocked() []*store.Chat {
	var changed []*store.Chat
	for i, e := range r.pinnedOrderedLocked() {
		if e.PinIndex == nil || *e.PinIndex != i {
			idx := i
			e.PinIndex = &idx
			changed = append(changed, e.record())
		}
	}
	return changed
}
