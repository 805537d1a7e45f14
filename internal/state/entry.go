// Package state holds the authoritative in-memory projection of the chat
// table. The reconciler owns one entry per GUID; everything downstream
// observes copies published on the bus, never the live map.
package state

import (
	"slices"
	"strings"

	"github.com/hfortes/courier/internal/store"
)

// Entry is the reconciler's unit of truth for one conversation.
type Entry struct {
	GUID             string
	DisplayName      string
	Title            *string
	Unread           bool
	Pinned           bool
	PinIndex         *int
	MuteType         *string
	MuteArgs         *string
	Archived         bool
	Deleted          bool
	Origin           string
	CustomAvatarPath *string
	ReadReceipts     *bool
	TypingIndicators *bool
	Participants     []string
	Latest           *store.Message
}

// Change is a bitmask of field categories touched by one reconciliation.
type Change uint8

const (
	ChangedTitle Change = 1 << iota
	ChangedUnread
	ChangedMute
	ChangedDeleted
	ChangedLatest
	ChangedPin
)

// Any reports whether at least one evaluator fired.
func (c Change) Any() bool { return c != 0 }

// Result describes the outcome of reconciling one incoming record.
type Result struct {
	Changes Change
	Created bool
}

// Options tunes a reconciliation pass.
type Options struct {
	// ForceLatest bypasses the latest-message monotonicity check. Set only
	// by bulk resync, where server timestamps are authoritative even when
	// they move backwards.
	ForceLatest bool
}

// ChatSummary is the immutable projection row handed to consumers.
type ChatSummary struct {
	GUID          string
	Title         string
	Unread        bool
	Pinned        bool
	PinIndex      *int
	Muted         bool
	LatestPreview string
	LatestAt      int64
}

func (e *Entry) summary() ChatSummary {
	s := ChatSummary{
		GUID:     e.GUID,
		Unread:   e.Unread,
		Pinned:   e.Pinned,
		PinIndex: clonePtr(e.PinIndex),
		Muted:    e.MuteType != nil,
	}
	if e.Title != nil {
		s.Title = *e.Title
	}
	if e.Latest != nil {
		s.LatestPreview = e.Latest.Text
		s.LatestAt = e.Latest.DateCreated
	}
	return s
}

// record converts the entry back to its persisted form. Pointer fields are
// cloned so the row stays frozen while the live entry keeps mutating.
func (e *Entry) record() *store.Chat {
	c := &store.Chat{
		GUID:             e.GUID,
		DisplayName:      e.DisplayName,
		Title:            clonePtr(e.Title),
		Unread:           e.Unread,
		Pinned:           e.Pinned,
		PinIndex:         clonePtr(e.PinIndex),
		MuteType:         clonePtr(e.MuteType),
		MuteArgs:         clonePtr(e.MuteArgs),
		Archived:         e.Archived,
		Deleted:          e.Deleted,
		Origin:           e.Origin,
		CustomAvatarPath: clonePtr(e.CustomAvatarPath),
		ReadReceipts:     clonePtr(e.ReadReceipts),
		TypingIndicators: clonePtr(e.TypingIndicators),
		Participants:     slices.Clone(e.Participants),
	}
	if e.Latest != nil {
		guid, text := e.Latest.GUID, e.Latest.Text
		c.LatestGUID = &guid
		c.LatestText = &text
		c.LatestAt = e.Latest.DateCreated
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// deriveTitle computes the display title for a chat: the explicit group name
// when present, otherwise the participants' resolved contact names. The
// participant list is sorted first so the derivation is idempotent regardless
// of arrival order.
func deriveTitle(displayName string, participants []string, names map[string]string) string {
	if displayName != "" {
		return displayName
	}
	addrs := slices.Clone(participants)
	slices.Sort(addrs)
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if n, ok := names[a]; ok && n != "" {
			parts = append(parts, n)
		} else {
			parts = append(parts, a)
		}
	}
	return strings.Join(parts, ", ")
}
