package remote

import (
	"fmt"

	"github.com/hfortes/courier/internal/store"
)

// translateChat converts a bridge chat record to its store form. The latest
// message, when known, is attached so the reconciler's latest evaluator can
// run off the same record.
func translateChat(c ChatRecord, latest *store.Message) (*store.Chat, error) {
	if c.GUID == "" {
		return nil, fmt.Errorf("chat record without guid")
	}
	out := &store.Chat{
		GUID:         c.GUID,
		DisplayName:  c.DisplayName,
		Origin:       store.OriginRemote,
		Participants: c.Participants,
	}
	if latest != nil {
		out.LatestGUID = &latest.GUID
		out.LatestText = &latest.Text
		out.LatestAt = latest.DateCreated
	}
	return out, nil
}

// translateMessage converts a bridge message record, rejecting records the
// reconciler could not order. A malformed record is the caller's cue to skip
// and log, not to abort the batch.
func translateMessage(m MessageRecord) (*store.Message, error) {
	if m.GUID == "" || m.ChatGUID == "" {
		return nil, fmt.Errorf("message record without guid")
	}
	if m.DateCreated < 0 {
		return nil, fmt.Errorf("message %q: malformed timestamp %d", m.GUID, m.DateCreated)
	}
	return &store.Message{
		GUID:         m.GUID,
		ChatGUID:     m.ChatGUID,
		Sender:       m.Sender,
		SenderName:   m.SenderName,
		Text:         m.Text,
		IsReaction:   m.IsReaction,
		IsGroupEvent: m.IsGroupEvent,
		FromMe:       m.FromMe,
		Origin:       store.OriginRemote,
		DateCreated:  m.DateCreated,
	}, nil
}
