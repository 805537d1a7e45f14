// Package remote drives sync passes against the bridge server. The wire
// protocol lives behind the Bridge interface; this package only decides
// what to fetch, when to pause, and what to hand the reconciler.
package remote

import "context"

// ChatRecord is a chat as the bridge server reports it. Server records carry
// no pin or mute data; those fields are local-only and survive any resync.
type ChatRecord struct {
	GUID         string
	DisplayName  string
	Participants []string
}

// MessageRecord is a message as the bridge server reports it.
type MessageRecord struct {
	GUID         string
	ChatGUID     string
	Sender       string
	SenderName   string
	Text         string
	IsReaction   bool
	IsGroupEvent bool
	FromMe       bool
	DateCreated  int64
}

// Bridge is the narrow surface of the remote server the driver consumes.
type Bridge interface {
	Ping(ctx context.Context) error
	ChatCount(ctx context.Context) (int, error)
	// Chats pages through the full chat list.
	Chats(ctx context.Context, offset, limit int) ([]ChatRecord, error)
	// ChatsSince returns chats changed after the given unix-ms checkpoint.
	ChatsSince(ctx context.Context, sinceMs int64) ([]ChatRecord, error)
	// Messages returns the most recent messages for a chat, newest first.
	Messages(ctx context.Context, chatGUID string, limit int) ([]MessageRecord, error)
	// ClearRegistration tears down this client's registration on the server.
	ClearRegistration(ctx context.Context) error
}

// Network reports current connectivity. The driver checks it between pages
// so a pass stalls instead of failing when the link drops.
type Network interface {
	Online() bool
	OnWiFi() bool
}
