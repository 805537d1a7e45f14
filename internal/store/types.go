package store

// Record origins. Clean sync and disconnect remove only remote-origin rows.
const (
	OriginRemote = "remote"
	OriginSMS    = "sms"
)

// Chat is the persisted record for one conversation.
type Chat struct {
	GUID             string
	DisplayName      string // explicit group name supplied by the origin, may be empty
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
	LatestGUID       *string
	LatestText       *string
	LatestAt         int64
}

// Contact maps an address to a display name.
type Contact struct {
	Address string
	Name    string
}

// Message is the persisted record for one message.
type Message struct {
	ID           int64
	GUID         string
	ChatGUID     string
	Sender       string
	SenderName   string
	Text         string
	IsReaction   bool
	IsGroupEvent bool
	FromMe       bool
	Hidden       bool
	Origin       string
	DateCreated  int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatGUID     string
	Text         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
