package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, so "ingest." matches every driver-originated event and "chat."
// matches every reconciler-originated one.
const (
	KindIngestChat    = "ingest.chat"
	KindIngestBatch   = "ingest.chat_batch"
	KindIngestMessage = "ingest.message"
	KindIngestReset   = "ingest.reset"

	KindChatUpdated   = "chat.updated"
	KindChatSnapshot  = "chat.snapshot"
	KindUnreadChanged = "chat.unread_changed"

	KindSyncState    = "sync.state"
	KindSyncProgress = "sync.progress"

	KindImportProgress = "import.progress"
	KindImportDone     = "import.done"

	KindSendAck    = "send.ack"
	KindSendFailed = "send.failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}
