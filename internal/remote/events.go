package remote

import (
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/state"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/zap"
)

// EventHandler turns live pushes from the bridge connection into ingest
// events. The raw message row is written immediately; everything derived
// from it flows through the reconciler.
type EventHandler struct {
	db     Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEventHandler creates a handler for live bridge pushes.
func NewEventHandler(db Store, b *bus.Bus, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{db: db, bus: b, logger: logger}
}

// HandleMessage ingests one pushed message.
func (h *EventHandler) HandleMessage(rec MessageRecord) {
	msg, err := translateMessage(rec)
	if err != nil {
		h.logger.Warn("skipping malformed pushed message", zap.Error(err))
		return
	}
	if err := h.db.UpsertMessages([]*store.Message{msg}); err != nil {
		h.logger.Error("failed to persist pushed message", zap.Error(err), zap.String("guid", msg.GUID))
		return
	}
	h.bus.Publish(bus.Event{
		Kind:      bus.KindIngestMessage,
		Timestamp: time.Now(),
		Payload:   state.MessagePayload{Message: msg},
	})
}

// HandleChat ingests one pushed chat update.
func (h *EventHandler) HandleChat(rec ChatRecord) {
	chat, err := translateChat(rec, nil)
	if err != nil {
		h.logger.Warn("skipping malformed pushed chat", zap.Error(err))
		return
	}
	h.bus.Publish(bus.Event{
		Kind:      bus.KindIngestChat,
		Timestamp: time.Now(),
		Payload:   chat,
	})
}
