// Package outbox drains queued outgoing messages against the bridge
// connection. Messages are inserted optimistically so the projection shows
// them before the server acknowledges.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/zap"
)

// TextSender is the slice of the bridge connection that sends text.
type TextSender interface {
	SendText(ctx context.Context, chatGUID string, text string) (serverGUID string, err error)
}

// Ack is the bus payload for send outcomes.
type Ack struct {
	ClientMsgID string
	ServerGUID  string
	ChatGUID    string
	Error       string
}

// Sender polls the outbox table and pushes pending messages out.
type Sender struct {
	db     *store.DB
	sender TextSender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, sender TextSender, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{db: db, sender: sender, bus: b, logger: logger}
}

// Enqueue queues one outgoing text message and returns its client id.
func (s *Sender) Enqueue(chatGUID, text string) (string, error) {
	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, chatGUID, text); err != nil {
		return "", err
	}
	return clientMsgID, nil
}

// Start begins polling for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains the queue once.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		// Optimistic insert: the message shows up in the projection
		// immediately, keyed by its client id until the server assigns one.
		now := time.Now().UnixMilli()
		msg := &store.Message{
			GUID:        entry.ClientMsgID,
			ChatGUID:    entry.ChatGUID,
			Text:        entry.Text,
			FromMe:      true,
			Origin:      store.OriginRemote,
			DateCreated: now,
		}
		if err := s.db.UpsertMessage(msg); err != nil {
			s.logger.Error("failed to insert optimistic message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.bus.Publish(bus.Event{
			Kind:      bus.KindIngestMessage,
			Timestamp: time.Now(),
			Payload:   msg,
		})

		serverGUID, err := s.sender.SendText(ctx, entry.ChatGUID, entry.Text)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			if merr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); merr != nil {
				s.logger.Error("failed to mark failed", zap.Error(merr), zap.String("client_msg_id", entry.ClientMsgID))
			}
			s.bus.Publish(bus.Event{
				Kind:      bus.KindSendFailed,
				Timestamp: time.Now(),
				Payload:   Ack{ClientMsgID: entry.ClientMsgID, ChatGUID: entry.ChatGUID, Error: err.Error()},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverGUID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_guid", serverGUID))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindSendAck,
			Timestamp: time.Now(),
			Payload:   Ack{ClientMsgID: entry.ClientMsgID, ServerGUID: serverGUID, ChatGUID: entry.ChatGUID},
		})
	}
}
