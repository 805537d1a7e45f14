// Package smsimport bulk-imports on-device SMS/MMS threads into the store.
// It runs independently of remote sync and feeds the reconciler through the
// same ingest events the remote driver uses.
package smsimport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/state"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/zap"
)

// ErrPermissionDenied is returned by providers when the platform refuses
// access to the SMS database.
var ErrPermissionDenied = errors.New("sms read permission denied")

// Thread is one SMS/MMS conversation as the provider reports it.
type Thread struct {
	ID      string
	Address string
	// DisplayName is the contact name when the provider resolves one.
	DisplayName string
}

// TextMessage is one SMS/MMS message as the provider reports it.
type TextMessage struct {
	ID       string
	ThreadID string
	Address  string
	Body     string
	FromMe   bool
	DateMs   int64
}

// Provider is the narrow surface of the platform SMS database the importer
// consumes.
type Provider interface {
	// HasPermission reports whether the SMS database may be read.
	HasPermission(ctx context.Context) bool
	Threads(ctx context.Context) ([]Thread, error)
	Messages(ctx context.Context, threadID string) ([]TextMessage, error)
}

// Store is the slice of the durable store the importer writes through.
type Store interface {
	UpsertMessages(msgs []*store.Message) error
}

// Result is the typed outcome of an import run. A permission failure lands
// here, not in a returned error: the caller decides whether to prompt and
// retry.
type Result struct {
	Success          bool
	MessagesImported int
	Error            string
}

// ProgressFunc receives (current, total) thread counters during a run.
type ProgressFunc func(current, total int)

// Progress is the bus payload mirroring the callback counters.
type Progress struct {
	Current int
	Total   int
}

// Importer walks every thread the provider exposes and writes its messages
// as sms-origin records. Re-running is safe: records upsert by GUID.
type Importer struct {
	provider Provider
	db       Store
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewImporter creates an importer over the given provider.
func NewImporter(provider Provider, db Store, b *bus.Bus, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{provider: provider, db: db, bus: b, logger: logger}
}

// ImportAll imports every thread, invoking onProgress after each one. A
// failure partway through keeps what was already imported; the result
// reports how far it got.
func (im *Importer) ImportAll(ctx context.Context, onProgress ProgressFunc) Result {
	if !im.provider.HasPermission(ctx) {
		return im.finish(Result{Error: ErrPermissionDenied.Error()})
	}

	threads, err := im.provider.Threads(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return im.finish(Result{Error: ErrPermissionDenied.Error()})
		}
		return im.finish(Result{Error: fmt.Sprintf("list threads: %v", err)})
	}

	imported := 0
	for i, th := range threads {
		select {
		case <-ctx.Done():
			return im.finish(Result{MessagesImported: imported, Error: ctx.Err().Error()})
		default:
		}

		n, err := im.importThread(ctx, th)
		imported += n
		if err != nil {
			im.logger.Error("thread import failed",
				zap.Error(err),
				zap.String("thread", th.ID),
				zap.Int("imported", imported))
			return im.finish(Result{MessagesImported: imported, Error: err.Error()})
		}

		if onProgress != nil {
			onProgress(i+1, len(threads))
		}
		im.bus.Publish(bus.Event{
			Kind:      bus.KindImportProgress,
			Timestamp: time.Now(),
			Payload:   Progress{Current: i + 1, Total: len(threads)},
		})
	}

	im.logger.Info("sms import complete",
		zap.Int("threads", len(threads)),
		zap.Int("messages", imported))
	return im.finish(Result{Success: true, MessagesImported: imported})
}

func (im *Importer) importThread(ctx context.Context, th Thread) (int, error) {
	if th.Address == "" {
		im.logger.Warn("skipping thread without address", zap.String("thread", th.ID))
		return 0, nil
	}

	raw, err := im.provider.Messages(ctx, th.ID)
	if err != nil {
		return 0, fmt.Errorf("read thread %q: %w", th.ID, err)
	}

	chatGUID := ChatGUID(th.Address)
	msgs := make([]*store.Message, 0, len(raw))
	var latest *store.Message
	for _, tm := range raw {
		m, err := translate(chatGUID, tm)
		if err != nil {
			im.logger.Warn("skipping malformed sms record", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
		if latest == nil || m.DateCreated > latest.DateCreated {
			latest = m
		}
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := im.db.UpsertMessages(msgs); err != nil {
		return 0, fmt.Errorf("persist thread %q: %w", th.ID, err)
	}

	chat := &store.Chat{
		GUID:         chatGUID,
		DisplayName:  th.DisplayName,
		Origin:       store.OriginSMS,
		Participants: []string{th.Address},
	}
	if latest != nil {
		chat.LatestGUID = &latest.GUID
		chat.LatestText = &latest.Text
		chat.LatestAt = latest.DateCreated
	}
	im.bus.Publish(bus.Event{
		Kind:      bus.KindIngestBatch,
		Timestamp: time.Now(),
		Payload:   state.BatchPayload{Chats: []*store.Chat{chat}},
	})
	return len(msgs), nil
}

func (im *Importer) finish(res Result) Result {
	im.bus.Publish(bus.Event{
		Kind:      bus.KindImportDone,
		Timestamp: time.Now(),
		Payload:   res,
	})
	return res
}

// ChatGUID derives the stable chat identifier for an SMS address.
func ChatGUID(address string) string {
	return "sms:" + address
}

func translate(chatGUID string, tm TextMessage) (*store.Message, error) {
	if tm.ID == "" {
		return nil, fmt.Errorf("sms record without id in thread %q", tm.ThreadID)
	}
	if tm.DateMs < 0 {
		return nil, fmt.Errorf("sms %q: malformed timestamp %d", tm.ID, tm.DateMs)
	}
	sender := tm.Address
	if tm.FromMe {
		sender = ""
	}
	return &store.Message{
		GUID:        "sms:" + tm.ID,
		ChatGUID:    chatGUID,
		Sender:      sender,
		Text:        tm.Body,
		FromMe:      tm.FromMe,
		Origin:      store.OriginSMS,
		DateCreated: tm.DateMs,
	}, nil
}
