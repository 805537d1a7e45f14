package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/lifecycle"
	"github.com/hfortes/courier/internal/state"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the slice of the durable store the driver writes raw records
// through.
type Store interface {
	UpsertMessages(msgs []*store.Message) error
	SetCheckpoint(key, value string) error
	GetCheckpoint(key string) (string, error)
	DeleteRemoteOrigin() error
}

// Config tunes the driver. WiFiOnlySync mirrors the persisted user
// preference; the driver never writes it back.
type Config struct {
	WiFiOnlySync    bool
	MessagesPerChat int
	PageSize        int
}

type syncMode int

const (
	modeIncremental syncMode = iota
	modeFull
	modeInitial
	modeClean
)

// fetchConcurrency bounds the parallel per-chat message fetches.
const fetchConcurrency = 4

// pass is one sync attempt. A paused pass keeps its counters so resuming
// continues where it stalled instead of starting over.
type pass struct {
	mode            syncMode
	messagesPerChat int
	offset          int
	total           int
}

func (p *pass) progress() float64 {
	if p.total <= 0 {
		return 0
	}
	f := float64(p.offset) / float64(p.total)
	if f > 1 {
		f = 1
	}
	return f
}

// Driver performs incremental, full, and destructive sync passes against
// the bridge server, reporting phase changes through the lifecycle machine.
type Driver struct {
	bridge  Bridge
	network Network
	db      Store
	bus     *bus.Bus
	machine *lifecycle.Machine
	logger  *zap.Logger
	cfg     Config

	syncAnyway atomic.Bool
	userCancel atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	paused *pass
}

// NewDriver creates a sync driver.
func NewDriver(bridge Bridge, network Network, db Store, b *bus.Bus, machine *lifecycle.Machine, cfg Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MessagesPerChat <= 0 {
		cfg.MessagesPerChat = 25
	}
	return &Driver{
		bridge:  bridge,
		network: network,
		db:      db,
		bus:     b,
		machine: machine,
		logger:  logger,
		cfg:     cfg,
	}
}

// PerformIncrementalSync fetches only chats changed since the last
// checkpoint. Unchanged chats are never re-processed.
func (d *Driver) PerformIncrementalSync(ctx context.Context) error {
	return d.run(ctx, &pass{mode: modeIncremental, messagesPerChat: d.cfg.MessagesPerChat})
}

// PerformFullSync re-fetches every chat and reconciles it against local
// state. Local-only state (pin order, mute) survives untouched because
// server records never carry those fields.
func (d *Driver) PerformFullSync(ctx context.Context) error {
	return d.run(ctx, &pass{mode: modeFull, messagesPerChat: d.cfg.MessagesPerChat})
}

// PerformInitialSync is the first-run pass, pulling messagesPerChat recent
// messages for every chat.
func (d *Driver) PerformInitialSync(ctx context.Context, messagesPerChat int) error {
	if messagesPerChat <= 0 {
		messagesPerChat = d.cfg.MessagesPerChat
	}
	return d.run(ctx, &pass{mode: modeInitial, messagesPerChat: messagesPerChat})
}

// PerformCleanSync wipes all remote-origin local state, then syncs as if
// from first run. SMS-origin records are never touched. Safe to re-run
// after a partial failure.
func (d *Driver) PerformCleanSync(ctx context.Context) error {
	return d.run(ctx, &pass{mode: modeClean, messagesPerChat: d.cfg.MessagesPerChat})
}

// Disconnect terminates the remote association: the server registration is
// cleared and all remote-origin records are removed, with no subsequent
// resync. SMS-origin records are preserved.
func (d *Driver) Disconnect(ctx context.Context) error {
	regErr := d.bridge.ClearRegistration(ctx)
	if regErr != nil {
		d.logger.Warn("failed to clear server registration", zap.Error(regErr))
	}
	if err := d.db.DeleteRemoteOrigin(); err != nil {
		return fmt.Errorf("wipe remote records: %w", err)
	}
	d.bus.Publish(bus.Event{
		Kind:      bus.KindIngestReset,
		Timestamp: time.Now(),
		Payload:   state.ResetPayload{Origin: store.OriginRemote},
	})
	d.machine.Reset()
	if regErr != nil {
		return fmt.Errorf("clear server registration: %w", regErr)
	}
	return nil
}

// SyncAnywayOneTime bypasses the wifi-only restriction for exactly one
// sync attempt. The persisted preference is not modified. A paused pass
// resumes immediately whatever the pause reason; if the link is still
// down the resumed pass just pauses again on its own.
func (d *Driver) SyncAnywayOneTime(ctx context.Context) error {
	d.syncAnyway.Store(true)
	if d.machine.Current().Phase == lifecycle.Paused {
		return d.resume(ctx)
	}
	return nil
}

// NetworkAvailable resumes a paused pass after connectivity returns.
func (d *Driver) NetworkAvailable(ctx context.Context) error {
	if d.machine.Current().Phase != lifecycle.Paused {
		return nil
	}
	return d.resume(ctx)
}

// Cancel stops the in-flight pass. User-initiated, so the machine lands in
// Idle, not Error; records already reconciled stay as they are.
func (d *Driver) Cancel() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		d.userCancel.Store(true)
		cancel()
	}
}

// ResetState forces the lifecycle back to Idle, used after the user
// acknowledges an error.
func (d *Driver) ResetState() {
	d.mu.Lock()
	d.paused = nil
	d.mu.Unlock()
	d.machine.Reset()
}

func (d *Driver) resume(ctx context.Context) error {
	d.mu.Lock()
	p := d.paused
	d.mu.Unlock()
	if p == nil {
		d.machine.Reset()
		return nil
	}
	if err := d.machine.Resume(); err != nil {
		return err
	}
	return d.runResumed(ctx, p)
}

func (d *Driver) run(ctx context.Context, p *pass) error {
	if err := d.machine.StartSync(); err != nil {
		return err
	}
	return d.runResumed(ctx, p)
}

// runResumed executes a pass whose Syncing transition already happened.
func (d *Driver) runResumed(ctx context.Context, p *pass) error {
	if !d.networkAllowed() {
		d.pausePass(p, lifecycle.WaitingForWiFi)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
	}()

	err := d.execute(ctx, p)
	if err == nil {
		d.mu.Lock()
		d.paused = nil
		d.mu.Unlock()
		if err := d.db.SetCheckpoint(store.KeyRemoteCheckpoint, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
			d.logger.Warn("failed to store checkpoint", zap.Error(err))
		}
		return d.machine.Complete()
	}

	// Whatever already reconciled stays; no rollback on any of these paths.
	switch {
	case errors.Is(err, context.Canceled) && d.userCancel.CompareAndSwap(true, false):
		d.logger.Info("sync cancelled by user")
		d.mu.Lock()
		d.paused = nil
		d.mu.Unlock()
		d.machine.Reset()
		return nil
	case !d.network.Online():
		d.pausePass(p, lifecycle.NoConnection)
		return nil
	default:
		if ferr := d.machine.Fail(err.Error()); ferr != nil {
			d.logger.Warn("failed to record sync error", zap.Error(ferr))
		}
		return err
	}
}

func (d *Driver) pausePass(p *pass, reason lifecycle.PauseReason) {
	d.mu.Lock()
	d.paused = p
	d.mu.Unlock()
	if err := d.machine.Pause(reason, p.progress()); err != nil {
		d.logger.Warn("failed to pause sync", zap.Error(err))
	}
	d.logger.Info("sync paused",
		zap.String("reason", string(reason)),
		zap.Float64("progress", p.progress()))
}

// networkAllowed consumes the one-time override when armed.
func (d *Driver) networkAllowed() bool {
	if !d.cfg.WiFiOnlySync {
		return true
	}
	if d.network.OnWiFi() {
		return true
	}
	return d.syncAnyway.CompareAndSwap(true, false)
}

func (d *Driver) execute(ctx context.Context, p *pass) error {
	switch p.mode {
	case modeIncremental:
		return d.executeIncremental(ctx, p)
	case modeClean:
		if p.offset == 0 {
			if err := d.db.DeleteRemoteOrigin(); err != nil {
				return fmt.Errorf("clean sync wipe: %w", err)
			}
			d.bus.Publish(bus.Event{
				Kind:      bus.KindIngestReset,
				Timestamp: time.Now(),
				Payload:   state.ResetPayload{Origin: store.OriginRemote},
			})
		}
		return d.executeFull(ctx, p)
	default:
		return d.executeFull(ctx, p)
	}
}

func (d *Driver) executeIncremental(ctx context.Context, p *pass) error {
	cp, err := d.db.GetCheckpoint(store.KeyRemoteCheckpoint)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var since int64
	if cp != "" {
		since, err = strconv.ParseInt(cp, 10, 64)
		if err != nil {
			d.logger.Warn("malformed checkpoint, falling back to full fetch", zap.String("value", cp))
			since = 0
		}
	}

	records, err := d.bridge.ChatsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("fetch changed chats: %w", err)
	}
	p.total = len(records)
	if len(records) == 0 {
		return nil
	}
	if err := d.ingest(ctx, records, p.messagesPerChat, false); err != nil {
		return err
	}
	p.offset = len(records)
	return nil
}

func (d *Driver) executeFull(ctx context.Context, p *pass) error {
	if p.total == 0 {
		total, err := d.bridge.ChatCount(ctx)
		if err != nil {
			return fmt.Errorf("fetch chat count: %w", err)
		}
		p.total = total
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !d.network.Online() {
			return fmt.Errorf("connection lost at offset %d", p.offset)
		}

		records, err := d.bridge.Chats(ctx, p.offset, d.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("fetch chats at offset %d: %w", p.offset, err)
		}
		if len(records) == 0 {
			return nil
		}
		// Bulk resync: force the latest-message refresh so the server's
		// view wins even when timestamps are ambiguous.
		if err := d.ingest(ctx, records, p.messagesPerChat, true); err != nil {
			return err
		}
		p.offset += len(records)
		d.machine.SetProgress(p.progress())
	}
}

// ingest fetches each chat's recent messages (bounded fan-out), writes the
// raw message rows, and hands the reconciler one batch. Malformed records
// are skipped and logged; the batch continues.
func (d *Driver) ingest(ctx context.Context, records []ChatRecord, messagesPerChat int, force bool) error {
	fetched := make([][]MessageRecord, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			msgs, err := d.bridge.Messages(gctx, rec.GUID, messagesPerChat)
			if err != nil {
				return fmt.Errorf("fetch messages for %q: %w", rec.GUID, err)
			}
			fetched[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var raw []*store.Message
	chats := make([]*store.Chat, 0, len(records))
	for i, rec := range records {
		var latest *store.Message
		for _, mr := range fetched[i] {
			m, err := translateMessage(mr)
			if err != nil {
				d.logger.Warn("skipping malformed message record", zap.Error(err))
				continue
			}
			raw = append(raw, m)
			if latest == nil || m.DateCreated > latest.DateCreated {
				latest = m
			}
		}
		chat, err := translateChat(rec, latest)
		if err != nil {
			d.logger.Warn("skipping malformed chat record", zap.Error(err))
			continue
		}
		chats = append(chats, chat)
	}

	if err := d.db.UpsertMessages(raw); err != nil {
		return fmt.Errorf("persist raw messages: %w", err)
	}
	d.bus.Publish(bus.Event{
		Kind:      bus.KindIngestBatch,
		Timestamp: time.Now(),
		Payload:   state.BatchPayload{Chats: chats, Force: force},
	})
	return nil
}
