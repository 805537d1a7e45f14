package daemon

import (
	"context"
	"errors"

	"github.com/hfortes/courier/internal/notify"
	"github.com/hfortes/courier/internal/remote"
	"github.com/hfortes/courier/internal/smsimport"
	"go.uber.org/zap"
)

// errNoBridge is returned by the inert defaults when no platform
// collaborator was injected.
var errNoBridge = errors.New("no bridge configured")

type unconfiguredBridge struct{}

func (unconfiguredBridge) Ping(context.Context) error { return errNoBridge }
func (unconfiguredBridge) ChatCount(context.Context) (int, error) {
	return 0, errNoBridge
}
func (unconfiguredBridge) Chats(context.Context, int, int) ([]remote.ChatRecord, error) {
	return nil, errNoBridge
}
func (unconfiguredBridge) ChatsSince(context.Context, int64) ([]remote.ChatRecord, error) {
	return nil, errNoBridge
}
func (unconfiguredBridge) Messages(context.Context, string, int) ([]remote.MessageRecord, error) {
	return nil, errNoBridge
}
func (unconfiguredBridge) ClearRegistration(context.Context) error { return nil }

// staticNetwork assumes a desktop-style always-on wired link.
type staticNetwork struct{}

func (staticNetwork) Online() bool { return true }
func (staticNetwork) OnWiFi() bool { return true }

// noSMSProvider reports no permission, matching a platform without an SMS
// database.
type noSMSProvider struct{}

func (noSMSProvider) HasPermission(context.Context) bool { return false }
func (noSMSProvider) Threads(context.Context) ([]smsimport.Thread, error) {
	return nil, smsimport.ErrPermissionDenied
}
func (noSMSProvider) Messages(context.Context, string) ([]smsimport.TextMessage, error) {
	return nil, smsimport.ErrPermissionDenied
}

// logNotifier renders notifications into the daemon log.
type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) Show(notif notify.Notification) error {
	n.logger.Info("notification",
		zap.String("chat", notif.ChatGUID),
		zap.String("title", notif.Title),
		zap.String("body", notif.Body))
	return nil
}

func (n logNotifier) Clear(chatGUID string) error {
	n.logger.Info("notification cleared", zap.String("chat", chatGUID))
	return nil
}

type unconfiguredSender struct{}

func (unconfiguredSender) SendText(context.Context, string, string) (string, error) {
	return "", errNoBridge
}
