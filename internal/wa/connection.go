package wa

import (
	"context"

	"github.com/matheus3301/wppsync/internal/connectivity"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// ConnectionSource is a connectivity source driven by whatsmeow connection
// events. Reachable means the WhatsApp socket is connected and keepalives
// are succeeding.
type ConnectionSource struct {
	state  *connectivity.StaticSource
	logger *zap.Logger
}

// NewConnectionSource creates a source that starts disconnected.
func NewConnectionSource(logger *zap.Logger) *ConnectionSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionSource{
		state:  connectivity.NewStaticSource(connectivity.State{}),
		logger: logger,
	}
}

// Handle is a whatsmeow event handler.
func (s *ConnectionSource) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.logger.Info("WhatsApp connected")
		s.state.Set(connectivity.Online)
	case *events.KeepAliveRestored:
		s.state.Set(connectivity.Online)
	case *events.KeepAliveTimeout:
		s.logger.Warn("WhatsApp keepalive timeout", zap.Int("error_count", evt.ErrorCount))
		s.state.Set(connectivity.State{Attached: true})
	case *events.Disconnected:
		s.logger.Warn("WhatsApp disconnected")
		s.state.Set(connectivity.State{})
	case *events.StreamReplaced:
		s.logger.Warn("WhatsApp stream replaced by another client")
		s.state.Set(connectivity.State{})
	case *events.LoggedOut:
		s.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		s.state.Set(connectivity.State{})
	}
}

// Current returns the last observed connection state.
func (s *ConnectionSource) Current(ctx context.Context) (connectivity.State, error) {
	return s.state.Current(ctx)
}

// Register adds a callback.
func (s *ConnectionSource) Register(cb connectivity.Callback) error {
	return s.state.Register(cb)
}

// Unregister removes a callback.
func (s *ConnectionSource) Unregister(cb connectivity.Callback) error {
	return s.state.Unregister(cb)
}
