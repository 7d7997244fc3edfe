package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/wppsync/internal/store"
	wsync "github.com/matheus3301/wppsync/internal/sync"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotLoggedIn is returned when the session has no paired device.
	// Messages wait in the outbox without using attempts.
	ErrNotLoggedIn = fmt.Errorf("whatsapp session not logged in: %w", wsync.ErrNotSent)
	// ErrUnsupported is returned for payloads this transport does not carry.
	ErrUnsupported = errors.New("unsupported message type for whatsapp transport")
)

// messageSender is the part of *whatsmeow.Client used to deliver messages.
type messageSender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// Adapter wraps the whatsmeow client and manages the WhatsApp connection.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger

	sender   messageSender
	loggedIn func() bool
}

// NewAdapter creates a WhatsApp adapter over the whatsmeow device store at dbPath.
func NewAdapter(ctx context.Context, dbPath string, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("wppsync", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)
	a := &Adapter{
		client:    client,
		container: container,
		logger:    logger,
		sender:    client,
	}
	a.loggedIn = func() bool { return client.Store.ID != nil }
	return a, nil
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.loggedIn()
}

// Connect initiates the WhatsApp connection. Pairing is done elsewhere, so
// an unpaired session fails with ErrNotLoggedIn.
func (a *Adapter) Connect() error {
	if !a.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Close disconnects and releases the device store.
func (a *Adapter) Close() error {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
	return a.container.Close()
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// Send delivers a pending text message. Other types fail with ErrUnsupported.
func (a *Adapter) Send(ctx context.Context, m store.PendingMessage) error {
	if m.Type != store.TypeText {
		return fmt.Errorf("%w: %s", ErrUnsupported, m.Type)
	}
	if !a.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	id, err := a.SendText(ctx, m.ChatID, m.Content)
	if err != nil {
		return err
	}
	a.logger.Debug("message sent", zap.String("id", m.ID), zap.String("server_id", id))
	return nil
}

// SendText sends a text message to the given JID. Returns the server message ID.
func (a *Adapter) SendText(ctx context.Context, jid string, text string) (string, error) {
	to, err := ParseChatID(jid)
	if err != nil {
		return "", err
	}
	resp, err := a.sender.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if errors.Is(err, whatsmeow.ErrNotConnected) {
		return "", fmt.Errorf("send message: %w: %w", wsync.ErrNotSent, err)
	}
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return string(resp.ID), nil
}

// ParseChatID parses a full JID, or a bare phone number as a user JID.
func ParseChatID(chatID string) (types.JID, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return types.JID{}, errors.New("parse JID: empty chat id")
	}
	if !strings.Contains(chatID, "@") {
		return types.NewJID(strings.TrimPrefix(chatID, "+"), types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return types.JID{}, fmt.Errorf("parse JID: %w", err)
	}
	return jid, nil
}
