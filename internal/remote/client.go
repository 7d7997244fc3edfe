// Package remote is the HTTP Send API client used by the drain loop.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/store"
	wsync "github.com/matheus3301/wppsync/internal/sync"
)

var (
	// ErrUnsupported is returned for messages the endpoint cannot carry.
	ErrUnsupported = errors.New("unsupported message")
	// ErrBreakerOpen is returned while the circuit breaker rejects calls.
	// No request was made, so it does not count as a delivery attempt.
	ErrBreakerOpen = fmt.Errorf("send api circuit open: %w", wsync.ErrNotSent)
)

// StatusError is a non-2xx response from the Send API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("send api: status %d", e.Code)
	}
	return fmt.Sprintf("send api: status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying could help (5xx, 408, 429).
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64 // 0 disables limiting
	Burst         int

	// Breaker opens after BreakerFailures consecutive temporary failures
	// and probes again after BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	HTTPClient *http.Client
}

// wireTypes are the message type names the server expects.
var wireTypes = map[store.MessageType]string{
	store.TypeText:     "Texto",
	store.TypeImage:    "Imagen",
	store.TypeAudio:    "Audio",
	store.TypeVideo:    "Video",
	store.TypeDocument: "Documento",
}

// sendMessageRequest is the JSON body of POST /api/messages.
type sendMessageRequest struct {
	ChatID              string  `json:"ChatId"`
	Contenido           string  `json:"Contenido,omitempty"`
	Tipo                string  `json:"Tipo"`
	MensajeRespondidoID *string `json:"MensajeRespondidoId"`
}

const maxErrorBody = 512

// Client sends pending messages to the chat backend.
type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger
}

// New creates a Send API client.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("send api: base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit, burst := rate.Inf, opts.Burst
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := opts.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		base:    base,
		token:   opts.Token,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	metrics.BreakerState.Set(0)
	c.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "send-api",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only failures that say something about the server's health count.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrUnsupported) {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state transition",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.BreakerState.Set(stateToFloat(to))
		},
	})
	return c, nil
}

// Send delivers one message. Errors wrapping wsync.ErrNotSent mean no
// request left the process; any other error counts as a failed attempt.
func (c *Client) Send(ctx context.Context, m store.PendingMessage) error {
	tipo, ok := wireTypes[m.Type]
	if !ok {
		return fmt.Errorf("%w: type %q", ErrUnsupported, m.Type)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w: %w", wsync.ErrNotSent, err)
	}
	_, err := c.cb.Execute(func() (struct{}, error) {
		if m.Type != store.TypeText && m.AttachmentRef != "" {
			return struct{}{}, c.sendWithFile(ctx, m)
		}
		return struct{}{}, c.sendJSON(ctx, m, tipo)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBreakerOpen, err)
	}
	return err
}

// State returns the circuit breaker state.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}

func (c *Client) sendJSON(ctx context.Context, m store.PendingMessage, tipo string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    m.ChatID,
		Contenido: m.Content,
		Tipo:      tipo,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, m.ID)
}

func (c *Client) sendWithFile(ctx context.Context, m store.PendingMessage) error {
	f, err := os.Open(m.AttachmentRef)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chatId", m.ChatID); err != nil {
		return err
	}
	if m.Content != "" {
		if err := w.WriteField("contenido", m.Content); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile("file", filepath.Base(m.AttachmentRef))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/messages/with-file", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, m.ID)
}

func (c *Client) do(req *http.Request, id string) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Client-Message-Id", id)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("message accepted", zap.String("id", id), zap.Int("status", resp.StatusCode))
	return nil
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
