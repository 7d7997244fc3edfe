package api

import (
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
	wsync "github.com/matheus3301/wppsync/internal/sync"
)

type EnqueueRequest struct {
	ChatID        string `json:"chat_id"`
	Content       string `json:"content"`
	Type          string `json:"type,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
}

type EnqueueResponse struct {
	Message PendingMessage `json:"message"`
}

type ListPendingRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListPendingResponse struct {
	Messages     []PendingMessage `json:"messages"`
	PendingCount int              `json:"pending_count"`
}

type GetSyncStateRequest struct{}

type WatchSyncStateRequest struct{}

type DrainRequest struct{}

// DrainResponse mirrors the engine's drain report.
type DrainResponse struct {
	Skipped   bool   `json:"skipped"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
	Halted    bool   `json:"halted"`
	Remaining int    `json:"remaining"`
	Retryable int    `json:"retryable"`
	Error     string `json:"error,omitempty"`
}

// PendingMessage is the wire form of an outbox entry.
type PendingMessage struct {
	ID              string `json:"id"`
	ChatID          string `json:"chat_id"`
	Content         string `json:"content"`
	Type            string `json:"type"`
	AttachmentRef   string `json:"attachment_ref,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	Attempts        int    `json:"attempts"`
	MaxAttempts     int    `json:"max_attempts"`
	Status          string `json:"status"`
	Exhausted       bool   `json:"exhausted"`
}

// SyncState is the wire form of the engine state plus current reachability.
type SyncState struct {
	Phase            string `json:"phase"`
	PendingCount     int    `json:"pending_count"`
	LastSyncAtUnixMs int64  `json:"last_sync_at_unix_ms"`
	Reachable        bool   `json:"reachable"`
	Session          string `json:"session"`
}

func pendingMessageToWire(m store.PendingMessage) PendingMessage {
	return PendingMessage{
		ID:              m.ID,
		ChatID:          m.ChatID,
		Content:         m.Content,
		Type:            string(m.Type),
		AttachmentRef:   m.AttachmentRef,
		CreatedAtUnixMs: m.CreatedAt,
		Attempts:        m.Attempts,
		MaxAttempts:     m.MaxAttempts,
		Status:          string(m.Status),
		Exhausted:       m.Exhausted(),
	}
}

func reportToWire(r wsync.Report) *DrainResponse {
	resp := &DrainResponse{
		Skipped:   r.Skipped,
		Attempted: r.Attempted,
		Delivered: r.Delivered,
		Failed:    r.Failed,
		Deferred:  r.Deferred,
		Halted:    r.Halted,
		Remaining: r.Remaining,
		Retryable: r.Retryable,
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}

func syncStateToWire(s status.SyncState, reachable bool, session string) *SyncState {
	return &SyncState{
		Phase:            string(s.Phase),
		PendingCount:     s.PendingCount,
		LastSyncAtUnixMs: s.LastSyncAt,
		Reachable:        reachable,
		Session:          session,
	}
}
