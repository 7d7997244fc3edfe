package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a pending message or job does not exist.
var ErrNotFound = errors.New("not found")

// Status is the stored delivery status of a pending message.
// Delivered messages are deleted, so there is no "sent" status.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusFailed  Status = "failed"
)

// MessageType discriminates the payload of a pending message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeVideo, TypeDocument:
		return true
	}
	return false
}

// DefaultMaxAttempts is used when a message is enqueued without a ceiling.
const DefaultMaxAttempts = 5

// NewMessage holds the producer-supplied fields of a message to enqueue.
type NewMessage struct {
	ChatID        string
	Content       string
	Type          MessageType
	AttachmentRef string // local file path for non-text payloads
	MaxAttempts   int    // 0 = DefaultMaxAttempts
}

// Normalize fills defaults for empty fields.
func (m NewMessage) Normalize() NewMessage {
	if m.Type == "" {
		m.Type = TypeText
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = DefaultMaxAttempts
	}
	return m
}

// PendingMessage is a message not yet confirmed delivered to the server.
type PendingMessage struct {
	ID            string
	ChatID        string
	Content       string
	Type          MessageType
	AttachmentRef string
	CreatedAt     int64 // unix ms, FIFO ordering key
	Attempts      int
	MaxAttempts   int
	Status        Status
}

// Exhausted reports whether the message has used all of its attempts.
func (m *PendingMessage) Exhausted() bool {
	return m.Attempts >= m.MaxAttempts
}

// Created returns CreatedAt as a time.Time.
func (m *PendingMessage) Created() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// Job is a persisted scheduler registration.
type Job struct {
	Name      string
	Interval  time.Duration
	LastRunAt int64 // unix ms, 0 = never
	CreatedAt int64
}
