package api

import (
	"context"
	"errors"

	"github.com/matheus3301/wppsync/internal/outbox"
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
	wsync "github.com/matheus3301/wppsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Engine is the part of the sync engine the control API drives.
type Engine interface {
	Drain(ctx context.Context) wsync.Report
	State() *status.Machine
}

// Reachability reports current network reachability.
type Reachability interface {
	IsReachable() bool
}

// OutboxService implements OutboxServer.
type OutboxService struct {
	queue       *outbox.Queue
	engine      Engine
	network     Reachability
	sessionName string
	logger      *zap.Logger
}

// NewOutboxService creates the control API service.
func NewOutboxService(q *outbox.Queue, engine Engine, network Reachability, sessionName string, logger *zap.Logger) *OutboxService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxService{
		queue:       q,
		engine:      engine,
		network:     network,
		sessionName: sessionName,
		logger:      logger,
	}
}

func (s *OutboxService) Enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResponse, error) {
	pm, err := s.queue.Enqueue(ctx, store.NewMessage{
		ChatID:        req.ChatID,
		Content:       req.Content,
		Type:          store.MessageType(req.Type),
		AttachmentRef: req.AttachmentRef,
		MaxAttempts:   req.MaxAttempts,
	})
	if errors.Is(err, outbox.ErrInvalidMessage) {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		s.logger.Error("enqueue failed", zap.Error(err))
		return nil, grpcstatus.Errorf(codes.Internal, "enqueue: %v", err)
	}
	return &EnqueueResponse{Message: pendingMessageToWire(pm)}, nil
}

func (s *OutboxService) ListPending(ctx context.Context, req *ListPendingRequest) (*ListPendingResponse, error) {
	limit := req.Limit
	switch {
	case limit < 0:
		return nil, grpcstatus.Error(codes.InvalidArgument, "limit must not be negative")
	case limit == 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	msgs, err := s.queue.List(ctx, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list pending: %v", err)
	}
	resp := &ListPendingResponse{
		Messages:     make([]PendingMessage, 0, len(msgs)),
		PendingCount: s.queue.PendingCount(),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, pendingMessageToWire(m))
	}
	return resp, nil
}

func (s *OutboxService) GetSyncState(_ context.Context, _ *GetSyncStateRequest) (*SyncState, error) {
	return s.snapshot(s.engine.State().Snapshot()), nil
}

func (s *OutboxService) Drain(ctx context.Context, _ *DrainRequest) (*DrainResponse, error) {
	rep := s.engine.Drain(ctx)
	return reportToWire(rep), nil
}

func (s *OutboxService) WatchSyncState(_ *WatchSyncStateRequest, stream grpc.ServerStreamingServer[SyncState]) error {
	ch, unsub := s.engine.State().Watch()
	defer unsub()

	for {
		select {
		case st, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(s.snapshot(st)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *OutboxService) snapshot(st status.SyncState) *SyncState {
	reachable := s.network != nil && s.network.IsReachable()
	return syncStateToWire(st, reachable, s.sessionName)
}
