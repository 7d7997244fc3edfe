package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/status"
	"go.uber.org/zap"
)

// Health is the /healthz response body.
type Health struct {
	Session      string `json:"session"`
	Phase        string `json:"phase"`
	PendingCount int    `json:"pending_count"`
	LastSyncAt   int64  `json:"last_sync_at_unix_ms"`
	Reachable    bool   `json:"reachable"`
}

type reachability interface {
	IsReachable() bool
}

// NewRouter builds the /metrics and /healthz routes.
func NewRouter(sessionName string, machine *status.Machine, network reachability) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := machine.Snapshot()
		h := Health{
			Session:      sessionName,
			Phase:        string(st.Phase),
			PendingCount: st.PendingCount,
			LastSyncAt:   st.LastSyncAt,
			Reachable:    network.IsReachable(),
		}
		w.Header().Set("Content-Type", "application/json")
		if st.Phase == status.Error {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	return r
}

// MetricsServer serves NewRouter on the configured listen address.
type MetricsServer struct {
	srv    *http.Server
	addr   string
	logger *zap.Logger
}

// NewMetricsServer returns nil when addr is empty.
func NewMetricsServer(addr string, handler http.Handler, logger *zap.Logger) *MetricsServer {
	if addr == "" {
		return nil
	}
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr:   addr,
		logger: logger,
	}
}

// Start binds the listener and serves in the background.
func (m *MetricsServer) Start() error {
	if m == nil {
		return nil
	}
	lis, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	m.addr = lis.Addr().String()
	m.logger.Info("metrics server starting", zap.String("addr", m.addr))
	go func() {
		if err := m.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listen address, resolved once started.
func (m *MetricsServer) Addr() string {
	return m.addr
}

// Stop shuts the server down.
func (m *MetricsServer) Stop(ctx context.Context) {
	if m == nil {
		return
	}
	m.logger.Info("metrics server stopping")
	_ = m.srv.Shutdown(ctx)
}
