package daemon

import (
	"context"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names reported on the daemon socket. The empty service name
// reports the daemon itself.
const (
	ServiceRealtime = "courier.realtime"
	ServiceDelivery = "courier.delivery"
)

// HealthReporter keeps the gRPC health statuses in step with the bus:
// realtime follows the connection state, delivery turns NOT_SERVING while
// any outbox entry has exhausted its attempts and waits for a manual retry.
type HealthReporter struct {
	srv         *health.Server
	db          *store.DB
	bus         *bus.Bus
	maxAttempts int
	logger      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthReporter creates a reporter with realtime NOT_SERVING and
// delivery SERVING.
func NewHealthReporter(db *store.DB, b *bus.Bus, maxAttempts int, logger *zap.Logger) *HealthReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := health.NewServer()
	srv.SetServingStatus(ServiceRealtime, healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(ServiceDelivery, healthpb.HealthCheckResponse_SERVING)
	return &HealthReporter{srv: srv, db: db, bus: b, maxAttempts: maxAttempts, logger: logger}
}

// Server returns the health service to register on a gRPC server.
func (h *HealthReporter) Server() healthpb.HealthServer {
	return h.srv
}

// Start follows connection and outbox events until Stop.
func (h *HealthReporter) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	conn, unsubConn := h.bus.Subscribe("connection.", 16)
	outbox, unsubOutbox := h.bus.Subscribe("outbox.", 64)
	h.refreshDelivery()

	go func() {
		defer close(h.done)
		defer unsubConn()
		defer unsubOutbox()
		for {
			select {
			case evt := <-conn:
				change, ok := evt.Payload.(status.StatusChange)
				if !ok {
					continue
				}
				st := healthpb.HealthCheckResponse_NOT_SERVING
				if change.To == status.Connected {
					st = healthpb.HealthCheckResponse_SERVING
				}
				h.srv.SetServingStatus(ServiceRealtime, st)
			case <-outbox:
				h.refreshDelivery()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *HealthReporter) refreshDelivery() {
	failed, err := h.db.FailedItems(h.maxAttempts)
	if err != nil {
		h.logger.Warn("health: failed items query", zap.Error(err))
		return
	}
	st := healthpb.HealthCheckResponse_SERVING
	if len(failed) > 0 {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus(ServiceDelivery, st)
}

// Stop stops following events and marks every service NOT_SERVING so that
// watchers see the daemon go away.
func (h *HealthReporter) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.srv.Shutdown()
}
