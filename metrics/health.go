package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/blegateway/buffer"
	"github.com/mjasion/balena-home/blegateway/types"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status          string    `json:"status"`
	LastPushTime    time.Time `json:"lastPushTime"`
	BufferedSamples int       `json:"bufferedSamples"`
	BufferCapacity  int       `json:"bufferCapacity"`
	DroppedSamples  uint64    `json:"droppedSamples"`
	BrokerConnected *bool     `json:"brokerConnected,omitempty"`
}

// ConnectionChecker reports whether a dependency is reachable
type ConnectionChecker interface {
	IsConnected() bool
}

// HealthChecker serves the /health endpoint
type HealthChecker struct {
	buffer   *buffer.RingBuffer[*types.Reading]
	pusher   *Pusher
	broker   ConnectionChecker
	server   *http.Server
	logger   *zap.Logger
	now      func() time.Time
	staleFor time.Duration
}

// NewHealthChecker creates a HealthChecker. pusher and broker may be nil.
func NewHealthChecker(buf *buffer.RingBuffer[*types.Reading], pusher *Pusher, broker ConnectionChecker, port int, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		buffer: buf,
		pusher: pusher,
		broker: broker,
		logger: logger,
		now:    time.Now,
	}
	if pusher != nil {
		hc.staleFor = 3 * pusher.PushInterval()
	}

	hc.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      hc.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return hc
}

// Routes returns the health router
func (hc *HealthChecker) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", hc.handleHealth)
	return r
}

// Start serves the health endpoint until Stop is called
func (hc *HealthChecker) Start() error {
	hc.logger.Info("starting health check server", zap.String("addr", hc.server.Addr))
	if err := hc.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Stop shuts down the health check server
func (hc *HealthChecker) Stop() error {
	return hc.server.Close()
}

func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	size, capacity := hc.buffer.Stats()
	status := HealthStatus{
		Status:          "healthy",
		BufferedSamples: size,
		BufferCapacity:  capacity,
		DroppedSamples:  hc.buffer.Dropped(),
	}

	healthy := true
	if hc.pusher != nil {
		status.LastPushTime = hc.pusher.LastPushTime()
		// stale when nothing was pushed for three push intervals
		if !status.LastPushTime.IsZero() && hc.now().Sub(status.LastPushTime) > hc.staleFor {
			healthy = false
		}
	}
	if hc.broker != nil {
		connected := hc.broker.IsConnected()
		status.BrokerConnected = &connected
		healthy = healthy && connected
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		hc.logger.Debug("failed to write health response", zap.Error(err))
	}
}
