// Package metrics exposes client protocol counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chronologos/rtach-client/internal/protocol"
	"github.com/chronologos/rtach-client/internal/session"
)

const namespace = "rtach_client"

// Collector holds the client's metrics on a private registry, so several
// clients (or tests) in one process do not collide on the default one.
type Collector struct {
	reg *prometheus.Registry

	responses *prometheus.CounterVec
	packets   *prometheus.CounterVec
	mode      *prometheus.GaugeVec

	mu    sync.Mutex
	stats session.Stats
}

// New creates a Collector and registers its metrics.
func New() *Collector {
	c := &Collector{reg: prometheus.NewRegistry()}
	factory := promauto.With(c.reg)

	c.responses = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responses_total",
		Help:      "Decoded server frames by type",
	}, []string{"type"})

	c.packets = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_sent_total",
		Help:      "Client packets written to the transport by type",
	}, []string{"type"})

	c.mode = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_mode",
		Help:      "1 for the session's current mode, 0 otherwise",
	}, []string{"mode"})

	counters := []struct {
		name, help string
		value      func(session.Stats) uint64
	}{
		{"raw_forwarded_bytes_total", "Bytes forwarded as terminal output in raw mode", func(s session.Stats) uint64 { return s.RawForwarded }},
		{"framed_bytes_total", "Bytes handed to the frame decoder", func(s session.Stats) uint64 { return s.FramedBytes }},
		{"resync_skipped_bytes_total", "Bytes dropped by the decoder to resynchronize", func(s session.Stats) uint64 { return s.ResyncSkipped }},
		{"sent_bytes_total", "Client packet bytes written to the transport", func(s session.Stats) uint64 { return s.BytesSent }},
		{"upgrades_total", "Handshakes accepted", func(s session.Stats) uint64 { return s.Upgrades }},
	}
	for _, ctr := range counters {
		value := ctr.value
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      ctr.name,
			Help:      ctr.help,
		}, func() float64 {
			c.mu.Lock()
			defer c.mu.Unlock()
			return float64(value(c.stats))
		})
	}

	c.SetMode(session.ModeDisconnected)
	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// ObserveResponse counts a dispatched server frame.
func (c *Collector) ObserveResponse(t protocol.ResponseType) {
	c.responses.WithLabelValues(t.String()).Inc()
}

// ObservePacket counts an outgoing client packet by its tag byte.
func (c *Collector) ObservePacket(packet []byte) {
	if len(packet) == 0 {
		return
	}
	c.packets.WithLabelValues(protocol.MessageType(packet[0]).String()).Inc()
}

// Update records the latest session counters.
func (c *Collector) Update(st session.Stats) {
	c.mu.Lock()
	c.stats = st
	c.mu.Unlock()
}

// SetMode marks m as the current session mode.
func (c *Collector) SetMode(m session.Mode) {
	for _, mode := range []session.Mode{session.ModeDisconnected, session.ModeRaw, session.ModeFramed} {
		v := 0.0
		if mode == m {
			v = 1
		}
		c.mode.WithLabelValues(mode.String()).Set(v)
	}
}

// Handler serves /metrics and /healthz.
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Serve runs the metrics endpoint on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
