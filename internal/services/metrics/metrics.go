// Package metrics exports session counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/interfaces"
)

const namespace = "autopilot"

// Recorder turns session events into metrics
type Recorder struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionErrors    *prometheus.CounterVec
	behaviorActions  *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionDuration  *prometheus.HistogramVec

	logger arbor.ILogger
}

// NewRecorder registers the session metrics on reg
func NewRecorder(reg prometheus.Registerer, logger arbor.ILogger) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions accepted by startSession",
		}),
		sessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal state",
		}, []string{"state"}),
		sessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Sessions that ended in error, by error type",
		}, []string{"type"}),
		behaviorActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "behavior_actions_total",
			Help:      "Successful interactions, by behavior",
		}, []string{"behavior"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently pending or running",
		}),
		sessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from start to terminal state",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 8),
		}, []string{"state"}),
		logger: logger,
	}
}

// Subscribe attaches the recorder to every session event
func (r *Recorder) Subscribe(events interfaces.EventService) error {
	for _, eventType := range interfaces.AllSessionEvents {
		if err := events.Subscribe(eventType, r.Handle); err != nil {
			return fmt.Errorf("subscribe metrics to %s: %w", eventType, err)
		}
	}
	return nil
}

// Handle records one event
func (r *Recorder) Handle(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(interfaces.SessionEvent)
	if !ok {
		return nil
	}

	switch event.Type {
	case interfaces.EventSessionStarted:
		r.sessionsStarted.Inc()
		r.sessionsActive.Inc()
	case interfaces.EventSessionProgress:
		if payload.Delta > 0 {
			r.behaviorActions.WithLabelValues(string(payload.Behavior)).Add(float64(payload.Delta))
		}
	case interfaces.EventSessionFinished:
		state := string(payload.State)
		r.sessionsFinished.WithLabelValues(state).Inc()
		r.sessionsActive.Dec()
		r.sessionDuration.WithLabelValues(state).Observe(payload.Duration.Seconds())
		if payload.Error != nil {
			r.sessionErrors.WithLabelValues(string(payload.Error.Type)).Inc()
		}
	}
	return nil
}

// Serve exposes gatherer on addr under /metrics until ctx is done
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger arbor.ILogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics listener started")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
