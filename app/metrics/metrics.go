package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/Strum355/log"
	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kawakaze",
		Name:      "image_builds_total",
		Help:      "Image builds by result.",
	}, []string{"result"})

	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kawakaze",
		Name:      "image_build_duration_seconds",
		Help:      "Wall time of finished image builds.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	CellTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kawakaze",
		Name:      "container_transitions_total",
		Help:      "Container state transitions by target state.",
	}, []string{"state"})

	CellRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kawakaze",
		Name:      "container_restarts_total",
		Help:      "Main process restarts performed by the supervisor.",
	})

	AddressesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kawakaze",
		Name:      "network_addresses_allocated",
		Help:      "Addresses currently allocated from the container subnet.",
	})
)

// Serve exposes the default registry on address until ctx is done.
func Serve(ctx context.Context, address string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: address, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.WithFields(log.Fields{
			"address": address,
		}).Info("metrics server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
}
