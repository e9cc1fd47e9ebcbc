package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"busrate/internal/db"
)

type Collector struct {
	reg *prometheus.Registry

	FetchSkipped      prometheus.Counter
	FeedDuration      prometheus.Histogram
	FeedErrors        prometheus.Counter
	EntriesDropped    *prometheus.CounterVec // reason label
	PositionsIngested prometheus.Counter

	DeparturesDetected prometheus.Counter
	PositionsConsumed  prometheus.Counter
	Interpolated       prometheus.Counter

	HeadwayUpdates  *prometheus.CounterVec // outcome label: updated|skipped|error|discarded
	HeadwayDuration prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	RecentFetches      prometheus.Gauge
	RecentDepartures   prometheus.Gauge
	HeadwaySuccessRate prometheus.Gauge
	InterpolationRate  prometheus.Gauge

	AllowableHeadway prometheus.Gauge // minutes
}

func NewCollector(allowableMinutes int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FetchSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busrate_fetch_skipped_total",
			Help: "Fetch cycles skipped because another fetch ran too recently.",
		}),
		FeedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busrate_feed_duration_seconds",
			Help:    "Duration of vehicle monitoring requests.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		FeedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busrate_feed_errors_total",
			Help: "Failed vehicle monitoring requests.",
		}),
		EntriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busrate_feed_entries_dropped_total",
			Help: "Feed entries dropped during ingest.",
		}, []string{"reason"}),
		PositionsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busrate_positions_ingested_total",
			Help: "Vehicle positions stored.",
		}),
		DeparturesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busrate_departures_detected_total",
			Help: "Departures inferred from positions.",
		}),
		PositionsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busrate_positions_consumed_total",
			Help: "Positions deleted after producing a departure.",
		}),
		Interpolated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busrate_departures_interpolated_total",
			Help: "Departures synthesized for skipped stops.",
		}),
		HeadwayUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busrate_headway_rows_total",
			Help: "Departures visited by headway passes, by outcome.",
		}, []string{"outcome"}),
		HeadwayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busrate_headway_pass_duration_seconds",
			Help:    "Duration of headway passes.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 13),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busrate_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busrate_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busrate_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busrate_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RecentFetches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busrate_recent_fetches",
			Help: "Fetch markers created in the health window.",
		}),
		RecentDepartures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busrate_recent_departures",
			Help: "Departures created in the health window.",
		}),
		HeadwaySuccessRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busrate_headway_success_ratio",
			Help: "Share of last hour's departures with a headway.",
		}),
		InterpolationRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busrate_interpolation_ratio",
			Help: "Share of last hour's departures that were interpolated.",
		}),
		AllowableHeadway: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busrate_allowable_headway_minutes",
			Help: "Headway the ratings are scored against.",
		}),
	}

	reg.MustRegister(
		c.FetchSkipped, c.FeedDuration, c.FeedErrors, c.EntriesDropped, c.PositionsIngested,
		c.DeparturesDetected, c.PositionsConsumed, c.Interpolated,
		c.HeadwayUpdates, c.HeadwayDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.RecentFetches, c.RecentDepartures, c.HeadwaySuccessRate, c.InterpolationRate,
		c.AllowableHeadway,
	)
	c.AllowableHeadway.Set(float64(allowableMinutes))
	return c
}

func (c *Collector) FetchSkippedInc() { c.FetchSkipped.Inc() }

func (c *Collector) FeedObserve(d time.Duration, err error) {
	c.FeedDuration.Observe(d.Seconds())
	if err != nil {
		c.FeedErrors.Inc()
	}
}

func (c *Collector) EntriesDroppedAdd(reason string, n int) {
	c.EntriesDropped.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) PositionsIngestedAdd(n int)  { c.PositionsIngested.Add(float64(n)) }
func (c *Collector) DeparturesDetectedAdd(n int) { c.DeparturesDetected.Add(float64(n)) }
func (c *Collector) PositionsConsumedAdd(n int)  { c.PositionsConsumed.Add(float64(n)) }
func (c *Collector) InterpolatedAdd(n int)       { c.Interpolated.Add(float64(n)) }

func (c *Collector) HeadwayPassObserve(updated, skipped, errs, discarded int, d time.Duration) {
	c.HeadwayUpdates.WithLabelValues("updated").Add(float64(updated))
	c.HeadwayUpdates.WithLabelValues("skipped").Add(float64(skipped))
	c.HeadwayUpdates.WithLabelValues("error").Add(float64(errs))
	c.HeadwayUpdates.WithLabelValues("discarded").Add(float64(discarded))
	c.HeadwayDuration.Observe(d.Seconds())
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

// ObserveHealth copies a health snapshot into gauges. Missing rates read as 0.
func (c *Collector) ObserveHealth(h db.Health) {
	c.RecentFetches.Set(float64(h.RecentFetches))
	c.RecentDepartures.Set(float64(h.RecentDepartures))
	c.HeadwaySuccessRate.Set(deref(h.HeadwaySuccessRate))
	c.InterpolationRate.Set(deref(h.InterpolationRate))
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// HealthFunc produces the snapshot served on /health.
type HealthFunc func(ctx context.Context) (db.Health, error)

// Router exposes /metrics and, when health is non-nil, /health as JSON.
func (c *Collector) Router(health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", c.Handler())
	if health != nil {
		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
			defer cancel()
			h, err := health(ctx)
			if err != nil {
				log.Error().Err(err).Msg("health snapshot failed")
				http.Error(w, "health unavailable", http.StatusServiceUnavailable)
				return
			}
			c.ObserveHealth(h)
			b, err := json.Marshal(h)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Length", strconv.Itoa(len(b)))
			_, _ = w.Write(b)
		})
	}
	return r
}

// Serve starts an HTTP server exposing the router on the given address.
func (c *Collector) Serve(addr string, health HealthFunc) *http.Server {
	srv := &http.Server{Addr: addr, Handler: c.Router(health), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
