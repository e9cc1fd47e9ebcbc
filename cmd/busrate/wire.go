package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"busrate/internal/config"
	"busrate/internal/db"
	"busrate/internal/departure"
	"busrate/internal/headway"
	"busrate/internal/ingest"
	"busrate/internal/metrics"
	"busrate/internal/mta"
	"busrate/internal/publisher"
	"busrate/internal/rating"
	"busrate/internal/runner"
	"busrate/internal/stops"
	"busrate/internal/trip"
)

// app is every component wired to one database and one feed client.
type app struct {
	cfg       *config.Config
	sqlDB     *sql.DB
	store     *db.Store
	collector *metrics.Collector
	client    *mta.Client
	publisher *publisher.NATSPublisher

	ingestor      *ingest.Ingestor
	detector      *departure.Detector
	headways      *headway.Calculator
	reconstructor *trip.Reconstructor
	stopCache     *stops.Cache
	ratings       *rating.Service
}

type wireOpts struct {
	publish bool // connect to NATS when configured
}

func wire(ctx context.Context, opts wireOpts) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	store := db.NewStore(sqlDB)
	if err := store.EnsureSchema(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		sqlDB:     sqlDB,
		store:     store,
		collector: metrics.NewCollector(cfg.AllowableHeadwayMinutes),
		client:    mta.NewClient(cfg.VehiclesURL, cfg.StopsURL, cfg.MTAAPIKey, cfg.FeedTimeout),
	}
	a.stopCache = stops.NewCache(store, a.client, cfg.StopListTTL)

	a.detector = &departure.Detector{
		Store:       store,
		Metrics:     a.collector,
		Window:      cfg.DetectionWindow,
		DedupWindow: cfg.DepartureDedupWindow,
	}
	if opts.publish && cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, a.collector)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.publisher = pub
		a.detector.Publisher = pub
	}

	a.ingestor = &ingest.Ingestor{
		Store:       store,
		Feed:        a.client,
		Metrics:     a.collector,
		MinInterval: cfg.FetchMinInterval,
		DedupWindow: cfg.PositionDedupWindow,
	}
	a.headways = &headway.Calculator{Store: store, Budget: cfg.HeadwayBudget, Metrics: a.collector}
	a.reconstructor = &trip.Reconstructor{Store: store, Stops: a.stopCache, Headways: a.headways, Metrics: a.collector}
	a.ratings = &rating.Service{
		Store:            store,
		AllowableMinutes: cfg.AllowableHeadwayMinutes,
		Window:           cfg.RatingWindow,
		Location:         cfg.Location,
	}
	return a, nil
}

func (a *app) requireFeedKey() error {
	if a.cfg.MTAAPIKey == "" {
		return fmt.Errorf("MTA_API_KEY must be set to read the vehicle feed")
	}
	return nil
}

func (a *app) fetch(ctx context.Context) error {
	_, err := a.ingestor.FetchAndStore(ctx)
	return err
}

func (a *app) detect(ctx context.Context) error {
	_, err := a.detector.DetectDepartures(ctx)
	return err
}

func (a *app) pipeline() *runner.Pipeline {
	return &runner.Pipeline{
		Fetch:                 a.fetch,
		Detect:                a.detect,
		Headways:              a.headways,
		Reconstruct:           a.reconstructor,
		Maintenance:           a.store,
		Health:                a.store,
		Observer:              a.collector,
		HeadwayLookback:       a.cfg.HeadwayLookback,
		InterpolationLookback: a.cfg.InterpolationLookback,
		PositionRetention:     a.cfg.PositionRetention,
		MarkerRetention:       a.cfg.MarkerRetention,
	}
}

func (a *app) intervals() runner.Intervals {
	iv := a.cfg.Intervals
	return runner.Intervals{
		Fetch:       iv.Fetch,
		Detect:      iv.Detect,
		Headways:    iv.Headways,
		Interpolate: iv.Interpolate,
		Health:      iv.Health,
		Cleanup:     iv.Cleanup,
	}
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if err := a.sqlDB.Close(); err != nil {
		log.Warn().Err(err).Msg("db close")
	}
}
