package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultVehiclesURL = "https://bustime.mta.info/api/siri/vehicle-monitoring.json"
	DefaultStopsURL    = "https://bustime.mta.info/api/where/stops-for-route"
)

type Config struct {
	DatabaseURL string `validate:"required"`

	MTAAPIKey   string
	VehiclesURL string        `validate:"required,url"`
	StopsURL    string        `validate:"required,url"`
	FeedTimeout time.Duration `validate:"gt=0s"`

	FetchMinInterval      time.Duration `validate:"gt=0s"`
	PositionDedupWindow   time.Duration `validate:"gt=0s"`
	DetectionWindow       time.Duration `validate:"gt=0s"`
	PositionRetention     time.Duration `validate:"gtefield=DetectionWindow"`
	DepartureDedupWindow  time.Duration `validate:"gt=0s"`
	HeadwayLookback       time.Duration `validate:"gt=0s"`
	HeadwayBudget         time.Duration `validate:"gt=0s"`
	InterpolationLookback time.Duration `validate:"gt=0s"`
	StopListTTL           time.Duration `validate:"gt=0s"`
	MarkerRetention       time.Duration `validate:"gt=0s"`

	AllowableHeadwayMinutes int            `validate:"gt=0"`
	RatingWindow            time.Duration  `validate:"gt=0s"`
	Location                *time.Location `validate:"required"`

	NATSURL           string // empty disables departure publishing
	NATSSubjectPrefix string `validate:"required"`
	LogNATSSubjects   bool
	MetricsAddr       string // empty disables the metrics server

	Intervals Intervals
}

// Intervals are the runner's per-job tick periods.
type Intervals struct {
	Fetch       time.Duration `validate:"gt=0s"`
	Detect      time.Duration `validate:"gt=0s"`
	Headways    time.Duration `validate:"gt=0s"`
	Interpolate time.Duration `validate:"gt=0s"`
	Health      time.Duration `validate:"gt=0s"`
	Cleanup     time.Duration `validate:"gt=0s"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.MTAAPIKey = os.Getenv("MTA_API_KEY")
	cfg.VehiclesURL = getenvDefault("MTA_VEHICLES_URL", DefaultVehiclesURL)
	cfg.StopsURL = strings.TrimRight(getenvDefault("MTA_STOPS_URL", DefaultStopsURL), "/")

	durations := []struct {
		key  string
		unit time.Duration
		def  int
		dst  *time.Duration
	}{
		{"FEED_TIMEOUT_SEC", time.Second, 15, &cfg.FeedTimeout},
		{"FETCH_MIN_INTERVAL_SEC", time.Second, 30, &cfg.FetchMinInterval},
		{"POSITION_DEDUP_WINDOW_SEC", time.Second, 1200, &cfg.PositionDedupWindow},
		{"DETECTION_WINDOW_SEC", time.Second, 240, &cfg.DetectionWindow},
		{"POSITION_RETENTION_SEC", time.Second, 480, &cfg.PositionRetention},
		{"DEPARTURE_DEDUP_WINDOW_SEC", time.Second, 1200, &cfg.DepartureDedupWindow},
		{"HEADWAY_LOOKBACK_MIN", time.Minute, 240, &cfg.HeadwayLookback},
		{"HEADWAY_BUDGET_SEC", time.Second, 300, &cfg.HeadwayBudget},
		{"INTERPOLATION_LOOKBACK_MIN", time.Minute, 180, &cfg.InterpolationLookback},
		{"STOP_LIST_TTL_DAYS", 24 * time.Hour, 21, &cfg.StopListTTL},
		{"FETCH_MARKER_RETENTION_HOURS", time.Hour, 24, &cfg.MarkerRetention},
		{"RATING_WINDOW_MIN", time.Minute, 120, &cfg.RatingWindow},
		{"FETCH_EVERY_SEC", time.Second, 32, &cfg.Intervals.Fetch},
		{"DETECT_EVERY_SEC", time.Second, 60, &cfg.Intervals.Detect},
		{"HEADWAYS_EVERY_SEC", time.Second, 600, &cfg.Intervals.Headways},
		{"INTERPOLATE_EVERY_SEC", time.Second, 1800, &cfg.Intervals.Interpolate},
		{"HEALTH_EVERY_SEC", time.Second, 60, &cfg.Intervals.Health},
		{"CLEANUP_EVERY_SEC", time.Second, 480, &cfg.Intervals.Cleanup},
	}
	for _, d := range durations {
		v, err := positiveInt(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = time.Duration(v) * d.unit
	}

	allowable, err := positiveInt("ALLOWABLE_HEADWAY_MIN", 8)
	if err != nil {
		return nil, err
	}
	cfg.AllowableHeadwayMinutes = allowable

	// Empty disables departure publishing.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "busrate.departures")
	cfg.LogNATSSubjects = truthy(os.Getenv("LOG_NATS_SUBJECTS"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Ratings and rush-hour periods are evaluated in this zone.
	loc, err := time.LoadLocation(getenvDefault("TZ", "America/New_York"))
	if err != nil {
		return nil, fmt.Errorf("invalid TZ: %v", err)
	}
	cfg.Location = loc

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
