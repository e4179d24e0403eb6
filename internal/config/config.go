package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StoreBackend string
	DatabaseURL  string

	MongoURI                string
	MongoDatabase           string
	MongoJourneysCollection string
	MongoServicesCollection string

	SourceBaseURL    string
	SourceTimeout    time.Duration
	SourceMaxRetries int
	PageSize         int

	BatchSize        int
	BatchPause       time.Duration
	DetailDelay      time.Duration
	StartDate        time.Time
	EndDate          time.Time
	RegionID         string
	Operators        []string
	IngestWorkers    int
	WriteRetries     int
	MaxBatchFailures int
	KeyStrategy      string

	UTCOffsetHours float64
	ExtraHolidays  []time.Time
	MatchWindow    int

	ModelDir           string
	HTTPAddr           string
	RequestTimeout     time.Duration
	CORSAllowedOrigins []string
	RedisURL           string
	CacheTTL           time.Duration

	NATSURL         string
	LogNATSSubjects bool
	MetricsAddr     string
}

var defaultOperators = []string{"BNVB", "BNSM", "BNML", "BNGN", "BNFM", "BNDB"}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	cfg.StoreBackend = strings.ToLower(getenvDefault("STORE_BACKEND", "postgres"))
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL, err = databaseURL(); err != nil {
			return nil, err
		}
	case "mongo", "memory":
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q", cfg.StoreBackend)
	}

	cfg.MongoURI = getenvDefault("MONGO_URI", "mongodb://127.0.0.1:27017")
	cfg.MongoDatabase = getenvDefault("MONGO_DB", "bus_delays")
	cfg.MongoJourneysCollection = getenvDefault("MONGO_JOURNEYS_COLLECTION", "journeys")
	cfg.MongoServicesCollection = getenvDefault("MONGO_SERVICES_COLLECTION", "services")

	// Source API
	cfg.SourceBaseURL = getenvDefault("SOURCE_BASE_URL", "https://bustimes.org")
	if cfg.SourceTimeout, err = seconds("SOURCE_TIMEOUT_SEC", 10, false); err != nil {
		return nil, err
	}
	if cfg.SourceMaxRetries, err = intVar("SOURCE_MAX_RETRIES", 5, 0); err != nil {
		return nil, err
	}
	if cfg.PageSize, err = intVar("PAGE_SIZE", 100, 1); err != nil {
		return nil, err
	}

	// Ingestion
	if cfg.BatchSize, err = intVar("BATCH_SIZE", 100, 1); err != nil {
		return nil, err
	}
	if cfg.BatchPause, err = seconds("BATCH_PAUSE_SEC", 15, true); err != nil {
		return nil, err
	}
	if v := os.Getenv("DETAIL_DELAY_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid DETAIL_DELAY_MS: %q", v)
		}
		cfg.DetailDelay = time.Duration(ms) * time.Millisecond
	} else {
		cfg.DetailDelay = 400 * time.Millisecond
	}

	// Date window; END_DATE defaults to yesterday, START_DATE is open.
	if cfg.StartDate, err = dateVar("START_DATE", time.Time{}); err != nil {
		return nil, err
	}
	yesterday := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
	if cfg.EndDate, err = dateVar("END_DATE", yesterday); err != nil {
		return nil, err
	}
	if !cfg.StartDate.IsZero() && cfg.StartDate.After(cfg.EndDate) {
		return nil, fmt.Errorf("invalid START_DATE: %s is after END_DATE %s", cfg.StartDate.Format(dateLayout), cfg.EndDate.Format(dateLayout))
	}

	cfg.RegionID = getenvDefault("REGION_ID", "NW")
	cfg.Operators = splitList(os.Getenv("OPERATORS"))
	if len(cfg.Operators) == 0 {
		cfg.Operators = append([]string(nil), defaultOperators...)
	}
	if cfg.IngestWorkers, err = intVar("INGEST_WORKERS", 1, 1); err != nil {
		return nil, err
	}
	if cfg.WriteRetries, err = intVar("WRITE_RETRIES", 3, 0); err != nil {
		return nil, err
	}
	if cfg.MaxBatchFailures, err = intVar("MAX_BATCH_FAILURES", 3, 1); err != nil {
		return nil, err
	}
	cfg.KeyStrategy = strings.ToLower(getenvDefault("KEY_STRATEGY", "journey"))
	switch cfg.KeyStrategy {
	case "journey", "legacy":
	default:
		return nil, fmt.Errorf("invalid KEY_STRATEGY: %q", cfg.KeyStrategy)
	}

	// Time handling
	if v := os.Getenv("UTC_OFFSET_HOURS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < -14 || f > 14 {
			return nil, fmt.Errorf("invalid UTC_OFFSET_HOURS: %q", v)
		}
		cfg.UTCOffsetHours = f
	} else {
		cfg.UTCOffsetHours = 1
	}
	for _, s := range splitList(os.Getenv("EXTRA_HOLIDAYS")) {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("invalid EXTRA_HOLIDAYS entry: %q", s)
		}
		cfg.ExtraHolidays = append(cfg.ExtraHolidays, d)
	}
	if cfg.MatchWindow, err = intVar("MATCH_WINDOW_MIN", 30, 0); err != nil {
		return nil, err
	}

	// Serving
	cfg.ModelDir = getenvDefault("MODEL_DIR", "model")
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8000")
	if cfg.RequestTimeout, err = seconds("REQUEST_TIMEOUT_SEC", 10, false); err != nil {
		return nil, err
	}
	cfg.CORSAllowedOrigins = splitList(getenvDefault("CORS_ALLOWED_ORIGINS", "*"))
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.CacheTTL, err = seconds("CACHE_TTL_SEC", 300, false); err != nil {
		return nil, err
	}

	// NATS is optional; empty disables event publishing.
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	return cfg, nil
}

const dateLayout = "2006-01-02"

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set when STORE_BACKEND=postgres")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func intVar(k string, def, min int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func seconds(k string, def int, allowZero bool) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec < 0 || (sec == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func dateVar(k string, def time.Time) (time.Time, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %q", k, v)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
