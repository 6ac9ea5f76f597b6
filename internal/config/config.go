package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/crm-purge/internal/crm"
	"github.com/withObsrvr/crm-purge/internal/jobs"
	"github.com/withObsrvr/crm-purge/internal/logging"
	"github.com/withObsrvr/crm-purge/internal/metrics"
	"github.com/withObsrvr/crm-purge/internal/report"
	"github.com/withObsrvr/crm-purge/internal/runlog"
	"github.com/withObsrvr/crm-purge/internal/scheduler"
	"github.com/withObsrvr/crm-purge/internal/storage"
)

type Config struct {
	CRM      crm.Config
	Jobs     JobsConfig
	Storage  storage.StorageConfig
	Schedule ScheduleConfig
	Report   report.Config
	RunLog   runlog.Config
	Metrics  metrics.Config
	Logging  logging.Config
}

type JobsConfig struct {
	Targets    []jobs.Target
	FetchLimit int
	BatchSize  int
	Serial     bool
	ErrorLog   string
	MaxWorkers int
}

type ScheduleConfig struct {
	Cadence      scheduler.Cadence
	Offsets      []time.Duration // extract, delete, verify
	PollInterval time.Duration
}

// ConfigError lists every problem found while loading configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE,
// then the process environment. Environment variables win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, &ConfigError{Problems: []string{fmt.Sprintf(".env: %v", err)}}
	}

	src := &source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, &ConfigError{Problems: []string{err.Error()}}
		}
		src.file = file
	}
	return src.build()
}

// readFile parses a flat YAML mapping of the same keys as the environment.
func readFile(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	values := make(map[string]string)
	if err := yaml.Unmarshal(content, &values); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return values, nil
}

// source resolves keys from the environment, then the config file.
type source struct {
	file     map[string]string
	problems []string
}

func (s *source) getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if val, ok := s.file[key]; ok && val != "" {
		return val
	}
	return def
}

func (s *source) intValue(key string, def int) int {
	v := s.getenvDefault(key, strconv.Itoa(def))
	parsed, err := strconv.Atoi(v)
	if err != nil {
		s.problems = append(s.problems, fmt.Sprintf("%s: %q is not an integer", key, v))
		return def
	}
	return parsed
}

func (s *source) boolValue(key string, def bool) bool {
	v := s.getenvDefault(key, strconv.FormatBool(def))
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		s.problems = append(s.problems, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return def
	}
	return parsed
}

func (s *source) durationValue(key string, def time.Duration) time.Duration {
	v := s.getenvDefault(key, def.String())
	parsed, err := time.ParseDuration(v)
	if err != nil {
		s.problems = append(s.problems, fmt.Sprintf("%s: %q is not a duration", key, v))
		return def
	}
	return parsed
}

func (s *source) durationList(key, def string) []time.Duration {
	var out []time.Duration
	for _, part := range strings.Split(s.getenvDefault(key, def), ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			s.problems = append(s.problems, fmt.Sprintf("%s: %q is not a duration", key, part))
			return nil
		}
		out = append(out, d)
	}
	return out
}

func (s *source) build() (Config, error) {
	targets, err := jobs.ParseTargets(s.getenvDefault("OBJECT_TYPES", "Account:Accounts.csv,Contact:Contacts.csv"))
	if err != nil {
		s.problems = append(s.problems, "OBJECT_TYPES: "+err.Error())
	}
	cadence, err := scheduler.ParseCadence(s.getenvDefault("SCHEDULE_CADENCE", "daily"))
	if err != nil {
		s.problems = append(s.problems, "SCHEDULE_CADENCE: "+err.Error())
	}

	cfg := Config{
		CRM: crm.Config{
			LoginURL:       s.getenvDefault("SF_LOGIN_URL", "https://login.salesforce.com"),
			Username:       s.getenvDefault("SF_USERNAME", ""),
			Password:       s.getenvDefault("SF_PASSWORD", ""),
			SecurityToken:  s.getenvDefault("SF_SECURITY_TOKEN", ""),
			ConsumerKey:    s.getenvDefault("SF_CONSUMER_KEY", ""),
			ConsumerSecret: s.getenvDefault("SF_CONSUMER_SECRET", ""),
			APIVersion:     s.getenvDefault("SF_API_VERSION", "59.0"),
			Timeout:        s.durationValue("CRM_TIMEOUT", 2*time.Minute),
			BulkWait:       s.durationValue("CRM_BULK_WAIT", 30*time.Minute),
			PollInterval:   s.durationValue("CRM_POLL_INTERVAL", 2*time.Second),
		},
		Jobs: JobsConfig{
			Targets:    targets,
			FetchLimit: s.intValue("FETCH_LIMIT", crm.DefaultFetchLimit),
			BatchSize:  s.intValue("BULK_BATCH_SIZE", crm.DefaultBatchSize),
			Serial:     s.boolValue("BULK_SERIAL", true),
			ErrorLog:   s.getenvDefault("ERROR_LOG", "error.csv"),
			MaxWorkers: s.intValue("MAX_WORKERS", jobs.DefaultWorkers),
		},
		Storage: storage.StorageConfig{
			Backend:    s.getenvDefault("STORAGE_BACKEND", "local"),
			LocalDir:   s.getenvDefault("LOCAL_DIR", "."),
			Bucket:     s.getenvDefault("STORAGE_BUCKET", ""),
			Prefix:     s.getenvDefault("STORAGE_PREFIX", ""),
			S3Endpoint: s.getenvDefault("S3_ENDPOINT", ""),
			S3Region:   s.getenvDefault("S3_REGION", ""),
		},
		Schedule: ScheduleConfig{
			Cadence:      cadence,
			Offsets:      s.durationList("SCHEDULE_OFFSETS", "1m,2m,3m"),
			PollInterval: s.durationValue("POLL_INTERVAL", time.Second),
		},
		Report: report.Config{
			Dir: s.getenvDefault("REPORT_DIR", ""),
		},
		RunLog: runlog.Config{
			DSN: s.getenvDefault("RUNLOG_DSN", ""),
		},
		Metrics: metrics.Config{
			Enabled: s.boolValue("METRICS_ENABLED", false),
			Address: s.getenvDefault("METRICS_ADDR", ":9090"),
		},
		Logging: logging.Config{
			Format: s.getenvDefault("LOG_FORMAT", "text"),
			Level:  s.getenvDefault("LOG_LEVEL", "info"),
		},
	}

	if len(s.problems) > 0 {
		return cfg, &ConfigError{Problems: s.problems}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that parse but cannot work.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	required := []struct{ key, val string }{
		{"SF_USERNAME", c.CRM.Username},
		{"SF_PASSWORD", c.CRM.Password},
		{"SF_CONSUMER_KEY", c.CRM.ConsumerKey},
		{"SF_CONSUMER_SECRET", c.CRM.ConsumerSecret},
	}
	for _, r := range required {
		if r.val == "" {
			add("%s is required", r.key)
		}
	}

	if len(c.Jobs.Targets) == 0 {
		add("OBJECT_TYPES: no targets")
	}
	for _, t := range c.Jobs.Targets {
		if err := crm.ValidateObjectType(t.ObjectType); err != nil {
			add("OBJECT_TYPES: %v", err)
		}
	}
	if err := jobs.CheckTargets(c.Jobs.Targets); err != nil {
		add("OBJECT_TYPES: %v", err)
	}
	if c.Jobs.FetchLimit < 1 {
		add("FETCH_LIMIT must be positive")
	}
	if c.Jobs.BatchSize < 1 || c.Jobs.BatchSize > crm.DefaultBatchSize {
		add("BULK_BATCH_SIZE must be between 1 and %d", crm.DefaultBatchSize)
	}
	if c.Jobs.MaxWorkers < 1 {
		add("MAX_WORKERS must be positive")
	}
	if c.Jobs.ErrorLog == "" {
		add("ERROR_LOG is required")
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			add("LOCAL_DIR is required for the local backend")
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			add("STORAGE_BUCKET is required for the %s backend", c.Storage.Backend)
		}
	case "mem":
	default:
		add("STORAGE_BACKEND: unknown backend %q", c.Storage.Backend)
	}

	if len(c.Schedule.Offsets) != 3 {
		add("SCHEDULE_OFFSETS needs three offsets (extract, delete, verify), got %d", len(c.Schedule.Offsets))
	}
	for _, off := range c.Schedule.Offsets {
		if off < 0 {
			add("SCHEDULE_OFFSETS must not be negative")
			break
		}
	}
	if c.Schedule.PollInterval <= 0 {
		add("POLL_INTERVAL must be positive")
	}
	if c.CRM.Timeout <= 0 {
		add("CRM_TIMEOUT must be positive")
	}
	if c.CRM.BulkWait <= 0 {
		add("CRM_BULK_WAIT must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("LOG_FORMAT must be text or json")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}
