package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/disclosure"
	"stealthcompany.com/vaccinecoverage/internal/patient"
)

// Config is the runtime configuration shared by the loader and the report
// server. Everything comes from the environment, optionally seeded from a
// .env file.
type Config struct {
	CouchbaseURL      string
	CouchbaseUsername string
	CouchbasePassword string
	CouchbaseBucket   string
	ConnectTimeout    time.Duration
	QueryTimeout      time.Duration

	ElasticsearchURL string
	LogIndex         string
	LogLevel         string

	APIPort        string
	ExtractSource  string
	ExtractTimeout time.Duration
	StoreWorkers   int

	// ReferenceDate is zero when the latest recorded dose date should be
	// used instead.
	ReferenceDate        time.Time
	Target               float64
	RoundingUnit         int
	SuppressionThreshold int
	Workers              int
	SchemaFile           string
	RulesFile            string
	GroupsFile           string
	FeaturesFile         string
	WorkbookPath         string
	// ReportGroups lists the priority groups reported on their own. Empty
	// means every defined group.
	ReportGroups         []string
	MinSecondDoseGap     time.Duration
	MinThirdDoseGap      time.Duration
	ThirdDoseInterval    time.Duration
}

// LoadDotEnv loads ../.env and then .env, ignoring missing files.
func LoadDotEnv() {
	if err := godotenv.Load("../.env"); err != nil {
		log.Info().Msg("Not found .env file in parent directory, trying current directory")
		if err := godotenv.Load(".env"); err != nil {
			log.Info().Msg("Not found .env file in current directory, assuming environment variables are set")
		}
	}
}

// Load reads and validates the configuration from the environment.
func Load() (*Config, error) {
	LoadDotEnv()
	return FromEnv()
}

// FromEnv reads the configuration from the environment alone.
func FromEnv() (*Config, error) {
	p := &parser{}
	c := &Config{
		CouchbaseURL:      getEnvOrDefault("COUCHBASE_URL", "couchbase://vaccinecoverage-db"),
		CouchbaseUsername: getEnvOrDefault("COUCHBASE_USERNAME", "vaccinecoverage_user"),
		CouchbasePassword: getEnvOrDefault("COUCHBASE_PASSWORD", "password"),
		CouchbaseBucket:   getEnvOrDefault("COUCHBASE_BUCKET", "vaccinecoverage"),
		ConnectTimeout:    p.duration("COUCHBASE_CONNECT_TIMEOUT", "60s"),
		QueryTimeout:      p.duration("COUCHBASE_QUERY_TIMEOUT", "30s"),

		ElasticsearchURL: os.Getenv("ELASTICSEARCH_URL"),
		LogIndex:         getEnvOrDefault("LOG_INDEX", "vaccinecoverage-logs"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),

		APIPort:        getEnvOrDefault("API_PORT", "8080"),
		ExtractSource:  os.Getenv("EXTRACT_SOURCE"),
		ExtractTimeout: p.duration("EXTRACT_TIMEOUT", "30s"),
		StoreWorkers:   p.integer("STORE_WORKERS", "8"),

		ReferenceDate:        p.date("REFERENCE_DATE"),
		Target:               p.float("COVERAGE_TARGET", "90"),
		RoundingUnit:         p.integer("DISCLOSURE_ROUNDING_UNIT", "7"),
		SuppressionThreshold: p.integer("DISCLOSURE_THRESHOLD", "7"),
		Workers:              p.integer("PIPELINE_WORKERS", "0"),
		SchemaFile:           os.Getenv("SCHEMA_FILE"),
		RulesFile:            os.Getenv("RULES_FILE"),
		GroupsFile:           os.Getenv("GROUPS_FILE"),
		FeaturesFile:         os.Getenv("FEATURES_FILE"),
		WorkbookPath:         os.Getenv("WORKBOOK_PATH"),
		ReportGroups:         list(os.Getenv("REPORT_GROUPS")),
		MinSecondDoseGap:     days(p.integer("MIN_SECOND_DOSE_GAP_DAYS", "19")),
		MinThirdDoseGap:      days(p.integer("MIN_THIRD_DOSE_GAP_DAYS", "56")),
		ThirdDoseInterval:    7 * days(p.integer("THIRD_DOSE_INTERVAL_WEEKS", "27")),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports configuration errors before any data is read.
func (c *Config) Validate() error {
	if _, err := c.Disclosure(); err != nil {
		return err
	}
	if c.Target <= 0 || c.Target > 100 {
		return fmt.Errorf("COVERAGE_TARGET must be in (0, 100], got %v", c.Target)
	}
	if c.StoreWorkers <= 0 {
		return fmt.Errorf("STORE_WORKERS must be positive, got %d", c.StoreWorkers)
	}
	if c.Workers < 0 {
		return fmt.Errorf("PIPELINE_WORKERS must not be negative, got %d", c.Workers)
	}
	if c.MinSecondDoseGap < 0 || c.MinThirdDoseGap < 0 {
		return fmt.Errorf("minimum dose gaps must not be negative")
	}
	if c.ThirdDoseInterval <= 0 {
		return fmt.Errorf("THIRD_DOSE_INTERVAL_WEEKS must be positive")
	}
	if c.CouchbaseBucket == "" {
		return fmt.Errorf("COUCHBASE_BUCKET must not be empty")
	}
	return nil
}

// Disclosure returns the validated disclosure control.
func (c *Config) Disclosure() (disclosure.Control, error) {
	return disclosure.New(c.RoundingUnit, c.SuppressionThreshold)
}

// CleanOptions returns the dose spacing rules.
func (c *Config) CleanOptions() patient.CleanOptions {
	return patient.CleanOptions{MinSecondDoseGap: c.MinSecondDoseGap, MinThirdDoseGap: c.MinThirdDoseGap}
}

// Helper function to get environment variable with default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// list splits a comma separated value, dropping blanks.
func list(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// parser keeps the first conversion error so every field can be read in
// one pass.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *parser) duration(key, def string) time.Duration {
	v := getEnvOrDefault(key, def)
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return d
}

func (p *parser) integer(key, def string) int {
	v := getEnvOrDefault(key, def)
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return n
}

func (p *parser) float(key, def string) float64 {
	v := getEnvOrDefault(key, def)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
	}
	return f
}

func (p *parser) date(key string) time.Time {
	v := os.Getenv(key)
	if v == "" {
		return time.Time{}
	}
	d, err := patient.ParseDate(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return d
}
