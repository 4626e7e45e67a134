package zerolog_config

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.elastic.co/ecszerolog"
)

var startupLoggerOnce sync.Once

// Options selects where and how much the process logs.
type Options struct {
	// App is attached to every event as "app".
	App string
	// Level is a zerolog level name; empty means debug.
	Level string
	// ElasticsearchURL enables ECS shipping when set.
	ElasticsearchURL string
	// Index is the Elasticsearch index events are posted to.
	Index string
}

// ElasticsearchWriter sends logs directly to Elasticsearch
type ElasticsearchWriter struct {
	URL    string
	Client *http.Client
}

func (ew ElasticsearchWriter) Write(p []byte) (n int, err error) {
	client := ew.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Post(ew.URL+"/_doc", "application/json", bytes.NewReader(p))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("elasticsearch returned %d", resp.StatusCode)
	}
	return len(p), nil
}

// NewLogger builds a logger writing pretty output to console and, when an
// Elasticsearch URL is configured, ECS documents to the index.
func NewLogger(opts Options, console io.Writer) (zerolog.Logger, error) {
	if opts.App == "" {
		return zerolog.Nop(), fmt.Errorf("app name is required")
	}
	level := zerolog.DebugLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	consoleWriter := zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	if opts.ElasticsearchURL == "" {
		return zerolog.New(consoleWriter).Level(level).With().Str("app", opts.App).Timestamp().Logger(), nil
	}

	index := opts.Index
	if index == "" {
		index = opts.App
	}
	esWriter := &ElasticsearchWriter{
		URL:    strings.TrimRight(opts.ElasticsearchURL, "/") + "/" + index,
		Client: &http.Client{Timeout: 5 * time.Second},
	}

	// ECS documents to Elasticsearch, pretty output to console.
	multi := zerolog.MultiLevelWriter(esWriter, consoleWriter)
	return ecszerolog.New(multi).Level(level).With().Str("app", opts.App).Timestamp().Logger(), nil
}

// Startup replaces the global logger once per process.
func Startup(opts Options) error {
	logger, err := NewLogger(opts, os.Stdout)
	if err != nil {
		return err
	}
	startupLoggerOnce.Do(func() {
		log.Logger = logger
	})
	return nil
}
