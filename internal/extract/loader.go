// Package extract loads a newline-delimited JSON patient extract from a
// file or an HTTP(S) URL into the patient store.
package extract

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/couchbase"
	"stealthcompany.com/vaccinecoverage/internal/metrics"
	"stealthcompany.com/vaccinecoverage/internal/patient"
)

// DefaultBatchSize is how many records are written per store call.
const DefaultBatchSize = 500

// maxLineBytes bounds a single extract line.
const maxLineBytes = 1 << 20

// ErrEmptyExtract is returned when no line of the extract is usable.
var ErrEmptyExtract = errors.New("extract contains no valid patient records")

// Sink is the store an extract is written to.
type Sink interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	UpsertPatients(ctx context.Context, extractID string, records []patient.Record) (couchbase.UpsertResult, error)
	PurgeStale(ctx context.Context, extractID string) (int, error)
}

// LineError is a rejected extract line.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e LineError) Unwrap() error { return e.Err }

// Summary reports the outcome of a load.
type Summary struct {
	ExtractID string      `json:"extract_id"`
	Source    string      `json:"source"`
	Read      int         `json:"read"`
	Rejected  int         `json:"rejected"`
	Stored    int         `json:"stored"`
	Failed    int         `json:"failed"`
	Purged    int         `json:"purged"`
	Errors    []LineError `json:"-"`
}

// Loader reads extracts and writes them to a Sink.
type Loader struct {
	httpClient *http.Client
	schema     *patient.Schema
	sink       Sink
	batchSize  int
}

// NewLoader creates a loader. timeout bounds HTTP fetches.
func NewLoader(schema *patient.Schema, sink Sink, timeout time.Duration) *Loader {
	return &Loader{
		httpClient: &http.Client{Timeout: timeout},
		schema:     schema,
		sink:       sink,
		batchSize:  DefaultBatchSize,
	}
}

// Load reads source, validates every line and replaces the stored extract
// under the load lock. Rejected lines are reported in the summary; stale
// patients are purged only when every valid record was stored.
func (l *Loader) Load(ctx context.Context, source string) (*Summary, error) {
	startTime := time.Now()
	kind := sourceKind(source)

	body, err := l.open(ctx, source)
	if err != nil {
		metrics.RecordExtractLoad(kind, "failed", startTime, 0, 0, 0)
		return nil, err
	}
	defer func() {
		if closeErr := body.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close extract")
		}
	}()

	records, lineErrs, err := Decode(body, l.schema)
	if err != nil {
		metrics.RecordExtractLoad(kind, "failed", startTime, 0, 0, 0)
		return nil, err
	}

	sum := &Summary{
		ExtractID: uuid.NewString(),
		Source:    kind,
		Read:      len(records) + len(lineErrs),
		Rejected:  len(lineErrs),
		Errors:    lineErrs,
	}
	for _, le := range lineErrs {
		log.Warn().Int("line", le.Line).Err(le.Err).Msg("Rejected extract line")
	}
	if len(records) == 0 {
		metrics.RecordExtractLoad(kind, "failed", startTime, sum.Read, 0, 0)
		return sum, ErrEmptyExtract
	}

	if err := l.store(ctx, sum, records); err != nil {
		metrics.RecordExtractLoad(kind, "failed", startTime, sum.Read, sum.Stored, sum.Failed)
		return sum, err
	}

	metrics.RecordExtractLoad(kind, "success", startTime, sum.Read, sum.Stored, sum.Failed)
	log.Info().
		Str("extract_id", sum.ExtractID).
		Str("source", kind).
		Int("read", sum.Read).
		Int("rejected", sum.Rejected).
		Int("stored", sum.Stored).
		Int("failed", sum.Failed).
		Int("purged", sum.Purged).
		Dur("duration", time.Since(startTime)).
		Msg("Completed extract load")
	return sum, nil
}

func (l *Loader) store(ctx context.Context, sum *Summary, records []patient.Record) error {
	if err := l.sink.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock patient store: %w", err)
	}
	defer func() {
		// The caller's context may already be cancelled; the lock must still go.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.sink.Unlock(unlockCtx); err != nil {
			log.Error().Err(err).Msg("Failed to unlock patient store")
		}
	}()

	for start := 0; start < len(records); start += l.batchSize {
		end := min(start+l.batchSize, len(records))
		res, err := l.sink.UpsertPatients(ctx, sum.ExtractID, records[start:end])
		if err != nil {
			return fmt.Errorf("failed to store patients: %w", err)
		}
		sum.Stored += res.Stored
		sum.Failed += res.Failed
		for _, e := range res.Errors {
			log.Error().Err(e).Msg("Failed to store patient")
		}

		log.Info().
			Int("processed", end).
			Int("total", len(records)).
			Msg("Progress update")
	}

	if sum.Failed > 0 {
		log.Warn().
			Int("failed", sum.Failed).
			Msg("Keeping previous extract records because some patients failed to store")
		return nil
	}

	purged, err := l.sink.PurgeStale(ctx, sum.ExtractID)
	if err != nil {
		return fmt.Errorf("failed to purge stale patients: %w", err)
	}
	sum.Purged = purged
	return nil
}

func (l *Loader) open(ctx context.Context, source string) (io.ReadCloser, error) {
	if source == "" {
		return nil, fmt.Errorf("no extract source configured")
	}
	if sourceKind(source) == "file" {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open extract: %w", err)
		}
		return f, nil
	}

	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build extract request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		metrics.RecordExtractHTTP("http", startTime, 0)
		return nil, fmt.Errorf("failed to fetch extract: %w", err)
	}
	metrics.RecordExtractHTTP("http", startTime, resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("extract server returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func sourceKind(source string) string {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return "http"
	}
	return "file"
}

// Decode reads one JSON record per line. Blank lines are skipped. Lines
// that fail to parse, carry undeclared columns or repeat a patient ID are
// returned as LineErrors; only a read failure is fatal.
func Decode(r io.Reader, schema *patient.Schema) ([]patient.Record, []LineError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		records []patient.Record
		rejects []LineError
		seen    = make(map[string]int)
		line    int
	)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec patient.Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			rejects = append(rejects, LineError{Line: line, Err: err})
			continue
		}
		if err := schema.Validate(rec); err != nil {
			rejects = append(rejects, LineError{Line: line, Err: err})
			continue
		}
		if first, dup := seen[rec.ID]; dup {
			rejects = append(rejects, LineError{Line: line, Err: fmt.Errorf("patient %s already seen on line %d", rec.ID, first)})
			continue
		}
		seen[rec.ID] = line
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read extract: %w", err)
	}
	return records, rejects, nil
}
