package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/metrics"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/workpool"
)

// ErrLoadInProgress is returned by reads while a load holds the lock, so a
// report never sees a half-written extract.
var ErrLoadInProgress = errors.New("patient extract load in progress")

// patientDocument is how a record is stored. ExtractID ties every document
// to the load that wrote it so stale patients can be purged afterwards.
type patientDocument struct {
	DocType   string         `json:"docType"`
	ExtractID string         `json:"extractId"`
	LoadedAt  time.Time      `json:"loadedAt"`
	Patient   patient.Record `json:"patient"`
}

// PatientDocID returns the key a patient is stored under.
func PatientDocID(id string) string {
	return "patient::" + id
}

// UpsertResult summarises a bulk write.
type UpsertResult struct {
	Stored int
	Failed int
	// Errors holds at most maxReportedErrors failures.
	Errors []error
}

const maxReportedErrors = 10

// DocumentManager handles patient document reads and writes
type DocumentManager struct {
	conn    *ConnectionManager
	locker  *LoadLocker
	workers int
}

// NewDocumentManager creates a new document manager
func NewDocumentManager(conn *ConnectionManager, locker *LoadLocker, workers int) *DocumentManager {
	return &DocumentManager{conn: conn, locker: locker, workers: workers}
}

// UpsertPatients writes records tagged with extractID. The caller must
// hold the load lock.
func (dm *DocumentManager) UpsertPatients(ctx context.Context, extractID string, records []patient.Record) (UpsertResult, error) {
	if !dm.locker.Held() {
		return UpsertResult{}, fmt.Errorf("cannot write patients without the load lock")
	}

	start := time.Now()
	col := dm.conn.GetBucket().DefaultCollection()
	loadedAt := time.Now().UTC()

	errs, err := workpool.Map(ctx, records, dm.workers, func(r patient.Record) error {
		doc := patientDocument{DocType: patient.DocType, ExtractID: extractID, LoadedAt: loadedAt, Patient: r}
		_, err := col.Upsert(PatientDocID(r.ID), doc, &gocb.UpsertOptions{Context: ctx})
		if err != nil {
			return fmt.Errorf("failed to upsert patient %s: %w", r.ID, err)
		}
		return nil
	})
	if err != nil {
		metrics.RecordStoreOperation("upsert", "cancelled", start)
		return UpsertResult{}, err
	}

	var res UpsertResult
	for _, e := range errs {
		if e == nil {
			res.Stored++
			continue
		}
		res.Failed++
		if len(res.Errors) < maxReportedErrors {
			res.Errors = append(res.Errors, e)
		}
	}

	status := "success"
	if res.Failed > 0 {
		status = "partial"
	}
	metrics.RecordStoreOperation("upsert", status, start)
	log.Info().
		Str("extract_id", extractID).
		Int("stored", res.Stored).
		Int("failed", res.Failed).
		Msg("Patient documents upserted")
	return res, nil
}

// PurgeStale removes patients not written by extractID. The caller must
// hold the load lock.
func (dm *DocumentManager) PurgeStale(ctx context.Context, extractID string) (int, error) {
	if !dm.locker.Held() {
		return 0, fmt.Errorf("cannot purge patients without the load lock")
	}

	start := time.Now()
	q := fmt.Sprintf("DELETE FROM %s AS d WHERE d.docType = $1 AND d.extractId != $2 RETURNING META(d).id", dm.conn.Keyspace())
	rows, err := dm.conn.GetCluster().Query(q, &gocb.QueryOptions{
		Context:              ctx,
		PositionalParameters: []interface{}{patient.DocType, extractID},
	})
	if err != nil {
		metrics.RecordStoreOperation("purge", "error", start)
		return 0, fmt.Errorf("failed to purge stale patients: %w", err)
	}
	defer rows.Close()

	removed := 0
	for rows.Next() {
		removed++
	}
	if err := rows.Err(); err != nil {
		metrics.RecordStoreOperation("purge", "error", start)
		return removed, fmt.Errorf("failed to purge stale patients: %w", err)
	}

	metrics.RecordStoreOperation("purge", "success", start)
	log.Info().Str("extract_id", extractID).Int("removed", removed).Msg("Stale patient documents purged")
	return removed, nil
}

// LoadDataset reads every stored patient and validates it against schema.
// It refuses to read while a load holds the lock.
func (dm *DocumentManager) LoadDataset(ctx context.Context, schema *patient.Schema) (*patient.Dataset, error) {
	start := time.Now()

	locked, owner, err := dm.locker.CheckLockStatus(ctx)
	if err != nil {
		return nil, err
	}
	if locked {
		metrics.RecordStoreOperation("load", "locked", start)
		return nil, fmt.Errorf("%w (held by %s)", ErrLoadInProgress, owner)
	}

	q := fmt.Sprintf("SELECT d.patient FROM %s AS d WHERE d.docType = $1 ORDER BY META(d).id", dm.conn.Keyspace())
	rows, err := dm.conn.GetCluster().Query(q, &gocb.QueryOptions{
		Context:              ctx,
		PositionalParameters: []interface{}{patient.DocType},
	})
	if err != nil {
		metrics.RecordStoreOperation("load", "error", start)
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	defer rows.Close()

	ds := &patient.Dataset{Schema: schema}
	for rows.Next() {
		var row struct {
			Patient patient.Record `json:"patient"`
		}
		if err := rows.Row(&row); err != nil {
			metrics.RecordStoreOperation("load", "error", start)
			return nil, fmt.Errorf("failed to decode patient row: %w", err)
		}
		if err := schema.Validate(row.Patient); err != nil {
			metrics.RecordStoreOperation("load", "error", start)
			return nil, fmt.Errorf("stored patient %s: %w", row.Patient.ID, err)
		}
		ds.Records = append(ds.Records, row.Patient)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordStoreOperation("load", "error", start)
		return nil, fmt.Errorf("failed to read patients: %w", err)
	}

	metrics.RecordStoreOperation("load", "success", start)
	log.Info().Int("patients", len(ds.Records)).Msg("Patient dataset loaded from Couchbase")
	return ds, nil
}
