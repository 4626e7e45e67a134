package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline metrics cover the extract load and the report stages.
var (
	stageDuration      *prometheus.HistogramVec
	stageTotal         *prometheus.CounterVec
	stageRecords       *prometheus.GaugeVec
	groupSize          *prometheus.GaugeVec
	featureFailures    *prometheus.CounterVec
	percentClamped     *prometheus.CounterVec
	storeOperations    *prometheus.CounterVec
	storeDuration      *prometheus.HistogramVec
	extractDuration    *prometheus.HistogramVec
	extractRecords     *prometheus.CounterVec
	extractHTTPTotal   *prometheus.CounterVec
	extractHTTPLatency *prometheus.HistogramVec
	reportPatients     prometheus.Gauge
	reportReference    prometheus.Gauge
	reportPublished    prometheus.Gauge

	pipelineOnce sync.Once
)

func initializePipelineMetrics() {
	pipelineOnce.Do(func() {
		stageDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "report_stage_duration_seconds",
				Help:    "Time spent in each report pipeline stage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage", "status"},
		)

		stageTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "report_stage_total",
				Help: "Total number of report pipeline stage executions",
			},
			[]string{"stage", "status"},
		)

		stageRecords = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "report_stage_records",
				Help: "Number of patient records handled by the last run of a stage",
			},
			[]string{"stage"},
		)

		groupSize = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "report_group_vaccinated",
				Help: "Disclosure-controlled vaccinated count per priority group at the reference date",
			},
			[]string{"dose", "group"},
		)

		featureFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "report_feature_failures_total",
				Help: "Total number of feature breakdowns that failed and were left out",
			},
			[]string{"group", "feature"},
		)

		percentClamped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "report_percent_clamped_total",
				Help: "Total number of coverage percentages clamped to 100",
			},
			[]string{"group", "feature"},
		)

		storeOperations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of patient store operations",
			},
			[]string{"operation", "status"},
		)

		storeDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Time spent in patient store operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		)

		extractDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extract_load_duration_seconds",
				Help:    "Time spent loading a patient extract",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "status"},
		)

		extractRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extract_records_total",
				Help: "Total number of extract records by outcome",
			},
			[]string{"source", "outcome"}, // "read", "stored", "failed"
		)

		extractHTTPTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extract_http_requests_total",
				Help: "Total number of HTTP requests made to fetch an extract",
			},
			[]string{"source", "status_code"},
		)

		extractHTTPLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extract_http_request_duration_seconds",
				Help:    "Time spent fetching an extract over HTTP",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		)

		reportPatients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "report_patients",
				Help: "Patients in the extract behind the published report",
			},
		)

		reportReference = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "report_reference_date_seconds",
				Help: "Reference date of the published report since unix epoch",
			},
		)

		reportPublished = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "report_last_success_timestamp_seconds",
				Help: "When the published report was generated, since unix epoch",
			},
		)

		GetInstance().registry.MustRegister(
			stageDuration,
			stageTotal,
			stageRecords,
			groupSize,
			featureFailures,
			percentClamped,
			storeOperations,
			storeDuration,
			extractDuration,
			extractRecords,
			extractHTTPTotal,
			extractHTTPLatency,
			reportPatients,
			reportReference,
			reportPublished,
		)
	})
}

// RecordStage records the duration and outcome of a pipeline stage.
func RecordStage(stage string, startTime time.Time, status string) {
	if !businessEnabled() {
		return
	}
	initializePipelineMetrics()

	stageDuration.WithLabelValues(stage, status).Observe(time.Since(startTime).Seconds())
	stageTotal.WithLabelValues(stage, status).Inc()
}

// RecordRecords sets the number of records a stage handled.
func RecordRecords(stage string, n int) {
	if !businessEnabled() {
		return
	}
	initializePipelineMetrics()

	stageRecords.WithLabelValues(stage).Set(float64(n))
}

// RecordGroupSize sets the published vaccinated count of a priority group.
func RecordGroupSize(dose, group string, n int) {
	if !businessEnabled() {
		return
	}
	initializePipelineMetrics()

	groupSize.WithLabelValues(dose, group).Set(float64(n))
}

// RecordFeatureFailure counts a feature breakdown that was skipped.
func RecordFeatureFailure(group, feature string) {
	if !businessEnabled() {
		return
	}
	initializePipelineMetrics()

	featureFailures.WithLabelValues(group, feature).Inc()
}

// RecordPercentClamped counts a percentage clamped to 100.
func RecordPercentClamped(group, feature string) {
	if !businessEnabled() {
		return
	}
	initializePipelineMetrics()

	percentClamped.WithLabelValues(group, feature).Inc()
}

// RecordStoreOperation records a patient store call.
func RecordStoreOperation(operation, status string, startTime time.Time) {
	if !businessEnabled() {
		return
	}
	initializePipelineMetrics()

	storeOperations.WithLabelValues(operation, status).Inc()
	storeDuration.WithLabelValues(operation).Observe(time.Since(startTime).Seconds())
}

// RecordExtractLoad records one extract load.
func RecordExtractLoad(source, status string, startTime time.Time, read, stored, failed int) {
	if !businessEnabled() {
		return
	}
	initializePipelineMetrics()

	extractDuration.WithLabelValues(source, status).Observe(time.Since(startTime).Seconds())
	extractRecords.WithLabelValues(source, "read").Add(float64(read))
	extractRecords.WithLabelValues(source, "stored").Add(float64(stored))
	if failed > 0 {
		extractRecords.WithLabelValues(source, "failed").Add(float64(failed))
	}
}

// RecordExtractHTTP records an HTTP fetch of an extract.
func RecordExtractHTTP(source string, startTime time.Time, statusCode int) {
	if !businessEnabled() {
		return
	}
	initializePipelineMetrics()

	extractHTTPTotal.WithLabelValues(source, strconv.Itoa(statusCode)).Inc()
	extractHTTPLatency.WithLabelValues(source).Observe(time.Since(startTime).Seconds())
}

// RecordReportPublished describes the report now being served.
func RecordReportPublished(patients int, reference, generated time.Time) {
	if !businessEnabled() {
		return
	}
	initializePipelineMetrics()

	reportPatients.Set(float64(patients))
	reportReference.Set(float64(reference.Unix()))
	reportPublished.Set(float64(generated.Unix()))
}
