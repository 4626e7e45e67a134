// Package api serves the latest coverage report over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/coverage"
	"stealthcompany.com/vaccinecoverage/internal/export"
	"stealthcompany.com/vaccinecoverage/internal/metrics"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/report"
	"stealthcompany.com/vaccinecoverage/internal/trend"
)

// Reporter runs reports and keeps the latest one.
type Reporter interface {
	Start(ctx context.Context) error
	Latest() (*report.Report, bool)
	Status() report.Status
}

// Handler serves report endpoints.
type Handler struct {
	reporter Reporter
	// runCtx bounds runs started over HTTP; it lives as long as the server.
	runCtx context.Context
}

// NewHandler creates a handler. ctx is the server lifetime.
func NewHandler(ctx context.Context, reporter Reporter) *Handler {
	return &Handler{reporter: reporter, runCtx: ctx}
}

var doseAliases = map[string]string{
	"":       patient.FirstDose,
	"first":  patient.FirstDose,
	"second": patient.SecondDose,
	"third":  patient.ThirdDose,
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health reports runner status. It is healthy once a report exists.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.reporter.Status()
	code := http.StatusOK
	if !status.HasReport {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// latest returns the current report or writes a 503.
func (h *Handler) latest(w http.ResponseWriter) (*report.Report, bool) {
	rep, ok := h.reporter.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no report available yet")
		return nil, false
	}
	return rep, true
}

// dose resolves the dose query parameter or writes a 400 or 404.
func (h *Handler) dose(w http.ResponseWriter, r *http.Request, rep *report.Report) (*report.DoseReport, bool) {
	q := r.URL.Query().Get("dose")
	field, ok := doseAliases[q]
	if !ok {
		field = q
	}
	dr, ok := rep.Dose(field)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown dose %q", q))
		return nil, false
	}
	return dr, true
}

// Report returns the whole latest report.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.latest(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type summaryResponse struct {
	RunID         string            `json:"run_id"`
	ReferenceDate string            `json:"reference_date"`
	DoseField     string            `json:"dose_field"`
	Headline      coverage.Headline `json:"headline"`
	Rows          []trend.Row       `json:"rows"`
}

// Summary returns the headline and summary rows of one dose.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.latest(w)
	if !ok {
		return
	}
	dr, ok := h.dose(w, r, rep)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		RunID:         rep.RunID,
		ReferenceDate: rep.ReferenceDate,
		DoseField:     dr.DoseField,
		Headline:      dr.Headline,
		Rows:          dr.Summary,
	})
}

// Group returns every breakdown of one priority group.
func (h *Handler) Group(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.latest(w)
	if !ok {
		return
	}
	dr, ok := h.dose(w, r, rep)
	if !ok {
		return
	}
	name := mux.Vars(r)["group"]
	g, ok := dr.Coverage.Group(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown group %q", name))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Feature returns one breakdown of one priority group.
func (h *Handler) Feature(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.latest(w)
	if !ok {
		return
	}
	dr, ok := h.dose(w, r, rep)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	g, ok := dr.Coverage.Group(vars["group"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown group %q", vars["group"]))
		return
	}
	f, ok := g.Feature(vars["feature"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown feature %q for group %q", vars["feature"], vars["group"]))
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Workbook downloads the latest report as xlsx.
func (h *Handler) Workbook(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.latest(w)
	if !ok {
		return
	}
	f, err := export.Workbook(rep)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build workbook")
		writeError(w, http.StatusInternalServerError, "failed to build workbook")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="coverage-%s.xlsx"`, rep.ReferenceDate))
	w.WriteHeader(http.StatusOK)
	if _, err := f.WriteTo(w); err != nil {
		log.Error().Err(err).Msg("Failed to write workbook")
	}
}

// Run starts a new report run in the background.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	log.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Msg("Report run requested")

	err := h.reporter.Start(h.runCtx)
	switch {
	case errors.Is(err, report.ErrRunInProgress):
		metrics.RecordReportRun("busy")
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		metrics.RecordReportRun("failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		metrics.RecordReportRun("started")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}
