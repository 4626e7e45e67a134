package api

import (
	"github.com/gorilla/mux"

	"stealthcompany.com/vaccinecoverage/internal/metrics"
)

// SetupRoutes configures and returns the HTTP router
func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(metrics.MetricsMiddleware)

	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/report", h.Report).Methods("GET")
	r.HandleFunc("/report/summary", h.Summary).Methods("GET")
	r.HandleFunc("/report/workbook", h.Workbook).Methods("GET")
	r.HandleFunc("/report/groups/{group}", h.Group).Methods("GET")
	r.HandleFunc("/report/groups/{group}/features/{feature}", h.Feature).Methods("GET")
	r.HandleFunc("/report/run", h.Run).Methods("POST")

	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	return r
}
