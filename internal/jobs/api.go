package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

// NewRouter exposes the job control surface:
//
//	POST /scrape/start           {mode, urls} -> 201 {jobId}
//	GET  /scrape/status/{id}     -> 200 snapshot | 404
//	POST /scrape/cancel/{id}     -> 200 {jobId, state} | 404
//	GET  /scrape/download/{id}?format=json|csv -> 200 body | 400 | 404
//	GET  /metrics                -> Prometheus exposition
func NewRouter(o *Orchestrator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/scrape", func(r chi.Router) {
		r.Post("/start", o.handleStart)
		r.Get("/status/{id}", o.handleStatus)
		r.Post("/cancel/{id}", o.handleCancel)
		r.Get("/download/{id}", o.handleDownload)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details []string) {
	writeJSON(w, status, map[string]any{"error": msg, "details": details})
}

func (o *Orchestrator) handleStart(w http.ResponseWriter, r *http.Request) {
	var input Input
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", []string{err.Error()})
		return
	}

	id, err := o.StartJob(input)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, "validation failed", ve.Details)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	logger.Info().JobID(id).Msgf("job accepted via api")
	writeJSON(w, http.StatusCreated, map[string]string{"jobId": id})
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := o.GetStatus(id)
	if errors.Is(err, ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (o *Orchestrator) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := o.CancelJob(id)
	if errors.Is(err, ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "state": string(state)})
}

func (o *Orchestrator) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := r.URL.Query().Get("format")

	data, filename, err := o.GetResult(id, format)
	switch {
	case errors.Is(err, ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", nil)
		return
	case errors.Is(err, ErrNotCompleted):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
