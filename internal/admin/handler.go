package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Handler exposes the Engine over HTTP for the operator dashboard:
//
//	GET  /stats     → coverage statistics
//	GET  /analyze   → duplicate-cluster analysis (read-only)
//	POST /optimize  → merge duplicate clusters, body {"dryRun": bool}
//	POST /repair    → backfill missing embeddings
//	GET  /download  → full segment export (streamed JSON)
//
// Mount it under a router segment of the caller's choosing, e.g.
// r.Mount("/admin/cache", admin.Handler(engine)).
func Handler(e *Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/stats", handleStats(e))
	r.Get("/analyze", handleAnalyze(e))
	r.Post("/optimize", handleOptimize(e))
	r.Post("/repair", handleRepair(e))
	r.Get("/download", handleDownload(e))

	return r
}

func handleStats(e *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := e.ComputeCoverageStats(r.Context())
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "failed to compute coverage stats")
			return
		}
		respondJSON(w, http.StatusOK, stats)
	}
}

func handleAnalyze(e *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		analysis, err := e.AnalyzeSemanticClusters(r.Context())
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "cluster analysis failed")
			return
		}
		respondJSON(w, http.StatusOK, analysis)
	}
}

func handleOptimize(e *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DryRun bool `json:"dryRun"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		result, err := e.OptimizeCache(r.Context(), req.DryRun)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "optimization failed")
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleRepair(e *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BatchSize int `json:"batchSize"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		result, err := e.RepairMissingEmbeddings(r.Context(), req.BatchSize)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "embedding repair failed")
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleDownload(e *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="audio-segments.json"`)
		if err := e.ExportSegments(r.Context(), w); err != nil {
			// Headers are already out; all we can do is log via the engine
			// and cut the stream short.
			e.logger.Warn("segment export aborted", "err", err)
		}
	}
}

// respondJSON writes data as a JSON response with the given status.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
