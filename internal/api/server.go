package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"media-alt-batcher/internal/batch"
	"media-alt-batcher/internal/config"
	"media-alt-batcher/internal/export"
	"media-alt-batcher/internal/history"
	"media-alt-batcher/internal/models"
	"media-alt-batcher/internal/progress"
	"media-alt-batcher/internal/telemetry"
	"media-alt-batcher/internal/worker"
)

// Server wires the HTTP surface over the batch queue: job lifecycle,
// exports, live progress over SSE, stats, and run history.
type Server struct {
	cfg      config.Config
	queue    *batch.Queue
	registry *worker.Registry
	broker   *progress.Broker
	history  *history.Store
	logger   *slog.Logger
}

// New constructs the API server. history may be nil.
func New(cfg config.Config, q *batch.Queue, reg *worker.Registry, broker *progress.Broker, hist *history.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		broker:   broker,
		history:  hist,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleClearJob)
	r.Post("/jobs/{id}/start", s.handleStart)
	r.Post("/jobs/{id}/pause", s.handleControl(s.queue.Pause, "paused"))
	r.Post("/jobs/{id}/resume", s.handleControl(s.queue.Resume, "resumed"))
	r.Post("/jobs/{id}/cancel", s.handleControl(s.queue.Cancel, "cancelled"))
	r.Get("/jobs/{id}/export", s.handleExport)
	r.Get("/jobs/{id}/events", s.handleEvents)
	r.Get("/stats", s.handleStats)
	r.Get("/history", s.handleHistory)
	return r
}

type createJobRequest struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Items []struct {
		ID      string         `json:"id"`
		Payload map[string]any `json:"payload"`
	} `json:"items"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items are required", http.StatusBadRequest)
		return
	}
	handler, ok := s.registry.Get(req.Type)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown job type %q", req.Type), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	items := make([]*models.Item, len(req.Items))
	for i, it := range req.Items {
		if it.ID == "" {
			http.Error(w, "every item needs an id", http.StatusBadRequest)
			return
		}
		items[i] = &models.Item{ID: it.ID, Payload: it.Payload}
	}

	job, err := s.queue.CreateJob(req.ID, req.Type, items, handler)
	if err != nil {
		if errors.Is(err, batch.ErrJobExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if job.Status != models.JobPending {
		http.Error(w, "job already started", http.StatusConflict)
		return
	}

	// The run outlives this request; never tie it to the request context.
	go func() {
		ctx := context.Background()
		finished, err := s.queue.Start(ctx, id)
		if err != nil {
			s.logger.Error("job run failed", slog.String("job_id", id), slog.String("error", err.Error()))
			return
		}
		if s.history != nil {
			if err := s.history.RecordJob(ctx, finished); err != nil {
				s.logger.Warn("record history", slog.String("job_id", id), slog.String("error", err.Error()))
			}
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "started"})
}

func (s *Server) handleControl(op func(string) error, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": verb})
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleClearJob(w http.ResponseWriter, r *http.Request) {
	s.queue.Clear(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	records := export.FromJob(job)

	switch r.URL.Query().Get("format") {
	case "csv":
		data, err := export.CSV(records)
		if err != nil {
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+".csv"))
		_, _ = w.Write(data)
	case "json", "":
		data, err := export.JSON(records)
		if err != nil {
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	default:
		http.Error(w, "format must be json or csv", http.StatusBadRequest)
	}
}

// handleEvents streams progress snapshots for one job as server-sent
// events until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.queue.Get(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.broker.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if snap.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []history.RunSummary{}})
		return
	}
	runs, err := s.history.ListRuns(r.Context(), 50)
	if err != nil {
		http.Error(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
