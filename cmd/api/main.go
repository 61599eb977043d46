package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/config"
	"github.com/you/ocrflow/internal/domain"
	"github.com/you/ocrflow/internal/queue"
	"github.com/you/ocrflow/internal/recovery"
	"github.com/you/ocrflow/internal/status"
)

// Thin lifecycle API over the queue manager. Upload validation, multipart
// handling, and path safety live in the fronting service, not here.
func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	q := queue.New(rdb, log)
	q.SetResultTTL(cfg.ResultTTL)
	if err := q.Ping(context.Background()); err != nil {
		log.Fatal("redis unreachable", zap.Error(err))
	}

	engine := recovery.NewEngine(q, log, cfg.MaxRetries)
	s := &server{q: q, engine: engine, log: log}

	rtr := chi.NewRouter()
	rtr.Post("/v1/tasks", s.createTask)
	rtr.Get("/v1/tasks/{id}", s.getTask)
	rtr.Delete("/v1/tasks/{id}", s.deleteTask)
	rtr.Post("/v1/tasks/{id}/retry", s.retryTask)
	rtr.Get("/v1/tasks/{id}/result", s.getResult)
	rtr.Get("/v1/tasks/{id}/history", s.getHistory)
	rtr.Get("/v1/tasks/{id}/metrics", s.taskMetrics)
	rtr.Post("/v1/batches", s.createBatch)
	rtr.Get("/v1/batches/{id}", s.getBatch)
	rtr.Get("/v1/queues/stats", s.queueStats)
	rtr.Get("/v1/metrics", s.metrics)
	rtr.Get("/v1/dlq", s.listDLQ)
	rtr.Delete("/v1/dlq/{id}", s.removeFromDLQ)

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, rtr); err != nil {
		log.Fatal("api server failed", zap.Error(err))
	}
}

func newLogger(appEnv string) (*zap.Logger, error) {
	if strings.EqualFold(appEnv, "prod") {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

type server struct {
	q      *queue.Queue
	engine *recovery.Engine
	log    *zap.Logger
}

type createTaskRequest struct {
	Priority   string `json:"priority"`
	Language   string `json:"language"`
	FilePath   string `json:"file_path"`
	Filename   string `json:"filename"`
	DocumentID string `json:"document_id"`
}

func (s *server) createTask(w http.ResponseWriter, req *http.Request) {
	var body createTaskRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	taskID, err := s.q.CreateTask(req.Context(), queue.CreateParams{
		Priority:   domain.ParsePriority(body.Priority),
		Language:   body.Language,
		FilePath:   body.FilePath,
		Filename:   body.Filename,
		DocumentID: body.DocumentID,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"task_id": taskID,
		"status":  domain.Queued,
		"message": "Document queued for processing",
	})
}

func (s *server) getTask(w http.ResponseWriter, req *http.Request) {
	view, err := status.NewReporter(chi.URLParam(req, "id"), s.q, s.log).GetStatus(req.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	// Clients should keep polling while the task is live.
	if view.Status == domain.Queued || view.Status == domain.Processing {
		w.Header().Set("X-Poll-Interval", "5")
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, view)
}

func (s *server) deleteTask(w http.ResponseWriter, req *http.Request) {
	ok, err := s.q.DeleteTask(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) retryTask(w http.ResponseWriter, req *http.Request) {
	taskID := chi.URLParam(req, "id")
	requeued, err := s.engine.Retry(req.Context(), taskID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "requeued": requeued})
}

func (s *server) getResult(w http.ResponseWriter, req *http.Request) {
	res, err := s.q.GetResult(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "result not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) getHistory(w http.ResponseWriter, req *http.Request) {
	entries, err := s.q.ProgressHistory(req.Context(), chi.URLParam(req, "id"), 10)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *server) taskMetrics(w http.ResponseWriter, req *http.Request) {
	m, err := s.q.TaskMetrics(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) createBatch(w http.ResponseWriter, req *http.Request) {
	var body struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || len(body.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "task_ids is required")
		return
	}
	batchID, err := s.q.CreateBatch(req.Context(), body.TaskIDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"batch_id": batchID,
		"task_ids": body.TaskIDs,
		"total":    len(body.TaskIDs),
	})
}

func (s *server) getBatch(w http.ResponseWriter, req *http.Request) {
	bs, err := status.NewBatchReporter(chi.URLParam(req, "id"), s.q).GetStatus(req.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if bs == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

func (s *server) queueStats(w http.ResponseWriter, req *http.Request) {
	stats, err := s.q.Stats(req.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) metrics(w http.ResponseWriter, req *http.Request) {
	m, err := s.q.AggregateMetrics(req.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) listDLQ(w http.ResponseWriter, req *http.Request) {
	ids, err := s.q.ListDeadLetter(req.Context(), 100)
	if err != nil {
		s.fail(w, err)
		return
	}
	count, err := s.q.CountDeadLetter(req.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_ids": ids, "count": count})
}

func (s *server) removeFromDLQ(w http.ResponseWriter, req *http.Request) {
	ok, err := s.q.RemoveFromDeadLetter(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not in dead letter queue")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) fail(w http.ResponseWriter, err error) {
	s.log.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
