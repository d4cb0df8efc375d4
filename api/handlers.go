package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/velmie/taskrelay"
)

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type submitRequest struct {
	TaskType       string          `json:"task_type"`
	Target         string          `json:"target,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type submitResponse struct {
	TaskID    string           `json:"task_id"`
	Duplicate bool             `json:"duplicate,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
	Status    taskrelay.Status `json:"status"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	TaskID string `json:"task_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Version:       taskrelay.SchemaVersion,
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.readJSON(w, r, &req, false) {
		return
	}

	task := taskrelay.NewTask(s.settings.SenderID, req.TaskType, req.Payload)
	task.Target = req.Target
	task.TimeoutSeconds = req.TimeoutSeconds
	task.MaxRetries = req.MaxRetries
	task.IdempotencyKey = req.IdempotencyKey

	res, err := s.dispatcher.Send(r.Context(), task)
	if err != nil {
		s.writeError(w, res.TaskID, err)

		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{
		TaskID:    res.TaskID,
		Duplicate: res.Duplicate,
		Attempts:  res.Attempts,
		Status:    res.Record.Status,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		status, err := s.source.GetStatus(r.Context(), taskID)
		if err != nil {
			s.writeError(w, taskID, err)

			return
		}
		writeJSON(w, http.StatusOK, status)

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.settings.AwaitTimeout)
	defer cancel()

	observer := taskrelay.SelectObserver(s.source, s.push, s.observer)
	status, err := observer.Await(ctx, taskID, nil)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && status.Status != "":
		// Still running; report the latest status seen.
		w.Header().Set("Retry-After", "1")
	default:
		s.writeError(w, taskID, err)

		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	var req cancelRequest
	if !s.readJSON(w, r, &req, true) {
		return
	}

	rec, err := s.dispatcher.Cancel(r.Context(), taskID, req.Reason)
	if err != nil {
		s.writeError(w, taskID, err)

		return
	}
	writeJSON(w, http.StatusOK, rec.Snapshot())
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.dispatcher.Breakers().Snapshots()
	if snapshots == nil {
		snapshots = []taskrelay.BreakerState{}
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := s.liveness.Snapshot()
	if workers == nil {
		workers = []taskrelay.Liveness{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// readJSON decodes the request body into v. It writes the error response and
// returns false when the body is unusable.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload exceeds limit"})

			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unable to read body"})

		return false
	}
	if len(body) == 0 {
		if optional {
			return true
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty body"})

		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})

		return false
	}

	return true
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, taskID string, err error) {
	status := http.StatusInternalServerError
	var breakerErr *taskrelay.BreakerError
	switch {
	case errors.Is(err, taskrelay.ErrInvalidMessage), errors.Is(err, taskrelay.ErrTaskIDRequired):
		status = http.StatusBadRequest
	case errors.Is(err, taskrelay.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, taskrelay.ErrTerminalState):
		status = http.StatusConflict
	case errors.As(err, &breakerErr) && errors.Is(err, taskrelay.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
		secs := int(math.Ceil(breakerErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	case errors.Is(err, taskrelay.ErrRetriesExhausted):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "task_id", taskID, "err", err)
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), TaskID: taskID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
