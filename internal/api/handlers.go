package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"extractd/internal/extract"
	"extractd/internal/scheduler"
	logx "extractd/pkg/logx"
)

type submitReq struct {
	Payload            string `json:"payload"` // standard base64
	Credential         string `json:"credential"`
	StabilizationDelay uint   `json:"stabilization_delay"`
}

type submitResp struct {
	ID string `json:"id"`
}

type errorResp struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type failureBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

type taskResp struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	Worker       int          `json:"worker,omitempty"`
	QueueDelayMS int64        `json:"queue_delay_ms,omitempty"`
	ElapsedMS    int64        `json:"elapsed_ms,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Data         extract.Data `json:"data,omitempty"`
	Error        *failureBody `json:"error,omitempty"`
}

const (
	statusPending   = "pending"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	snap := s.sched.Snapshot()
	code := http.StatusOK
	status := "ok"
	if !snap.Running {
		code = http.StatusServiceUnavailable
		status = "not_running"
	}
	writeJSON(w, code, map[string]any{"status": status, "queue_len": snap.QueueLen, "in_flight": snap.InFlight})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", retryAfter(s.cfg.RetryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "")
		return
	}

	// base64 inflates by 4/3; leave room for the other fields.
	limit := s.cfg.MaxPayloadBytes/3*4 + 64<<10
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req submitReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "payload is not valid base64")
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "payload is required")
		return
	}
	if int64(len(payload)) > s.cfg.MaxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "")
		return
	}

	id, err := s.sched.Submit(payload, req.Credential, scheduler.Params{StabilizationDelay: req.StabilizationDelay})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitResp{ID: id})
	case errors.Is(err, scheduler.ErrQueueFull):
		w.Header().Set("Retry-After", retryAfter(s.cfg.RetryAfter))
		writeError(w, http.StatusTooManyRequests, "queue_full", "")
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "stopped", "")
	default:
		s.log.Error("submit failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal", "")
	}
}

func (s *Server) fetchTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.sched.Fetch(id)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrTaskNotCompleted):
		w.Header().Set("Retry-After", retryAfter(s.cfg.RetryAfter))
		writeJSON(w, http.StatusAccepted, taskResp{ID: id, Status: statusPending})
		return
	case errors.Is(err, scheduler.ErrTaskIDNotFound):
		writeError(w, http.StatusNotFound, "task_id_not_found", "")
		return
	default:
		s.log.Error("fetch failed", logx.String("task", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	out := taskResp{
		ID:           res.TaskID,
		Worker:       res.Worker,
		QueueDelayMS: res.QueueDelay.Milliseconds(),
		ElapsedMS:    res.Elapsed.Milliseconds(),
	}
	if !res.CompletedAt.IsZero() {
		at := res.CompletedAt
		out.CompletedAt = &at
	}
	switch o := res.Outcome.(type) {
	case scheduler.Success:
		out.Status = statusSucceeded
		out.Data = o.Data
		if out.Data == nil {
			out.Data = extract.Data{}
		}
	case scheduler.Failure:
		out.Status = statusFailed
		out.Error = &failureBody{Kind: o.Kind.String(), Detail: o.Detail}
	default:
		out.Status = statusFailed
		out.Error = &failureBody{Kind: extract.KindInternal.String()}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Snapshot())
}

func (s *Server) recentLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, "ledger_disabled", "")
		return
	}
	limit := defaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxLedgerLimit)
	}
	entries, err := s.ledger.Recent(r.Context(), limit)
	if err != nil {
		s.log.Warn("ledger read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func retryAfter(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeError(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, errorResp{Error: kind, Detail: detail})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
