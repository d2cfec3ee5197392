package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/mail"
	"time"

	"go.uber.org/zap"

	"mailflow/internal/models"
)

// JobStore is the slice of the record store the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.EmailJob) error
	ListScheduled(ctx context.Context) ([]*models.EmailJob, error)
	ListCompleted(ctx context.Context) ([]*models.EmailJob, error)
}

// Enqueuer admits a job for delivery at or after its eligible time.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, eligibleAt time.Time) error
}

// Defaults are applied when a schedule request omits its throttle
// parameters.
type Defaults struct {
	MinDelaySeconds int
	HourlyLimit     int
}

type Handler struct {
	Store    JobStore
	Queue    Enqueuer
	Defaults Defaults
	Log      *zap.Logger
}

// Routes registers the scheduling endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /api/emails/schedule", h.Schedule)
	mux.HandleFunc("GET /api/emails/scheduled", h.ListScheduled)
	mux.HandleFunc("GET /api/emails/sent", h.ListSent)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scheduleRequest struct {
	SenderEmail     string   `json:"senderEmail"`
	SenderName      *string  `json:"senderName,omitempty"`
	Recipients      []string `json:"recipients"`
	Subject         string   `json:"subject"`
	Body            string   `json:"body"`
	SendAt          string   `json:"sendAt"`
	MinDelaySeconds *int     `json:"minDelaySeconds,omitempty"`
	HourlyLimit     *int     `json:"hourlyLimit,omitempty"`
}

type scheduleResponse struct {
	ScheduledCount int      `json:"scheduledCount"`
	Jobs           []jobRef `json:"jobs"`
}

type jobRef struct {
	ID string `json:"id"`
}

// Schedule creates one EmailJob per recipient and enqueues each with
// eligibleAt = the requested send time.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	scheduledAt, errMsg := req.validate()
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	minDelaySeconds := h.Defaults.MinDelaySeconds
	if req.MinDelaySeconds != nil {
		minDelaySeconds = *req.MinDelaySeconds
	}
	hourlyLimit := h.Defaults.HourlyLimit
	if req.HourlyLimit != nil {
		hourlyLimit = *req.HourlyLimit
	}

	ctx := r.Context()
	jobs := make([]jobRef, 0, len(req.Recipients))

	for _, recipient := range req.Recipients {
		job := &models.EmailJob{
			SenderEmail:     req.SenderEmail,
			SenderName:      req.SenderName,
			RecipientEmail:  recipient,
			Subject:         req.Subject,
			Body:            req.Body,
			ScheduledAt:     scheduledAt,
			MinDelaySeconds: minDelaySeconds,
			HourlyLimit:     hourlyLimit,
		}

		if err := h.Store.CreateJob(ctx, job); err != nil {
			h.Log.Error("failed to create email job", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to create job")
			return
		}

		if err := h.Queue.Enqueue(ctx, job.ID, scheduledAt); err != nil {
			h.Log.Error("failed to enqueue email job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "failed to enqueue job")
			return
		}

		jobs = append(jobs, jobRef{ID: job.ID})
	}

	writeJSON(w, http.StatusOK, scheduleResponse{
		ScheduledCount: len(jobs),
		Jobs:           jobs,
	})
}

func (r *scheduleRequest) validate() (time.Time, string) {
	if _, err := mail.ParseAddress(r.SenderEmail); err != nil {
		return time.Time{}, "senderEmail must be a valid address"
	}
	if len(r.Recipients) == 0 {
		return time.Time{}, "at least one recipient is required"
	}
	for _, rcpt := range r.Recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return time.Time{}, "recipient " + rcpt + " is not a valid address"
		}
	}
	if r.Subject == "" {
		return time.Time{}, "subject is required"
	}
	if r.Body == "" {
		return time.Time{}, "body is required"
	}
	if r.MinDelaySeconds != nil && *r.MinDelaySeconds <= 0 {
		return time.Time{}, "minDelaySeconds must be positive"
	}
	if r.HourlyLimit != nil && *r.HourlyLimit <= 0 {
		return time.Time{}, "hourlyLimit must be positive"
	}

	sendAt, err := time.Parse(time.RFC3339, r.SendAt)
	if err != nil {
		return time.Time{}, "sendAt must be an RFC3339 timestamp"
	}

	return sendAt, ""
}

// ListScheduled returns jobs still awaiting dispatch, earliest first.
func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.ListScheduled(r.Context())
	if err != nil {
		h.Log.Error("failed to list scheduled jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ListSent returns terminal jobs, most recently sent first.
func (h *Handler) ListSent(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.ListCompleted(r.Context())
	if err != nil {
		h.Log.Error("failed to list completed jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
