package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailrelay/internal/broker"
	"mailrelay/internal/config"
	"mailrelay/internal/models"
	"mailrelay/internal/state"
	"mailrelay/internal/store"
)

type enqueueRequest struct {
	Recipient string  `json:"recipient"`
	Subject   *string `json:"subject"`
	Body      *string `json:"body"`
	RequestID *string `json:"request_id"`
	Priority  uint8   `json:"priority"`
}

type jobResponse struct {
	ID           string     `json:"id"`
	RequestID    *string    `json:"request_id,omitempty"`
	Recipient    string     `json:"recipient"`
	Subject      *string    `json:"subject,omitempty"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

func toJobResponse(j *models.EmailJob) jobResponse {
	return jobResponse{
		ID:           j.ID,
		RequestID:    j.RequestID,
		Recipient:    j.Recipient,
		Subject:      j.Subject,
		Status:       j.Status.String(),
		RetryCount:   j.RetryCount,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		SentAt:       j.SentAt,
	}
}

type handler struct {
	store     store.EmailJobStore
	publisher broker.DeliveryPublisher
	logger    *zap.Logger
}

// enqueueEmail stores the job and hands it to the broker. When a request_id
// is supplied and already known, the existing job is returned instead of
// creating a duplicate.
func (h *handler) enqueueEmail(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	ctx := r.Context()

	if req.RequestID != nil && *req.RequestID != "" {
		existing, err := h.store.FindByRequestID(ctx, *req.RequestID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		if existing != nil {
			writeJSON(w, http.StatusOK, toJobResponse(existing))
			return
		}
	}

	job := &models.EmailJob{
		ID:        uuid.NewString(),
		RequestID: req.RequestID,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		Status:    state.StatusQueued,
	}
	if err := h.store.Create(ctx, job); err != nil {
		h.logger.Error("failed to create email job", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	opts := broker.PublishOptions{Priority: req.Priority}
	if req.RequestID != nil {
		opts.RequestID = *req.RequestID
	}
	if err := h.publisher.Publish(ctx, models.NewDeliveryMessage(job), opts); err != nil {
		// the job row exists as queued; the reconciler re-publishes it later
		h.logger.Error("failed to publish email job", zap.String("job_id", job.ID), zap.Error(err))
		writeJSON(w, http.StatusAccepted, toJobResponse(job))
		return
	}

	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (h *handler) getEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "email job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	db, err := store.Open(cfg.PostgresDSN, cfg.ConnectAttempts, cfg.ConnectBackoff, logger)
	if err != nil {
		logger.Fatal("store unavailable", zap.Error(err))
	}
	jobStore := store.NewPostgresEmailJobStore(db)
	defer jobStore.Close()

	client, err := broker.Dial(cfg.AMQPURL, cfg.ConnectAttempts, cfg.ConnectBackoff, logger)
	if err != nil {
		logger.Fatal("broker unavailable", zap.Error(err))
	}
	defer client.Close()

	if err := client.EnsureTopology(); err != nil {
		logger.Fatal("broker topology setup failed", zap.Error(err))
	}

	h := &handler{
		store:     jobStore,
		publisher: broker.NewPublisher(client, logger),
		logger:    logger,
	}

	rtr := chi.NewRouter()
	rtr.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	rtr.Post("/v1/emails", h.enqueueEmail)
	rtr.Get("/v1/emails/{id}", h.getEmail)

	logger.Info("mailrelay api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, rtr); err != nil {
		logger.Fatal("http server stopped", zap.Error(err))
	}
}
