package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mispesos/internal/api/middleware"
	"github.com/dvloznov/mispesos/internal/confirm"
	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/drafts"
	"github.com/dvloznov/mispesos/internal/gcsuploader"
	"github.com/dvloznov/mispesos/internal/jobs"
	"github.com/dvloznov/mispesos/internal/keywords"
	"github.com/dvloznov/mispesos/internal/metrics"
	"github.com/dvloznov/mispesos/internal/pipeline"
	"github.com/dvloznov/mispesos/internal/reconcile"
)

const maxBodyBytes = 10 << 20

// Parser turns a message into a draft.
type Parser interface {
	Parse(ctx context.Context, req pipeline.Request) (*domain.TransactionDraft, error)
}

// Recorder persists the audit trail. A nil Recorder disables persistence.
type Recorder interface {
	InsertTransaction(ctx context.Context, tx domain.Transaction) error
	InsertReceipt(ctx context.Context, userID string, rec *domain.ReceiptExtraction) error
}

// TransactionLister lists confirmed transactions.
type TransactionLister interface {
	QueryTransactionsByDateRange(ctx context.Context, userID string, startDate, endDate time.Time) ([]domain.Transaction, error)
}

// Trainer learns from confirmed categories.
type Trainer interface {
	Train(text, category string)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// ParseHandler handles message parsing.
type ParseHandler struct {
	parser   Parser
	drafts   *drafts.Store
	recorder Recorder
	log      zerolog.Logger
}

// NewParseHandler creates a new parse handler.
func NewParseHandler(parser Parser, store *drafts.Store, recorder Recorder, log zerolog.Logger) *ParseHandler {
	return &ParseHandler{parser: parser, drafts: store, recorder: recorder, log: log}
}

// Parse handles POST /api/parse
func (h *ParseHandler) Parse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text    string `json:"text"`
		OCRText string `json:"ocr_text"`
		UserID  string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	draft, err := h.parser.Parse(ctx, pipeline.Request{
		Text:    req.Text,
		OCRText: req.OCRText,
		UserID:  req.UserID,
	})
	if err != nil {
		var pf *domain.ParseFailure
		if errors.As(err, &pf) {
			middleware.WriteJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":         pf.Error(),
				"reason":        string(pf.Reason),
				"clarification": pf.Clarification(),
			})
			return
		}
		h.log.Error().Err(err).Msg("Failed to parse message")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to parse message")
		return
	}

	if err := h.drafts.Save(draft); err != nil {
		h.log.Error().Err(err).Msg("Failed to save draft")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to save draft")
		return
	}
	if draft.Receipt != nil && h.recorder != nil {
		if err := h.recorder.InsertReceipt(ctx, req.UserID, draft.Receipt); err != nil {
			h.log.Warn().Err(err).Str("receipt_id", draft.Receipt.ID).Msg("Failed to persist receipt")
		}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"draft":   draft,
		"message": confirm.Message(draft),
	})
}

// ReceiptsHandler handles receipt reconciliation.
type ReceiptsHandler struct {
	archiver gcsuploader.Archiver
	recorder Recorder
	log      zerolog.Logger
}

// NewReceiptsHandler creates a new receipts handler. archiver may be nil
// when no bucket is configured.
func NewReceiptsHandler(archiver gcsuploader.Archiver, recorder Recorder, log zerolog.Logger) *ReceiptsHandler {
	return &ReceiptsHandler{archiver: archiver, recorder: recorder, log: log}
}

// Reconcile handles POST /api/receipts/reconcile
func (h *ReceiptsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OCRText     string `json:"ocr_text"`
		ImageBase64 string `json:"image_base64"`
		ContentType string `json:"content_type"`
		UserID      string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OCRText) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "ocr_text is required")
		return
	}
	ctx := r.Context()

	receipt := reconcile.Reconcile(req.OCRText)
	receipt.ID = uuid.NewString()
	receipt.CreatedAt = time.Now()

	if req.ImageBase64 != "" {
		image, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "image_base64 is not valid base64")
			return
		}
		if h.archiver != nil {
			contentType := req.ContentType
			if contentType == "" {
				contentType = http.DetectContentType(image)
			}
			uri, err := h.archiver.Archive(ctx, req.UserID, receipt.ID, contentType, image)
			if err != nil {
				h.log.Warn().Err(err).Str("receipt_id", receipt.ID).Msg("Failed to archive receipt image")
			} else {
				receipt.ArchiveURI = uri
			}
		}
	}

	if h.recorder != nil {
		if err := h.recorder.InsertReceipt(ctx, req.UserID, &receipt); err != nil {
			h.log.Warn().Err(err).Str("receipt_id", receipt.ID).Msg("Failed to persist receipt")
		}
	}

	h.log.Info().
		Str("receipt_id", receipt.ID).
		Int("located_fields", receipt.LocatedFields()).
		Float64("ocr_confidence", receipt.OCRConfidence).
		Msg("Receipt reconciled")

	middleware.WriteJSON(w, http.StatusOK, receipt)
}

// Image handles GET /api/receipts/image?uri=gs://... and returns an archived
// receipt photo.
func (h *ReceiptsHandler) Image(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		middleware.WriteError(w, http.StatusNotFound, "Receipt archive is not configured")
		return
	}
	uri := r.URL.Query().Get("uri")
	if _, _, err := gcsuploader.ParseGCSURI(uri); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "uri must be a gs:// receipt URI")
		return
	}

	data, err := h.archiver.Fetch(r.Context(), uri)
	switch {
	case errors.Is(err, gcsuploader.ErrOtherBucket):
		middleware.WriteError(w, http.StatusForbidden, "Object is not a receipt photo")
		return
	case errors.Is(err, gcsuploader.ErrNotArchived):
		middleware.WriteError(w, http.StatusNotFound, "Receipt photo not found")
		return
	case err != nil:
		h.log.Error().Err(err).Str("uri", uri).Msg("Failed to fetch receipt image")
		middleware.WriteError(w, http.StatusBadGateway, "Failed to fetch receipt image")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Disposition", `inline; filename="`+gcsuploader.ExtractFilenameFromGCSURI(uri)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DraftsHandler handles draft lookup and confirmation.
type DraftsHandler struct {
	drafts   *drafts.Store
	recorder Recorder
	trainer  Trainer
	log      zerolog.Logger
}

// NewDraftsHandler creates a new drafts handler. recorder and trainer may be nil.
func NewDraftsHandler(store *drafts.Store, recorder Recorder, trainer Trainer, log zerolog.Logger) *DraftsHandler {
	return &DraftsHandler{drafts: store, recorder: recorder, trainer: trainer, log: log}
}

// GetDraft handles GET /api/drafts/{id}
func (h *DraftsHandler) GetDraft(w http.ResponseWriter, r *http.Request, draftID string) {
	draft, confirmed, err := h.drafts.Get(draftID)
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, "Draft not found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"draft":     draft,
		"confirmed": confirmed,
	})
}

// ConfirmDraft handles POST /api/drafts/{id}/confirm
func (h *DraftsHandler) ConfirmDraft(w http.ResponseWriter, r *http.Request, draftID string) {
	ctx := r.Context()

	tx, err := h.drafts.Confirm(draftID, time.Now())
	switch {
	case errors.Is(err, drafts.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Draft not found")
		return
	case errors.Is(err, drafts.ErrAlreadyConfirmed):
		middleware.WriteError(w, http.StatusConflict, "Draft already confirmed")
		return
	case errors.Is(err, drafts.ErrNoAmount):
		middleware.WriteError(w, http.StatusUnprocessableEntity, "Draft has no amount")
		return
	case err != nil:
		h.log.Error().Err(err).Str("draft_id", draftID).Msg("Failed to confirm draft")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to confirm draft")
		return
	}

	if h.trainer != nil && tx.Category != "" {
		h.trainer.Train(tx.OriginalText, tx.Category)
	}
	if h.recorder != nil {
		if err := h.recorder.InsertTransaction(ctx, tx); err != nil {
			h.log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to persist transaction")
		}
	}

	h.log.Info().Str("draft_id", draftID).Str("transaction_id", tx.ID).Msg("Draft confirmed")
	middleware.WriteJSON(w, http.StatusOK, tx)
}

// CorrectionsHandler accepts user corrections and queues them for learning.
type CorrectionsHandler struct {
	drafts    *drafts.Store
	keywords  keywords.Store
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewCorrectionsHandler creates a new corrections handler.
func NewCorrectionsHandler(store *drafts.Store, kw keywords.Store, publisher jobs.Publisher, log zerolog.Logger) *CorrectionsHandler {
	return &CorrectionsHandler{drafts: store, keywords: kw, publisher: publisher, log: log}
}

// CreateCorrection handles POST /api/corrections
func (h *CorrectionsHandler) CreateCorrection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID         string            `json:"event_id"`
		DraftID         string            `json:"draft_id"`
		UserID          string            `json:"user_id"`
		CorrectedFields map[string]string `json:"corrected_fields"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.DraftID == "" || len(req.CorrectedFields) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "draft_id and corrected_fields are required")
		return
	}
	ctx := r.Context()

	if name, ok := req.CorrectedFields[domain.FieldCategory]; ok && name != "" {
		snap, err := h.keywords.Snapshot(ctx)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to read categories")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to read categories")
			return
		}
		cat, found := snap.Category(name)
		if !found {
			middleware.WriteError(w, http.StatusBadRequest, "Unknown category: "+name)
			return
		}
		req.CorrectedFields[domain.FieldCategory] = cat.Name
	}

	// The draft changes only once the correction is queued, so a failed
	// enqueue can be retried against the same original.
	original, err := h.drafts.Preview(req.DraftID, req.CorrectedFields)
	if err != nil {
		var fe *drafts.InvalidFieldError
		switch {
		case errors.Is(err, drafts.ErrNotFound):
			middleware.WriteError(w, http.StatusNotFound, "Draft not found")
		case errors.As(err, &fe):
			middleware.WriteError(w, http.StatusBadRequest, fe.Error())
		default:
			h.log.Error().Err(err).Msg("Failed to correct draft")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to correct draft")
		}
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = original.UserID
	}
	eventID := req.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	job := &jobs.CorrectionJob{
		UserID: userID,
		Event: domain.CorrectionEvent{
			ID:              eventID,
			UserID:          userID,
			OriginalDraft:   original,
			CorrectedFields: req.CorrectedFields,
			Timestamp:       time.Now(),
		},
	}
	if err := h.publisher.PublishCorrection(ctx, job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue correction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue correction")
		return
	}
	if _, err := h.drafts.Correct(req.DraftID, req.CorrectedFields); err != nil {
		h.log.Warn().Err(err).Str("draft_id", req.DraftID).Str("event_id", eventID).Msg("Correction queued but draft not updated")
	}

	h.log.Info().Str("job_id", job.JobID).Str("event_id", eventID).Msg("Correction enqueued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":   job.JobID,
		"event_id": eventID,
		"status":   string(job.Status),
	})
}

// KeywordsHandler exposes the keyword table.
type KeywordsHandler struct {
	store keywords.Store
	log   zerolog.Logger
}

// NewKeywordsHandler creates a new keywords handler.
func NewKeywordsHandler(store keywords.Store, log zerolog.Logger) *KeywordsHandler {
	return &KeywordsHandler{store: store, log: log}
}

// ListKeywords handles GET /api/keywords
func (h *KeywordsHandler) ListKeywords(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.Snapshot(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read keywords")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read keywords")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":    snap.Version,
		"categories": snap.Categories,
		"keywords":   snap.Keywords,
		"count":      len(snap.Keywords),
	})
}

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	lister TransactionLister
	log    zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(lister TransactionLister, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{lister: lister, log: log}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var startDate, endDate time.Time
	var err error
	if s := query.Get("from"); s != "" {
		if startDate, err = time.Parse("2006-01-02", s); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid from date format")
			return
		}
	} else {
		startDate = time.Now().AddDate(-1, 0, 0) // 1 year ago
	}
	if s := query.Get("to"); s != "" {
		if endDate, err = time.Parse("2006-01-02", s); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid to date format")
			return
		}
		// Inclusive of the whole last day.
		endDate = endDate.Add(24*time.Hour - time.Nanosecond)
	} else {
		endDate = time.Now()
	}

	txs, err := h.lister.QueryTransactionsByDateRange(r.Context(), query.Get("user_id"), startDate, endDate)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to query transactions")
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	middleware.WriteJSON(w, http.StatusOK, txs)
}

// MemoryTransactions lists transactions confirmed in this process.
type MemoryTransactions struct {
	Drafts *drafts.Store
}

// QueryTransactionsByDateRange implements TransactionLister.
func (m MemoryTransactions) QueryTransactionsByDateRange(ctx context.Context, userID string, startDate, endDate time.Time) ([]domain.Transaction, error) {
	return m.Drafts.Transactions(userID, startDate, endDate), nil
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{store: store, log: log}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		h.log.Debug().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		UserID: query.Get("user_id"),
		Status: jobs.JobStatus(query.Get("status")),
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		filter.Offset = offset
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// Pinger checks the AI provider.
type Pinger interface {
	Ping(ctx context.Context) error
	Model() string
}

// HealthHandler reports service health and parsing metrics.
type HealthHandler struct {
	ai      Pinger
	metrics *metrics.Metrics
}

// NewHealthHandler creates a health handler. ai may be nil when no provider
// is configured, m when metrics are off.
func NewHealthHandler(ai Pinger, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{ai: ai, metrics: m}
}

// Metrics handles GET /api/metrics with the derived parsing and AI rates.
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// Health handles GET /health. An unreachable model degrades the service
// but does not fail it, since parsing falls back to patterns.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}
	if h.ai == nil {
		resp["ai"] = map[string]string{"status": "disabled"}
	} else {
		ai := map[string]string{"model": h.ai.Model(), "status": "up"}
		if err := h.ai.Ping(r.Context()); err != nil {
			ai["status"] = "down"
			ai["error"] = err.Error()
			resp["status"] = "degraded"
		}
		resp["ai"] = ai
	}
	if h.metrics != nil {
		snap := h.metrics.Snapshot()
		resp["metrics"] = map[string]interface{}{
			"uptime_seconds": snap.UptimeSeconds,
			"parses":         snap.Parses,
			"success_rate":   snap.SuccessRate,
			"cache_hit_rate": snap.CacheHitRate,
			"timeout_rate":   snap.TimeoutRate,
			"avg_latency_ms": snap.AvgLatencyMS,
			"fallback_count": snap.FallbackCount,
		}
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}
