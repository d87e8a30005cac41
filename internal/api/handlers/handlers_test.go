package handlers_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mispesos/internal/api/handlers"
	"github.com/dvloznov/mispesos/internal/api/middleware"
	"github.com/dvloznov/mispesos/internal/classifier"
	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/drafts"
	"github.com/dvloznov/mispesos/internal/extract"
	"github.com/dvloznov/mispesos/internal/jobs"
	"github.com/dvloznov/mispesos/internal/jobs/inmemory"
	"github.com/dvloznov/mispesos/internal/keywords"
	"github.com/dvloznov/mispesos/internal/gcsuploader"
	"github.com/dvloznov/mispesos/internal/learning"
	"github.com/dvloznov/mispesos/internal/metrics"
	"github.com/dvloznov/mispesos/internal/pipeline"
)

// MockRecorder is a mock implementation of Recorder for testing.
type MockRecorder struct {
	mu           sync.Mutex
	Transactions []domain.Transaction
	Receipts     []domain.ReceiptExtraction
}

func (m *MockRecorder) InsertTransaction(ctx context.Context, tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transactions = append(m.Transactions, tx)
	return nil
}

func (m *MockRecorder) InsertReceipt(ctx context.Context, userID string, rec *domain.ReceiptExtraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Receipts = append(m.Receipts, *rec)
	return nil
}

// MockArchiver is a mock implementation of gcsuploader.Archiver for testing.
type MockArchiver struct {
	ArchiveFunc func(ctx context.Context, userID, receiptID, contentType string, data []byte) (string, error)
	FetchFunc   func(ctx context.Context, gcsURI string) ([]byte, error)
}

func (m *MockArchiver) Archive(ctx context.Context, userID, receiptID, contentType string, data []byte) (string, error) {
	if m.ArchiveFunc != nil {
		return m.ArchiveFunc(ctx, userID, receiptID, contentType, data)
	}
	return "gs://test-bucket/receipts/" + receiptID, nil
}

func (m *MockArchiver) Fetch(ctx context.Context, gcsURI string) ([]byte, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, gcsURI)
	}
	return nil, errors.New("not implemented")
}

// MockPublisher wraps a Publisher and fails while FailNext is positive.
type MockPublisher struct {
	jobs.Publisher
	mu       sync.Mutex
	FailNext int
}

func (m *MockPublisher) PublishCorrection(ctx context.Context, job *jobs.CorrectionJob) error {
	m.mu.Lock()
	if m.FailNext > 0 {
		m.FailNext--
		m.mu.Unlock()
		return errors.New("queue is full")
	}
	m.mu.Unlock()
	return m.Publisher.PublishCorrection(ctx, job)
}

// MockPinger is a mock implementation of Pinger for testing.
type MockPinger struct {
	PingFunc func(ctx context.Context) error
}

func (m *MockPinger) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *MockPinger) Model() string { return "ollama/llama3.2:3b" }

type trainerFunc func(text, category string)

func (f trainerFunc) Train(text, category string) { f(text, category) }

type testServer struct {
	handler  http.Handler
	recorder *MockRecorder
	archiver *MockArchiver
	pinger    *MockPinger
	publisher *MockPublisher
	metrics   *metrics.Metrics
	drafts    *drafts.Store
	kw       keywords.Store
	jobStore *inmemory.Store
	trained  []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()

	kw := keywords.NewMemoryStore()
	require.NoError(t, kw.Seed(ctx, keywords.DefaultVocabulary()))

	ts := &testServer{
		recorder: &MockRecorder{},
		archiver: &MockArchiver{},
		pinger:   &MockPinger{},
		metrics:  metrics.New(),
		drafts:   drafts.New(100, time.Hour),
		kw:       kw,
		jobStore: inmemory.NewStore(),
	}

	queue := inmemory.NewQueue(2, 10, ts.jobStore, inmemory.WithBackoff(time.Millisecond))
	learner := learning.New(kw, learning.DefaultLearningRate, learning.DefaultWeightCap)
	require.NoError(t, queue.Start(ctx, learner.HandleJob))
	t.Cleanup(func() { queue.Stop(context.Background()) })
	ts.publisher = &MockPublisher{Publisher: queue}

	parser := pipeline.New(nil, extract.New(extract.DefaultScores),
		classifier.New(kw, classifier.DefaultMinActivation), pipeline.Options{Metrics: ts.metrics})

	var mu sync.Mutex
	trainer := trainerFunc(func(text, category string) {
		mu.Lock()
		defer mu.Unlock()
		ts.trained = append(ts.trained, category)
	})

	router := &handlers.Router{
		Parse:        handlers.NewParseHandler(parser, ts.drafts, ts.recorder, log),
		Receipts:     handlers.NewReceiptsHandler(ts.archiver, ts.recorder, log),
		Drafts:       handlers.NewDraftsHandler(ts.drafts, ts.recorder, trainer, log),
		Corrections:  handlers.NewCorrectionsHandler(ts.drafts, kw, ts.publisher, log),
		Keywords:     handlers.NewKeywordsHandler(kw, log),
		Transactions: handlers.NewTransactionsHandler(handlers.MemoryTransactions{Drafts: ts.drafts}, log),
		Jobs:         handlers.NewJobsHandler(ts.jobStore, log),
		Health:       handlers.NewHealthHandler(ts.pinger, ts.metrics),
		Metrics:      ts.metrics,
	}
	ts.handler = middleware.Chain(router.Mux(), log, ts.metrics)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (ts *testServer) parse(t *testing.T, text string) string {
	t.Helper()
	rec, out := ts.do(t, http.MethodPost, "/api/parse", map[string]string{"text": text, "user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return out["draft"].(map[string]interface{})["id"].(string)
}

func TestParseEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec, out := ts.do(t, http.MethodPost, "/api/parse", map[string]string{"text": "50k almuerzo tarjeta", "user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	draft := out["draft"].(map[string]interface{})
	assert.Equal(t, "50000", draft["amount"])
	assert.Equal(t, "Alimentación", draft["category"])
	assert.Equal(t, "card", draft["payment_method"])
	assert.Equal(t, false, draft["needs_review"])
	assert.Contains(t, out["message"], "$50,000")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	_, _, err := ts.drafts.Get(draft["id"].(string))
	assert.NoError(t, err, "draft is kept for confirmation")
}

func TestParseEndpointClarification(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		text   string
		reason string
	}{
		{"", "empty"},
		{"almuerzo con amigos", "ambiguous"},
	}
	for _, tt := range tests {
		rec, out := ts.do(t, http.MethodPost, "/api/parse", map[string]string{"text": tt.text})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, tt.reason, out["reason"])
		assert.NotEmpty(t, out["clarification"])
	}
}

func TestParseEndpointBadRequests(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/parse", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/parse", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestParseEndpointWithReceipt(t *testing.T) {
	ts := newTestServer(t)
	rec, out := ts.do(t, http.MethodPost, "/api/parse", map[string]string{
		"text":     "mercado 95000 tarjeta",
		"ocr_text": "NIT: 900.123.456-7\nTOTAL $ 100.000",
		"user_id":  "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	draft := out["draft"].(map[string]interface{})
	assert.Equal(t, "100000", draft["amount"])
	assert.Equal(t, true, draft["needs_review"])
	assert.Len(t, ts.recorder.Receipts, 1)
}

func TestDraftLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.parse(t, "pagué 25000 de uber efectivo")

	rec, out := ts.do(t, http.MethodGet, "/api/drafts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["confirmed"])

	rec, out = ts.do(t, http.MethodPost, "/api/drafts/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, id, out["draft_id"])
	assert.Equal(t, "Transporte", out["category"])

	rec, _ = ts.do(t, http.MethodPost, "/api/drafts/"+id+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Len(t, ts.recorder.Transactions, 1)
	assert.Equal(t, []string{"Transporte"}, ts.trained)

	rec, _ = ts.do(t, http.MethodGet, "/api/transactions?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	assert.Len(t, txs, 1)

	rec, _ = ts.do(t, http.MethodGet, "/api/drafts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = ts.do(t, http.MethodGet, "/api/drafts/"+id+"/confirm", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec, _ = ts.do(t, http.MethodGet, "/api/drafts/"+id+"/other", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCorrectionEndpoint(t *testing.T) {
	ts := newTestServer(t)
	id := ts.parse(t, "25000 uber efectivo")

	rec, out := ts.do(t, http.MethodPost, "/api/corrections", map[string]interface{}{
		"draft_id":         id,
		"user_id":          "u1",
		"event_id":         "evt-1",
		"corrected_fields": map[string]string{"category": "alimentacion"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := out["job_id"].(string)
	assert.Equal(t, "evt-1", out["event_id"])

	require.Eventually(t, func() bool {
		job, err := ts.jobStore.GetJob(context.Background(), jobID)
		return err == nil && job.Status == jobs.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	draft, _, err := ts.drafts.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Alimentación", draft.Category, "category name is canonicalised")

	snap, err := ts.kw.Snapshot(context.Background())
	require.NoError(t, err)
	for _, k := range snap.Keywords {
		if k.Keyword == "uber" && k.Category == "Transporte" {
			assert.InDelta(t, 0.9, k.Weight, 1e-9)
		}
	}

	rec, out = ts.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", out["status"])

	rec, out = ts.do(t, http.MethodGet, "/api/jobs?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["count"])
}

func TestCorrectionEndpointEnqueueFailure(t *testing.T) {
	ts := newTestServer(t)
	id := ts.parse(t, "25000 uber efectivo")
	body := map[string]interface{}{
		"draft_id":         id,
		"user_id":          "u1",
		"corrected_fields": map[string]string{"category": "Alimentación"},
	}

	ts.publisher.FailNext = 1
	rec, _ := ts.do(t, http.MethodPost, "/api/corrections", body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	draft, _, err := ts.drafts.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Transporte", draft.Category, "draft is untouched when the job is not queued")

	rec, out := ts.do(t, http.MethodPost, "/api/corrections", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := out["job_id"].(string)
	require.Eventually(t, func() bool {
		job, err := ts.jobStore.GetJob(context.Background(), jobID)
		return err == nil && job.Status == jobs.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	// The retried event still carries the parser's category, so the
	// keyword that misled it is penalised.
	snap, err := ts.kw.Snapshot(context.Background())
	require.NoError(t, err)
	found := false
	for _, k := range snap.Keywords {
		if k.Keyword == "uber" && k.Category == "Transporte" {
			found = true
			assert.InDelta(t, 0.9, k.Weight, 1e-9)
		}
	}
	assert.True(t, found)

	draft, _, err = ts.drafts.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Alimentación", draft.Category)
}

func TestCorrectionOfConfirmedDraft(t *testing.T) {
	ts := newTestServer(t)
	id := ts.parse(t, "25000 uber efectivo")
	rec, _ := ts.do(t, http.MethodPost, "/api/drafts/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var jobIDs []string
	for _, cat := range []string{"Alimentación", "Salud"} {
		rec, out := ts.do(t, http.MethodPost, "/api/corrections", map[string]interface{}{
			"draft_id":         id,
			"corrected_fields": map[string]string{"category": cat},
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		jobIDs = append(jobIDs, out["job_id"].(string))
	}

	for i, want := range []string{"Transporte", "Alimentación"} {
		var job *jobs.CorrectionJob
		require.Eventually(t, func() bool {
			j, err := ts.jobStore.GetJob(context.Background(), jobIDs[i])
			job = j
			return err == nil && job.Status == jobs.JobStatusCompleted
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, want, job.Event.OriginalDraft.Category, "correction %d starts from the previous one", i+1)
	}

	rec, out := ts.do(t, http.MethodGet, "/api/drafts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Salud", out["draft"].(map[string]interface{})["category"])

	rec, _ = ts.do(t, http.MethodGet, "/api/transactions?user_id=u1", nil)
	var txs []domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, "Transporte", txs[0].Category)
}

func TestCorrectionEndpointErrors(t *testing.T) {
	ts := newTestServer(t)
	id := ts.parse(t, "25000 uber efectivo")

	tests := []struct {
		name string
		body map[string]interface{}
		code int
	}{
		{"missing fields", map[string]interface{}{"draft_id": id}, http.StatusBadRequest},
		{"unknown category", map[string]interface{}{"draft_id": id, "corrected_fields": map[string]string{"category": "Mascotas"}}, http.StatusBadRequest},
		{"invalid amount", map[string]interface{}{"draft_id": id, "corrected_fields": map[string]string{"amount": "mucho"}}, http.StatusBadRequest},
		{"unknown draft", map[string]interface{}{"draft_id": "nope", "corrected_fields": map[string]string{"amount": "1000"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := ts.do(t, http.MethodPost, "/api/corrections", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	rec, _ := ts.do(t, http.MethodGet, "/api/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReceiptEndpoint(t *testing.T) {
	ts := newTestServer(t)
	var archived []byte
	ts.archiver.ArchiveFunc = func(ctx context.Context, userID, receiptID, contentType string, data []byte) (string, error) {
		archived = data
		return "gs://test-bucket/" + receiptID + ".jpg", nil
	}

	image := []byte("\xff\xd8\xff\xe0 fake jpeg")
	rec, out := ts.do(t, http.MethodPost, "/api/receipts/reconcile", map[string]string{
		"ocr_text":     "TIENDA DON PEPE\nNIT 800.555.111-2\nTOTAL 42.000",
		"image_base64": base64.StdEncoding.EncodeToString(image),
		"user_id":      "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "42000", out["total_amount"])
	assert.Equal(t, "800.555.111-2", out["tax_id"])
	assert.True(t, strings.HasPrefix(out["archive_uri"].(string), "gs://test-bucket/"))
	assert.Equal(t, image, archived)
	assert.Len(t, ts.recorder.Receipts, 1)

	rec, _ = ts.do(t, http.MethodPost, "/api/receipts/reconcile", map[string]string{"ocr_text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = ts.do(t, http.MethodPost, "/api/receipts/reconcile", map[string]string{"ocr_text": "TOTAL 1.000", "image_base64": "%%%"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiptImageEndpoint(t *testing.T) {
	ts := newTestServer(t)
	jpeg := []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00 fake jpeg")
	ts.archiver.FetchFunc = func(ctx context.Context, uri string) ([]byte, error) {
		switch uri {
		case "gs://test-bucket/receipts/2026/03/09/u1/r1.jpg":
			return jpeg, nil
		case "gs://other/receipts/r1.jpg":
			return nil, gcsuploader.ErrOtherBucket
		case "gs://test-bucket/receipts/gone.jpg":
			return nil, gcsuploader.ErrNotArchived
		}
		return nil, errors.New("storage unavailable")
	}

	rec, _ := ts.do(t, http.MethodGet, "/api/receipts/image?uri=gs://test-bucket/receipts/2026/03/09/u1/r1.jpg", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `inline; filename="r1.jpg"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, jpeg, rec.Body.Bytes())

	tests := []struct {
		uri  string
		code int
	}{
		{"", http.StatusBadRequest},
		{"https://example.com/r1.jpg", http.StatusBadRequest},
		{"gs://other/receipts/r1.jpg", http.StatusForbidden},
		{"gs://test-bucket/receipts/gone.jpg", http.StatusNotFound},
		{"gs://test-bucket/receipts/r9.jpg", http.StatusBadGateway},
	}
	for _, tt := range tests {
		rec, _ := ts.do(t, http.MethodGet, "/api/receipts/image?uri="+tt.uri, nil)
		assert.Equal(t, tt.code, rec.Code, tt.uri)
	}

	h := handlers.NewReceiptsHandler(nil, nil, zerolog.Nop())
	w := httptest.NewRecorder()
	h.Image(w, httptest.NewRequest(http.MethodGet, "/api/receipts/image?uri=gs://b/receipts/r1.jpg", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.parse(t, "50k almuerzo tarjeta")
	ts.do(t, http.MethodPost, "/api/parse", map[string]string{"text": "almuerzo con amigos"})

	rec, out := ts.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["parses"])
	assert.Equal(t, float64(1), out["parse_failures"])
	assert.Equal(t, float64(0), out["fallback_count"], "no model is configured")
	assert.GreaterOrEqual(t, out["http_requests"], float64(2))

	rec, _ = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mispesos_parse_failures_total{reason="ambiguous"} 1`)
	assert.Contains(t, rec.Body.String(), `mispesos_http_requests_total{method="POST",route="/api/parse",status="200"} 1`)
}

func TestKeywordsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec, out := ts.do(t, http.MethodGet, "/api/keywords", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["categories"], 9)
	assert.Greater(t, out["count"], float64(0))
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec, out := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])

	ts.pinger.PingFunc = func(ctx context.Context) error { return errors.New("connection refused") }
	rec, out = ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", out["status"])
	ai := out["ai"].(map[string]interface{})
	assert.Equal(t, "down", ai["status"])
	assert.Equal(t, "ollama/llama3.2:3b", ai["model"])

	m := out["metrics"].(map[string]interface{})
	assert.Contains(t, m, "success_rate")
	assert.Contains(t, m, "fallback_count")

	h := handlers.NewHealthHandler(nil, nil)
	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, w.Body.String(), "disabled")
}
