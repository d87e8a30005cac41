package handlers

import (
	"net/http"
	"strings"

	"github.com/dvloznov/mispesos/internal/api/middleware"
	"github.com/dvloznov/mispesos/internal/metrics"
)

// Router groups the handlers served by the API.
type Router struct {
	Parse        *ParseHandler
	Receipts     *ReceiptsHandler
	Drafts       *DraftsHandler
	Corrections  *CorrectionsHandler
	Keywords     *KeywordsHandler
	Transactions *TransactionsHandler
	Jobs         *JobsHandler
	Health       *HealthHandler
	// Metrics is served in the Prometheus text format on /metrics. May be nil.
	Metrics *metrics.Metrics
}

func only(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		fn(w, r)
	}
}

// Mux registers every route on a new ServeMux.
func (rt *Router) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/parse", only(http.MethodPost, rt.Parse.Parse))
	mux.HandleFunc("/api/receipts/reconcile", only(http.MethodPost, rt.Receipts.Reconcile))
	mux.HandleFunc("/api/receipts/image", only(http.MethodGet, rt.Receipts.Image))
	mux.HandleFunc("/api/corrections", only(http.MethodPost, rt.Corrections.CreateCorrection))
	mux.HandleFunc("/api/keywords", only(http.MethodGet, rt.Keywords.ListKeywords))
	mux.HandleFunc("/api/transactions", only(http.MethodGet, rt.Transactions.ListTransactions))
	mux.HandleFunc("/api/jobs", only(http.MethodGet, rt.Jobs.ListJobs))

	// /api/drafts/{id} and /api/drafts/{id}/confirm
	mux.HandleFunc("/api/drafts/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/drafts/"), "/")
		parts := strings.Split(rest, "/")
		switch {
		case rest == "":
			middleware.WriteError(w, http.StatusBadRequest, "Draft ID is required")
		case len(parts) == 1:
			only(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
				rt.Drafts.GetDraft(w, r, parts[0])
			})(w, r)
		case len(parts) == 2 && parts[1] == "confirm":
			only(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
				rt.Drafts.ConfirmDraft(w, r, parts[0])
			})(w, r)
		default:
			middleware.WriteError(w, http.StatusNotFound, "Not found")
		}
	})

	mux.HandleFunc("/api/jobs/", only(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		if jobID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		rt.Jobs.GetJob(w, r, jobID)
	}))

	mux.HandleFunc("/health", only(http.MethodGet, rt.Health.Health))
	mux.HandleFunc("/api/metrics", only(http.MethodGet, rt.Health.Metrics))
	if rt.Metrics != nil {
		mux.Handle("/metrics", rt.Metrics.Handler())
	}
	return mux
}
