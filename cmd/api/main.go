package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/mispesos/internal/api/handlers"
	"github.com/dvloznov/mispesos/internal/api/middleware"
	"github.com/dvloznov/mispesos/internal/app"
	"github.com/dvloznov/mispesos/internal/config"
	"github.com/dvloznov/mispesos/internal/drafts"
	"github.com/dvloznov/mispesos/internal/gcsuploader"
	infraBQ "github.com/dvloznov/mispesos/internal/infra/bigquery"
	"github.com/dvloznov/mispesos/internal/jobs/inmemory"
	"github.com/dvloznov/mispesos/internal/learning"
	"github.com/dvloznov/mispesos/internal/logger"
)

func main() {
	port := flag.String("port", "", "HTTP server port (overrides server.port)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	log, err := logger.NewFromConfig(cfg.Log, os.Stdout)
	if err != nil {
		fallback := logger.New()
		fallback.Fatal().Err(err).Msg("Failed to create logger")
	}
	logger.SetDefault(log)

	ctx := logger.WithContext(context.Background(), log)

	comps, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build parser")
	}
	defer comps.Close()

	// Optional persistence and archiving.
	var (
		recorder handlers.Recorder
		lister   handlers.TransactionLister
		archiver gcsuploader.Archiver
		repo     *infraBQ.BigQueryRepository
	)
	draftStore := drafts.New(drafts.DefaultSize, drafts.DefaultTTL)
	lister = handlers.MemoryTransactions{Drafts: draftStore}

	if cfg.BigQuery.Project != "" {
		repo, err = infraBQ.NewBigQueryRepository(ctx, cfg.BigQuery.Project, cfg.BigQuery.Dataset)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create BigQuery repository")
		}
		defer repo.Close()
		recorder, lister = repo, repo
	} else {
		log.Warn().Msg("No BigQuery project configured - confirmed transactions are kept in memory")
	}

	if cfg.GCS.Bucket != "" {
		gcs, err := gcsuploader.NewGCSArchiver(ctx, cfg.GCS.Bucket)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create GCS archiver")
		}
		defer gcs.Close()
		archiver = gcs
	} else {
		log.Warn().Msg("No GCS bucket configured - receipt images will not be archived")
	}

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(cfg.Queue.Shards, cfg.Queue.Buffer, jobStore,
		inmemory.WithMaxRetries(cfg.Queue.MaxRetries))
	learner := learning.New(comps.Keywords, cfg.LearningRate, cfg.WeightCap)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	// Assigning a nil repository to the interface would make it non-nil.
	var audit app.CorrectionAuditor
	if repo != nil {
		audit = repo
	}
	jobHandler := app.CorrectionJobHandler(learner, audit, comps.Metrics)

	log.Info().Int("shards", cfg.Queue.Shards).Msg("Starting job workers")
	if err := jobQueue.Start(workerCtx, jobHandler); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job workers")
	}

	var trainer handlers.Trainer
	if comps.History != nil {
		trainer = comps.History
	}
	var pinger handlers.Pinger
	if comps.AI != nil {
		pinger = comps.AI
	}

	router := &handlers.Router{
		Parse:        handlers.NewParseHandler(comps.Parser, draftStore, recorder, log),
		Receipts:     handlers.NewReceiptsHandler(archiver, recorder, log),
		Drafts:       handlers.NewDraftsHandler(draftStore, recorder, trainer, log),
		Corrections:  handlers.NewCorrectionsHandler(draftStore, comps.Keywords, jobQueue, log),
		Keywords:     handlers.NewKeywordsHandler(comps.Keywords, log),
		Transactions: handlers.NewTransactionsHandler(lister, log),
		Jobs:         handlers.NewJobsHandler(jobStore, log),
		Health:       handlers.NewHealthHandler(pinger, comps.Metrics),
		Metrics:      comps.Metrics,
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      middleware.Chain(router.Mux(), log, comps.Metrics),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Queued corrections are drained before the workers exit.
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()
	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Server exited")
}
