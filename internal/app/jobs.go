package app

import (
	"context"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/jobs"
	"github.com/dvloznov/mispesos/internal/learning"
	"github.com/dvloznov/mispesos/internal/logger"
	"github.com/dvloznov/mispesos/internal/metrics"
)

// CorrectionAuditor keeps the append-only record of correction events.
type CorrectionAuditor interface {
	InsertCorrection(ctx context.Context, e domain.CorrectionEvent) error
}

// CorrectionJobHandler applies queued corrections with learner and records
// each event once in audit, which may be nil. A replayed event was recorded
// when it was first applied and is not recorded again.
func CorrectionJobHandler(learner *learning.Learner, audit CorrectionAuditor, m *metrics.Metrics) jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		if err := learner.HandleJob(ctx, job); err != nil {
			m.ObserveCorrection("failed")
			return err
		}
		cj, ok := job.(*jobs.CorrectionJob)
		if !ok {
			return nil
		}
		if res, _ := cj.Result.(learning.Result); res.Replayed {
			m.ObserveCorrection("replayed")
			return nil
		}
		m.ObserveCorrection("applied")
		if audit == nil {
			return nil
		}
		// The weights are already updated; an audit failure must not
		// replay the job.
		if err := audit.InsertCorrection(ctx, cj.Event); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("event_id", cj.Event.ID).Msg("Failed to persist correction")
		}
		return nil
	}
}
