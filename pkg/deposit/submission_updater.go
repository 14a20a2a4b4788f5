package deposit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/custodia/depositd/pkg/critical"
	"github.com/custodia/depositd/pkg/log"
	"github.com/custodia/depositd/pkg/metrics"
	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/store"
)

// SubmissionUpdater periodically recomputes each submitted submission's
// aggregated status from the statuses of its child deposits
type SubmissionUpdater struct {
	Store    store.Store
	Retries  int
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewSubmissionUpdater builds the submission aggregation loop
func NewSubmissionUpdater(s store.Store, retries int, interval time.Duration) *SubmissionUpdater {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &SubmissionUpdater{
		Store:    s,
		Retries:  retries,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("submission-updater"),
	}
}

// Start runs the aggregation loop until Stop is called
func (u *SubmissionUpdater) Start(ctx context.Context) {
	go func() {
		defer close(u.doneCh)
		ticker := time.NewTicker(u.Interval)
		defer ticker.Stop()

		u.logger.Info().Dur("interval", u.Interval).Msg("submission updater started")
		for {
			select {
			case <-ticker.C:
				if err := u.RunOnce(ctx); err != nil {
					u.logger.Error().Err(err).Msg("aggregation pass failed")
				}
			case <-u.stopCh:
				u.logger.Info().Msg("submission updater stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for a running pass to finish
func (u *SubmissionUpdater) Stop() {
	close(u.stopCh)
	<-u.doneCh
}

// RunOnce performs one aggregation pass over the given submissions, or
// over every submitted submission when no ids are given
func (u *SubmissionUpdater) RunOnce(ctx context.Context, ids ...string) error {
	timer := prometheus.NewTimer(metrics.ReconcilePassDuration.WithLabelValues("submissions"))
	defer timer.ObserveDuration()

	if len(ids) == 0 {
		var err error
		ids, err = u.Store.FindByAttribute(ctx, model.KindSubmission, "submitted", "true")
		if err != nil {
			return fmt.Errorf("finding submitted submissions: %w", err)
		}
	}

	for _, id := range ids {
		if err := u.updateOne(ctx, id); err != nil {
			u.logger.Error().Err(err).Str("submission_id", id).Msg("failed to aggregate submission")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// updateOne recomputes one submission's aggregated status. Submissions
// with no deposits yet keep their current status; flipping them to
// in-progress before the first deposit exists would misreport work
// that has not started.
func (u *SubmissionUpdater) updateOne(ctx context.Context, id string) error {
	in := critical.Interaction[*model.Submission, model.SubmissionStatus]{
		Store:   u.Store,
		Kind:    model.KindSubmission,
		Retries: u.Retries,
		Precheck: func(s *model.Submission) bool {
			return s.Submitted && !s.AggregatedStatus.Terminal()
		},
		Mutate: func(ctx context.Context, s *model.Submission) (model.SubmissionStatus, error) {
			depositIDs, err := u.Store.Incoming(ctx, s.ID)
			if err != nil {
				return "", fmt.Errorf("finding deposits for submission %s: %w", s.ID, err)
			}
			ids := depositIDs["deposit.submissionId"]
			if len(ids) == 0 {
				return s.AggregatedStatus, nil
			}

			statuses := make([]model.DepositStatus, 0, len(ids))
			for _, depID := range ids {
				dep, err := store.ReadAs[*model.Deposit](ctx, u.Store, model.KindDeposit, depID)
				if err != nil {
					return "", fmt.Errorf("reading deposit %s: %w", depID, err)
				}
				statuses = append(statuses, dep.Status)
			}

			s.AggregatedStatus = model.ComputeAggregate(statuses)
			return s.AggregatedStatus, nil
		},
		Postcheck: func(s *model.Submission, agg model.SubmissionStatus) bool {
			return s.Submitted && s.AggregatedStatus == agg
		},
	}

	res := in.Perform(ctx, id)
	switch res.Outcome {
	case critical.OutcomeOK:
		if res.Value == model.SubmissionAccepted {
			metrics.SubmissionsAccepted.Inc()
		}
		return nil
	case critical.OutcomeError:
		return res.Err
	default:
		return nil
	}
}
