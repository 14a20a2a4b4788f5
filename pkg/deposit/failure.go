package deposit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodia/depositd/pkg/critical"
	"github.com/custodia/depositd/pkg/log"
	"github.com/custodia/depositd/pkg/metrics"
	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/store"
)

// FailureHandler is the central failure channel: every error that
// escapes a deposit task or the intake path lands here, and the
// affected resource is marked FAILED so a later reconciliation pass
// can pick it up again.
type FailureHandler struct {
	Store   store.Store
	Retries int
	Timeout time.Duration

	logger zerolog.Logger
}

// NewFailureHandler builds the failure channel handler
func NewFailureHandler(s store.Store) *FailureHandler {
	return &FailureHandler{
		Store:   s,
		Timeout: 30 * time.Second,
		logger:  log.WithComponent("failure-handler"),
	}
}

// Deposit marks a deposit FAILED. Deposits that already reached a
// logical outcome are left alone.
func (h *FailureHandler) Deposit(depositID string, cause error) {
	h.logger.Error().Err(cause).Str("deposit_id", depositID).Msg("deposit failed")

	ctx, cancel := h.context()
	defer cancel()

	in := critical.Interaction[*model.Deposit, struct{}]{
		Store:   h.Store,
		Kind:    model.KindDeposit,
		Retries: h.Retries,
		Precheck: func(d *model.Deposit) bool {
			return d.Status != model.DepositAccepted && d.Status != model.DepositRejected
		},
		Mutate: func(ctx context.Context, d *model.Deposit) (struct{}, error) {
			d.Status = model.DepositFailed
			return struct{}{}, nil
		},
	}

	res := in.Perform(ctx, depositID)
	switch res.Outcome {
	case critical.OutcomeOK:
		metrics.DepositsTotal.WithLabelValues(string(model.DepositFailed)).Inc()
	case critical.OutcomePrecheckFailed:
		h.logger.Debug().Str("deposit_id", depositID).Msg("deposit already terminal, not marking failed")
	case critical.OutcomeError:
		h.logger.Error().Err(res.Err).Str("deposit_id", depositID).Msg("failed to mark deposit failed")
	}
}

// Submission marks a submission FAILED
func (h *FailureHandler) Submission(submissionID string, cause error) {
	h.logger.Error().Err(cause).Str("submission_id", submissionID).Msg("submission failed")

	ctx, cancel := h.context()
	defer cancel()

	in := critical.Interaction[*model.Submission, struct{}]{
		Store:   h.Store,
		Kind:    model.KindSubmission,
		Retries: h.Retries,
		Precheck: func(s *model.Submission) bool {
			return !s.AggregatedStatus.Terminal()
		},
		Mutate: func(ctx context.Context, s *model.Submission) (struct{}, error) {
			s.AggregatedStatus = model.SubmissionFailed
			return struct{}{}, nil
		},
	}

	res := in.Perform(ctx, submissionID)
	switch res.Outcome {
	case critical.OutcomeOK:
		metrics.SubmissionsFailed.Inc()
	case critical.OutcomeError:
		h.logger.Error().Err(res.Err).Str("submission_id", submissionID).Msg("failed to mark submission failed")
	}
}

func (h *FailureHandler) context() (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
