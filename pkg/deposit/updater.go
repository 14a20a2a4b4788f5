package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/custodia/depositd/pkg/critical"
	"github.com/custodia/depositd/pkg/log"
	"github.com/custodia/depositd/pkg/metrics"
	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/registry"
	"github.com/custodia/depositd/pkg/resolver"
	"github.com/custodia/depositd/pkg/store"
)

// Updater is the deposit reconciler: it periodically re-resolves the
// external status of SUBMITTED deposits and advances them (and their
// repository copies) when the target reaches a decision. With a
// Redispatch hook set it also re-enqueues dirty deposits whose
// physical transfer never succeeded.
//
// FAILED deposits are excluded from both scans: they record a fault,
// not a pending transfer, and are reconsidered only after an operator
// resets them to dirty via ResetFailed.
type Updater struct {
	Store    store.Store
	Registry *registry.Registry
	Config   TaskConfig
	Interval time.Duration

	// Redispatch re-enqueues a dirty deposit for a fresh transfer
	// attempt. Optional; without it dirty deposits wait for the next
	// one-shot processing run.
	Redispatch func(ctx context.Context, dep *model.Deposit) error

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewUpdater builds the deposit reconciler
func NewUpdater(s store.Store, reg *registry.Registry, cfg TaskConfig, interval time.Duration) *Updater {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Updater{
		Store:    s,
		Registry: reg,
		Config:   cfg,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("deposit-updater"),
	}
}

// Start runs the reconciliation loop until Stop is called
func (u *Updater) Start(ctx context.Context) {
	go func() {
		defer close(u.doneCh)
		ticker := time.NewTicker(u.Interval)
		defer ticker.Stop()

		u.logger.Info().Dur("interval", u.Interval).Msg("deposit updater started")
		for {
			select {
			case <-ticker.C:
				if err := u.RunOnce(ctx); err != nil {
					u.logger.Error().Err(err).Msg("reconciliation pass failed")
				}
			case <-u.stopCh:
				u.logger.Info().Msg("deposit updater stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for a running pass to finish
func (u *Updater) Stop() {
	close(u.stopCh)
	<-u.doneCh
}

// RunOnce performs one reconciliation pass. With explicit ids only
// those deposits are considered; otherwise every SUBMITTED deposit is
// re-resolved and, when a Redispatch hook is set, every dirty deposit
// is re-enqueued. Per-deposit failures are logged and do not stop the
// pass.
func (u *Updater) RunOnce(ctx context.Context, ids ...string) error {
	timer := prometheus.NewTimer(metrics.ReconcilePassDuration.WithLabelValues("deposits"))
	defer timer.ObserveDuration()

	if len(ids) == 0 {
		var err error
		ids, err = u.Store.FindByAttribute(ctx, model.KindDeposit, "status", string(model.DepositSubmitted))
		if err != nil {
			return fmt.Errorf("finding submitted deposits: %w", err)
		}
		if u.Redispatch != nil {
			dirty, err := u.Store.FindByAttribute(ctx, model.KindDeposit, "status", "")
			if err != nil {
				return fmt.Errorf("finding dirty deposits: %w", err)
			}
			for _, id := range dirty {
				u.redispatchOne(ctx, id)
			}
		}
	}

	for _, id := range ids {
		if err := u.updateOne(ctx, id); err != nil {
			u.logger.Error().Err(err).Str("deposit_id", id).Msg("failed to reconcile deposit")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (u *Updater) redispatchOne(ctx context.Context, id string) {
	dep, err := store.ReadAs[*model.Deposit](ctx, u.Store, model.KindDeposit, id)
	if err != nil {
		u.logger.Error().Err(err).Str("deposit_id", id).Msg("failed to read dirty deposit")
		return
	}
	if dep.Status != model.DepositDirty {
		return
	}
	if err := u.Redispatch(ctx, dep); err != nil {
		u.logger.Error().Err(err).Str("deposit_id", id).Msg("failed to redispatch dirty deposit")
	}
}

// updateOne re-resolves one deposit's external status. Only deposits
// that carry the full reconciliation tuple (SUBMITTED, a status
// reference, a repository and a linked copy) are eligible.
func (u *Updater) updateOne(ctx context.Context, id string) error {
	in := critical.Interaction[*model.Deposit, model.CopyStatus]{
		Store:   u.Store,
		Kind:    model.KindDeposit,
		Retries: u.Config.Retries,
		Precheck: func(d *model.Deposit) bool {
			return d.Status == model.DepositSubmitted &&
				d.StatusRef != "" &&
				d.RepositoryID != "" &&
				d.RepositoryCopyID != ""
		},
		Mutate: u.resolveOutcome,
		Postcheck: func(d *model.Deposit, _ model.CopyStatus) bool {
			return d.RepositoryCopyID != ""
		},
	}

	res := in.Perform(ctx, id)
	switch res.Outcome {
	case critical.OutcomeOK:
		if res.Value == "" {
			return nil
		}
		if err := u.updateCopy(ctx, res.Resource.RepositoryCopyID, res.Value); err != nil {
			return err
		}
		metrics.DepositsTotal.WithLabelValues(string(res.Resource.Status)).Inc()
		logger := log.WithDepositID(id)
		logger.Info().Str("status", string(res.Resource.Status)).Msg("deposit reconciled")
		return nil

	case critical.OutcomePrecheckFailed, critical.OutcomePostcheckFailed:
		return nil

	default:
		return res.Err
	}
}

// resolveOutcome is the reconciliation mutation: resolve the deposit's
// status reference against the target and map the external token. An
// unmapped or unresolvable status leaves the deposit untouched for the
// next pass; the returned copy status is the change to apply to the
// linked repository copy, empty for none.
func (u *Updater) resolveOutcome(ctx context.Context, d *model.Deposit) (model.CopyStatus, error) {
	repo, err := store.ReadAs[*model.Repository](ctx, u.Store, model.KindRepository, d.RepositoryID)
	if err != nil {
		return "", fmt.Errorf("reading repository %s: %w", d.RepositoryID, err)
	}

	cfg, err := u.Registry.Resolve(repo)
	if err != nil {
		if errors.Is(err, registry.ErrNoConfig) {
			u.logger.Error().Str("repository_id", repo.ID).
				Msg("deposit targets an unconfigured repository; register it to resume reconciliation")
			return "", nil
		}
		return "", err
	}

	rslv, err := resolver.ForID(cfg.Processor, resolver.Options{
		Timeout:         u.Config.HTTPTimeout,
		UserAgent:       u.Config.UserAgent,
		FollowRedirects: true,
	})
	if err != nil {
		return "", fmt.Errorf("status resolver for %q: %w", cfg.Processor, err)
	}

	// StatusRef was rewritten when it was recorded; resolve it as-is
	token, err := rslv.Resolve(ctx, d.StatusRef, cfg)
	if err != nil {
		u.logger.Debug().Err(err).Str("deposit_id", d.ID).Msg("external status not resolvable yet")
		return "", nil
	}

	mapped, ok := cfg.StatusMapping.Lookup(token)
	if !ok {
		u.logger.Debug().Str("token", token).Str("deposit_id", d.ID).Msg("external status unmapped")
		return "", nil
	}

	switch mapped {
	case model.DepositAccepted:
		d.Status = model.DepositAccepted
		return model.CopyComplete, nil
	case model.DepositRejected:
		d.Status = model.DepositRejected
		return model.CopyRejected, nil
	default:
		return "", nil
	}
}

// updateCopy advances the linked repository copy to its final status
func (u *Updater) updateCopy(ctx context.Context, copyID string, cs model.CopyStatus) error {
	in := critical.Interaction[*model.RepositoryCopy, struct{}]{
		Store:   u.Store,
		Kind:    model.KindRepositoryCopy,
		Retries: u.Config.Retries,
		Mutate: func(ctx context.Context, c *model.RepositoryCopy) (struct{}, error) {
			c.CopyStatus = cs
			return struct{}{}, nil
		},
	}
	if res := in.Perform(ctx, copyID); res.Outcome == critical.OutcomeError {
		return fmt.Errorf("updating repository copy %s: %w", copyID, res.Err)
	}
	return nil
}

// ResetFailed clears FAILED deposits back to dirty so the next
// processing pass retries them. With no ids, all FAILED deposits are
// reset. Returns the ids actually reset.
func (u *Updater) ResetFailed(ctx context.Context, ids ...string) ([]string, error) {
	if len(ids) == 0 {
		var err error
		ids, err = u.Store.FindByAttribute(ctx, model.KindDeposit, "status", string(model.DepositFailed))
		if err != nil {
			return nil, fmt.Errorf("finding failed deposits: %w", err)
		}
	}

	var reset []string
	for _, id := range ids {
		in := critical.Interaction[*model.Deposit, struct{}]{
			Store:   u.Store,
			Kind:    model.KindDeposit,
			Retries: u.Config.Retries,
			Precheck: func(d *model.Deposit) bool {
				return d.Status == model.DepositFailed
			},
			Mutate: func(ctx context.Context, d *model.Deposit) (struct{}, error) {
				d.Status = model.DepositDirty
				d.StatusRef = ""
				return struct{}{}, nil
			},
		}
		res := in.Perform(ctx, id)
		switch res.Outcome {
		case critical.OutcomeOK:
			reset = append(reset, id)
		case critical.OutcomeError:
			u.logger.Error().Err(res.Err).Str("deposit_id", id).Msg("failed to reset deposit")
		}
	}
	return reset, nil
}
