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
	"github.com/custodia/depositd/pkg/packager"
	"github.com/custodia/depositd/pkg/resolver"
	"github.com/custodia/depositd/pkg/store"
	"github.com/custodia/depositd/pkg/transport"
)

// DepositTask is one atomic processing attempt for one deposit:
// assemble the package, transfer it, and determine (or arrange to
// determine) the logical outcome.
//
// Physical success means the bytes reached the remote endpoint;
// logical success means the endpoint accessioned the content. Many
// targets accept bytes synchronously but confirm acceptance later,
// which is why the two are handled in separate phases.
type DepositTask struct {
	store      store.Store
	submission *model.Submission
	depSub     *model.DepositSubmission
	repository *model.Repository
	depositID  string
	packager   *packager.Packager
	cfg        TaskConfig

	logger zerolog.Logger
}

// NewDepositTask binds a task to one deposit
func NewDepositTask(s store.Store, sub *model.Submission, ds *model.DepositSubmission,
	repo *model.Repository, dep *model.Deposit, pkgr *packager.Packager, cfg TaskConfig) *DepositTask {
	return &DepositTask{
		store:      s,
		submission: sub,
		depSub:     ds,
		repository: repo,
		depositID:  dep.ID,
		packager:   pkgr,
		cfg:        cfg,
		logger:     log.WithDepositID(dep.ID),
	}
}

// ID returns the deposit id the task processes
func (t *DepositTask) ID() string { return t.depositID }

// Execute runs both phases. Physical transfer failures leave the
// deposit dirty for a later retry and return nil; errors that escape
// here are routed to the failure channel by the pool.
func (t *DepositTask) Execute(ctx context.Context) error {
	resp, err := t.phaseA(ctx)
	if err != nil || resp == nil {
		return err
	}

	if resp.Receipt == nil {
		// Opaque response: the target gave us nothing to track the
		// deposit by. It stays SUBMITTED.
		metrics.DepositsTotal.WithLabelValues(string(model.DepositSubmitted)).Inc()
		t.logger.Info().Msg("deposit transferred, opaque response")
		return nil
	}

	return t.phaseB(ctx, resp.Receipt)
}

// phaseA claims the deposit and performs the physical transfer. The
// claim is a short critical write (dirty to SUBMITTED), so at most one
// task ever reaches the transport for a given deposit; the transfer
// itself runs outside the claimed interaction. A nil response with nil
// error means the task should stop quietly (lost the claim, or reset
// the deposit after a transfer failure).
func (t *DepositTask) phaseA(ctx context.Context) (*transport.Response, error) {
	claim := critical.Interaction[*model.Deposit, struct{}]{
		Store:   t.store,
		Kind:    model.KindDeposit,
		Retries: t.cfg.Retries,
		Precheck: func(d *model.Deposit) bool {
			return d.Status == model.DepositDirty
		},
		Mutate: func(ctx context.Context, d *model.Deposit) (struct{}, error) {
			d.Status = model.DepositSubmitted
			return struct{}{}, nil
		},
	}

	switch res := claim.Perform(ctx, t.depositID); res.Outcome {
	case critical.OutcomeOK:
	case critical.OutcomePrecheckFailed:
		t.logger.Debug().Msg("deposit not dirty, skipping")
		return nil, nil
	default:
		return nil, res.Err
	}

	resp, err := t.transfer(ctx)
	if err != nil {
		// Fault while assembling: release the claim so a later pass
		// can retry, then let the failure channel classify it
		t.markDirty(ctx)
		return nil, err
	}
	if !resp.Success {
		errMsg := "transfer failed"
		if resp.Error != "" {
			errMsg = resp.Error
		}
		metrics.TransportFailures.WithLabelValues(t.packager.Transport.Protocol()).Inc()
		t.logger.Warn().Str("error", errMsg).Msg("physical transfer failed, marking deposit dirty")
		t.markDirty(ctx)
		return nil, nil
	}
	return resp, nil
}

// transfer builds the package stream, opens a scoped transport session
// and sends. Endpoint failures come back as unsuccessful responses,
// not errors.
func (t *DepositTask) transfer(ctx context.Context) (*transport.Response, error) {
	stream, err := t.packager.Assembler.Assemble(ctx, t.depSub, t.packager.Config.Assembler.Options)
	if err != nil {
		return nil, fmt.Errorf("assembling package: %w", err)
	}

	body, err := stream.Open()
	if err != nil {
		return nil, fmt.Errorf("opening package stream: %w", err)
	}
	defer body.Close()

	session, err := t.packager.Transport.Open(ctx)
	if err != nil {
		// Cannot reach the endpoint: a physical failure, not a fault
		return &transport.Response{Success: false, Error: err.Error()}, nil
	}
	defer session.Close()

	timer := prometheus.NewTimer(metrics.TransportSendDuration.WithLabelValues(t.packager.Transport.Protocol()))
	resp, err := session.Send(ctx, &transport.Package{
		Name:      stream.Name,
		MediaType: stream.MediaType,
		Packaging: t.packager.Config.Assembler.Specification,
		Body:      body,
	})
	timer.ObserveDuration()

	if err != nil {
		resp = &transport.Response{Success: false, Error: err.Error()}
	}
	return resp, nil
}

// phaseB determines the logical outcome from a SWORD-style receipt:
// record the statement URL, wait out the target's settle delay, then
// resolve and map the external status
func (t *DepositTask) phaseB(ctx context.Context, receipt *transport.Receipt) error {
	stmt := t.cfg.RewriteStatementURL(receipt.StatementURL)
	if stmt == "" {
		metrics.DepositsTotal.WithLabelValues(string(model.DepositSubmitted)).Inc()
		t.logger.Info().Msg("receipt carries no statement link, deposit stays submitted")
		return nil
	}

	if ok, err := t.recordStatusRef(ctx, stmt); err != nil || !ok {
		return err
	}

	// Some targets are effectively synchronous but expose an async
	// status API; give them a moment before the first poll
	select {
	case <-time.After(t.packager.Config.SettleDelay):
	case <-ctx.Done():
		t.logger.Info().Msg("interrupted during settle delay, abandoning")
		return nil
	}

	rslv, err := resolver.ForID(t.packager.Config.Processor, resolver.Options{
		Timeout:         t.cfg.HTTPTimeout,
		UserAgent:       t.cfg.UserAgent,
		FollowRedirects: true,
	})
	if err != nil {
		t.logger.Warn().Err(err).Msg("no status resolver, reconciler will retry")
		return t.ensureRepositoryCopy(ctx, receipt, model.CopyInProgress)
	}

	token, err := rslv.Resolve(ctx, stmt, t.packager.Config)
	if err != nil {
		t.logger.Info().Err(err).Msg("status not yet resolvable, reconciler will retry")
		return t.ensureRepositoryCopy(ctx, receipt, model.CopyInProgress)
	}

	mapped, ok := t.packager.Config.StatusMapping.Lookup(token)
	if !ok {
		t.logger.Info().Str("token", token).Msg("external status unmapped, reconciler will retry")
		return t.ensureRepositoryCopy(ctx, receipt, model.CopyInProgress)
	}

	switch mapped {
	case model.DepositAccepted:
		if err := t.ensureRepositoryCopy(ctx, receipt, model.CopyComplete); err != nil {
			return err
		}
		if err := t.advance(ctx, model.DepositAccepted); err != nil {
			return err
		}
		metrics.DepositsTotal.WithLabelValues(string(model.DepositAccepted)).Inc()
		t.logger.Info().Msg("deposit accepted")

	case model.DepositRejected:
		if err := t.advance(ctx, model.DepositRejected); err != nil {
			return err
		}
		metrics.DepositsTotal.WithLabelValues(string(model.DepositRejected)).Inc()
		t.logger.Info().Msg("deposit rejected")

	default:
		// Still in progress at the target
		metrics.DepositsTotal.WithLabelValues(string(model.DepositSubmitted)).Inc()
		return t.ensureRepositoryCopy(ctx, receipt, model.CopyInProgress)
	}
	return nil
}

// recordStatusRef persists the statement URL on the deposit. Returns
// false when another actor already advanced the deposit.
func (t *DepositTask) recordStatusRef(ctx context.Context, stmt string) (bool, error) {
	in := critical.Interaction[*model.Deposit, struct{}]{
		Store:   t.store,
		Kind:    model.KindDeposit,
		Retries: t.cfg.Retries,
		Precheck: func(d *model.Deposit) bool {
			return d.Status == model.DepositSubmitted
		},
		Mutate: func(ctx context.Context, d *model.Deposit) (struct{}, error) {
			d.StatusRef = stmt
			return struct{}{}, nil
		},
	}

	res := in.Perform(ctx, t.depositID)
	switch res.Outcome {
	case critical.OutcomeOK:
		return true, nil
	case critical.OutcomeError:
		return false, res.Err
	default:
		return false, nil
	}
}

// ensureRepositoryCopy creates the RepositoryCopy for this deposit if
// none exists yet and links it. The reconciler's precondition is that
// a deposit with a status reference always has a copy to advance.
func (t *DepositTask) ensureRepositoryCopy(ctx context.Context, receipt *transport.Receipt, cs model.CopyStatus) error {
	dep, err := store.ReadAs[*model.Deposit](ctx, t.store, model.KindDeposit, t.depositID)
	if err != nil {
		return err
	}

	if dep.RepositoryCopyID != "" {
		copyRes, err := store.ReadAs[*model.RepositoryCopy](ctx, t.store, model.KindRepositoryCopy, dep.RepositoryCopyID)
		if err != nil {
			return err
		}
		if copyRes.CopyStatus != cs {
			copyRes.CopyStatus = cs
			if err := t.store.Update(ctx, copyRes); err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
		return nil
	}

	copyRes := &model.RepositoryCopy{
		RepositoryID:  t.repository.ID,
		PublicationID: t.submission.ID,
		CopyStatus:    cs,
	}
	if receipt.ItemURL != "" {
		copyRes.ExternalIDs = []string{receipt.ItemURL}
		copyRes.AccessURL = receipt.ItemURL
	}
	if err := t.store.Create(ctx, copyRes); err != nil {
		return fmt.Errorf("creating repository copy: %w", err)
	}

	in := critical.Interaction[*model.Deposit, struct{}]{
		Store:   t.store,
		Kind:    model.KindDeposit,
		Retries: t.cfg.Retries,
		Mutate: func(ctx context.Context, d *model.Deposit) (struct{}, error) {
			d.RepositoryCopyID = copyRes.ID
			return struct{}{}, nil
		},
	}
	if res := in.Perform(ctx, t.depositID); res.Outcome == critical.OutcomeError {
		return res.Err
	}
	return nil
}

// advance moves a SUBMITTED deposit to its terminal logical status
func (t *DepositTask) advance(ctx context.Context, target model.DepositStatus) error {
	in := critical.Interaction[*model.Deposit, struct{}]{
		Store:   t.store,
		Kind:    model.KindDeposit,
		Retries: t.cfg.Retries,
		Precheck: func(d *model.Deposit) bool {
			return d.Status == model.DepositSubmitted
		},
		Mutate: func(ctx context.Context, d *model.Deposit) (struct{}, error) {
			d.Status = target
			return struct{}{}, nil
		},
		Postcheck: func(d *model.Deposit, _ struct{}) bool {
			return d.Status == target
		},
	}

	if res := in.Perform(ctx, t.depositID); res.Outcome == critical.OutcomeError {
		return res.Err
	}
	return nil
}

// markDirty clears the deposit's status so a later pass may retry it.
// Best effort: a failure here only delays the retry.
func (t *DepositTask) markDirty(ctx context.Context) {
	in := critical.Interaction[*model.Deposit, struct{}]{
		Store:   t.store,
		Kind:    model.KindDeposit,
		Retries: t.cfg.Retries,
		Precheck: func(d *model.Deposit) bool {
			return !d.Status.Terminal()
		},
		Mutate: func(ctx context.Context, d *model.Deposit) (struct{}, error) {
			d.Status = model.DepositDirty
			d.StatusRef = ""
			return struct{}{}, nil
		},
	}

	if res := in.Perform(ctx, t.depositID); res.Outcome == critical.OutcomeError {
		t.logger.Error().Err(res.Err).Msg("failed to mark deposit dirty")
	}
}
