package deposit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/custodia/depositd/pkg/critical"
	"github.com/custodia/depositd/pkg/log"
	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/pool"
	"github.com/custodia/depositd/pkg/registry"
	"github.com/custodia/depositd/pkg/store"
)

// Policy decides whether a submission is ready for deposit processing
type Policy func(*model.Submission) bool

// DefaultPolicy accepts submissions the user has finalized and that no
// other actor has started on
func DefaultPolicy(s *model.Submission) bool {
	if !s.Submitted {
		return false
	}
	return s.AggregatedStatus == "" || s.AggregatedStatus == model.SubmissionNotStarted
}

// Processor turns accepted submissions into deposit tasks: it claims
// the submission, materializes its package projection, and fans out one
// deposit per target repository onto the worker pool.
type Processor struct {
	Store     store.Store
	Builder   *Builder
	Packagers *PackagerFactory
	Pool      *pool.Pool
	Failures  *FailureHandler
	Policy    Policy
	Config    TaskConfig

	logger zerolog.Logger
}

// NewProcessor wires a processor with the default acceptance policy
func NewProcessor(s store.Store, pf *PackagerFactory, p *pool.Pool, fh *FailureHandler, cfg TaskConfig) *Processor {
	return &Processor{
		Store:     s,
		Builder:   &Builder{Store: s},
		Packagers: pf,
		Pool:      p,
		Failures:  fh,
		Policy:    DefaultPolicy,
		Config:    cfg,
		logger:    log.WithComponent("processor"),
	}
}

// Accept processes one submission by id. Losing the claim to another
// actor is not an error; a submission that cannot be packaged is
// marked FAILED through the failure channel.
func (p *Processor) Accept(ctx context.Context, submissionID string) error {
	logger := log.WithSubmissionID(submissionID)

	var ds *model.DepositSubmission
	in := critical.Interaction[*model.Submission, *model.DepositSubmission]{
		Store:    p.Store,
		Kind:     model.KindSubmission,
		Retries:  p.Config.Retries,
		Precheck: p.Policy,
		Mutate: func(ctx context.Context, s *model.Submission) (*model.DepositSubmission, error) {
			built, err := p.Builder.Build(ctx, s)
			if err != nil {
				return nil, err
			}
			s.AggregatedStatus = model.SubmissionInProgress
			return built, nil
		},
		Postcheck: func(s *model.Submission, built *model.DepositSubmission) bool {
			if s.AggregatedStatus != model.SubmissionInProgress {
				return false
			}
			if built == nil || len(built.Files) == 0 {
				return false
			}
			for _, f := range built.Files {
				if f.Location == "" {
					return false
				}
			}
			return true
		},
	}

	res := in.Perform(ctx, submissionID)
	switch res.Outcome {
	case critical.OutcomeOK:
		ds = res.Value

	case critical.OutcomePrecheckFailed:
		logger.Debug().Msg("submission not eligible, skipping")
		return nil

	case critical.OutcomePostcheckFailed:
		p.Failures.Submission(submissionID, errors.New("submission has no depositable content"))
		return nil

	default:
		p.Failures.Submission(submissionID, res.Err)
		return res.Err
	}

	sub := res.Resource
	logger.Info().Int("repositories", len(sub.Repositories)).Msg("submission accepted for deposit")

	for _, repoID := range sub.Repositories {
		if err := p.dispatch(ctx, sub, ds, repoID); err != nil {
			logger.Error().Err(err).Str("repository_id", repoID).Msg("failed to dispatch deposit")
		}
	}
	return nil
}

// dispatch creates a dirty deposit for one target repository and
// submits its task. Repositories the service merely links to are
// skipped; unconfigured repositories are logged for the operator and
// skipped without failing the submission.
func (p *Processor) dispatch(ctx context.Context, sub *model.Submission, ds *model.DepositSubmission, repoID string) error {
	repo, err := store.ReadAs[*model.Repository](ctx, p.Store, model.KindRepository, repoID)
	if err != nil {
		return fmt.Errorf("reading repository %s: %w", repoID, err)
	}

	if repo.IntegrationType == model.IntegrationWebLink {
		p.logger.Debug().Str("repository_id", repoID).Msg("web-link repository, no deposit performed")
		return nil
	}

	pkgr, err := p.Packagers.For(repo)
	if err != nil {
		if errors.Is(err, registry.ErrNoConfig) {
			p.logger.Error().Str("repository_id", repoID).Str("repository_key", repo.RepositoryKey).
				Msg("repository has no deposit configuration; register it or remove it from the submission")
			return nil
		}
		return err
	}

	dep := &model.Deposit{
		SubmissionID: sub.ID,
		RepositoryID: repo.ID,
	}
	if err := p.Store.Create(ctx, dep); err != nil {
		return fmt.Errorf("creating deposit: %w", err)
	}

	task := NewDepositTask(p.Store, sub, ds, repo, dep, pkgr, p.Config)
	if err := p.Pool.Submit(task); err != nil {
		// The pool already routed the rejection to the failure channel
		return fmt.Errorf("submitting deposit task: %w", err)
	}
	return nil
}

// Redispatch rebuilds and resubmits the task for an existing dirty
// deposit, reusing its (submission, repository) tuple. Used by the
// reconciler to retry deposits whose physical transfer failed.
func (p *Processor) Redispatch(ctx context.Context, dep *model.Deposit) error {
	if !dep.Status.Intermediate() || dep.Status == model.DepositSubmitted {
		return nil
	}

	sub, err := store.ReadAs[*model.Submission](ctx, p.Store, model.KindSubmission, dep.SubmissionID)
	if err != nil {
		return fmt.Errorf("reading submission %s: %w", dep.SubmissionID, err)
	}
	repo, err := store.ReadAs[*model.Repository](ctx, p.Store, model.KindRepository, dep.RepositoryID)
	if err != nil {
		return fmt.Errorf("reading repository %s: %w", dep.RepositoryID, err)
	}

	ds, err := p.Builder.Build(ctx, sub)
	if err != nil {
		return fmt.Errorf("rebuilding deposit submission: %w", err)
	}

	pkgr, err := p.Packagers.For(repo)
	if err != nil {
		if errors.Is(err, registry.ErrNoConfig) {
			p.logger.Error().Str("repository_id", repo.ID).
				Msg("dirty deposit targets an unconfigured repository; register it to resume")
			return nil
		}
		return err
	}

	task := NewDepositTask(p.Store, sub, ds, repo, dep, pkgr, p.Config)
	return p.Pool.Submit(task)
}
