package deposit

import (
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/custodia/depositd/pkg/log"
	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/packager"
	"github.com/custodia/depositd/pkg/registry"
	"github.com/custodia/depositd/pkg/status"
	"github.com/custodia/depositd/pkg/store"
	"github.com/custodia/depositd/pkg/transport"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fixture is the resource set every deposit test starts from: one
// submitted submission with one file, one target repository, one dirty
// deposit
type fixture struct {
	store      store.Store
	submission *model.Submission
	depSub     *model.DepositSubmission
	repository *model.Repository
	deposit    *model.Deposit
}

func newFixture(t *testing.T, fileLocation string) *fixture {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()

	sub := &model.Submission{
		Submitted:        true,
		AggregatedStatus: model.SubmissionInProgress,
		Metadata:         model.Metadata{ArticleTitle: "On Deposits", DOI: "10.1000/xyz"},
	}
	require.NoError(t, s.Create(ctx, sub))

	file := &model.File{SubmissionID: sub.ID, Name: "article.pdf", Location: fileLocation}
	require.NoError(t, s.Create(ctx, file))

	repo := &model.Repository{RepositoryKey: "target", IntegrationType: model.IntegrationFull}
	require.NoError(t, s.Create(ctx, repo))

	sub.Repositories = []string{repo.ID}
	require.NoError(t, s.Update(ctx, sub))

	dep := &model.Deposit{SubmissionID: sub.ID, RepositoryID: repo.ID}
	require.NoError(t, s.Create(ctx, dep))

	return &fixture{
		store:      s,
		submission: sub,
		depSub: &model.DepositSubmission{
			ID:       sub.ID,
			Metadata: sub.Metadata,
			Files:    []model.DepositFile{{Name: file.Name, Location: file.Location}},
			Manifest: []string{file.Name},
		},
		repository: repo,
		deposit:    dep,
	}
}

func (f *fixture) readDeposit(t *testing.T) *model.Deposit {
	t.Helper()
	dep, err := store.ReadAs[*model.Deposit](context.Background(), f.store, model.KindDeposit, f.deposit.ID)
	require.NoError(t, err)
	return dep
}

func (f *fixture) readSubmission(t *testing.T) *model.Submission {
	t.Helper()
	sub, err := store.ReadAs[*model.Submission](context.Background(), f.store, model.KindSubmission, f.submission.ID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) readCopy(t *testing.T, id string) *model.RepositoryCopy {
	t.Helper()
	c, err := store.ReadAs[*model.RepositoryCopy](context.Background(), f.store, model.KindRepositoryCopy, id)
	require.NoError(t, err)
	return c
}

// fakeAssembler produces a fixed payload, or fails
type fakeAssembler struct {
	err error
}

func (a *fakeAssembler) Assemble(ctx context.Context, ds *model.DepositSubmission, opts registry.AssemblerOptions) (*packager.PackageStream, error) {
	if a.err != nil {
		return nil, a.err
	}
	return packager.NewPackageStream(ds.ID+".tar.gz", "application/gzip", func() io.ReadCloser {
		return io.NopCloser(strings.NewReader("payload"))
	}), nil
}

// fakeTransport counts session opens, sends and closes and replays a
// scripted response
type fakeTransport struct {
	openErr error
	sendErr error
	resp    *transport.Response

	opens  atomic.Int32
	sends  atomic.Int32
	closes atomic.Int32
}

func (f *fakeTransport) Protocol() string { return "fake" }

func (f *fakeTransport) Open(ctx context.Context) (transport.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens.Add(1)
	return &fakeSession{transport: f}, nil
}

type fakeSession struct {
	transport *fakeTransport
}

func (s *fakeSession) Send(ctx context.Context, pkg *transport.Package) (*transport.Response, error) {
	io.Copy(io.Discard, pkg.Body)
	s.transport.sends.Add(1)
	if s.transport.sendErr != nil {
		return nil, s.transport.sendErr
	}
	return s.transport.resp, nil
}

func (s *fakeSession) Close() error {
	s.transport.closes.Add(1)
	return nil
}

// testConfig builds an in-memory repository configuration without
// going through YAML
func testConfig(rules map[string]model.DepositStatus, def model.DepositStatus) *registry.Config {
	return &registry.Config{
		RepositoryKey: "target",
		Processor:     "atom",
		StatusMapping: status.Mapping{Rules: rules, Default: def},
		Binding:       &registry.FilesystemBinding{BaseDir: "/unused"},
		SettleDelay:   0,
	}
}
