package deposit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/packager"
	"github.com/custodia/depositd/pkg/registry"
	"github.com/custodia/depositd/pkg/transport"
)

const archivedStatement = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <category scheme="http://purl.org/net/sword/terms/state"
            term="http://dspace.org/state/archived"/>
</feed>`

const withdrawnStatement = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <category scheme="http://purl.org/net/sword/terms/state"
            term="http://dspace.org/state/withdrawn"/>
</feed>`

const inReviewStatement = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <category scheme="http://purl.org/net/sword/terms/state"
            term="http://dspace.org/state/inreview"/>
</feed>`

func statementServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dspaceMapping() map[string]model.DepositStatus {
	return map[string]model.DepositStatus{
		"http://dspace.org/state/archived":  model.DepositAccepted,
		"http://dspace.org/state/withdrawn": model.DepositRejected,
	}
}

func newTask(f *fixture, tr transport.Transport, cfg *registry.Config) *DepositTask {
	pkgr := &packager.Packager{
		Assembler: &fakeAssembler{},
		Transport: tr,
		Config:    cfg,
	}
	return NewDepositTask(f.store, f.submission, f.depSub, f.repository, f.deposit, pkgr, TaskConfig{})
}

func TestTaskOpaqueResponseStaysSubmitted(t *testing.T) {
	f := newFixture(t, "http://unused/article")
	tr := &fakeTransport{resp: &transport.Response{Success: true}}

	task := newTask(f, tr, testConfig(nil, ""))
	require.NoError(t, task.Execute(context.Background()))

	dep := f.readDeposit(t)
	assert.Equal(t, model.DepositSubmitted, dep.Status)
	assert.Empty(t, dep.StatusRef)
	assert.Empty(t, dep.RepositoryCopyID)
}

func TestTaskFilesystemDeposit(t *testing.T) {
	dir := t.TempDir()
	content := statementServer(t, "the manuscript")
	f := newFixture(t, content.URL+"/article")

	cfg := testConfig(nil, "")
	cfg.Binding = &registry.FilesystemBinding{BaseDir: dir}
	pkgr := &packager.Packager{
		Assembler: packager.NewArchiveAssembler(nil),
		Transport: transport.NewFilesystem(cfg.Binding.(*registry.FilesystemBinding)),
		Config:    cfg,
	}
	task := NewDepositTask(f.store, f.submission, f.depSub, f.repository, f.deposit, pkgr, TaskConfig{})

	require.NoError(t, task.Execute(context.Background()))

	dep := f.readDeposit(t)
	assert.Equal(t, model.DepositSubmitted, dep.Status)

	_, err := os.Stat(filepath.Join(dir, f.submission.ID+".tar.gz"))
	assert.NoError(t, err, "the package must land in the target directory")
}

func TestTaskAcceptedImmediately(t *testing.T) {
	stmt := statementServer(t, archivedStatement)
	f := newFixture(t, "http://unused/article")

	tr := &fakeTransport{resp: &transport.Response{
		Success: true,
		Receipt: &transport.Receipt{
			ItemURL:      "https://archive.example.org/item/42",
			StatementURL: stmt.URL,
		},
	}}

	task := newTask(f, tr, testConfig(dspaceMapping(), ""))
	require.NoError(t, task.Execute(context.Background()))

	dep := f.readDeposit(t)
	assert.Equal(t, model.DepositAccepted, dep.Status)
	assert.Equal(t, stmt.URL, dep.StatusRef)
	require.NotEmpty(t, dep.RepositoryCopyID)

	copyRes := f.readCopy(t, dep.RepositoryCopyID)
	assert.Equal(t, model.CopyComplete, copyRes.CopyStatus)
	assert.Equal(t, f.repository.ID, copyRes.RepositoryID)
	assert.Equal(t, f.submission.ID, copyRes.PublicationID)
	assert.Equal(t, "https://archive.example.org/item/42", copyRes.AccessURL)
}

func TestTaskRejectedImmediately(t *testing.T) {
	stmt := statementServer(t, withdrawnStatement)
	f := newFixture(t, "http://unused/article")

	tr := &fakeTransport{resp: &transport.Response{
		Success: true,
		Receipt: &transport.Receipt{StatementURL: stmt.URL},
	}}

	task := newTask(f, tr, testConfig(dspaceMapping(), ""))
	require.NoError(t, task.Execute(context.Background()))

	dep := f.readDeposit(t)
	assert.Equal(t, model.DepositRejected, dep.Status)
	assert.Empty(t, dep.RepositoryCopyID, "a rejected deposit leaves no repository copy")
}

func TestTaskUnmappedStatusWaitsForReconciler(t *testing.T) {
	stmt := statementServer(t, inReviewStatement)
	f := newFixture(t, "http://unused/article")

	tr := &fakeTransport{resp: &transport.Response{
		Success: true,
		Receipt: &transport.Receipt{StatementURL: stmt.URL},
	}}

	// No rule and no default for the in-review term
	task := newTask(f, tr, testConfig(dspaceMapping(), ""))
	require.NoError(t, task.Execute(context.Background()))

	dep := f.readDeposit(t)
	assert.Equal(t, model.DepositSubmitted, dep.Status)
	assert.Equal(t, stmt.URL, dep.StatusRef)
	require.NotEmpty(t, dep.RepositoryCopyID, "the reconciler needs a copy to advance")
	assert.Equal(t, model.CopyInProgress, f.readCopy(t, dep.RepositoryCopyID).CopyStatus)
}

func TestTaskDefaultSubmittedWaitsForReconciler(t *testing.T) {
	stmt := statementServer(t, inReviewStatement)
	f := newFixture(t, "http://unused/article")

	tr := &fakeTransport{resp: &transport.Response{
		Success: true,
		Receipt: &transport.Receipt{StatementURL: stmt.URL},
	}}

	task := newTask(f, tr, testConfig(dspaceMapping(), model.DepositSubmitted))
	require.NoError(t, task.Execute(context.Background()))

	dep := f.readDeposit(t)
	assert.Equal(t, model.DepositSubmitted, dep.Status)
	require.NotEmpty(t, dep.RepositoryCopyID)
	assert.Equal(t, model.CopyInProgress, f.readCopy(t, dep.RepositoryCopyID).CopyStatus)
}

func TestTaskTransferFailureMarksDirty(t *testing.T) {
	f := newFixture(t, "http://unused/article")
	tr := &fakeTransport{resp: &transport.Response{Success: false, Error: "collection returned status 500"}}

	task := newTask(f, tr, testConfig(nil, ""))
	require.NoError(t, task.Execute(context.Background()), "a physical failure is not a fault")

	dep := f.readDeposit(t)
	assert.Equal(t, model.DepositDirty, dep.Status)
	assert.Empty(t, dep.StatusRef)
}

func TestTaskOpenFailureMarksDirty(t *testing.T) {
	f := newFixture(t, "http://unused/article")
	tr := &fakeTransport{openErr: errors.New("connection refused")}

	task := newTask(f, tr, testConfig(nil, ""))
	require.NoError(t, task.Execute(context.Background()))

	assert.Equal(t, model.DepositDirty, f.readDeposit(t).Status)
}

func TestTaskSendErrorMarksDirty(t *testing.T) {
	f := newFixture(t, "http://unused/article")
	tr := &fakeTransport{sendErr: errors.New("broken pipe")}

	task := newTask(f, tr, testConfig(nil, ""))
	require.NoError(t, task.Execute(context.Background()))

	assert.Equal(t, model.DepositDirty, f.readDeposit(t).Status)
	assert.Equal(t, tr.opens.Load(), tr.closes.Load(), "every opened session must be closed")
}

func TestTaskSessionAlwaysClosed(t *testing.T) {
	f := newFixture(t, "http://unused/article")
	tr := &fakeTransport{resp: &transport.Response{Success: true}}

	task := newTask(f, tr, testConfig(nil, ""))
	require.NoError(t, task.Execute(context.Background()))

	assert.Equal(t, int32(1), tr.opens.Load())
	assert.Equal(t, int32(1), tr.closes.Load())
}

func TestTaskAssemblerErrorPropagates(t *testing.T) {
	f := newFixture(t, "http://unused/article")
	pkgr := &packager.Packager{
		Assembler: &fakeAssembler{err: errors.New("content store unreachable")},
		Transport: &fakeTransport{resp: &transport.Response{Success: true}},
		Config:    testConfig(nil, ""),
	}
	task := NewDepositTask(f.store, f.submission, f.depSub, f.repository, f.deposit, pkgr, TaskConfig{})

	err := task.Execute(context.Background())
	require.Error(t, err, "faults are routed to the failure channel")
	assert.Equal(t, model.DepositDirty, f.readDeposit(t).Status)
}

// Concurrent tasks for the same deposit must resolve to exactly one
// transfer: the claim winner sends, every loser skips
func TestTaskConcurrentExecuteSingleTransfer(t *testing.T) {
	f := newFixture(t, "http://unused/article")
	tr := &fakeTransport{resp: &transport.Response{Success: true}}
	cfg := testConfig(nil, "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, newTask(f, tr, cfg).Execute(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), tr.sends.Load(), "exactly one transfer per deposit")
	assert.Equal(t, model.DepositSubmitted, f.readDeposit(t).Status)
}

func TestTaskSecondExecuteDoesNotResend(t *testing.T) {
	f := newFixture(t, "http://unused/article")
	tr := &fakeTransport{resp: &transport.Response{Success: true}}
	cfg := testConfig(nil, "")

	require.NoError(t, newTask(f, tr, cfg).Execute(context.Background()))
	require.Equal(t, model.DepositSubmitted, f.readDeposit(t).Status)

	// The deposit is already claimed; a stray second task is a no-op
	require.NoError(t, newTask(f, tr, cfg).Execute(context.Background()))

	assert.Equal(t, int32(1), tr.sends.Load())
	assert.Equal(t, int32(1), tr.opens.Load())
	assert.Equal(t, model.DepositSubmitted, f.readDeposit(t).Status)
}

func TestTaskSkipsTerminalDeposit(t *testing.T) {
	f := newFixture(t, "http://unused/article")

	dep := f.readDeposit(t)
	dep.Status = model.DepositAccepted
	require.NoError(t, f.store.Update(context.Background(), dep))

	tr := &fakeTransport{resp: &transport.Response{Success: true}}
	task := newTask(f, tr, testConfig(nil, ""))
	require.NoError(t, task.Execute(context.Background()))

	assert.Equal(t, model.DepositAccepted, f.readDeposit(t).Status)
	assert.Equal(t, int32(0), tr.opens.Load(), "no transfer for a settled deposit")
}

func TestTaskStatementRewrite(t *testing.T) {
	stmt := statementServer(t, archivedStatement)
	f := newFixture(t, "http://unused/article")

	// The target hands out an internal URL; the rewrite maps it onto
	// the reachable statement endpoint
	tr := &fakeTransport{resp: &transport.Response{
		Success: true,
		Receipt: &transport.Receipt{StatementURL: "http://internal.archive/statement"},
	}}

	pkgr := &packager.Packager{
		Assembler: &fakeAssembler{},
		Transport: tr,
		Config:    testConfig(dspaceMapping(), ""),
	}
	task := NewDepositTask(f.store, f.submission, f.depSub, f.repository, f.deposit, pkgr, TaskConfig{
		RewritePrefix:      "http://internal.archive",
		RewriteReplacement: stmt.URL,
	})

	require.NoError(t, task.Execute(context.Background()))

	dep := f.readDeposit(t)
	assert.Equal(t, model.DepositAccepted, dep.Status)
	assert.Equal(t, stmt.URL+"/statement", dep.StatusRef, "the rewritten URL is what gets recorded")
}

func TestTaskUnresolvableStatementWaitsForReconciler(t *testing.T) {
	srv := statementServer(t, "")
	url := srv.URL
	srv.Close()

	f := newFixture(t, "http://unused/article")
	tr := &fakeTransport{resp: &transport.Response{
		Success: true,
		Receipt: &transport.Receipt{StatementURL: url},
	}}

	task := newTask(f, tr, testConfig(dspaceMapping(), ""))
	require.NoError(t, task.Execute(context.Background()), "an unreachable statement is retried later, not failed")

	dep := f.readDeposit(t)
	assert.Equal(t, model.DepositSubmitted, dep.Status)
	require.NotEmpty(t, dep.RepositoryCopyID)
	assert.Equal(t, model.CopyInProgress, f.readCopy(t, dep.RepositoryCopyID).CopyStatus)
}
