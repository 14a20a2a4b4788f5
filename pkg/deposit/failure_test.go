package deposit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/depositd/pkg/model"
)

func TestFailureHandlerMarksDepositFailed(t *testing.T) {
	f := newFixture(t, "http://unused/article")

	h := NewFailureHandler(f.store)
	h.Deposit(f.deposit.ID, errors.New("queue full"))

	assert.Equal(t, model.DepositFailed, f.readDeposit(t).Status)
}

func TestFailureHandlerLeavesSettledDepositAlone(t *testing.T) {
	f := newFixture(t, "http://unused/article")
	setDepositStatus(t, f, model.DepositAccepted)

	h := NewFailureHandler(f.store)
	h.Deposit(f.deposit.ID, errors.New("late failure"))

	assert.Equal(t, model.DepositAccepted, f.readDeposit(t).Status)
}

func TestFailureHandlerMarksSubmissionFailed(t *testing.T) {
	f := newFixture(t, "http://unused/article")

	h := NewFailureHandler(f.store)
	h.Submission(f.submission.ID, errors.New("no depositable content"))

	assert.Equal(t, model.SubmissionFailed, f.readSubmission(t).AggregatedStatus)
}

func TestFailureHandlerLeavesTerminalSubmissionAlone(t *testing.T) {
	f := newFixture(t, "http://unused/article")

	sub := f.readSubmission(t)
	sub.AggregatedStatus = model.SubmissionComplete
	require.NoError(t, f.store.Update(context.Background(), sub))

	h := NewFailureHandler(f.store)
	h.Submission(f.submission.ID, errors.New("late failure"))

	assert.Equal(t, model.SubmissionComplete, f.readSubmission(t).AggregatedStatus)
}
