package proposal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/db"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

type stubCommitter struct {
	calls atomic.Int32
	err   error
	repo  model.RepoRef
}

func (s *stubCommitter) Commit(ctx context.Context, repo model.RepoRef, branch string, patches []model.PatchUnit, message string) (*model.CommitResult, error) {
	s.calls.Add(1)
	s.repo = repo
	if s.err != nil {
		return nil, s.err
	}
	res := &model.CommitResult{Branch: branch, Mode: model.CommitModeTree, CommitSHA: "c1"}
	for _, p := range patches {
		res.Committed = append(res.Committed, p.FilePath)
	}
	return res, nil
}

func setup(t *testing.T) (*Service, *db.DB, *stubCommitter, model.RepoKey) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "federation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	key, err := store.UpsertRepository(context.Background(), "octo/dst", "main", "")
	require.NoError(t, err)
	c := &stubCommitter{}
	return New(store, c, nil), store, c, key
}

func request(patches ...model.PatchUnit) SubmitRequest {
	return SubmitRequest{
		Repo:          "octo/dst",
		Branch:        "main",
		ProposedBy:    "alice",
		CommitMessage: "update",
		Patches:       patches,
	}
}

func TestSubmit(t *testing.T) {
	s, _, _, key := setup(t)
	ctx := context.Background()

	p, err := s.Submit(ctx, request(model.PatchUnit{FilePath: "a.py", UpdatedContent: "x"}))
	require.NoError(t, err)
	assert.Len(t, p.ID, 36)
	assert.Equal(t, model.ProposalPending, p.Status)
	assert.Equal(t, key, p.RepoKey)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Patches, got.Patches)
	assert.Equal(t, "alice", got.ProposedBy)

	pending, err := s.List(ctx, model.ProposalPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSubmitValidation(t *testing.T) {
	s, _, _, key := setup(t)
	ctx := context.Background()

	req := request()
	req.Branch = ""
	_, err := s.Submit(ctx, req)
	var verrs validator.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "Branch", verrs[0].Field())

	_, err = s.Submit(ctx, request(model.PatchUnit{UpdatedContent: "x"}))
	assert.True(t, errors.As(err, &verrs))

	req = request()
	req.Repo = "nobody/none"
	_, err = s.Submit(ctx, req)
	assert.ErrorIs(t, err, model.ErrUnknownRepository)

	req.Repo = key.String()
	_, err = s.Submit(ctx, req)
	assert.NoError(t, err)
}

func TestApprove(t *testing.T) {
	s, _, c, key := setup(t)
	ctx := context.Background()
	p, err := s.Submit(ctx, request(
		model.PatchUnit{FilePath: "a.py", UpdatedContent: "a"},
		model.PatchUnit{FilePath: "b.py", UpdatedContent: "b"},
	))
	require.NoError(t, err)

	results, err := s.Approve(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"a.py", "b.py"}, results[0].Committed)
	assert.EqualValues(t, 1, c.calls.Load())
	gotKey, ok := c.repo.Key()
	require.True(t, ok)
	assert.Equal(t, key, gotKey)

	_, err = s.Get(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.Approve(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestApproveEmptyProposal(t *testing.T) {
	s, _, c, _ := setup(t)
	ctx := context.Background()
	p, err := s.Submit(ctx, request())
	require.NoError(t, err)

	results, err := s.Approve(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, c.calls.Load())

	_, err = s.Get(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestApproveFailureReturnsToPending(t *testing.T) {
	s, _, c, _ := setup(t)
	ctx := context.Background()
	p, err := s.Submit(ctx, request(model.PatchUnit{FilePath: "a.py", UpdatedContent: "a"}))
	require.NoError(t, err)

	c.err = model.ErrRefUpdateConflict
	_, err = s.Approve(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrRefUpdateConflict)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalPending, got.Status)

	c.err = nil
	_, err = s.Approve(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.calls.Load())
}

func TestReject(t *testing.T) {
	s, _, c, _ := setup(t)
	ctx := context.Background()
	p, err := s.Submit(ctx, request(model.PatchUnit{FilePath: "a.py", UpdatedContent: "a"}))
	require.NoError(t, err)

	require.NoError(t, s.Reject(ctx, p.ID))
	assert.Zero(t, c.calls.Load())
	assert.ErrorIs(t, s.Reject(ctx, p.ID), model.ErrNotFound)
	assert.ErrorIs(t, s.Reject(ctx, "missing"), model.ErrNotFound)
}

func TestTransitionOutOfNonPendingState(t *testing.T) {
	s, store, c, _ := setup(t)
	ctx := context.Background()
	p, err := s.Submit(ctx, request(model.PatchUnit{FilePath: "a.py", UpdatedContent: "a"}))
	require.NoError(t, err)
	require.NoError(t, store.TransitionProposal(ctx, p.ID, model.ProposalPending, model.ProposalApproved))

	_, err = s.Approve(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.ErrorIs(t, s.Reject(ctx, p.ID), model.ErrInvalidTransition)
	assert.Zero(t, c.calls.Load())
}

func TestConcurrentApproveAndReject(t *testing.T) {
	s, _, c, _ := setup(t)
	ctx := context.Background()
	p, err := s.Submit(ctx, request(model.PatchUnit{FilePath: "a.py", UpdatedContent: "a"}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var approveErr, rejectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, approveErr = s.Approve(ctx, p.ID)
	}()
	go func() {
		defer wg.Done()
		rejectErr = s.Reject(ctx, p.ID)
	}()
	wg.Wait()

	if approveErr == nil {
		assert.Error(t, rejectErr)
		assert.EqualValues(t, 1, c.calls.Load())
	} else {
		assert.NoError(t, rejectErr)
		assert.Zero(t, c.calls.Load())
	}
}
