// Package proposal gates patch batches behind explicit approval.
//
// A proposal is created pending. Approving it moves it to approved with a
// single conditional update, commits its patches, and deletes it. Rejecting
// it moves it to rejected and deletes it. A proposal that is no longer
// pending cannot be approved or rejected again.
package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

// Store persists proposals.
type Store interface {
	Repository(ctx context.Context, ref model.RepoRef) (*model.LogicalRepository, error)
	CreateProposal(ctx context.Context, p *model.PatchProposal) error
	GetProposal(ctx context.Context, id string) (*model.PatchProposal, error)
	ListProposals(ctx context.Context, status model.ProposalStatus) ([]*model.PatchProposal, error)
	TransitionProposal(ctx context.Context, id string, from, to model.ProposalStatus) error
	DeleteProposal(ctx context.Context, id string) error
}

// Committer is the commit pipeline entry point.
type Committer interface {
	Commit(ctx context.Context, repo model.RepoRef, branch string, patches []model.PatchUnit, message string) (*model.CommitResult, error)
}

// SubmitRequest describes a new proposal. Repo is a logical id or a key.
type SubmitRequest struct {
	Repo          string            `json:"repo" validate:"required"`
	Branch        string            `json:"branch" validate:"required"`
	ProposedBy    string            `json:"proposed_by" validate:"required"`
	CommitMessage string            `json:"commit_message" validate:"required"`
	Patches       []model.PatchUnit `json:"patches" validate:"dive"`
}

// Service runs the proposal state machine.
type Service struct {
	store     Store
	committer Committer
	validate  *validator.Validate
	log       *slog.Logger
	now       func() time.Time
}

// New creates a service.
func New(store Store, committer Committer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		committer: committer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log,
		now:       time.Now,
	}
}

// Submit validates req and stores it as a pending proposal.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.PatchProposal, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid proposal: %w", err)
	}
	ref, err := model.ParseRepoRef(req.Repo)
	if err != nil {
		return nil, err
	}
	repo, err := s.store.Repository(ctx, ref)
	if err != nil {
		return nil, err
	}

	p := &model.PatchProposal{
		ID:            uuid.NewString(),
		RepoKey:       repo.Key,
		Branch:        req.Branch,
		ProposedBy:    req.ProposedBy,
		CommitMessage: req.CommitMessage,
		Patches:       req.Patches,
		Status:        model.ProposalPending,
		CreatedAt:     s.now().UTC().Truncate(time.Second),
	}
	if p.Patches == nil {
		p.Patches = []model.PatchUnit{}
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("storing proposal: %w", err)
	}
	s.log.Info("proposal submitted", "proposal", p.ID, "repo", repo.ID, "branch", p.Branch, "patches", len(p.Patches))
	return p, nil
}

// List returns proposals with the given status, or all when status is empty.
func (s *Service) List(ctx context.Context, status model.ProposalStatus) ([]*model.PatchProposal, error) {
	return s.store.ListProposals(ctx, status)
}

// Get returns one proposal.
func (s *Service) Get(ctx context.Context, id string) (*model.PatchProposal, error) {
	return s.store.GetProposal(ctx, id)
}

// Approve commits a pending proposal and deletes it. A proposal without
// patches is approved without calling the pipeline and yields no results.
// If the pipeline fails the proposal returns to pending and the error is
// returned.
func (s *Service) Approve(ctx context.Context, id string) ([]*model.CommitResult, error) {
	if err := s.store.TransitionProposal(ctx, id, model.ProposalPending, model.ProposalApproved); err != nil {
		return nil, err
	}
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, s.revert(ctx, id, err)
	}
	log := s.log.With("proposal", id, "repo_key", p.RepoKey, "branch", p.Branch)

	var results []*model.CommitResult
	if len(p.Patches) > 0 {
		res, err := s.committer.Commit(ctx, model.RefByKey(p.RepoKey), p.Branch, p.Patches, p.CommitMessage)
		if err != nil {
			log.Error("proposal commit failed", "error", err)
			return nil, s.revert(ctx, id, fmt.Errorf("committing proposal %s: %w", id, err))
		}
		results = append(results, res)
	}

	if err := s.store.DeleteProposal(ctx, id); err != nil {
		return results, fmt.Errorf("removing approved proposal %s: %w", id, err)
	}
	log.Info("proposal approved", "commits", len(results))
	return results, nil
}

func (s *Service) revert(ctx context.Context, id string, cause error) error {
	if err := s.store.TransitionProposal(context.WithoutCancel(ctx), id, model.ProposalApproved, model.ProposalPending); err != nil {
		s.log.Error("reverting proposal to pending", "proposal", id, "error", err)
	}
	return cause
}

// Reject discards a pending proposal.
func (s *Service) Reject(ctx context.Context, id string) error {
	if err := s.store.TransitionProposal(ctx, id, model.ProposalPending, model.ProposalRejected); err != nil {
		return err
	}
	if err := s.store.DeleteProposal(ctx, id); err != nil {
		return fmt.Errorf("removing rejected proposal %s: %w", id, err)
	}
	s.log.Info("proposal rejected", "proposal", id)
	return nil
}
