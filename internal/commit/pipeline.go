// Package commit lands a batch of patch units on a branch as one commit.
//
// The pipeline follows the Git object protocol of the hosting API: resolve the
// branch head and its tree, check every unit against the file's current blob
// hash, upload blobs, create a single tree over the base tree, create a commit
// whose parent is the observed head, then fast-forward the branch. Only the
// final ref update changes the branch, so either every surviving unit lands
// or none does.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/compose"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/metrics"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/remote"
)

// Skip reasons that are not error classes.
const (
	ReasonUnchanged     = "unchanged"
	ReasonDuplicatePath = "duplicate_path"
)

// Remote is the subset of the hosting API the pipeline drives.
type Remote interface {
	BranchHead(ctx context.Context, id model.RepoID, branch string) (string, error)
	CommitTree(ctx context.Context, id model.RepoID, commitSHA string) (string, error)
	GetFile(ctx context.Context, id model.RepoID, path, ref string) (*remote.File, error)
	CreateBlob(ctx context.Context, id model.RepoID, content string) (string, error)
	CreateTree(ctx context.Context, id model.RepoID, baseTree string, entries []remote.BlobEntry) (string, error)
	CreateCommit(ctx context.Context, id model.RepoID, message, treeSHA string, parents ...string) (string, error)
	UpdateRef(ctx context.Context, id model.RepoID, branch, commitSHA string) error
	PutFile(ctx context.Context, id model.RepoID, path, branch, message, content, priorSHA string) (*remote.PutResult, error)
}

// Resolver maps internal repository keys to logical ids.
type Resolver interface {
	ResolveLogical(ctx context.Context, key model.RepoKey) (model.RepoID, error)
}

// Options configures a Pipeline.
type Options struct {
	// SingleFileFastPath writes one-unit batches through the contents API.
	SingleFileFastPath bool
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
}

// Pipeline commits patch batches. Writers to the same branch are serialized.
type Pipeline struct {
	remote   Remote
	resolver Resolver
	fastPath bool
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*branchLock
}

// branchLock is evicted from Pipeline.locks once no writer holds or waits
// on it.
type branchLock struct {
	sync.Mutex
	refs int
}

// New creates a pipeline. resolver may be nil if callers only pass logical ids.
func New(r Remote, resolver Resolver, opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		remote:   r,
		resolver: resolver,
		fastPath: opts.SingleFileFastPath,
		log:      log,
		metrics:  opts.Metrics,
		locks:    make(map[string]*branchLock),
	}
}

// lockBranch blocks until the caller is the only writer to branch of id and
// returns the function that releases it.
func (p *Pipeline) lockBranch(id model.RepoID, branch string) func() {
	k := string(id) + "\x00" + branch
	p.mu.Lock()
	l, ok := p.locks[k]
	if !ok {
		l = &branchLock{}
		p.locks[k] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, k)
		}
		p.mu.Unlock()
	}
}

func (p *Pipeline) resolve(ctx context.Context, ref model.RepoRef) (model.RepoID, error) {
	if id, ok := ref.ID(); ok {
		return id, nil
	}
	key, ok := ref.Key()
	if !ok {
		return "", fmt.Errorf("%w: empty reference", model.ErrUnknownRepository)
	}
	if p.resolver == nil {
		return "", fmt.Errorf("cannot resolve repository key %d: no resolver", key)
	}
	return p.resolver.ResolveLogical(ctx, key)
}

type candidate struct {
	unit    model.PatchUnit
	current string
}

// Commit writes patches to branch of repo as a single commit with message.
//
// Units whose base hash no longer matches the branch are excluded and listed
// in the result's Skipped with model.ErrConcurrentModification; so are units
// that would not change the file and repeated paths. The error return is
// reserved for failures of the whole batch, in which case the branch was not
// changed. A ref update that loses a race fails with
// model.ErrRefUpdateConflict and is not retried.
func (p *Pipeline) Commit(ctx context.Context, repo model.RepoRef, branch string, patches []model.PatchUnit, message string) (*model.CommitResult, error) {
	id, err := p.resolve(ctx, repo)
	if err != nil {
		return nil, err
	}

	defer p.lockBranch(id, branch)()

	res := &model.CommitResult{Repo: id, Branch: branch, Mode: model.CommitModeNone}
	log := p.log.With("repo", id, "branch", branch)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	head, err := p.remote.BranchHead(ctx, id, branch)
	if err != nil {
		return nil, fmt.Errorf("resolving branch head: %w", err)
	}

	survivors, err := p.check(ctx, id, head, patches, res)
	if err != nil {
		return nil, err
	}
	for _, s := range res.Skipped {
		p.metrics.Skipped(s.Reason)
		if s.Err != nil {
			log.Warn("patch unit skipped", "path", s.Path, "reason", s.Reason, "error", s.Err)
		} else {
			log.Debug("patch unit skipped", "path", s.Path, "reason", s.Reason)
		}
	}

	if len(survivors) == 0 {
		p.metrics.Commit(res.Mode)
		log.Info("nothing to commit", "skipped", len(res.Skipped))
		return res, nil
	}

	if p.fastPath && len(survivors) == 1 {
		return p.commitContents(ctx, id, branch, survivors[0], message, res)
	}
	return p.commitTree(ctx, id, branch, head, survivors, message, res)
}

// check reads the current hash of every unit at head and sorts units into
// survivors and skips.
func (p *Pipeline) check(ctx context.Context, id model.RepoID, head string, patches []model.PatchUnit, res *model.CommitResult) ([]candidate, error) {
	seen := make(map[string]bool, len(patches))
	var survivors []candidate
	for _, u := range patches {
		if seen[u.FilePath] {
			res.Skipped = append(res.Skipped, model.SkippedUnit{Path: u.FilePath, Reason: ReasonDuplicatePath})
			continue
		}
		seen[u.FilePath] = true

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := ""
		f, err := p.remote.GetFile(ctx, id, u.FilePath, head)
		switch {
		case err == nil:
			current = f.SHA
		case errors.Is(err, model.ErrNotFound):
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			res.Skipped = append(res.Skipped, model.SkippedUnit{Path: u.FilePath, Reason: model.Reason(err), Err: err})
			continue
		}

		if current != u.BaseContentHash {
			err := fmt.Errorf("%w: %s is at %q, patch expects %q", model.ErrConcurrentModification, u.FilePath, current, u.BaseContentHash)
			res.Skipped = append(res.Skipped, model.SkippedUnit{Path: u.FilePath, Reason: model.Reason(err), Err: err})
			continue
		}
		if current != "" && compose.BlobHash(u.UpdatedContent) == current {
			res.Skipped = append(res.Skipped, model.SkippedUnit{Path: u.FilePath, Reason: ReasonUnchanged})
			continue
		}
		survivors = append(survivors, candidate{unit: u, current: current})
	}
	return survivors, nil
}

// commitContents writes a single unit through the contents API, which pins
// the write to the unit's base hash on the server side.
func (p *Pipeline) commitContents(ctx context.Context, id model.RepoID, branch string, c candidate, message string, res *model.CommitResult) (*model.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := p.remote.PutFile(ctx, id, c.unit.FilePath, branch, message, c.unit.UpdatedContent, c.unit.BaseContentHash)
	if errors.Is(err, model.ErrConcurrentModification) {
		res.Skipped = append(res.Skipped, model.SkippedUnit{Path: c.unit.FilePath, Reason: model.Reason(err), Err: err})
		p.metrics.Skipped(model.Reason(err))
		p.metrics.Commit(res.Mode)
		p.log.Warn("patch unit skipped", "repo", id, "branch", branch, "path", c.unit.FilePath, "error", err)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	res.Mode = model.CommitModeContents
	res.CommitSHA = out.CommitSHA
	res.Committed = []string{c.unit.FilePath}
	p.metrics.Commit(res.Mode)
	p.log.Info("commit created", "repo", id, "branch", branch, "mode", res.Mode, "commit", res.CommitSHA, "files", 1)
	return res, nil
}

func (p *Pipeline) commitTree(ctx context.Context, id model.RepoID, branch, head string, survivors []candidate, message string, res *model.CommitResult) (*model.CommitResult, error) {
	baseTree, err := p.remote.CommitTree(ctx, id, head)
	if err != nil {
		return nil, fmt.Errorf("resolving base tree: %w", err)
	}

	entries := make([]remote.BlobEntry, 0, len(survivors))
	for _, c := range survivors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sha, err := p.remote.CreateBlob(ctx, id, c.unit.UpdatedContent)
		if err != nil {
			return nil, fmt.Errorf("uploading %s: %w", c.unit.FilePath, err)
		}
		entries = append(entries, remote.BlobEntry{Path: c.unit.FilePath, SHA: sha})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tree, err := p.remote.CreateTree(ctx, id, baseTree, entries)
	if err != nil {
		return nil, fmt.Errorf("creating tree: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	commit, err := p.remote.CreateCommit(ctx, id, message, tree, head)
	if err != nil {
		return nil, fmt.Errorf("creating commit: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.remote.UpdateRef(ctx, id, branch, commit); err != nil {
		return nil, fmt.Errorf("moving %s to %s: %w", branch, commit, err)
	}

	res.Mode = model.CommitModeTree
	res.CommitSHA = commit
	res.ParentSHA = head
	res.TreeSHA = tree
	for _, c := range survivors {
		res.Committed = append(res.Committed, c.unit.FilePath)
	}
	p.metrics.Commit(res.Mode)
	p.log.Info("commit created", "repo", id, "branch", branch, "mode", res.Mode, "commit", commit, "files", len(res.Committed))
	return res, nil
}
