// Package replicate copies the modules of a source repository into a target
// repository as one commit on a fresh branch and opens a pull request for it.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/compose"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/extract"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/metrics"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/remote"
)

// State is a stage of a replication run.
type State string

const (
	StateIdle           State = "idle"
	StateAnalyzing      State = "analyzing"
	StatePlanBuilt      State = "plan_built"
	StateBranchPrepared State = "branch_prepared"
	StateCommitting     State = "committing"
	StatePRCreated      State = "pr_created"
	StateFailed         State = "failed"
)

// DefaultBranchPrefix prefixes generated branch names.
const DefaultBranchPrefix = "federation/replicate"

// RunError reports the stage a run failed in and why.
type RunError struct {
	State  State
	Reason string
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("replication failed while %s (%s): %v", e.State, e.Reason, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Store resolves repository references.
type Store interface {
	Repository(ctx context.Context, ref model.RepoRef) (*model.LogicalRepository, error)
}

// Analyzer refreshes the graph of a repository.
type Analyzer interface {
	Analyze(ctx context.Context, key model.RepoKey) ([]model.GraphNode, error)
}

// Planner builds replication plans.
type Planner interface {
	Build(ctx context.Context, source, target model.RepoRef) (*model.ReplicationPlan, error)
}

// Extractor fetches source files.
type Extractor interface {
	FetchAll(ctx context.Context, owner, repo, branch string, paths []string, limit int) ([]extract.Result, error)
	Forget(id model.RepoID)
}

// Composer turns content into patch units.
type Composer interface {
	Compose(old string, mutate compose.Mutator, path, baseHash string) (model.PatchUnit, error)
}

// Committer lands patch batches.
type Committer interface {
	Commit(ctx context.Context, repo model.RepoRef, branch string, patches []model.PatchUnit, message string) (*model.CommitResult, error)
}

// ReviewQueue takes units that need an operator.
type ReviewQueue interface {
	Submit(rec model.ReviewRecord) (string, error)
}

// Remote is the slice of the hosting API the orchestrator drives directly.
type Remote interface {
	BranchHead(ctx context.Context, id model.RepoID, branch string) (string, error)
	CreateBranch(ctx context.Context, id model.RepoID, branch, fromSHA string) error
	GetFile(ctx context.Context, id model.RepoID, path, ref string) (*remote.File, error)
	CreatePullRequest(ctx context.Context, id model.RepoID, title, head, base, body string) (*remote.PullRequest, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     Store
	Analyzer  Analyzer
	Planner   Planner
	Extractor Extractor
	Composer  Composer
	Committer Committer
	Review    ReviewQueue
	Remote    Remote
}

// Options configures an Orchestrator.
type Options struct {
	BranchPrefix string
	// Concurrency bounds parallel extraction. Values below 1 mean 1.
	Concurrency int
	// Mutator is applied to every source file. Nil copies files verbatim.
	Mutator compose.Mutator
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Orchestrator runs replications.
type Orchestrator struct {
	Deps
	prefix      string
	concurrency int
	mutate      compose.Mutator
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	o := &Orchestrator{
		Deps:        deps,
		prefix:      strings.TrimSuffix(opts.BranchPrefix, "/"),
		concurrency: opts.Concurrency,
		mutate:      opts.Mutator,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if o.prefix == "" {
		o.prefix = DefaultBranchPrefix
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	if o.mutate == nil {
		o.mutate = compose.Identity
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Reviewed is a unit routed to the manual review queue.
type Reviewed struct {
	Path   string
	Reason string
	// Record is the queue entry name, empty if submission failed.
	Record string
}

// Report describes a run. It is returned even when the run fails.
type Report struct {
	State       State
	States      []State
	Plan        *model.ReplicationPlan
	Branch      string
	Commit      *model.CommitResult
	PullRequest *remote.PullRequest
	Reviewed    []Reviewed
}

func (r *Report) enter(s State) {
	r.State = s
	r.States = append(r.States, s)
}

// BranchName returns the branch a run started at now would use.
func (o *Orchestrator) BranchName(source model.RepoID, now time.Time) string {
	owner, name := source.Split()
	return fmt.Sprintf("%s/%s-%s-%s", o.prefix, owner, name, now.UTC().Format("20060102150405"))
}

// CommitMessage returns the message of a replication commit.
func CommitMessage(source, target model.RepoID) string {
	return fmt.Sprintf("Replicated modules from %s into %s", source, target)
}

// Run replicates source into target. The source is re-analyzed, a plan is
// built, a new branch is cut from the target's default branch and every
// module is extracted, composed against the target's current file and
// committed in one batch. Modules that fail along the way go to the review
// queue without stopping the others. Failures return a *RunError.
func (o *Orchestrator) Run(ctx context.Context, source, target model.RepoRef) (*Report, error) {
	rep := &Report{}
	rep.enter(StateIdle)
	log := o.log.With("source", source, "target", target)

	fail := func(reason string, err error) (*Report, error) {
		failed := rep.State
		rep.enter(StateFailed)
		o.metrics.Run(string(StateFailed))
		log.Error("replication failed", "state", failed, "reason", reason, "error", err)
		return rep, &RunError{State: failed, Reason: reason, Err: err}
	}

	rep.enter(StateAnalyzing)
	src, err := o.Store.Repository(ctx, source)
	if err != nil {
		return fail(model.Reason(err), err)
	}
	if _, err := o.Analyzer.Analyze(ctx, src.Key); err != nil {
		return fail(model.Reason(err), fmt.Errorf("analyzing %s: %w", src.ID, err))
	}

	plan, err := o.Planner.Build(ctx, model.RefByID(src.ID), target)
	if err != nil {
		return fail(model.Reason(err), err)
	}
	plan.CommitMessage = CommitMessage(plan.Source.ID, plan.Target.ID)
	plan.TargetBranch = o.BranchName(plan.Source.ID, o.now())
	rep.Plan = plan
	defer o.Extractor.Forget(plan.Source.ID)
	rep.enter(StatePlanBuilt)
	log = log.With("branch", plan.TargetBranch)
	log.Info("replication plan built", "modules", len(plan.Modules), "paths", len(plan.UniquePaths()))

	head, err := o.Remote.BranchHead(ctx, plan.Target.ID, plan.Target.DefaultBranch)
	if err != nil {
		return fail(model.Reason(err), err)
	}
	if err := o.Remote.CreateBranch(ctx, plan.Target.ID, plan.TargetBranch, head); err != nil {
		return fail(model.Reason(err), err)
	}
	rep.Branch = plan.TargetBranch
	rep.enter(StateBranchPrepared)

	rep.enter(StateCommitting)
	items, err := o.prepare(ctx, plan, plan.TargetBranch)
	if err != nil {
		return fail(model.Reason(err), err)
	}
	var units []model.PatchUnit
	for _, p := range items {
		if p.err != nil {
			o.route(rep, p, model.Reason(p.err), p.err)
			continue
		}
		units = append(units, p.unit)
	}
	if len(units) == 0 {
		return fail(model.Reason(model.ErrNothingToCommit), model.ErrNothingToCommit)
	}

	res, err := o.Committer.Commit(ctx, model.RefByID(plan.Target.ID), plan.TargetBranch, units, plan.CommitMessage)
	if err != nil {
		for _, p := range items {
			if p.err == nil {
				o.route(rep, p, model.Reason(err), err)
			}
		}
		return fail(model.Reason(err), err)
	}
	rep.Commit = res
	byPath := make(map[string]prepared, len(items))
	for _, p := range items {
		byPath[p.path] = p
	}
	for _, s := range res.Skipped {
		if s.Err == nil {
			continue
		}
		o.route(rep, byPath[s.Path], s.Reason, s.Err)
	}
	if !res.HasCommit() {
		return fail(model.Reason(model.ErrNothingToCommit), model.ErrNothingToCommit)
	}

	pr, err := o.Remote.CreatePullRequest(ctx, plan.Target.ID, plan.CommitMessage, plan.TargetBranch, plan.Target.DefaultBranch, pullBody(plan, res, rep.Reviewed))
	if err != nil {
		return fail(model.Reason(err), err)
	}
	rep.PullRequest = pr
	rep.enter(StatePRCreated)
	o.metrics.Run(string(StatePRCreated))
	log.Info("replication complete", "commit", res.CommitSHA, "files", len(res.Committed), "reviewed", len(rep.Reviewed), "pull", pr.Number)
	return rep, nil
}

type prepared struct {
	path     string
	source   string
	current  string
	baseHash string
	unit     model.PatchUnit
	err      error
}

// prepare extracts every unique path of plan from the source default branch
// and composes it against the target's file on ref. Per-path failures are
// recorded on the result, rate limiting included; only cancellation of ctx
// fails the call.
func (o *Orchestrator) prepare(ctx context.Context, plan *model.ReplicationPlan, ref string) ([]prepared, error) {
	paths := plan.UniquePaths()
	srcOwner, srcName := plan.Source.ID.Split()
	fetched, err := o.Extractor.FetchAll(ctx, srcOwner, srcName, plan.Source.DefaultBranch, paths, o.concurrency)
	if err != nil {
		return nil, err
	}

	out := make([]prepared, len(fetched))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, r := range fetched {
		g.Go(func() error {
			p := &out[i]
			p.path = r.Path
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Err != nil {
				p.err = fmt.Errorf("extracting %s: %w", r.Path, r.Err)
				return nil
			}
			p.source = r.Extraction.Content
			path := r.Path

			f, err := o.Remote.GetFile(ctx, plan.Target.ID, path, ref)
			switch {
			case err == nil:
				p.current, p.baseHash = f.Content, f.SHA
			case errors.Is(err, model.ErrNotFound):
			default:
				p.err = fmt.Errorf("reading target %s: %w", path, err)
				return nil
			}

			p.unit, p.err = o.Composer.Compose(p.source, o.mutate, path, p.baseHash)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) route(rep *Report, p prepared, reason string, cause error) {
	rec := model.ReviewRecord{
		FilePath:        p.path,
		BaseContentHash: p.baseHash,
		OldContent:      p.current,
		NewContent:      p.source,
		ErrorReason:     fmt.Sprintf("%s: %v", reason, cause),
	}
	name, err := o.Review.Submit(rec)
	if err != nil {
		o.log.Error("submitting review record", "path", p.path, "error", err)
	}
	rep.Reviewed = append(rep.Reviewed, Reviewed{Path: p.path, Reason: reason, Record: name})
}

func pullBody(plan *model.ReplicationPlan, res *model.CommitResult, reviewed []Reviewed) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Replicated from %s@%s.\n\n", plan.Source.ID, plan.Source.DefaultBranch)
	b.WriteString("Replicated files:\n")
	for _, p := range res.Committed {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if len(reviewed) > 0 {
		b.WriteString("\nSent to manual review:\n")
		for _, r := range reviewed {
			fmt.Fprintf(&b, "- %s (%s)\n", r.Path, r.Reason)
		}
	}
	return b.String()
}
