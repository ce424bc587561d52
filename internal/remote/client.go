// Package remote provides the client for the repository hosting API.
//
// Every call carries a fixed timeout and runs detached from the caller's
// cancellation once issued, so an abort never tears a write in flight. Calls
// failing on a rate limit are retried once on the next credential.
package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v48/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/metrics"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

// DefaultTimeout is the per-call timeout used when none is configured.
const DefaultTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	// BaseURL of the REST API. Empty means api.github.com.
	BaseURL string
	// Timeout per call. Zero means DefaultTimeout.
	Timeout time.Duration
	// RequestsPerSecond paces outgoing calls. Zero disables pacing.
	RequestsPerSecond float64
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// Client talks to the hosting API on behalf of one CredentialPool.
type Client struct {
	pool    *CredentialPool
	clients []*github.Client
	timeout time.Duration
	limiter *rate.Limiter
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client with one underlying API client per credential,
// so a rate-limited credential never blocks requests made with the others.
func NewClient(pool *CredentialPool, opts Options) (*Client, error) {
	if pool == nil {
		pool = NewCredentialPool()
	}
	var base *url.URL
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing API url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		base = u
	}

	c := &Client{
		pool:    pool,
		timeout: opts.Timeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	for i := 0; i < pool.Len(); i++ {
		httpClient := &http.Client{}
		if tok := pool.token(i); tok != "" {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})
			httpClient = oauth2.NewClient(context.Background(), ts)
		}
		gh := github.NewClient(httpClient)
		if base != nil {
			gh.BaseURL = base
			gh.UploadURL = base
		}
		c.clients = append(c.clients, gh)
	}
	return c, nil
}

// Credentials returns the pool the client rotates over.
func (c *Client) Credentials() *CredentialPool {
	return c.pool
}

type call func(ctx context.Context, gh *github.Client) (*github.Response, error)

// do runs fn with the current credential. A rate-limited call is retried once
// on the next credential when more than one is configured.
func (c *Client) do(ctx context.Context, op string, fn call) (*github.Response, error) {
	attempts := 1
	if c.pool.Len() > 1 {
		attempts = 2
	}

	var resp *github.Response
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if c.limiter != nil {
			if werr := c.limiter.Wait(ctx); werr != nil {
				return nil, werr
			}
		}

		idx := c.pool.Current()
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		resp, err = fn(callCtx, c.clients[idx])
		cancel()
		if err == nil {
			c.metrics.RemoteCall(op, "ok")
			return resp, nil
		}

		method, u := requestLine(resp, err)
		c.log.Error("remote call failed", "op", op, "method", method, "url", u, "status", statusCode(resp, err), "error", err)

		if !isRateLimited(resp, err) {
			c.metrics.RemoteCall(op, "error")
			return resp, err
		}
		c.metrics.RemoteCall(op, "rate_limited")
		if attempt+1 < attempts {
			next := c.pool.Rotate(idx)
			c.metrics.CredentialRotated()
			c.log.Warn("rotating credential after rate limit", "op", op, "from", idx, "to", next)
		}
	}

	if attempts > 1 {
		return resp, fmt.Errorf("%s: %w: %w", op, model.ErrRateLimitExhausted, err)
	}
	return resp, fmt.Errorf("%s: %w: %w", op, model.ErrRateLimited, err)
}

func branchRef(branch string) string {
	return "refs/heads/" + branch
}

// Repository returns repository metadata.
func (c *Client) Repository(ctx context.Context, id model.RepoID) (*github.Repository, error) {
	owner, name := id.Split()
	var repo *github.Repository
	resp, err := c.do(ctx, "get_repository", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		repo, resp, err = gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, classify("getting repository "+id.String(), resp, err, nil)
	}
	return repo, nil
}

// DefaultBranch returns the repository's default branch name.
func (c *Client) DefaultBranch(ctx context.Context, id model.RepoID) (string, error) {
	repo, err := c.Repository(ctx, id)
	if err != nil {
		return "", err
	}
	if repo.GetDefaultBranch() == "" {
		return "", fmt.Errorf("repository %s has no default branch", id)
	}
	return repo.GetDefaultBranch(), nil
}

// BranchHead returns the commit SHA at the tip of branch.
func (c *Client) BranchHead(ctx context.Context, id model.RepoID, branch string) (string, error) {
	owner, name := id.Split()
	var ref *github.Reference
	resp, err := c.do(ctx, "get_ref", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		ref, resp, err = gh.Git.GetRef(ctx, owner, name, branchRef(branch))
		return resp, err
	})
	if err != nil {
		return "", classify(fmt.Sprintf("getting ref %s of %s", branch, id), resp, err, nil)
	}
	return ref.GetObject().GetSHA(), nil
}

// CommitTree returns the tree SHA of a commit.
func (c *Client) CommitTree(ctx context.Context, id model.RepoID, commitSHA string) (string, error) {
	owner, name := id.Split()
	var commit *github.Commit
	resp, err := c.do(ctx, "get_commit", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		commit, resp, err = gh.Git.GetCommit(ctx, owner, name, commitSHA)
		return resp, err
	})
	if err != nil {
		return "", classify("getting commit "+commitSHA, resp, err, nil)
	}
	return commit.GetTree().GetSHA(), nil
}

// TreeEntry is one blob in a recursive tree listing.
type TreeEntry struct {
	Path string
	SHA  string
	Size int
}

// Tree lists every blob reachable from treeSHA.
func (c *Client) Tree(ctx context.Context, id model.RepoID, treeSHA string) ([]TreeEntry, error) {
	owner, name := id.Split()
	var tree *github.Tree
	resp, err := c.do(ctx, "get_tree", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		tree, resp, err = gh.Git.GetTree(ctx, owner, name, treeSHA, true)
		return resp, err
	})
	if err != nil {
		return nil, classify("getting tree "+treeSHA, resp, err, nil)
	}
	if tree.GetTruncated() {
		c.log.Warn("tree listing truncated by server", "repo", id, "tree", treeSHA)
	}
	var entries []TreeEntry
	for _, e := range tree.Entries {
		if e.GetType() != "blob" {
			continue
		}
		entries = append(entries, TreeEntry{Path: e.GetPath(), SHA: e.GetSHA(), Size: e.GetSize()})
	}
	return entries, nil
}

// File is a file read through the contents API.
type File struct {
	Path string
	// SHA is the blob hash of the current content.
	SHA string
	// Encoded is the content as returned by the API (base64).
	Encoded string
	Content string
}

// GetFile reads path at ref. A missing path fails with model.ErrNotFound.
func (c *Client) GetFile(ctx context.Context, id model.RepoID, path, ref string) (*File, error) {
	owner, name := id.Split()
	var file *github.RepositoryContent
	var dir []*github.RepositoryContent
	resp, err := c.do(ctx, "get_contents", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		file, dir, resp, err = gh.Repositories.GetContents(ctx, owner, name, path, &github.RepositoryContentGetOptions{Ref: ref})
		return resp, err
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("getting %s@%s", path, ref), resp, err, nil)
	}
	if file == nil || dir != nil {
		return nil, fmt.Errorf("%s@%s is a directory", path, ref)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	f := &File{Path: path, SHA: file.GetSHA(), Content: content}
	if file.Content != nil {
		f.Encoded = *file.Content
	}
	return f, nil
}

// CreateBlob uploads content and returns its blob SHA.
func (c *Client) CreateBlob(ctx context.Context, id model.RepoID, content string) (string, error) {
	owner, name := id.Split()
	blob := &github.Blob{
		Content:  github.String(base64.StdEncoding.EncodeToString([]byte(content))),
		Encoding: github.String("base64"),
	}
	var created *github.Blob
	resp, err := c.do(ctx, "create_blob", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		created, resp, err = gh.Git.CreateBlob(ctx, owner, name, blob)
		return resp, err
	})
	if err != nil {
		return "", classify("creating blob", resp, err, nil)
	}
	return created.GetSHA(), nil
}

// BlobEntry places a blob at a path in a new tree.
type BlobEntry struct {
	Path string
	SHA  string
}

// CreateTree creates one tree rooted at baseTree with entries overlaid.
func (c *Client) CreateTree(ctx context.Context, id model.RepoID, baseTree string, entries []BlobEntry) (string, error) {
	owner, name := id.Split()
	treeEntries := make([]*github.TreeEntry, 0, len(entries))
	for _, e := range entries {
		treeEntries = append(treeEntries, &github.TreeEntry{
			Path: github.String(e.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  github.String(e.SHA),
		})
	}
	var tree *github.Tree
	resp, err := c.do(ctx, "create_tree", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		tree, resp, err = gh.Git.CreateTree(ctx, owner, name, baseTree, treeEntries)
		return resp, err
	})
	if err != nil {
		return "", classify("creating tree", resp, err, nil)
	}
	return tree.GetSHA(), nil
}

// CreateCommit creates a commit object and returns its SHA.
func (c *Client) CreateCommit(ctx context.Context, id model.RepoID, message, treeSHA string, parents ...string) (string, error) {
	owner, name := id.Split()
	commit := &github.Commit{
		Message: github.String(message),
		Tree:    &github.Tree{SHA: github.String(treeSHA)},
	}
	for _, p := range parents {
		commit.Parents = append(commit.Parents, &github.Commit{SHA: github.String(p)})
	}
	var created *github.Commit
	resp, err := c.do(ctx, "create_commit", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		created, resp, err = gh.Git.CreateCommit(ctx, owner, name, commit)
		return resp, err
	})
	if err != nil {
		return "", classify("creating commit", resp, err, nil)
	}
	return created.GetSHA(), nil
}

// UpdateRef fast-forwards branch to commitSHA. If the branch no longer
// contains the new commit's parent, it fails with model.ErrRefUpdateConflict.
func (c *Client) UpdateRef(ctx context.Context, id model.RepoID, branch, commitSHA string) error {
	owner, name := id.Split()
	ref := &github.Reference{
		Ref:    github.String(branchRef(branch)),
		Object: &github.GitObject{SHA: github.String(commitSHA)},
	}
	resp, err := c.do(ctx, "update_ref", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		_, resp, err := gh.Git.UpdateRef(ctx, owner, name, ref, false)
		return resp, err
	})
	if err != nil {
		return classify("updating ref "+branch, resp, err, model.ErrRefUpdateConflict)
	}
	return nil
}

// CreateBranch creates branch pointing at fromSHA.
func (c *Client) CreateBranch(ctx context.Context, id model.RepoID, branch, fromSHA string) error {
	owner, name := id.Split()
	ref := &github.Reference{
		Ref:    github.String(branchRef(branch)),
		Object: &github.GitObject{SHA: github.String(fromSHA)},
	}
	resp, err := c.do(ctx, "create_ref", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		_, resp, err := gh.Git.CreateRef(ctx, owner, name, ref)
		return resp, err
	})
	if err != nil {
		return classify("creating branch "+branch, resp, err, nil)
	}
	return nil
}

// PutResult is the outcome of a contents API write.
type PutResult struct {
	CommitSHA string
	BlobSHA   string
}

// PutFile writes content to path on branch as a single commit. priorSHA pins
// the write to the current blob; empty means the file must not exist. A
// mismatch fails with model.ErrConcurrentModification.
func (c *Client) PutFile(ctx context.Context, id model.RepoID, path, branch, message, content, priorSHA string) (*PutResult, error) {
	owner, name := id.Split()
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(branch),
	}
	if priorSHA != "" {
		opts.SHA = github.String(priorSHA)
	}
	var out *github.RepositoryContentResponse
	resp, err := c.do(ctx, "put_contents", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		out, resp, err = gh.Repositories.UpdateFile(ctx, owner, name, path, opts)
		return resp, err
	})
	if err != nil {
		return nil, classify("writing "+path, resp, err, model.ErrConcurrentModification)
	}
	res := &PutResult{CommitSHA: out.Commit.GetSHA()}
	if out.Content != nil {
		res.BlobSHA = out.Content.GetSHA()
	}
	return res, nil
}

// PullRequest is an opened pull request.
type PullRequest struct {
	Number int
	URL    string
}

// CreatePullRequest opens a pull request from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, id model.RepoID, title, head, base, body string) (*PullRequest, error) {
	owner, name := id.Split()
	req := &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	}
	var pr *github.PullRequest
	resp, err := c.do(ctx, "create_pull", func(ctx context.Context, gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = gh.PullRequests.Create(ctx, owner, name, req)
		return resp, err
	})
	if err != nil {
		return nil, classify("opening pull request", resp, err, nil)
	}
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}
