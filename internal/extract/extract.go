// Package extract fetches file snapshots from a source repository.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/remote"
)

// Source reads files from the hosting API.
type Source interface {
	GetFile(ctx context.Context, id model.RepoID, path, ref string) (*remote.File, error)
}

// Extraction is one fetched file.
type Extraction struct {
	Path string
	// ContentHash is the remote blob hash.
	ContentHash string
	// Encoded is the content as served by the API (base64).
	Encoded string
	Content string
}

type key struct {
	repo   model.RepoID
	path   string
	branch string
}

// Extractor fetches files and memoizes successful results for its lifetime.
type Extractor struct {
	src   Source
	log   *slog.Logger
	group singleflight.Group

	mu    sync.RWMutex
	cache map[key]Extraction
}

// New creates an extractor reading from src.
func New(src Source, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{src: src, log: log, cache: make(map[key]Extraction)}
}

// Fetch returns path at branch of owner/repo. Repeated calls for the same
// key are served from the cache; concurrent calls share one request.
// A missing path fails with model.ErrNotFound.
func (e *Extractor) Fetch(ctx context.Context, owner, repo, path, branch string) (Extraction, error) {
	id, err := model.NewRepoID(owner, repo)
	if err != nil {
		return Extraction{}, err
	}
	k := key{repo: id, path: path, branch: branch}

	e.mu.RLock()
	hit, ok := e.cache[k]
	e.mu.RUnlock()
	if ok {
		return hit, nil
	}

	v, err, _ := e.group.Do(fmt.Sprintf("%s\x00%s\x00%s", id, path, branch), func() (interface{}, error) {
		f, err := e.src.GetFile(ctx, id, path, branch)
		if err != nil {
			return nil, err
		}
		x := Extraction{Path: path, ContentHash: f.SHA, Encoded: f.Encoded, Content: f.Content}
		e.mu.Lock()
		e.cache[k] = x
		e.mu.Unlock()
		return x, nil
	})
	if err != nil {
		e.log.Debug("extraction failed", "repo", id, "path", path, "branch", branch, "error", err)
		return Extraction{}, err
	}
	return v.(Extraction), nil
}

// Result pairs a path with its extraction or error.
type Result struct {
	Path       string
	Extraction Extraction
	Err        error
}

// FetchAll fetches paths with at most limit requests in flight (no bound if
// limit < 1). Results are in the order of paths. A failing path is reported
// in its Result and does not stop the others; only cancellation of ctx
// returns an error.
func (e *Extractor) FetchAll(ctx context.Context, owner, repo, branch string, paths []string, limit int) ([]Result, error) {
	results := make([]Result, len(paths))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			x, err := e.Fetch(ctx, owner, repo, p, branch)
			results[i] = Result{Path: p, Extraction: x, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Forget drops cached entries for a repository, for use after it changed.
func (e *Extractor) Forget(id model.RepoID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.cache {
		if k.repo == id {
			delete(e.cache, k)
		}
	}
}
