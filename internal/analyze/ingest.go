package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"golang.org/x/sync/errgroup"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/remote"
)

// maxParseSize is the largest file fetched for symbol extraction. The
// contents API does not return larger blobs inline.
const maxParseSize = 1 << 20

// Remote is the slice of the hosting API the ingestor reads.
type Remote interface {
	DefaultBranch(ctx context.Context, id model.RepoID) (string, error)
	BranchHead(ctx context.Context, id model.RepoID, branch string) (string, error)
	CommitTree(ctx context.Context, id model.RepoID, commitSHA string) (string, error)
	Tree(ctx context.Context, id model.RepoID, treeSHA string) ([]remote.TreeEntry, error)
	GetFile(ctx context.Context, id model.RepoID, path, ref string) (*remote.File, error)
}

// Store is the slice of the graph store the ingestor writes.
type Store interface {
	UpsertRepository(ctx context.Context, id model.RepoID, branch, rootHash string) (model.RepoKey, error)
	GetRepository(ctx context.Context, key model.RepoKey) (*model.LogicalRepository, error)
	ReplaceNodes(ctx context.Context, key model.RepoKey, nodes []model.GraphNode) error
}

// Ingestor populates the graph store from the hosting API.
type Ingestor struct {
	remote      Remote
	store       Store
	parser      *Parser
	log         *slog.Logger
	concurrency int
}

// NewIngestor creates an ingestor. concurrency bounds parallel file reads
// during analysis; values below 1 mean 1.
func NewIngestor(r Remote, store Store, parser *Parser, concurrency int, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	if parser == nil {
		parser = NewParser()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Ingestor{remote: r, store: store, parser: parser, log: log, concurrency: concurrency}
}

type snapshot struct {
	branch string
	head   string
	tree   string
	blobs  []remote.TreeEntry
}

func (in *Ingestor) snapshot(ctx context.Context, id model.RepoID, branch string) (*snapshot, error) {
	if branch == "" {
		b, err := in.remote.DefaultBranch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolving default branch of %s: %w", id, err)
		}
		branch = b
	}
	head, err := in.remote.BranchHead(ctx, id, branch)
	if err != nil {
		return nil, fmt.Errorf("resolving %s@%s: %w", id, branch, err)
	}
	tree, err := in.remote.CommitTree(ctx, id, head)
	if err != nil {
		return nil, err
	}
	blobs, err := in.remote.Tree(ctx, id, tree)
	if err != nil {
		return nil, err
	}
	return &snapshot{branch: branch, head: head, tree: tree, blobs: blobs}, nil
}

func fileNode(key model.RepoKey, e remote.TreeEntry) model.GraphNode {
	return model.GraphNode{
		OwnerRepoKey: key,
		FilePath:     e.Path,
		NodeType:     model.NodeFile,
		Name:         path.Base(e.Path),
		Weight:       1,
		Notes:        "Ingested file",
	}
}

// Import registers id with branch (the default branch when empty) and
// records one file node per blob on it, replacing earlier nodes.
func (in *Ingestor) Import(ctx context.Context, id model.RepoID, branch string) (*model.LogicalRepository, error) {
	snap, err := in.snapshot(ctx, id, branch)
	if err != nil {
		return nil, err
	}
	key, err := in.store.UpsertRepository(ctx, id, snap.branch, snap.tree)
	if err != nil {
		return nil, err
	}
	nodes := make([]model.GraphNode, 0, len(snap.blobs))
	for _, e := range snap.blobs {
		nodes = append(nodes, fileNode(key, e))
	}
	if err := in.store.ReplaceNodes(ctx, key, nodes); err != nil {
		return nil, fmt.Errorf("storing nodes of %s: %w", id, err)
	}
	in.log.Info("repository imported", "repo", id, "key", key, "branch", snap.branch, "files", len(nodes))
	return in.store.GetRepository(ctx, key)
}

// Analyze re-reads the repository's branch and replaces its nodes with a
// file node per blob followed by the symbols of every parseable file.
// Files that cannot be read or parsed keep only their file node.
func (in *Ingestor) Analyze(ctx context.Context, key model.RepoKey) ([]model.GraphNode, error) {
	repo, err := in.store.GetRepository(ctx, key)
	if err != nil {
		return nil, err
	}
	snap, err := in.snapshot(ctx, repo.ID, repo.DefaultBranch)
	if err != nil {
		return nil, err
	}

	symbols := make([][]Symbol, len(snap.blobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i, e := range snap.blobs {
		if !Supported(e.Path) || e.Size > maxParseSize {
			continue
		}
		g.Go(func() error {
			f, err := in.remote.GetFile(gctx, repo.ID, e.Path, snap.head)
			if err != nil {
				if errors.Is(err, model.ErrRateLimited) || gctx.Err() != nil {
					return err
				}
				in.log.Warn("skipping unreadable file", "repo", repo.ID, "path", e.Path, "error", err)
				return nil
			}
			syms, err := in.parser.Parse(e.Path, []byte(f.Content))
			if err != nil {
				in.log.Warn("skipping unparseable file", "repo", repo.ID, "path", e.Path, "error", err)
				return nil
			}
			symbols[i] = syms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", repo.ID, err)
	}

	var nodes []model.GraphNode
	for _, e := range snap.blobs {
		nodes = append(nodes, fileNode(key, e))
	}
	for i, syms := range symbols {
		for _, s := range syms {
			nodes = append(nodes, model.GraphNode{
				OwnerRepoKey: key,
				FilePath:     snap.blobs[i].Path,
				NodeType:     s.Kind,
				Name:         s.Name,
				Weight:       1,
				Notes:        fmt.Sprintf("line %d: %s", s.Line, s.Signature),
			})
		}
	}

	if _, err := in.store.UpsertRepository(ctx, repo.ID, snap.branch, snap.tree); err != nil {
		return nil, err
	}
	if err := in.store.ReplaceNodes(ctx, key, nodes); err != nil {
		return nil, fmt.Errorf("storing nodes of %s: %w", repo.ID, err)
	}
	in.log.Info("repository analyzed", "repo", repo.ID, "key", key, "files", len(snap.blobs), "nodes", len(nodes))
	return nodes, nil
}
