// Package plan builds replication plans from the federation graph.
package plan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

// Store is the slice of the graph store the builder reads.
type Store interface {
	Repository(ctx context.Context, ref model.RepoRef) (*model.LogicalRepository, error)
	QueryNodes(ctx context.Context, key model.RepoKey) ([]model.GraphNode, error)
}

// Options restricts which file paths a plan may contain.
type Options struct {
	// Include keeps only paths matching one of these globs. Empty keeps all.
	Include []string
	// Exclude drops paths matching any of these globs.
	Exclude []string
}

// Builder produces replication plans.
type Builder struct {
	store   Store
	include []string
	exclude []string
	log     *slog.Logger
}

// NewBuilder creates a builder over store. Invalid globs are rejected.
func NewBuilder(store Store, opts Options, log *slog.Logger) (*Builder, error) {
	for _, p := range append(append([]string(nil), opts.Include...), opts.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid path pattern %q", p)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Builder{store: store, include: opts.Include, exclude: opts.Exclude, log: log}, nil
}

type dedupKey struct {
	path    string
	name    string
	linked  string
	hasLink bool
}

// Build resolves both references to full repository records and returns one
// module per distinct (file path, name, cross link) among the source's nodes,
// in query order. CommitMessage and TargetBranch are left empty. An
// unresolvable reference fails with model.ErrUnknownRepository.
func (b *Builder) Build(ctx context.Context, source, target model.RepoRef) (*model.ReplicationPlan, error) {
	src, err := b.store.Repository(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("resolving source %s: %w", source, err)
	}
	dst, err := b.store.Repository(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("resolving target %s: %w", target, err)
	}

	nodes, err := b.store.QueryNodes(ctx, src.Key)
	if err != nil {
		return nil, fmt.Errorf("querying nodes of %s: %w", src.ID, err)
	}

	p := &model.ReplicationPlan{Source: *src, Target: *dst}
	seen := make(map[dedupKey]bool, len(nodes))
	filtered := 0
	for _, n := range nodes {
		k := dedupKey{path: n.FilePath, name: n.Name}
		if n.CrossLinkedTo != nil {
			k.linked, k.hasLink = *n.CrossLinkedTo, true
		}
		if seen[k] {
			continue
		}
		seen[k] = true

		if !b.allowed(n.FilePath) {
			filtered++
			continue
		}

		m := model.ReplicationModule{
			FilePath: n.FilePath,
			NodeName: n.Name,
			Strategy: model.StrategyDirectImport,
		}
		if n.CrossLinkedTo != nil {
			linked := *n.CrossLinkedTo
			m.LinkedTo = &linked
		}
		p.Modules = append(p.Modules, m)
	}

	b.log.Debug("plan built", "source", src.ID, "target", dst.ID, "nodes", len(nodes), "modules", len(p.Modules), "filtered", filtered)
	return p, nil
}

func (b *Builder) allowed(path string) bool {
	if len(b.include) > 0 {
		ok := false
		for _, pat := range b.include {
			if m, _ := doublestar.Match(pat, path); m {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, pat := range b.exclude {
		if m, _ := doublestar.Match(pat, path); m {
			return false
		}
	}
	return true
}
