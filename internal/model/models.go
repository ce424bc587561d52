// Package model provides the data model shared by the federation components.
package model

import (
	"time"
)

// NodeType classifies a graph node.
type NodeType string

const (
	NodeFile     NodeType = "file"
	NodeFunction NodeType = "function"
	NodeClass    NodeType = "class"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeFile, NodeFunction, NodeClass:
		return true
	}
	return false
}

// LogicalRepository is a registered source or target repository.
type LogicalRepository struct {
	Key             RepoKey `json:"key" yaml:"key"`
	ID              RepoID  `json:"id" yaml:"id"`
	DefaultBranch   string  `json:"default_branch" yaml:"default_branch"`
	RootContentHash string  `json:"root_content_hash" yaml:"root_content_hash"`
}

// GraphNode is one record of the federation graph.
type GraphNode struct {
	OwnerRepoKey  RepoKey  `json:"owner_repo_key"`
	FilePath      string   `json:"file_path"`
	NodeType      NodeType `json:"node_type"`
	Name          string   `json:"name"`
	CrossLinkedTo *string  `json:"cross_linked_to,omitempty"`
	Weight        float64  `json:"weight"`
	Notes         string   `json:"notes"`
}

// StrategyDirectImport copies the source file verbatim into the target.
const StrategyDirectImport = "direct_import"

// ReplicationModule is one de-duplicated unit scheduled for replication.
type ReplicationModule struct {
	FilePath string  `json:"file_path" yaml:"file_path"`
	NodeName string  `json:"node_name" yaml:"node_name"`
	LinkedTo *string `json:"linked_to,omitempty" yaml:"linked_to,omitempty"`
	Strategy string  `json:"strategy" yaml:"strategy"`
}

// ReplicationPlan describes what to copy from Source into Target.
// CommitMessage and TargetBranch are filled by the caller before execution.
type ReplicationPlan struct {
	Source        LogicalRepository   `json:"source" yaml:"source"`
	Target        LogicalRepository   `json:"target" yaml:"target"`
	Modules       []ReplicationModule `json:"modules" yaml:"modules"`
	CommitMessage string              `json:"commit_message" yaml:"commit_message"`
	TargetBranch  string              `json:"target_branch" yaml:"target_branch"`
}

// UniquePaths returns the distinct module file paths in first-seen order.
func (p *ReplicationPlan) UniquePaths() []string {
	seen := make(map[string]bool, len(p.Modules))
	var paths []string
	for _, m := range p.Modules {
		if seen[m.FilePath] {
			continue
		}
		seen[m.FilePath] = true
		paths = append(paths, m.FilePath)
	}
	return paths
}

// PatchUnit is the new content for one file, pinned to the hash it was composed against.
// An empty BaseContentHash means the file must not exist yet.
type PatchUnit struct {
	FilePath        string `json:"file_path" validate:"required"`
	BaseContentHash string `json:"base_content_hash"`
	UpdatedContent  string `json:"updated_content"`
}

// ProposalStatus is the lifecycle state of a patch proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// PatchProposal is a batch of patches awaiting human approval.
type PatchProposal struct {
	ID            string         `json:"proposal_id"`
	RepoKey       RepoKey        `json:"repo_key"`
	Branch        string         `json:"branch"`
	ProposedBy    string         `json:"proposed_by"`
	CommitMessage string         `json:"commit_message"`
	Patches       []PatchUnit    `json:"patches"`
	Status        ProposalStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ReviewRecord is a patch that failed composition or commit and awaits an operator.
type ReviewRecord struct {
	FilePath        string    `json:"file_path"`
	BaseContentHash string    `json:"base_sha"`
	OldContent      string    `json:"old_content"`
	NewContent      string    `json:"new_content"`
	ErrorReason     string    `json:"error_reason"`
	Timestamp       time.Time `json:"timestamp"`
}

// Commit modes reported in CommitResult.
const (
	CommitModeTree     = "tree"
	CommitModeContents = "contents"
	CommitModeNone     = "none"
)

// SkippedUnit is a patch unit excluded from a commit.
type SkippedUnit struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// CommitResult reports the outcome of one CommitPipeline call.
type CommitResult struct {
	Repo      RepoID        `json:"repo"`
	Branch    string        `json:"branch"`
	Mode      string        `json:"mode"`
	CommitSHA string        `json:"commit_sha,omitempty"`
	ParentSHA string        `json:"parent_sha,omitempty"`
	TreeSHA   string        `json:"tree_sha,omitempty"`
	Committed []string      `json:"committed"`
	Skipped   []SkippedUnit `json:"skipped"`
}

// HasCommit reports whether a new commit landed on the branch.
func (r *CommitResult) HasCommit() bool {
	return r != nil && r.CommitSHA != ""
}

// SkippedPath returns the skip entry for path, if any.
func (r *CommitResult) SkippedPath(path string) (SkippedUnit, bool) {
	if r == nil {
		return SkippedUnit{}, false
	}
	for _, s := range r.Skipped {
		if s.Path == path {
			return s, true
		}
	}
	return SkippedUnit{}, false
}
