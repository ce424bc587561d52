package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

// CreateProposal stores p. The caller assigns ID and Status.
func (db *DB) CreateProposal(ctx context.Context, p *model.PatchProposal) error {
	patches, err := json.Marshal(p.Patches)
	if err != nil {
		return fmt.Errorf("encoding patches: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	return db.withTx(ctx, func(t *tx) error {
		if err := t.requireRepository(ctx, p.RepoKey); err != nil {
			return err
		}
		_, err := t.exec(ctx,
			"INSERT INTO proposals (id, repo_id, branch, proposed_by, commit_message, patches, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			p.ID, int64(p.RepoKey), p.Branch, p.ProposedBy, p.CommitMessage, string(patches), string(p.Status), p.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("inserting proposal: %w", err)
		}
		return nil
	})
}

const proposalColumns = "id, repo_id, branch, proposed_by, commit_message, patches, status, created_at"

func scanProposal(row interface{ Scan(...interface{}) error }) (*model.PatchProposal, error) {
	var p model.PatchProposal
	var repoID, createdAt int64
	var patches, status string
	if err := row.Scan(&p.ID, &repoID, &p.Branch, &p.ProposedBy, &p.CommitMessage, &patches, &status, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(patches), &p.Patches); err != nil {
		return nil, fmt.Errorf("decoding patches of proposal %s: %w", p.ID, err)
	}
	p.RepoKey = model.RepoKey(repoID)
	p.Status = model.ProposalStatus(status)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

// GetProposal retrieves a proposal by id.
func (db *DB) GetProposal(ctx context.Context, id string) (*model.PatchProposal, error) {
	p, err := scanProposal(db.queryRow(ctx, "SELECT "+proposalColumns+" FROM proposals WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListProposals returns proposals oldest first. An empty status lists all.
func (db *DB) ListProposals(ctx context.Context, status model.ProposalStatus) ([]*model.PatchProposal, error) {
	q := "SELECT " + proposalColumns + " FROM proposals"
	var args []interface{}
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, string(status))
	}
	q += " ORDER BY created_at, id"

	rows, err := db.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PatchProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TransitionProposal moves a proposal from one status to another in a single
// conditional update. If no row matched, it returns ErrNotFound when the id is
// absent and model.ErrInvalidTransition when the proposal is in another state.
func (db *DB) TransitionProposal(ctx context.Context, id string, from, to model.ProposalStatus) error {
	res, err := db.exec(ctx, "UPDATE proposals SET status = ? WHERE id = ? AND status = ?", string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("updating proposal %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = db.queryRow(ctx, "SELECT status FROM proposals WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: proposal %s is %s, not %s", model.ErrInvalidTransition, id, current, from)
}

// DeleteProposal removes a proposal.
func (db *DB) DeleteProposal(ctx context.Context, id string) error {
	res, err := db.exec(ctx, "DELETE FROM proposals WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return nil
}
