package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("FEDERATION_TEST_POSTGRES_URL")
	if dsn == "" {
		dsn = filepath.Join(t.TempDir(), "federation.db")
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if db.Driver() == DriverPostgres {
		for _, table := range []string{"proposals", "graph_nodes", "repositories"} {
			if _, err := db.Exec("DELETE FROM " + table); err != nil {
				t.Fatalf("failed to reset %s: %v", table, err)
			}
		}
	}
	return db
}

func strPtr(s string) *string { return &s }

func TestDetectDriver(t *testing.T) {
	tests := []struct {
		dsn  string
		want DriverType
	}{
		{"federation.db", DriverSQLite},
		{"file:test?mode=memory", DriverSQLite},
		{"postgres://u:p@localhost/db", DriverPostgres},
		{"postgresql://localhost/db", DriverPostgres},
	}
	for _, tt := range tests {
		got, _ := detectDriver(tt.dsn)
		if got != tt.want {
			t.Errorf("detectDriver(%q) = %v, want %v", tt.dsn, got, tt.want)
		}
	}
}

func TestConvertPlaceholders(t *testing.T) {
	got := convertPlaceholders("UPDATE proposals SET status = ? WHERE id = ? AND status = ?")
	want := "UPDATE proposals SET status = $1 WHERE id = $2 AND status = $3"
	if got != want {
		t.Errorf("convertPlaceholders = %q, want %q", got, want)
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	key, err := db.UpsertRepository(ctx, "octo/widgets", "main", "tree-1")
	if err != nil {
		t.Fatalf("UpsertRepository failed: %v", err)
	}
	other, err := db.UpsertRepository(ctx, "octo/gadgets", "trunk", "tree-2")
	if err != nil {
		t.Fatalf("UpsertRepository failed: %v", err)
	}
	if key == other {
		t.Fatal("distinct repositories share a key")
	}

	id, err := db.ResolveLogical(ctx, key)
	if err != nil {
		t.Fatalf("ResolveLogical failed: %v", err)
	}
	if id != "octo/widgets" {
		t.Errorf("ResolveLogical = %q", id)
	}
	back, err := db.ResolveKey(ctx, id)
	if err != nil {
		t.Fatalf("ResolveKey failed: %v", err)
	}
	if back != key {
		t.Errorf("ResolveKey = %d, want %d", back, key)
	}

	// Second upsert keeps the key and refreshes metadata.
	again, err := db.UpsertRepository(ctx, "octo/widgets", "develop", "tree-3")
	if err != nil {
		t.Fatalf("UpsertRepository failed: %v", err)
	}
	if again != key {
		t.Errorf("upsert changed key: %d -> %d", key, again)
	}
	repo, err := db.GetRepository(ctx, key)
	if err != nil {
		t.Fatalf("GetRepository failed: %v", err)
	}
	if repo.DefaultBranch != "develop" || repo.RootContentHash != "tree-3" {
		t.Errorf("unexpected repository: %+v", repo)
	}

	repos, err := db.ListRepositories(ctx)
	if err != nil {
		t.Fatalf("ListRepositories failed: %v", err)
	}
	if len(repos) != 2 {
		t.Errorf("expected 2 repositories, got %d", len(repos))
	}
}

func TestResolveUnknown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ResolveKey(ctx, "nobody/nothing"); !errors.Is(err, model.ErrUnknownRepository) {
		t.Errorf("expected ErrUnknownRepository, got %v", err)
	}
	if _, err := db.ResolveLogical(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.Repository(ctx, model.RefByID("nobody/nothing")); !errors.Is(err, model.ErrUnknownRepository) {
		t.Errorf("expected ErrUnknownRepository, got %v", err)
	}
}

func TestUpsertRejectsInvalidID(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.UpsertRepository(context.Background(), "not-a-repo", "main", ""); !errors.Is(err, model.ErrInvalidRepoID) {
		t.Errorf("expected ErrInvalidRepoID, got %v", err)
	}
}

func TestNodesInsertionOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	key, err := db.UpsertRepository(ctx, "octo/widgets", "main", "")
	if err != nil {
		t.Fatalf("UpsertRepository failed: %v", err)
	}

	nodes := []model.GraphNode{
		{FilePath: "b.py", NodeType: model.NodeFile, Name: "b.py", Weight: 1},
		{FilePath: "a.py", NodeType: model.NodeFunction, Name: "f1", Weight: 1},
		{FilePath: "a.py", NodeType: model.NodeClass, Name: "C", CrossLinkedTo: strPtr("x"), Weight: 0.5, Notes: "n"},
	}
	for _, n := range nodes {
		if err := db.InsertNode(ctx, key, n); err != nil {
			t.Fatalf("InsertNode failed: %v", err)
		}
	}

	got, err := db.QueryNodes(ctx, key)
	if err != nil {
		t.Fatalf("QueryNodes failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(got))
	}
	for i, n := range got {
		if n.FilePath != nodes[i].FilePath || n.Name != nodes[i].Name {
			t.Errorf("node %d = %s/%s, want %s/%s", i, n.FilePath, n.Name, nodes[i].FilePath, nodes[i].Name)
		}
		if n.OwnerRepoKey != key {
			t.Errorf("node %d owner = %d, want %d", i, n.OwnerRepoKey, key)
		}
	}
	if got[0].CrossLinkedTo != nil {
		t.Error("expected nil cross link on first node")
	}
	if got[2].CrossLinkedTo == nil || *got[2].CrossLinkedTo != "x" {
		t.Errorf("expected cross link x, got %v", got[2].CrossLinkedTo)
	}
}

func TestInsertNodeUnknownRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.InsertNode(ctx, 42, model.GraphNode{FilePath: "a.py", NodeType: model.NodeFile, Name: "a.py"})
	if !errors.Is(err, model.ErrUnknownRepository) {
		t.Fatalf("expected ErrUnknownRepository, got %v", err)
	}
	n, err := db.CountNodes(ctx, 42)
	if err != nil {
		t.Fatalf("CountNodes failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no nodes written, got %d", n)
	}
}

func TestReplaceNodesIsAtomic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	key, err := db.UpsertRepository(ctx, "octo/widgets", "main", "")
	if err != nil {
		t.Fatalf("UpsertRepository failed: %v", err)
	}
	first := []model.GraphNode{
		{FilePath: "a.py", NodeType: model.NodeFile, Name: "a.py"},
		{FilePath: "a.py", NodeType: model.NodeFunction, Name: "f"},
	}
	if err := db.ReplaceNodes(ctx, key, first); err != nil {
		t.Fatalf("ReplaceNodes failed: %v", err)
	}

	// An invalid node in the replacement must leave the old snapshot intact.
	bad := []model.GraphNode{
		{FilePath: "c.py", NodeType: model.NodeFile, Name: "c.py"},
		{FilePath: "c.py", NodeType: "module", Name: "c"},
	}
	if err := db.ReplaceNodes(ctx, key, bad); err == nil {
		t.Fatal("expected ReplaceNodes to fail on invalid node type")
	}
	got, err := db.QueryNodes(ctx, key)
	if err != nil {
		t.Fatalf("QueryNodes failed: %v", err)
	}
	if len(got) != 2 || got[0].FilePath != "a.py" {
		t.Errorf("snapshot changed after failed replace: %+v", got)
	}

	second := []model.GraphNode{{FilePath: "z.py", NodeType: model.NodeFile, Name: "z.py"}}
	if err := db.ReplaceNodes(ctx, key, second); err != nil {
		t.Fatalf("ReplaceNodes failed: %v", err)
	}
	got, err = db.QueryNodes(ctx, key)
	if err != nil {
		t.Fatalf("QueryNodes failed: %v", err)
	}
	if len(got) != 1 || got[0].FilePath != "z.py" {
		t.Errorf("unexpected nodes after replace: %+v", got)
	}
}

func TestReplaceNodesKeepsCrossLinks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	key, err := db.UpsertRepository(ctx, "octo/widgets", "main", "")
	if err != nil {
		t.Fatalf("UpsertRepository failed: %v", err)
	}
	link := model.GraphNode{FilePath: "a.py", NodeType: model.NodeFunction, Name: "f", CrossLinkedTo: strPtr("octo/other:a.py"), Weight: 2, Notes: "shared"}
	if err := db.InsertNode(ctx, key, link); err != nil {
		t.Fatalf("InsertNode failed: %v", err)
	}
	nodes := []model.GraphNode{{FilePath: "a.py", NodeType: model.NodeFile, Name: "a.py"}}
	if err := db.ReplaceNodes(ctx, key, nodes); err != nil {
		t.Fatalf("ReplaceNodes failed: %v", err)
	}
	if err := db.ReplaceNodes(ctx, key, nodes); err != nil {
		t.Fatalf("ReplaceNodes failed: %v", err)
	}

	got, err := db.QueryNodes(ctx, key)
	if err != nil {
		t.Fatalf("QueryNodes failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected link plus one analyzed node, got %+v", got)
	}
	if got[0].CrossLinkedTo == nil || *got[0].CrossLinkedTo != "octo/other:a.py" || got[0].Weight != 2 {
		t.Errorf("cross link lost: %+v", got[0])
	}
	if got[1].NodeType != model.NodeFile || got[1].CrossLinkedTo != nil {
		t.Errorf("unexpected analyzed node: %+v", got[1])
	}
}

func TestProposalTransitions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	key, err := db.UpsertRepository(ctx, "octo/widgets", "main", "")
	if err != nil {
		t.Fatalf("UpsertRepository failed: %v", err)
	}
	p := &model.PatchProposal{
		ID:            "11111111-2222-3333-4444-555555555555",
		RepoKey:       key,
		Branch:        "main",
		ProposedBy:    "alice",
		CommitMessage: "update a",
		Patches:       []model.PatchUnit{{FilePath: "a.py", BaseContentHash: "abc", UpdatedContent: "x = 1\n"}},
		Status:        model.ProposalPending,
	}
	if err := db.CreateProposal(ctx, p); err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}

	got, err := db.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProposal failed: %v", err)
	}
	if got.Status != model.ProposalPending || len(got.Patches) != 1 || got.Patches[0].UpdatedContent != "x = 1\n" {
		t.Errorf("unexpected proposal: %+v", got)
	}

	if err := db.TransitionProposal(ctx, p.ID, model.ProposalPending, model.ProposalApproved); err != nil {
		t.Fatalf("TransitionProposal failed: %v", err)
	}
	err = db.TransitionProposal(ctx, p.ID, model.ProposalPending, model.ProposalRejected)
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	err = db.TransitionProposal(ctx, "missing", model.ProposalPending, model.ProposalRejected)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	pending, err := db.ListProposals(ctx, model.ProposalPending)
	if err != nil {
		t.Fatalf("ListProposals failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending proposals, got %d", len(pending))
	}

	if err := db.DeleteProposal(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProposal failed: %v", err)
	}
	if _, err := db.GetProposal(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestConcurrentTransitionSingleWinner(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	key, err := db.UpsertRepository(ctx, "octo/widgets", "main", "")
	if err != nil {
		t.Fatalf("UpsertRepository failed: %v", err)
	}
	p := &model.PatchProposal{ID: "race", RepoKey: key, Branch: "main", Status: model.ProposalPending}
	if err := db.CreateProposal(ctx, p); err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := model.ProposalApproved
			if i%2 == 1 {
				to = model.ProposalRejected
			}
			results[i] = db.TransitionProposal(ctx, p.ID, model.ProposalPending, to)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winning transition, got %d", wins)
	}
}
