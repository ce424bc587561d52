package commit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/db"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/remote"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/remote/remotetest"
)

const target = "octo/dst"

var ref = model.RefByID(target)

type env struct {
	srv *remotetest.Server
	rc  *remote.Client
}

func newEnv(t *testing.T, tokens ...string) env {
	t.Helper()
	srv := remotetest.NewServer(t)
	srv.AddRepo(target, "main", map[string]string{
		"a.py": "A = 1\n",
		"b.py": "B = 1\n",
		"c.py": "C = 1\n",
	})
	if len(tokens) == 0 {
		tokens = []string{"tok"}
	}
	rc, err := remote.NewClient(remote.NewCredentialPool(tokens...), remote.Options{BaseURL: srv.APIURL()})
	require.NoError(t, err)
	return env{srv: srv, rc: rc}
}

func (e env) pipeline(fastPath bool) *Pipeline {
	return New(e.rc, nil, Options{SingleFileFastPath: fastPath})
}

func unit(path, old, updated string) model.PatchUnit {
	base := ""
	if old != "" {
		base = remotetest.BlobSHA(old)
	}
	return model.PatchUnit{FilePath: path, BaseContentHash: base, UpdatedContent: updated}
}

func TestCommitBatchIsOneCommit(t *testing.T) {
	e := newEnv(t)
	before := e.srv.Head(target, "main")

	res, err := e.pipeline(true).Commit(context.Background(), ref, "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 2\n"),
		unit("b.py", "B = 1\n", "B = 2\n"),
		unit("new/d.py", "", "D = 1\n"),
	}, "replicate")
	require.NoError(t, err)

	assert.Equal(t, model.CommitModeTree, res.Mode)
	assert.Equal(t, []string{"a.py", "b.py", "new/d.py"}, res.Committed)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, before, res.ParentSHA)
	assert.Equal(t, res.CommitSHA, e.srv.Head(target, "main"))

	assert.Equal(t, 3, e.srv.Calls(remotetest.RouteCreateBlob))
	assert.Equal(t, 1, e.srv.Calls(remotetest.RouteCreateTree))
	assert.Equal(t, 1, e.srv.Calls(remotetest.RouteCreateCommit))
	assert.Equal(t, 1, e.srv.Calls(remotetest.RouteUpdateRef))

	info, ok := e.srv.Commit(target, res.CommitSHA)
	require.True(t, ok)
	assert.Equal(t, []string{before}, info.Parents)
	assert.Equal(t, "replicate", info.Message)
	assert.Equal(t, "A = 2\n", info.Files["a.py"])
	assert.Equal(t, "B = 2\n", info.Files["b.py"])
	assert.Equal(t, "C = 1\n", info.Files["c.py"])
	assert.Equal(t, "D = 1\n", info.Files["new/d.py"])
}

func TestStaleUnitIsSkippedOthersCommit(t *testing.T) {
	e := newEnv(t)
	e.srv.SetFile(target, "main", "b.py", "B = changed\n")

	res, err := e.pipeline(true).Commit(context.Background(), ref, "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 2\n"),
		unit("b.py", "B = 1\n", "B = 2\n"),
		unit("c.py", "C = 1\n", "C = 2\n"),
	}, "replicate")
	require.NoError(t, err)

	assert.Equal(t, []string{"a.py", "c.py"}, res.Committed)
	require.Len(t, res.Skipped, 1)
	skip := res.Skipped[0]
	assert.Equal(t, "b.py", skip.Path)
	assert.Equal(t, "concurrent_modification", skip.Reason)
	assert.ErrorIs(t, skip.Err, model.ErrConcurrentModification)

	got, _ := e.srv.File(target, "main", "b.py")
	assert.Equal(t, "B = changed\n", got)
	got, _ = e.srv.File(target, "main", "c.py")
	assert.Equal(t, "C = 2\n", got)
}

func TestLiteralStaleHash(t *testing.T) {
	e := newEnv(t)
	res, err := e.pipeline(false).Commit(context.Background(), ref, "main", []model.PatchUnit{
		{FilePath: "a.py", BaseContentHash: "sha-old", UpdatedContent: "A = 2\n"},
		unit("b.py", "B = 1\n", "B = 2\n"),
	}, "m")
	require.NoError(t, err)
	s, ok := res.SkippedPath("a.py")
	require.True(t, ok)
	assert.ErrorIs(t, s.Err, model.ErrConcurrentModification)
	assert.Equal(t, []string{"b.py"}, res.Committed)
}

func TestExistingFileWithEmptyBaseIsStale(t *testing.T) {
	e := newEnv(t)
	res, err := e.pipeline(false).Commit(context.Background(), ref, "main", []model.PatchUnit{
		{FilePath: "a.py", UpdatedContent: "A = 2\n"},
	}, "m")
	require.NoError(t, err)
	assert.Equal(t, model.CommitModeNone, res.Mode)
	_, ok := res.SkippedPath("a.py")
	assert.True(t, ok)
}

func TestNothingToCommitCreatesNoObjects(t *testing.T) {
	e := newEnv(t)
	before := e.srv.Head(target, "main")

	res, err := e.pipeline(false).Commit(context.Background(), ref, "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 1\n"),
		unit("a.py", "A = 1\n", "A = 3\n"),
		{FilePath: "b.py", BaseContentHash: "nope", UpdatedContent: "x"},
	}, "m")
	require.NoError(t, err)

	assert.Equal(t, model.CommitModeNone, res.Mode)
	assert.False(t, res.HasCommit())
	assert.Empty(t, res.Committed)
	require.Len(t, res.Skipped, 3)
	assert.Equal(t, ReasonUnchanged, res.Skipped[0].Reason)
	assert.Equal(t, ReasonDuplicatePath, res.Skipped[1].Reason)
	assert.Equal(t, "concurrent_modification", res.Skipped[2].Reason)

	assert.Equal(t, 0, e.srv.Calls(remotetest.RouteCreateBlob))
	assert.Equal(t, 0, e.srv.Calls(remotetest.RouteCreateCommit))
	assert.Equal(t, 0, e.srv.Calls(remotetest.RouteUpdateRef))
	assert.Equal(t, before, e.srv.Head(target, "main"))
}

func TestEmptyBatch(t *testing.T) {
	e := newEnv(t)
	res, err := e.pipeline(true).Commit(context.Background(), ref, "main", nil, "m")
	require.NoError(t, err)
	assert.Equal(t, model.CommitModeNone, res.Mode)
}

func TestSingleFileFastPath(t *testing.T) {
	e := newEnv(t)
	res, err := e.pipeline(true).Commit(context.Background(), ref, "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 2\n"),
	}, "one file")
	require.NoError(t, err)

	assert.Equal(t, model.CommitModeContents, res.Mode)
	assert.Equal(t, []string{"a.py"}, res.Committed)
	assert.Equal(t, res.CommitSHA, e.srv.Head(target, "main"))
	assert.Equal(t, 1, e.srv.Calls(remotetest.RoutePutContents))
	assert.Equal(t, 0, e.srv.Calls(remotetest.RouteCreateBlob))
	assert.Equal(t, 0, e.srv.Calls(remotetest.RouteUpdateRef))
}

func TestSingleFileWithoutFastPath(t *testing.T) {
	e := newEnv(t)
	res, err := e.pipeline(false).Commit(context.Background(), ref, "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 2\n"),
	}, "one file")
	require.NoError(t, err)
	assert.Equal(t, model.CommitModeTree, res.Mode)
	assert.Equal(t, 0, e.srv.Calls(remotetest.RoutePutContents))
}

func TestRefUpdateConflict(t *testing.T) {
	e := newEnv(t)
	e.srv.BeforeUpdateRef = func(repo, branch string) {
		e.srv.BeforeUpdateRef = nil
		e.srv.SetFile(repo, branch, "c.py", "C = racer\n")
	}

	res, err := e.pipeline(true).Commit(context.Background(), ref, "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 2\n"),
		unit("b.py", "B = 1\n", "B = 2\n"),
	}, "m")
	require.ErrorIs(t, err, model.ErrRefUpdateConflict)
	assert.Nil(t, res)

	// Neither unit landed; the racer's change stands.
	got, _ := e.srv.File(target, "main", "a.py")
	assert.Equal(t, "A = 1\n", got)
	got, _ = e.srv.File(target, "main", "c.py")
	assert.Equal(t, "C = racer\n", got)
	assert.Equal(t, 1, e.srv.Calls(remotetest.RouteUpdateRef), "ref update must not be retried")
}

func TestRateLimitedBlobRotatesOnce(t *testing.T) {
	e := newEnv(t, "tok-a", "tok-b")
	e.srv.RateLimit("tok-a", remotetest.RouteCreateBlob, 1)

	res, err := e.pipeline(false).Commit(context.Background(), ref, "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 2\n"),
		unit("b.py", "B = 1\n", "B = 2\n"),
	}, "m")
	require.NoError(t, err)
	assert.True(t, res.HasCommit())
	assert.Equal(t, 3, e.srv.Calls(remotetest.RouteCreateBlob))
}

func TestRateLimitSingleCredentialFails(t *testing.T) {
	e := newEnv(t, "tok-a")
	e.srv.RateLimit("tok-a", remotetest.RouteCreateBlob, 1)
	before := e.srv.Head(target, "main")

	_, err := e.pipeline(false).Commit(context.Background(), ref, "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 2\n"),
		unit("b.py", "B = 1\n", "B = 2\n"),
	}, "m")
	require.ErrorIs(t, err, model.ErrRateLimited)
	assert.Equal(t, before, e.srv.Head(target, "main"))
}

func TestCancelledBeforeStartIssuesNothing(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.pipeline(false).Commit(ctx, ref, "main", []model.PatchUnit{unit("a.py", "A = 1\n", "A = 2\n")}, "m")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, e.srv.Calls(remotetest.RouteGetRef))
}

func TestCancelDuringRefUpdateStillLands(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.srv.BeforeUpdateRef = func(string, string) { cancel() }

	res, err := e.pipeline(false).Commit(ctx, ref, "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 2\n"),
		unit("b.py", "B = 1\n", "B = 2\n"),
	}, "m")
	require.NoError(t, err)
	assert.Equal(t, res.CommitSHA, e.srv.Head(target, "main"))
}

func TestResolvesRepoKey(t *testing.T) {
	e := newEnv(t)
	store, err := db.Open(filepath.Join(t.TempDir(), "federation.db"))
	require.NoError(t, err)
	defer store.Close()
	key, err := store.UpsertRepository(context.Background(), target, "main", "")
	require.NoError(t, err)

	p := New(e.rc, store, Options{})
	res, err := p.Commit(context.Background(), model.RefByKey(key), "main", []model.PatchUnit{
		unit("a.py", "A = 1\n", "A = 2\n"),
	}, "m")
	require.NoError(t, err)
	assert.Equal(t, model.RepoID(target), res.Repo)

	_, err = p.Commit(context.Background(), model.RefByKey(key+100), "main", nil, "m")
	assert.ErrorIs(t, err, model.ErrUnknownRepository)
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(false)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, path := range []string{"a.py", "b.py", "c.py"} {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			old := string(rune('A'+i)) + " = 1\n"
			_, errs[i] = p.Commit(context.Background(), ref, "main", []model.PatchUnit{
				unit(path, old, string(rune('A'+i))+" = 2\n"),
				unit("z"+path, "", "new\n"),
			}, "m")
		}(i, path)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	for i, path := range []string{"a.py", "b.py", "c.py"} {
		got, _ := e.srv.File(target, "main", path)
		assert.Equal(t, string(rune('A'+i))+" = 2\n", got)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.locks, "branch locks must be released")
}
