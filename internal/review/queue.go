// Package review provides the manual review queue for patches that could
// not be composed or committed automatically.
//
// Records are stored one per file under a directory, as zstd-compressed
// JSON. They are never expired or retried without an operator.
package review

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/metrics"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

const (
	recordPrefix = "patch_"
	recordSuffix = ".json.zst"
)

// ErrNotCommitted is returned by Approve when the pipeline ran but excluded
// the record's unit. The record stays queued.
var ErrNotCommitted = errors.New("record was not committed")

// ErrBusy is returned when the record is being approved by another caller.
var ErrBusy = errors.New("record is being approved")

// Committer is the commit pipeline entry point.
type Committer interface {
	Commit(ctx context.Context, repo model.RepoRef, branch string, patches []model.PatchUnit, message string) (*model.CommitResult, error)
}

// Options configures a Queue.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Queue is a directory of review records.
type Queue struct {
	dir       string
	committer Committer
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	approved map[string]bool // records with an Approve in flight
}

// Open creates the queue directory if needed. committer may be nil for a
// queue that only accepts submissions.
func Open(dir string, committer Committer, opts Options) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating review dir: %w", err)
	}
	q := &Queue{
		dir:       dir,
		committer: committer,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		approved:  make(map[string]bool),
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string {
	return q.dir
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(path string) string {
	s := unsafeChars.ReplaceAllString(path, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "file"
	}
	return s
}

func encode(rec *model.ReviewRecord) ([]byte, []byte, error) {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encoding record: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating encoder: %w", err)
	}
	defer enc.Close()
	return raw, enc.EncodeAll(raw, nil), nil
}

func decode(data []byte) (*model.ReviewRecord, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing record: %w", err)
	}
	var rec model.ReviewRecord
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

// Submit persists rec under a unique name derived from its path and time and
// returns the name.
func (q *Queue) Submit(rec model.ReviewRecord) (string, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = q.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	raw, data, err := encode(&rec)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	name := fmt.Sprintf("%s%s_%s_%s%s",
		recordPrefix, sanitize(rec.FilePath), rec.Timestamp.Format("20060102_150405"), hex.EncodeToString(sum[:4]), recordSuffix)

	q.mu.Lock()
	defer q.mu.Unlock()

	final := filepath.Join(q.dir, name)
	if _, err := os.Stat(final); err == nil {
		return name, nil
	}
	tmp, err := os.CreateTemp(q.dir, ".record-*")
	if err != nil {
		return "", fmt.Errorf("creating record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing record: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("storing record: %w", err)
	}

	q.metrics.ReviewRecord()
	q.log.Warn("patch routed to manual review", "path", rec.FilePath, "reason", rec.ErrorReason, "record", name)
	return name, nil
}

// List returns record names in sorted order. Indexes used by Show, Approve
// and Reject refer to this order.
func (q *Queue) List() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("reading review dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, recordPrefix) && strings.HasSuffix(n, recordSuffix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Entry is a named record.
type Entry struct {
	Name   string
	Record *model.ReviewRecord
}

func (q *Queue) entry(i int) (*Entry, error) {
	names, err := q.List()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(names) {
		return nil, fmt.Errorf("review record %d: %w", i, model.ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(q.dir, names[i]))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", names[i], err)
	}
	rec, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", names[i], err)
	}
	return &Entry{Name: names[i], Record: rec}, nil
}

// Show returns the record at index i.
func (q *Queue) Show(i int) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entry(i)
}

// Approve commits the record at index i to branch of repo. The record is
// removed only when its unit was committed; otherwise it stays queued and
// the pipeline's error, or ErrNotCommitted, is returned. The queue is not
// locked while the commit runs; a second Approve or Reject of the same
// record meanwhile fails with ErrBusy.
func (q *Queue) Approve(ctx context.Context, i int, repo model.RepoRef, branch, message string) (*model.CommitResult, error) {
	if q.committer == nil {
		return nil, errors.New("review queue has no commit pipeline")
	}
	e, err := q.claim(i)
	if err != nil {
		return nil, err
	}
	defer q.release(e.Name)
	if message == "" {
		message = "Apply reviewed patch to " + e.Record.FilePath
	}
	u := model.PatchUnit{
		FilePath:        e.Record.FilePath,
		BaseContentHash: e.Record.BaseContentHash,
		UpdatedContent:  e.Record.NewContent,
	}
	res, err := q.committer.Commit(ctx, repo, branch, []model.PatchUnit{u}, message)
	if err != nil {
		return nil, fmt.Errorf("approving %s: %w", e.Name, err)
	}
	if s, skipped := res.SkippedPath(u.FilePath); skipped {
		if s.Err != nil {
			return res, fmt.Errorf("%w: %s: %s: %w", ErrNotCommitted, e.Name, s.Reason, s.Err)
		}
		return res, fmt.Errorf("%w: %s: %s", ErrNotCommitted, e.Name, s.Reason)
	}

	q.mu.Lock()
	err = os.Remove(filepath.Join(q.dir, e.Name))
	q.mu.Unlock()
	if err != nil {
		return res, fmt.Errorf("removing %s: %w", e.Name, err)
	}
	q.log.Info("review record approved", "record", e.Name, "commit", res.CommitSHA)
	return res, nil
}

func (q *Queue) claim(i int) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.entry(i)
	if err != nil {
		return nil, err
	}
	if q.approved[e.Name] {
		return nil, fmt.Errorf("%w: %s", ErrBusy, e.Name)
	}
	q.approved[e.Name] = true
	return e, nil
}

func (q *Queue) release(name string) {
	q.mu.Lock()
	delete(q.approved, name)
	q.mu.Unlock()
}

// Reject discards the record at index i and returns its name.
func (q *Queue) Reject(i int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.List()
	if err != nil {
		return "", err
	}
	if i < 0 || i >= len(names) {
		return "", fmt.Errorf("review record %d: %w", i, model.ErrNotFound)
	}
	if q.approved[names[i]] {
		return "", fmt.Errorf("%w: %s", ErrBusy, names[i])
	}
	if err := os.Remove(filepath.Join(q.dir, names[i])); err != nil {
		return "", fmt.Errorf("removing %s: %w", names[i], err)
	}
	q.log.Info("review record rejected", "record", names[i])
	return names[i], nil
}
