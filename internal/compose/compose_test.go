package compose

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

func lines(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString("x = 1\n")
	}
	return b.String()
}

func TestIdentityIsNoop(t *testing.T) {
	inputs := []string{"", "\n", "one line", lines(10), "  \n  padded\n\n\n"}
	for _, in := range inputs {
		unit, err := New().Compose(in, Identity, "a.py", "h")
		require.NoError(t, err)
		assert.Equal(t, in, unit.UpdatedContent)
		assert.Equal(t, "a.py", unit.FilePath)
		assert.Equal(t, "h", unit.BaseContentHash)
	}
}

func TestNilMutatorIsIdentity(t *testing.T) {
	unit, err := New().Compose("abc\n", nil, "a.py", "h")
	require.NoError(t, err)
	assert.Equal(t, "abc\n", unit.UpdatedContent)
}

func TestTruncationGuard(t *testing.T) {
	tests := []struct {
		oldLines, newLines int
		wantErr            bool
	}{
		{10, 10, false},
		{10, 8, false},
		{10, 7, true},
		{10, 0, true},
		{5, 4, false},
		{5, 3, true},
		{0, 0, false},
		{1, 0, true},
	}
	for _, tt := range tests {
		shrink := func(string) (string, error) { return lines(tt.newLines), nil }
		_, err := New().Compose(lines(tt.oldLines), shrink, "f.txt", "")
		if tt.wantErr {
			assert.ErrorIs(t, err, model.ErrSuspiciousTruncation, "%d -> %d", tt.oldLines, tt.newLines)
		} else {
			assert.NoError(t, err, "%d -> %d", tt.oldLines, tt.newLines)
		}
	}
}

func TestTruncationIgnoresSurroundingWhitespace(t *testing.T) {
	old := "\n\n\n" + lines(5) + "\n\n\n"
	trimmed := func(s string) (string, error) { return strings.TrimSpace(s), nil }
	_, err := New().Compose(old, trimmed, "a.py", "")
	assert.NoError(t, err)
}

func TestMutatorFailure(t *testing.T) {
	failing := func(string) (string, error) { return "", errors.New("boom") }
	unit, err := New().Compose("a\n", failing, "a.py", "")
	assert.ErrorIs(t, err, model.ErrCompositionError)
	assert.Equal(t, model.PatchUnit{}, unit)

	panicking := func(string) (string, error) { panic("bad") }
	_, err = New().Compose("a\n", panicking, "a.py", "")
	assert.ErrorIs(t, err, model.ErrCompositionError)
}

func TestSyntaxAware(t *testing.T) {
	c := NewSyntaxAware()

	_, err := c.Compose("def f():\n    return 1\n", Identity, "a.py", "")
	assert.NoError(t, err)

	broken := func(string) (string, error) { return "def f(:\n    return 1\n", nil }
	_, err = c.Compose("def f():\n    return 1\n", broken, "a.py", "")
	assert.ErrorIs(t, err, model.ErrCompositionError)
	assert.ErrorIs(t, err, ErrSyntax)

	_, err = c.Compose("package a\n\nfunc F() {}\n", Identity, "a.go", "")
	assert.NoError(t, err)

	// Unknown languages are not parsed.
	_, err = c.Compose("{{{", Identity, "notes.txt", "")
	assert.NoError(t, err)
}

func TestBlobHash(t *testing.T) {
	// git hash-object of "hello\n"
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", BlobHash("hello\n"))
	// empty blob
	assert.Equal(t, "e69de29bb2d1d6434b8b29ae899c3f5e3c6e8c4f", BlobHash(""))
}

func TestDecodeContent(t *testing.T) {
	got, err := DecodeContent("aGVsbG8K\n")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", got)

	_, err = DecodeContent("%%%")
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	assert.Empty(t, Preview("a.py", "same\n", "same\n"))

	before := "a\nb\nc\nd\ne\nf\ng\nh\n"
	after := "a\nb\nc\nd\nE\nf\ng\nh\n"
	got := Preview("a.py", before, after)
	assert.Contains(t, got, "--- a/a.py\n+++ b/a.py\n")
	assert.Contains(t, got, "@@ -2,7 +2,7 @@\n")
	assert.Contains(t, got, "-e\n+E\n")
	assert.Contains(t, got, " b\n c\n d\n")
	assert.Contains(t, got, " f\n g\n h\n")

	created := Preview("new.py", "", "x = 1\n")
	assert.Contains(t, created, "@@ -0,0 +1,1 @@\n+x = 1\n")
}
