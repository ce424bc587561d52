// Package compose turns file content into patch units, refusing outputs that
// look destructive.
package compose

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

// MinLineRatio is the smallest fraction of the original line count a
// composed file may keep.
const MinLineRatio = 0.8

// Mutator transforms file content.
type Mutator func(content string) (string, error)

// Identity returns content unchanged. It is used for previews and direct
// imports.
func Identity(content string) (string, error) {
	return content, nil
}

// Validator checks composed content for path.
type Validator func(path, content string) error

// Composer applies mutators and guards their output.
type Composer struct {
	validate Validator
}

// New returns a composer that only applies the truncation guard.
func New() *Composer {
	return &Composer{}
}

// NewSyntaxAware returns a composer that also rejects output which no longer
// parses, for languages it knows.
func NewSyntaxAware() *Composer {
	return &Composer{validate: CheckSyntax}
}

// Compose applies mutate to old and returns the patch unit for path pinned to
// baseHash. Output with fewer than MinLineRatio of the original lines fails
// with model.ErrSuspiciousTruncation; a failing or panicking mutator fails
// with model.ErrCompositionError. No unit is returned on failure.
func (c *Composer) Compose(old string, mutate Mutator, path, baseHash string) (model.PatchUnit, error) {
	if mutate == nil {
		mutate = Identity
	}
	updated, err := apply(mutate, old)
	if err != nil {
		return model.PatchUnit{}, fmt.Errorf("%w: %s: %w", model.ErrCompositionError, path, err)
	}

	oldLines := countLines(old)
	newLines := countLines(updated)
	if float64(newLines) < MinLineRatio*float64(oldLines) {
		return model.PatchUnit{}, fmt.Errorf("%w: %s shrinks from %d to %d lines", model.ErrSuspiciousTruncation, path, oldLines, newLines)
	}

	if c.validate != nil {
		if err := c.validate(path, updated); err != nil {
			return model.PatchUnit{}, fmt.Errorf("%w: %s: %w", model.ErrCompositionError, path, err)
		}
	}

	return model.PatchUnit{
		FilePath:        path,
		BaseContentHash: baseHash,
		UpdatedContent:  updated,
	}, nil
}

func apply(mutate Mutator, old string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mutator panicked: %v", r)
		}
	}()
	return mutate(old)
}

// countLines counts lines after trimming surrounding whitespace.
func countLines(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Count(s, "\n") + 1
}

// DecodeContent decodes base64 content as served by the hosting API.
func DecodeContent(encoded string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding content: %w", err)
	}
	return string(b), nil
}

// BlobHash returns the Git blob hash of content, the same value the hosting
// API reports as a file's SHA.
func BlobHash(content string) string {
	return plumbing.ComputeHash(plumbing.BlobObject, []byte(content)).String()
}
