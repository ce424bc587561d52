package compose

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const previewContext = 3

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	lines              []string
}

// Preview renders a unified line diff of before and after for path. Identical
// inputs yield "".
func Preview(path, before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()

	// Line mode keeps hunks aligned to whole lines.
	chars1, chars2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	oldLine, newLine := 1, 1
	var hunks []hunk
	var cur *hunk
	var lead []string

	for i, d := range diffs {
		if d.Text == "" {
			continue
		}
		lines := strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n")

		switch d.Type {
		case diffmatchpatch.DiffEqual:
			tail := lines
			if cur != nil {
				if len(lines) <= 2*previewContext && i < len(diffs)-1 {
					for _, l := range lines {
						cur.lines = append(cur.lines, " "+l)
					}
					cur.oldCount += len(lines)
					cur.newCount += len(lines)
					tail = nil
				} else {
					n := min(previewContext, len(lines))
					for _, l := range lines[:n] {
						cur.lines = append(cur.lines, " "+l)
					}
					cur.oldCount += n
					cur.newCount += n
					hunks = append(hunks, *cur)
					cur = nil
				}
			}
			if len(tail) > previewContext {
				tail = tail[len(tail)-previewContext:]
			}
			lead = tail
			oldLine += len(lines)
			newLine += len(lines)

		case diffmatchpatch.DiffDelete, diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &hunk{oldStart: oldLine - len(lead), newStart: newLine - len(lead)}
				for _, l := range lead {
					cur.lines = append(cur.lines, " "+l)
				}
				cur.oldCount += len(lead)
				cur.newCount += len(lead)
				lead = nil
			}
			if d.Type == diffmatchpatch.DiffDelete {
				for _, l := range lines {
					cur.lines = append(cur.lines, "-"+l)
				}
				cur.oldCount += len(lines)
				oldLine += len(lines)
			} else {
				for _, l := range lines {
					cur.lines = append(cur.lines, "+"+l)
				}
				cur.newCount += len(lines)
				newLine += len(lines)
			}
		}
	}
	if cur != nil {
		hunks = append(hunks, *cur)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	for _, h := range hunks {
		oldStart, newStart := h.oldStart, h.newStart
		if h.oldCount == 0 {
			oldStart--
		}
		if h.newCount == 0 {
			newStart--
		}
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", oldStart, h.oldCount, newStart, h.newCount)
		for _, l := range h.lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
