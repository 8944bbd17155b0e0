package patch

import (
	"fmt"
	"strings"
)

// applyHunks applies hunks to original with exact context matching. A hunk
// may land at an offset from its header position but its context lines must
// match byte for byte. The original line ending style is kept.
func applyHunks(original string, hunks []Hunk) (string, error) {
	newline := "\n"
	if strings.Contains(original, "\r\n") {
		newline = "\r\n"
	}
	lines, trailing := splitContent(original)

	out := make([]string, 0, len(lines))
	cursor := 0
	for i, h := range hunks {
		old := h.oldSide()
		pos, ok := locateHunk(lines, old, preferredIndex(h), cursor)
		if !ok {
			return "", fmt.Errorf("hunk %d (@@ -%d,%d) does not match current content", i+1, h.OldStart, h.OldLines)
		}
		out = append(out, lines[cursor:pos]...)
		out = append(out, h.newSide()...)
		cursor = pos + len(old)

		if cursor == len(lines) {
			trailing = endsWithNewline(h)
		}
	}
	out = append(out, lines[cursor:]...)

	if len(out) == 0 {
		return "", nil
	}
	result := strings.Join(out, newline)
	if trailing {
		result += newline
	}
	return result, nil
}

// splitContent returns the lines of s without terminators and whether the
// last line was terminated. Empty content counts as terminated so that a
// created file ends with a newline unless the diff says otherwise.
func splitContent(s string) ([]string, bool) {
	if s == "" {
		return nil, true
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	trailing := strings.HasSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n"), trailing
}

func preferredIndex(h Hunk) int {
	// A pure insertion's OldStart names the line after which it goes.
	if h.OldLines == 0 {
		return h.OldStart
	}
	return h.OldStart - 1
}

// locateHunk searches outward from want for an exact match of old that does
// not start before cursor.
func locateHunk(lines, old []string, want, cursor int) (int, bool) {
	last := len(lines) - len(old)
	if last < cursor {
		return 0, false
	}
	if want < cursor {
		want = cursor
	}
	if want > last {
		want = last
	}
	for delta := 0; want-delta >= cursor || want+delta <= last; delta++ {
		if at := want - delta; at >= cursor && matchesAt(lines, old, at) {
			return at, true
		}
		if at := want + delta; delta > 0 && at <= last && matchesAt(lines, old, at) {
			return at, true
		}
	}
	return 0, false
}

func matchesAt(lines, old []string, at int) bool {
	for i, want := range old {
		if lines[at+i] != want {
			return false
		}
	}
	return true
}

// endsWithNewline reports the trailing newline state after a hunk that
// reaches the end of the file.
func endsWithNewline(h Hunk) bool {
	for i := len(h.Lines) - 1; i >= 0; i-- {
		if h.Lines[i].Op != '-' {
			return !h.Lines[i].NoNewline
		}
	}
	// Only removals at EOF: the new last line was an untouched line that
	// already ended with a newline.
	return true
}
