package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DevNull is the sentinel path for the missing side of a create or delete.
const DevNull = "/dev/null"

const noNewlineMarker = `\ No newline at end of file`

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// FileDiff is one file's section of a unified diff.
type FileDiff struct {
	OldName string
	NewName string
	Hunks   []Hunk
}

// IsCreate reports whether the old side is /dev/null.
func (f FileDiff) IsCreate() bool { return f.OldName == DevNull }

// IsDelete reports whether the new side is /dev/null.
func (f FileDiff) IsDelete() bool { return f.NewName == DevNull }

// Hunk is one @@ section.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
	Lines              []Line
}

// Line is a hunk body line. Op is ' ', '-' or '+'.
type Line struct {
	Op        byte
	Text      string
	NoNewline bool
}

func (h Hunk) oldSide() []string {
	out := make([]string, 0, h.OldLines)
	for _, l := range h.Lines {
		if l.Op != '+' {
			out = append(out, l.Text)
		}
	}
	return out
}

func (h Hunk) newSide() []string {
	out := make([]string, 0, h.NewLines)
	for _, l := range h.Lines {
		if l.Op != '-' {
			out = append(out, l.Text)
		}
	}
	return out
}

// ParseUnified splits a unified or git-style diff into per-file sections.
// Preamble lines (commit messages, index and mode lines) are ignored.
func ParseUnified(text string) ([]FileDiff, error) {
	lines := splitDiffLines(text)
	var (
		files []FileDiff
		cur   *FileDiff
		// named is set once cur has its ---/+++ pair.
		named bool
	)
	flush := func() {
		if cur != nil {
			files = append(files, *cur)
			cur = nil
		}
	}

	for i := 0; i < len(lines); {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			oldName, newName := parseGitHeader(strings.TrimPrefix(line, "diff --git "))
			cur = &FileDiff{OldName: oldName, NewName: newName}
			named = false
			i++
		case strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			if cur == nil || named || len(cur.Hunks) > 0 {
				flush()
				cur = &FileDiff{}
			}
			cur.OldName = parseFileName(line[4:])
			cur.NewName = parseFileName(lines[i+1][4:])
			named = true
			i += 2
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, fmt.Errorf("line %d: hunk without file header", i+1)
			}
			hunk, next, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			cur.Hunks = append(cur.Hunks, hunk)
			i = next
		default:
			i++
		}
	}
	flush()
	return files, nil
}

func parseHunk(lines []string, start int) (Hunk, int, error) {
	m := hunkHeader.FindStringSubmatch(lines[start])
	if m == nil {
		return Hunk{}, 0, fmt.Errorf("line %d: malformed hunk header %q", start+1, lines[start])
	}
	h := Hunk{
		OldStart: atoi(m[1]),
		OldLines: atoiDefault(m[2], 1),
		NewStart: atoi(m[3]),
		NewLines: atoiDefault(m[4], 1),
	}

	oldSeen, newSeen := 0, 0
	i := start + 1
	for i < len(lines) && (oldSeen < h.OldLines || newSeen < h.NewLines) {
		raw := lines[i]
		if raw == noNewlineMarker {
			if len(h.Lines) > 0 {
				h.Lines[len(h.Lines)-1].NoNewline = true
			}
			i++
			continue
		}
		op := byte(' ')
		text := ""
		if raw != "" {
			op, text = raw[0], raw[1:]
		}
		switch op {
		case ' ':
			oldSeen++
			newSeen++
		case '-':
			oldSeen++
		case '+':
			newSeen++
		default:
			return Hunk{}, 0, fmt.Errorf("line %d: unexpected %q inside hunk", i+1, raw)
		}
		h.Lines = append(h.Lines, Line{Op: op, Text: text})
		i++
	}
	if oldSeen != h.OldLines || newSeen != h.NewLines {
		return Hunk{}, 0, fmt.Errorf("line %d: hunk ends early (old %d/%d, new %d/%d)",
			start+1, oldSeen, h.OldLines, newSeen, h.NewLines)
	}
	if i < len(lines) && lines[i] == noNewlineMarker {
		if len(h.Lines) > 0 {
			h.Lines[len(h.Lines)-1].NoNewline = true
		}
		i++
	}
	return h, i, nil
}

// parseGitHeader reads "a/x b/x". Names with spaces are ambiguous here; the
// ---/+++ lines that follow take precedence.
func parseGitHeader(rest string) (string, string) {
	if strings.HasPrefix(rest, `"`) {
		fields := splitQuoted(rest)
		if len(fields) == 2 {
			return fields[0], fields[1]
		}
	}
	if idx := strings.Index(rest, " b/"); idx >= 0 {
		return rest[:idx], rest[idx+1:]
	}
	fields := strings.Fields(rest)
	if len(fields) == 2 {
		return fields[0], fields[1]
	}
	return "", ""
}

func splitQuoted(s string) []string {
	var out []string
	for s = strings.TrimSpace(s); s != ""; s = strings.TrimSpace(s) {
		if s[0] == '"' {
			prefix, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil
			}
			unq, _ := strconv.Unquote(prefix)
			out = append(out, unq)
			s = s[len(prefix):]
			continue
		}
		end := strings.IndexByte(s, ' ')
		if end < 0 {
			end = len(s)
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out
}

// parseFileName strips quotes and a trailing tab-separated timestamp.
func parseFileName(s string) string {
	s = strings.TrimRight(s, " ")
	if strings.HasPrefix(s, `"`) {
		if prefix, err := strconv.QuotedPrefix(s); err == nil {
			if unq, err := strconv.Unquote(prefix); err == nil {
				return unq
			}
		}
	}
	if tab := strings.IndexByte(s, '\t'); tab >= 0 {
		s = s[:tab]
	}
	return s
}

// stripDiffPrefix removes the a/ or b/ prefix git adds to names.
func stripDiffPrefix(name string) string {
	if name == DevNull {
		return name
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) {
			return name[len(prefix):]
		}
	}
	return name
}

func splitDiffLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return atoi(s)
}
