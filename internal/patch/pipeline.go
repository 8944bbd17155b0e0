// Package patch turns a unified diff into validated per-file plans and
// commits them all-or-nothing under path locks.
package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL bounds how long a preview can wait for apply.
const DefaultSessionTTL = 30 * time.Minute

// Mode is what a plan does to its target.
type Mode string

const (
	ModeModify Mode = "modify"
	ModeCreate Mode = "create"
	ModeDelete Mode = "delete"
)

// FilePlan is one file's fully computed change.
type FilePlan struct {
	AbsPath       string
	RelPath       string
	Mode          Mode
	Original      string
	Patched       string
	ExistedBefore bool
	Perm          fs.FileMode
}

// Session is a validated preview waiting for apply or cancel.
type Session struct {
	ID        string
	Diff      string
	CreatedAt time.Time
	Plans     []FilePlan
}

// FileSummary describes one planned change. Sizes are in bytes.
type FileSummary struct {
	Path          string `json:"path"`
	Mode          Mode   `json:"mode"`
	OriginalBytes int    `json:"original_bytes"`
	PatchedBytes  int    `json:"patched_bytes"`
}

// PreviewResult is returned by Preview.
type PreviewResult struct {
	SessionID string        `json:"session_id"`
	CreatedAt time.Time     `json:"created_at"`
	Files     []FileSummary `json:"files"`
}

// AppliedFile is one committed change.
type AppliedFile struct {
	Path string `json:"path"`
	Mode Mode   `json:"mode"`
}

// ApplyResult is returned by Apply.
type ApplyResult struct {
	SessionID string        `json:"session_id"`
	Files     []AppliedFile `json:"files"`
}

// WriteChecker authorizes a write to a project-relative path.
type WriteChecker interface {
	AssertWriteAllowed(relPath, mode string) error
}

// Pipeline owns preview sessions and the path lock table.
type Pipeline struct {
	root     string
	realRoot string
	checker  WriteChecker
	fs       fileSystem
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	ttl      time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	locks    *lockTable
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// WithSessionTTL sets how long previews stay applicable. Zero disables
// expiry.
func WithSessionTTL(d time.Duration) Option {
	return func(p *Pipeline) { p.ttl = d }
}

func withFileSystem(fsys fileSystem) Option {
	return func(p *Pipeline) { p.fs = fsys }
}

// New returns a pipeline rooted at root.
func New(root string, checker WriteChecker, opts ...Option) (*Pipeline, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	p := &Pipeline{
		root:     filepath.Clean(abs),
		checker:  checker,
		fs:       osFS{},
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		ttl:      DefaultSessionTTL,
		sessions: make(map[string]*Session),
		locks:    newLockTable(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.realRoot = p.root
	if resolved, err := filepath.EvalSymlinks(p.root); err == nil {
		p.realRoot = resolved
	}
	return p, nil
}

// Root is the absolute project root.
func (p *Pipeline) Root() string {
	return p.root
}

// Preview parses diff, builds and authorizes every plan, and stores a
// session. Nothing is written to disk.
func (p *Pipeline) Preview(ctx context.Context, diff string) (PreviewResult, error) {
	if strings.TrimSpace(diff) == "" {
		return PreviewResult{}, invalidf("", "diff is empty")
	}
	files, err := ParseUnified(diff)
	if err != nil {
		return PreviewResult{}, invalidf("", "%v", err)
	}
	if len(files) == 0 {
		return PreviewResult{}, invalidf("", "no file sections found")
	}

	plans := make([]FilePlan, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, fd := range files {
		if err := ctx.Err(); err != nil {
			return PreviewResult{}, err
		}
		plan, err := p.buildPlan(fd)
		if err != nil {
			return PreviewResult{}, err
		}
		if seen[plan.AbsPath] {
			return PreviewResult{}, invalidf(plan.RelPath, "file appears more than once")
		}
		seen[plan.AbsPath] = true
		plans = append(plans, plan)
	}

	s := &Session{ID: p.newID(), Diff: diff, CreatedAt: p.now(), Plans: plans}
	p.mu.Lock()
	p.purgeExpiredLocked()
	p.sessions[s.ID] = s
	p.mu.Unlock()

	res := PreviewResult{SessionID: s.ID, CreatedAt: s.CreatedAt, Files: make([]FileSummary, 0, len(plans))}
	for _, plan := range plans {
		res.Files = append(res.Files, FileSummary{
			Path:          plan.RelPath,
			Mode:          plan.Mode,
			OriginalBytes: len(plan.Original),
			PatchedBytes:  len(plan.Patched),
		})
	}
	p.logger.Info("patch previewed",
		slog.String("session_id", s.ID),
		slog.Int("files", len(plans)))
	return res, nil
}

func (p *Pipeline) buildPlan(fd FileDiff) (FilePlan, error) {
	oldName := stripDiffPrefix(fd.OldName)
	newName := stripDiffPrefix(fd.NewName)
	if oldName == "" && newName == "" {
		return FilePlan{}, invalidf("", "file section without names")
	}
	if fd.IsCreate() && fd.IsDelete() {
		return FilePlan{}, invalidf("", "both sides are %s", DevNull)
	}
	target := newName
	if fd.IsDelete() {
		target = oldName
	}
	if !fd.IsCreate() && !fd.IsDelete() && oldName != "" && oldName != newName {
		return FilePlan{}, invalidf(newName, "renames are not supported (from %s)", oldName)
	}

	rel, abs, err := p.resolve(target)
	if err != nil {
		return FilePlan{}, err
	}
	if err := p.checkSymlinks(rel, abs); err != nil {
		return FilePlan{}, err
	}

	info, err := p.fs.Stat(abs)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return FilePlan{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	if exists && info.IsDir() {
		return FilePlan{}, invalidf(rel, "target is a directory")
	}

	mode := ModeModify
	switch {
	case fd.IsCreate():
		mode = ModeCreate
	case fd.IsDelete():
		mode = ModeDelete
	case !exists:
		mode = ModeCreate
	}
	if mode == ModeCreate && exists {
		return FilePlan{}, invalidf(rel, "file already exists")
	}
	if mode != ModeCreate && !exists {
		return FilePlan{}, invalidf(rel, "file does not exist")
	}
	if len(fd.Hunks) == 0 {
		return FilePlan{}, invalidf(rel, "no hunks")
	}

	plan := FilePlan{AbsPath: abs, RelPath: rel, Mode: mode, ExistedBefore: exists, Perm: 0o644}
	if exists {
		plan.Perm = info.Mode().Perm()
		data, err := p.fs.ReadFile(abs)
		if err != nil {
			return FilePlan{}, invalidf(rel, "read current content: %v", err)
		}
		plan.Original = string(data)
	}

	plan.Patched, err = applyHunks(plan.Original, fd.Hunks)
	if err != nil {
		return FilePlan{}, invalidf(rel, "%v", err)
	}
	if mode == ModeDelete && plan.Patched != "" {
		return FilePlan{}, invalidf(rel, "delete leaves %d bytes behind", len(plan.Patched))
	}

	if err := p.checker.AssertWriteAllowed(rel, string(mode)); err != nil {
		return FilePlan{}, err
	}
	return plan, nil
}

// resolve maps a diff name to a root-relative slash path and an absolute
// path, rejecting anything outside the root before touching the filesystem.
func (p *Pipeline) resolve(name string) (string, string, error) {
	if name == "" || name == DevNull {
		return "", "", invalidf(name, "missing file name")
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(slashed) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", "", invalidf(name, "absolute paths are not allowed")
	}
	rel := path.Clean(slashed)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", "", invalidf(name, "path escapes the project root")
	}
	abs := filepath.Join(p.root, filepath.FromSlash(rel))
	if !p.within(abs) {
		return "", "", invalidf(name, "path escapes the project root")
	}
	return rel, abs, nil
}

func (p *Pipeline) within(abs string) bool {
	return under(p.root, abs)
}

func under(root, abs string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkSymlinks resolves the longest existing prefix of abs and rejects the
// path when a symlink carries it outside the root.
func (p *Pipeline) checkSymlinks(rel, abs string) error {
	existing := abs
	var rest []string
	for {
		prefix, err := p.fs.EvalSymlinks(existing)
		if err == nil {
			resolved := filepath.Join(append([]string{prefix}, rest...)...)
			if !under(p.realRoot, resolved) {
				return invalidf(rel, "path escapes the project root through a symlink")
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return invalidf(rel, "resolve symlinks: %v", err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

// Apply commits a previewed session. On lock conflict the session is kept
// so the caller can retry; once locks are held the session is consumed,
// whatever the outcome.
func (p *Pipeline) Apply(id string) (ApplyResult, error) {
	s, err := p.lookup(id)
	if err != nil {
		return ApplyResult{}, err
	}

	paths := make([]string, len(s.Plans))
	for i, plan := range s.Plans {
		paths[i] = plan.AbsPath
	}
	if err := p.locks.acquire(id, paths); err != nil {
		p.logger.Warn("patch apply blocked by lock",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		return ApplyResult{}, err
	}
	defer p.locks.release(id, paths)

	p.mu.Lock()
	if p.sessions[id] != s {
		p.mu.Unlock()
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(p.sessions, id)
	p.mu.Unlock()

	var undo []undoStep
	for _, plan := range s.Plans {
		step, err := p.applyPlan(plan)
		if err != nil {
			p.rollback(id, undo)
			p.logger.Error("patch apply failed",
				slog.String("session_id", id),
				slog.String("path", plan.RelPath),
				slog.String("error", err.Error()))
			return ApplyResult{}, fmt.Errorf("apply %s: %w", plan.RelPath, err)
		}
		undo = append(undo, step)
	}

	res := ApplyResult{SessionID: id, Files: make([]AppliedFile, 0, len(s.Plans))}
	for _, plan := range s.Plans {
		res.Files = append(res.Files, AppliedFile{Path: plan.RelPath, Mode: plan.Mode})
	}
	p.logger.Info("patch applied",
		slog.String("session_id", id),
		slog.Int("files", len(res.Files)))
	return res, nil
}

type undoStep struct {
	path string
	run  func() error
}

func (p *Pipeline) applyPlan(plan FilePlan) (undoStep, error) {
	if !p.within(plan.AbsPath) {
		return undoStep{}, invalidf(plan.RelPath, "path escapes the project root")
	}
	// The tree may have changed since preview.
	if err := p.checkSymlinks(plan.RelPath, plan.AbsPath); err != nil {
		return undoStep{}, err
	}
	switch plan.Mode {
	case ModeDelete:
		if plan.ExistedBefore {
			if err := p.fs.Remove(plan.AbsPath); err != nil {
				return undoStep{}, err
			}
		}
		return undoStep{path: plan.RelPath, run: func() error {
			if !plan.ExistedBefore {
				return nil
			}
			if err := p.fs.MkdirAll(filepath.Dir(plan.AbsPath), 0o755); err != nil {
				return err
			}
			return p.fs.WriteFileAtomic(plan.AbsPath, []byte(plan.Original), plan.Perm)
		}}, nil

	default:
		if err := p.fs.MkdirAll(filepath.Dir(plan.AbsPath), 0o755); err != nil {
			return undoStep{}, err
		}
		if err := p.fs.WriteFileAtomic(plan.AbsPath, []byte(plan.Patched), plan.Perm); err != nil {
			return undoStep{}, err
		}
		return undoStep{path: plan.RelPath, run: func() error {
			if plan.ExistedBefore {
				return p.fs.WriteFileAtomic(plan.AbsPath, []byte(plan.Original), plan.Perm)
			}
			return p.fs.Remove(plan.AbsPath)
		}}, nil
	}
}

// rollback runs undo steps newest first. Failures are logged and skipped.
func (p *Pipeline) rollback(id string, steps []undoStep) {
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].run(); err != nil {
			p.logger.Error("rollback step failed",
				slog.String("session_id", id),
				slog.String("path", steps[i].path),
				slog.String("error", err.Error()))
		}
	}
}

// Cancel discards a session without touching the filesystem.
func (p *Pipeline) Cancel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok || p.expired(s) {
		delete(p.sessions, id)
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(p.sessions, id)
	p.logger.Info("patch cancelled", slog.String("session_id", id))
	return nil
}

// Session returns a copy of a live session.
func (p *Pipeline) Session(id string) (Session, error) {
	s, err := p.lookup(id)
	if err != nil {
		return Session{}, err
	}
	out := *s
	out.Plans = append([]FilePlan(nil), s.Plans...)
	return out, nil
}

// LockedPaths lists the absolute paths currently held by applies.
func (p *Pipeline) LockedPaths() []string {
	return p.locks.snapshot()
}

func (p *Pipeline) lookup(id string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if p.expired(s) {
		delete(p.sessions, id)
		p.logger.Info("patch session expired", slog.String("session_id", id))
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (p *Pipeline) expired(s *Session) bool {
	return p.ttl > 0 && p.now().Sub(s.CreatedAt) > p.ttl
}

func (p *Pipeline) purgeExpiredLocked() {
	for id, s := range p.sessions {
		if p.expired(s) {
			delete(p.sessions, id)
		}
	}
}
