// Package ledger is the durable store of escalation requests. Every mutation
// runs a full load-modify-save cycle under one mutex, and the backing file is
// rewritten wholesale through an atomic rename.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is an escalation's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusDenied:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

var (
	ErrNotFound           = errors.New("escalation not found")
	ErrInvalidStatus      = errors.New("invalid escalation status")
	ErrUnsupportedVersion = errors.New("unsupported ledger version")
	ErrAlreadyResolved    = errors.New("escalation already resolved")
)

// Record is one escalation request.
type Record struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	Mode        string     `json:"mode"`
	Reason      string     `json:"reason"`
	RequestedBy string     `json:"requested_by"`
	RequestedAt time.Time  `json:"requested_at"`
	Status      Status     `json:"status"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Resolver    string     `json:"resolver,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Request describes an escalation to record.
type Request struct {
	Path        string
	Mode        string
	Reason      string
	RequestedBy string
}

// Resolution moves a pending record to approved or denied.
type Resolution struct {
	ID       string
	Status   Status
	Resolver string
	Notes    string
}

// Filter narrows List. A zero Filter lists everything.
type Filter struct {
	Status Status
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store  *fileStore
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for degraded reads.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(fn func() string) Option {
	return func(lg *Ledger) { lg.newID = fn }
}

// Open returns a ledger backed by the file at path. The file is created on
// the first write.
func Open(path string, opts ...Option) *Ledger {
	l := &Ledger{
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.store = &fileStore{path: path, logger: l.logger, now: l.now}
	return l
}

// Path returns the backing file.
func (l *Ledger) Path() string {
	return l.store.path
}

// Record stores a new pending escalation, or returns the pending record with
// the same path, mode and reason.
func (l *Ledger) Record(req Request) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := l.store.load()
	for _, rec := range doc.Escalations {
		if rec.Status == StatusPending && rec.Path == req.Path && rec.Mode == req.Mode && rec.Reason == req.Reason {
			return rec, nil
		}
	}

	rec := Record{
		ID:          l.newID(),
		Path:        req.Path,
		Mode:        req.Mode,
		Reason:      req.Reason,
		RequestedBy: req.RequestedBy,
		RequestedAt: l.now().UTC(),
		Status:      StatusPending,
	}
	doc.Escalations = append(doc.Escalations, rec)
	if err := l.store.save(doc); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns records ordered by request time.
func (l *Ledger) List(f Filter) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := l.store.load()
	out := make([]Record, 0, len(doc.Escalations))
	for _, rec := range doc.Escalations {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Get returns the record with id.
func (l *Ledger) Get(id string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := l.store.load()
	if idx := indexOf(doc.Escalations, id); idx >= 0 {
		return doc.Escalations[idx], nil
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// FindApproved returns the most recently resolved approved record for path
// and mode.
func (l *Ledger) FindApproved(path, mode string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		found Record
		ok    bool
	)
	for _, rec := range l.store.load().Escalations {
		if rec.Status != StatusApproved || rec.Path != path || rec.Mode != mode {
			continue
		}
		if !ok || resolvedAt(rec).After(resolvedAt(found)) {
			found, ok = rec, true
		}
	}
	return found, ok
}

// Resolve approves or denies a pending record. Resolving an already resolved
// record returns it unchanged.
func (l *Ledger) Resolve(res Resolution) (Record, error) {
	rec, _, err := l.resolve(res)
	return rec, err
}

// ResolvePending is Resolve for callers that must know whether they made the
// decision. A record that was no longer pending is returned together with
// ErrAlreadyResolved.
func (l *Ledger) ResolvePending(res Resolution) (Record, error) {
	rec, changed, err := l.resolve(res)
	if err != nil {
		return Record{}, err
	}
	if !changed {
		return rec, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, rec.ID, rec.Status)
	}
	return rec, nil
}

func (l *Ledger) resolve(res Resolution) (Record, bool, error) {
	if res.Status != StatusApproved && res.Status != StatusDenied {
		return Record{}, false, fmt.Errorf("%w: cannot resolve to %q", ErrInvalidStatus, res.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	doc := l.store.load()
	idx := indexOf(doc.Escalations, res.ID)
	if idx < 0 {
		return Record{}, false, fmt.Errorf("%w: %s", ErrNotFound, res.ID)
	}
	rec := doc.Escalations[idx]
	if rec.Status != StatusPending {
		return rec, false, nil
	}

	now := l.now().UTC()
	rec.Status = res.Status
	rec.ResolvedAt = &now
	rec.Resolver = res.Resolver
	rec.Notes = res.Notes
	doc.Escalations[idx] = rec
	if err := l.store.save(doc); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func indexOf(records []Record, id string) int {
	for i, rec := range records {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

func resolvedAt(rec Record) time.Time {
	if rec.ResolvedAt != nil {
		return *rec.ResolvedAt
	}
	return rec.RequestedAt
}
