package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".patchgate", "escalations.json")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick int
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return Open(path, WithClock(clock)), path
}

func TestRecordDeduplicatesPending(t *testing.T) {
	l, _ := newTestLedger(t)
	req := Request{Path: "tool:apply_patch", Mode: "write", Reason: "apply_patch requires write role", RequestedBy: "bot"}

	first, err := l.Record(req)
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)

	second, err := l.Record(req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	other, err := l.Record(Request{Path: "tool:apply_patch", Mode: "admin", Reason: req.Reason})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	require.Len(t, l.List(Filter{}), 2)
}

func TestRecordAfterResolutionCreatesNewRecord(t *testing.T) {
	l, _ := newTestLedger(t)
	req := Request{Path: "tool:x", Mode: "write", Reason: "r"}

	first, err := l.Record(req)
	require.NoError(t, err)
	_, err = l.Resolve(Resolution{ID: first.ID, Status: StatusDenied})
	require.NoError(t, err)

	second, err := l.Record(req)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestResolveIsMonotonic(t *testing.T) {
	l, _ := newTestLedger(t)
	rec, err := l.Record(Request{Path: "tool:delete_node", Mode: "admin", Reason: "r", RequestedBy: "bot"})
	require.NoError(t, err)

	approved, err := l.Resolve(Resolution{ID: rec.ID, Status: StatusApproved, Resolver: "alice", Notes: "ok"})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ResolvedAt)
	require.Equal(t, "alice", approved.Resolver)

	again, err := l.Resolve(Resolution{ID: rec.ID, Status: StatusDenied, Resolver: "mallory", Notes: "no"})
	require.NoError(t, err)
	require.Equal(t, approved.ID, again.ID)
	require.Equal(t, StatusApproved, again.Status)
	require.Equal(t, "alice", again.Resolver)
	require.True(t, approved.ResolvedAt.Equal(*again.ResolvedAt))

	stored, err := l.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, stored.Status)
	require.Equal(t, "ok", stored.Notes)
}

func TestResolvePendingHasOneWinner(t *testing.T) {
	l, _ := newTestLedger(t)
	rec, err := l.Record(Request{Path: "tool:apply_patch", Mode: "write", Reason: "r"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusApproved
			if i%2 == 1 {
				status = StatusDenied
			}
			user := fmt.Sprintf("op-%d", i)
			got, err := l.ResolvePending(Resolution{ID: rec.ID, Status: status, Resolver: user})
			if err != nil {
				assert.ErrorIs(t, err, ErrAlreadyResolved)
				assert.NotEqual(t, user, got.Resolver)
				return
			}
			mu.Lock()
			winners = append(winners, got.Resolver)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.Len(t, winners, 1)

	stored, err := l.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, winners[0], stored.Resolver)
}

func TestResolveErrors(t *testing.T) {
	l, _ := newTestLedger(t)
	rec, err := l.Record(Request{Path: "a", Mode: "write", Reason: "r"})
	require.NoError(t, err)

	_, err = l.Resolve(Resolution{ID: rec.ID, Status: StatusPending})
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = l.Resolve(Resolution{ID: "missing", Status: StatusApproved})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = l.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersAndSorts(t *testing.T) {
	l, path := newTestLedger(t)
	a, err := l.Record(Request{Path: "a", Mode: "write", Reason: "r"})
	require.NoError(t, err)
	b, err := l.Record(Request{Path: "b", Mode: "write", Reason: "r"})
	require.NoError(t, err)
	_, err = l.Resolve(Resolution{ID: a.ID, Status: StatusApproved})
	require.NoError(t, err)

	// Reverse the on-disk order to prove List sorts by request time.
	var doc document
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	doc.Escalations[0], doc.Escalations[1] = doc.Escalations[1], doc.Escalations[0]
	data, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	all := l.List(Filter{})
	require.Len(t, all, 2)
	require.Equal(t, a.ID, all[0].ID)
	require.Equal(t, b.ID, all[1].ID)

	pending := l.List(Filter{Status: StatusPending})
	require.Len(t, pending, 1)
	require.Equal(t, b.ID, pending[0].ID)
}

func TestFindApproved(t *testing.T) {
	l, _ := newTestLedger(t)
	_, ok := l.FindApproved("tool:x", "write")
	require.False(t, ok)

	rec, err := l.Record(Request{Path: "tool:x", Mode: "write", Reason: "r"})
	require.NoError(t, err)
	_, ok = l.FindApproved("tool:x", "write")
	require.False(t, ok)

	_, err = l.Resolve(Resolution{ID: rec.ID, Status: StatusApproved})
	require.NoError(t, err)
	found, ok := l.FindApproved("tool:x", "write")
	require.True(t, ok)
	require.Equal(t, rec.ID, found.ID)

	_, ok = l.FindApproved("tool:x", "admin")
	require.False(t, ok)
}

func TestConcurrentRecordsAreSerialized(t *testing.T) {
	l, _ := newTestLedger(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Record(Request{Path: fmt.Sprintf("p%d", i%5), Mode: "write", Reason: "r"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Len(t, l.List(Filter{}), 5)
}

func TestLoadDegradesToEmpty(t *testing.T) {
	l, path := newTestLedger(t)
	require.Empty(t, l.List(Filter{}))

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	require.Empty(t, l.List(Filter{}))

	rec, err := l.Record(Request{Path: "a", Mode: "write", Reason: "r"})
	require.NoError(t, err)
	got, err := l.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)

	kept, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, kept, 1, "corrupt content is moved aside before the rewrite")
	data, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	require.Equal(t, "{not json", string(data))

	_, err = l.Record(Request{Path: "b", Mode: "write", Reason: "r"})
	require.NoError(t, err)
	kept, err = filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, kept, 1)
	require.Len(t, l.List(Filter{}), 2)
}

func TestLegacyArrayAndVersioning(t *testing.T) {
	l, path := newTestLedger(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	legacy := `[{"id":"old-1","path":"tool:x","mode":"write","reason":"r","requested_at":"2025-01-01T00:00:00Z","status":"pending"}]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	_, err := l.Resolve(Resolution{ID: "old-1", Status: StatusApproved})
	require.NoError(t, err)

	var doc document
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, formatVersion, doc.Version)
	require.Len(t, doc.Escalations, 1)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"escalations":[]}`), 0o644))
	require.Empty(t, l.List(Filter{}))
	_, err = l.Record(Request{Path: "a", Mode: "write", Reason: "r"})
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestSaveFailureIsReturned(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	l := Open(filepath.Join(blocker, "escalations.json"))
	_, err := l.Record(Request{Path: "a", Mode: "write", Reason: "r"})
	require.Error(t, err)
}

func TestWaitReturnsOnResolution(t *testing.T) {
	l, path := newTestLedger(t)
	rec, err := l.Record(Request{Path: "tool:x", Mode: "write", Reason: "r"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan Record, 1)
	errs := make(chan error, 1)
	go func() {
		got, err := l.Wait(ctx, rec.ID)
		if err != nil {
			errs <- err
			return
		}
		done <- got
	}()

	// A second handle on the same file stands in for another process.
	other := Open(path)
	time.Sleep(50 * time.Millisecond)
	_, err = other.Resolve(Resolution{ID: rec.ID, Status: StatusApproved, Resolver: "alice"})
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Equal(t, StatusApproved, got.Status)
	case err := <-errs:
		t.Fatalf("wait failed: %v", err)
	case <-ctx.Done():
		t.Fatal("wait did not observe resolution")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	l, _ := newTestLedger(t)
	rec, err := l.Record(Request{Path: "tool:x", Mode: "write", Reason: "r"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := l.Wait(ctx, rec.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StatusPending, got.Status)

	_, err = l.Wait(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
