package runs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ZeeWorkflow/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustCreate(t *testing.T, r *Registry, run *Run) {
	t.Helper()
	if run.MaxRetries == 0 {
		run.MaxRetries = 3
	}
	if err := r.Create(context.Background(), run); err != nil {
		t.Fatalf("create %s: %v", run.ID, err)
	}
}

func finish(t *testing.T, r *Registry, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.Claim(ctx, id); err != nil {
		t.Fatalf("claim %s: %v", id, err)
	}
	if err := r.MarkSucceeded(ctx, id, &workflow.Result{RunID: id, Content: "done " + id}); err != nil {
		t.Fatalf("mark succeeded %s: %v", id, err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{}, WithClock(clock.Now))
	ctx := context.Background()

	mustCreate(t, r, &Run{ID: "r1", Goal: "g1", MaxRetries: 2})
	if err := r.Create(ctx, &Run{ID: "r1", Goal: "again"}); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("duplicate id must conflict, got %v", err)
	}

	run, err := r.Claim(ctx, "r1")
	if err != nil || run.Status != StatusRunning || run.Attempts != 1 {
		t.Fatalf("unexpected claim %+v %v", run, err)
	}
	if _, err := r.Claim(ctx, "r1"); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("running run must not be claimed twice, got %v", err)
	}

	partial := &workflow.Result{Context: []workflow.ContextItem{{Role: "user", Content: "g1"}}}
	if err := r.MarkFailed(ctx, "r1", "GENERATION_FAILED", "boom", partial, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	run, _ = r.Get(ctx, "r1")
	if run.Status != StatusPending || run.LastError != "boom" || len(run.Result.Context) != 1 {
		t.Fatalf("non-terminal failure must return to pending with partial context: %+v", run)
	}

	if _, err := r.Claim(ctx, "r1"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if err := r.MarkFailed(ctx, "r1", "GENERATION_FAILED", "boom again", nil, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := r.Claim(ctx, "r1"); !errors.Is(err, ErrRunExhausted) {
		t.Fatalf("attempts exhausted, got %v", err)
	}

	if _, err := r.Get(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	mustCreate(t, r, &Run{ID: "r1", Goal: "g"})
	finish(t, r, "r1")

	run, _ := r.Get(context.Background(), "r1")
	run.Goal = "mutated"
	run.Result.Content = "mutated"
	again, _ := r.Get(context.Background(), "r1")
	if again.Goal != "g" || again.Result.Content != "done r1" {
		t.Fatalf("registry state leaked through a returned copy")
	}
}

func TestRegistrySweepEvictsIdleTerminalRuns(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{TTL: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	mustCreate(t, r, &Run{ID: "done", Goal: "g"})
	mustCreate(t, r, &Run{ID: "busy", Goal: "g"})
	mustCreate(t, r, &Run{ID: "recent", Goal: "g"})
	finish(t, r, "done")
	finish(t, r, "recent")
	if _, err := r.Claim(ctx, "busy"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.Advance(50 * time.Second)
	if _, err := r.Get(ctx, "recent"); err != nil {
		t.Fatalf("get: %v", err)
	}
	clock.Advance(20 * time.Second)

	if removed := r.Sweep(clock.Now()); removed != 1 {
		t.Fatalf("expected one eviction, got %d", removed)
	}
	if _, err := r.Get(ctx, "done"); !errors.Is(err, ErrRunEvicted) {
		t.Fatalf("evicted run must report RUN_EVICTED, got %v", err)
	}
	if _, err := r.Get(ctx, "recent"); err != nil {
		t.Fatalf("recently accessed run must survive: %v", err)
	}

	clock.Advance(time.Hour)
	r.Sweep(clock.Now())
	if _, err := r.Get(ctx, "busy"); err != nil {
		t.Fatalf("running runs are never evicted: %v", err)
	}
	stats, _ := r.Stats(ctx, ListOptions{})
	if stats.Evicted != 2 || stats.Total != 1 || stats.Running != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRegistryCapacityEviction(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{MaxRuns: 2}, WithClock(clock.Now))
	ctx := context.Background()

	mustCreate(t, r, &Run{ID: "a", Goal: "g"})
	clock.Advance(time.Second)
	mustCreate(t, r, &Run{ID: "b", Goal: "g"})

	if err := r.Create(ctx, &Run{ID: "c", Goal: "g", MaxRetries: 1}); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("full registry without terminal runs must reject, got %v", err)
	}

	finish(t, r, "b")
	clock.Advance(time.Second)
	finish(t, r, "a")
	clock.Advance(time.Second)

	mustCreate(t, r, &Run{ID: "c", Goal: "g"})
	if r.Len() != 2 {
		t.Fatalf("registry must stay at capacity, got %d", r.Len())
	}
	if _, err := r.Get(ctx, "b"); !errors.Is(err, ErrRunEvicted) {
		t.Fatalf("least recently used terminal run must go first, got %v", err)
	}
	if _, err := r.Get(ctx, "a"); err != nil {
		t.Fatalf("a must survive: %v", err)
	}
}

func TestRegistryEvictRequiresTerminal(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()
	mustCreate(t, r, &Run{ID: "a", Goal: "g", SessionKey: "chat-1"})

	if err := r.Evict(ctx, "a"); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("pending run must not be evicted, got %v", err)
	}
	finish(t, r, "a")
	if err := r.Evict(ctx, "a"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if _, err := r.Lookup(ctx, "chat-1"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("session index must be cleared, got %v", err)
	}
	if err := r.Evict(ctx, "a"); !errors.Is(err, ErrRunEvicted) {
		t.Fatalf("second evict must report RUN_EVICTED, got %v", err)
	}
}

func TestRegistryLookupReturnsLatestRun(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{}, WithClock(clock.Now))
	mustCreate(t, r, &Run{ID: "first", Goal: "g", SessionKey: "chat-1"})
	clock.Advance(time.Second)
	mustCreate(t, r, &Run{ID: "second", Goal: "g", SessionKey: "chat-1"})

	run, err := r.Lookup(context.Background(), "chat-1")
	if err != nil || run.ID != "second" {
		t.Fatalf("expected latest run, got %+v %v", run, err)
	}
}

func TestRegistryListWithFilters(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{}, WithClock(clock.Now))
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		mustCreate(t, r, &Run{ID: id, Goal: "goal " + id, SessionKey: "s"})
		clock.Advance(time.Second)
	}
	if err := r.MarkFailed(ctx, "t2", CodeRunExecution, "boom", nil, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	clock.Advance(time.Second)
	finish(t, r, "t3")

	all, err := r.List(ctx, ListOptions{})
	if err != nil || len(all) != 3 || all[0].ID != "t3" {
		t.Fatalf("expected newest run first, got %+v %v", all, err)
	}

	failed, _ := r.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list %+v", failed)
	}

	withResult, _ := r.List(ctx, BuildListOptions(WithResultPresence(true)))
	if len(withResult) != 1 || withResult[0].ID != "t3" {
		t.Fatalf("unexpected result filter %+v", withResult)
	}

	asc, _ := r.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(1)))
	if len(asc) != 1 || asc[0].ID != "t1" {
		t.Fatalf("unexpected ascending list %+v", asc)
	}

	paged, _ := r.List(ctx, BuildListOptions(WithOffset(1), WithLimit(1)))
	if len(paged) != 1 || paged[0].ID != "t2" {
		t.Fatalf("unexpected page %+v", paged)
	}

	byQuery, _ := r.List(ctx, BuildListOptions(WithQuery("DONE T3")))
	if len(byQuery) != 1 || byQuery[0].ID != "t3" {
		t.Fatalf("query must match the final answer, got %+v", byQuery)
	}

	beyond, _ := r.List(ctx, BuildListOptions(WithOffset(10)))
	if len(beyond) != 0 {
		t.Fatalf("offset past the end must be empty")
	}

	stats, _ := r.Stats(ctx, BuildListOptions(WithSessionKey("s")))
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStartJanitor(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{TTL: time.Millisecond}, WithClock(clock.Now))
	mustCreate(t, r, &Run{ID: "a", Goal: "g"})
	finish(t, r, "a")
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 5*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for r.Len() > 0 {
		select {
		case <-deadline:
			t.Fatalf("janitor did not sweep the idle run")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
