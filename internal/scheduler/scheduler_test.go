package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/juju/clock"
	"github.com/juju/collections/set"

	"gearwatch/internal/catalog"
	"gearwatch/internal/filter"
	"gearwatch/internal/model"
	"gearwatch/internal/notify"
	"gearwatch/internal/sanitizer"
	"gearwatch/internal/storage"
)

var (
	beforeRotation = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	helmetExpiry   = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
)

var ignoreDuration = cmpopts.IgnoreFields(Report{}, "Duration")

type fixedClock struct {
	clock.Clock
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type fakeFetcher struct {
	mu    sync.Mutex
	body  []byte
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memCache struct {
	data     []byte
	ok       bool
	readErr  error
	writeErr error
	writes   int
}

func (c *memCache) Read(_ context.Context) ([]byte, bool, error) {
	if c.readErr != nil {
		return nil, false, c.readErr
	}
	return c.data, c.ok, nil
}

func (c *memCache) Write(_ context.Context, raw []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes++
	c.data = raw
	c.ok = true
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []model.Payload
}

func (s *recordingSender) Send(_ context.Context, _ model.Subscription, p model.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	return nil
}

type recordingMetrics struct {
	states []string
}

func (m *recordingMetrics) ObserveRun(state string, _ time.Duration, _, _ int, _ notify.Outcome) {
	m.states = append(m.states, state)
}

type failingMatcher struct{ err error }

func (m failingMatcher) MatchAll(context.Context, []model.Gear) ([]filter.GearMatch, error) {
	return nil, m.err
}

type countingDispatcher struct{ calls int }

func (d *countingDispatcher) Dispatch(context.Context, []notify.Batch) notify.Outcome {
	d.calls++
	return notify.Outcome{}
}

func loadFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("../../testdata/gear.json")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pipeline struct {
	sched   *Scheduler
	store   *storage.SQLite
	fetcher *fakeFetcher
	cache   *memCache
	sender  *recordingSender
	metrics *recordingMetrics
	userID  int64
}

// newPipeline wires real storage, catalog, matcher and dispatcher around a
// fake upstream and cache. It seeds one user following the Forge brand with
// a single subscription.
func newPipeline(t *testing.T, now time.Time, f *fakeFetcher, cache *memCache) *pipeline {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	u, err := store.CreateUser(ctx)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	flt := model.Filter{Brands: set.NewStrings("Forge")}
	if err := store.SaveFilter(ctx, &flt); err != nil {
		t.Fatalf("save filter: %v", err)
	}
	if err := store.AttachFilter(ctx, u.ID, flt.ID); err != nil {
		t.Fatalf("attach filter: %v", err)
	}
	if err := store.AddSubscription(ctx, &model.Subscription{UserID: u.ID, Endpoint: "https://push.example.com/1"}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	clk := fixedClock{Clock: clock.WallClock, now: now}
	sender := &recordingSender{}
	metrics := &recordingMetrics{}
	log := discardLogger()

	sched := New(Deps{
		Cache:      cache,
		Fetcher:    f,
		Sanitizer:  sanitizer.New(cat, "/static/gear"),
		Matcher:    filter.NewMatcher(store, 4, log),
		Dispatcher: notify.New(store, sender, clk, notify.Config{Concurrency: 4}, log),
		Clock:      clk,
		Metrics:    metrics,
	}, Config{
		FetchAttempts:   3,
		FetchRetryDelay: time.Millisecond,
	}, log)

	return &pipeline{
		sched:   sched,
		store:   store,
		fetcher: f,
		cache:   cache,
		sender:  sender,
		metrics: metrics,
		userID:  u.ID,
	}
}

func (p *pipeline) watermark(t *testing.T) time.Time {
	t.Helper()
	u, err := p.store.GetUser(context.Background(), p.userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.LastNotified
}

func TestRunOnceFirstRun(t *testing.T) {
	body := loadFixture(t)
	p := newPipeline(t, beforeRotation, &fakeFetcher{body: body}, &memCache{})

	got, err := p.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	want := Report{
		State:    Done,
		NewItems: 4,
		Rejected: 1,
		Matched:  2,
		Users:    1,
		Outcome:  notify.Outcome{Notified: 1, DevicesAttempted: 1, DevicesSucceeded: 1},
	}
	if diff := cmp.Diff(want, got, ignoreDuration); diff != "" {
		t.Errorf("RunOnce() mismatch (-want +got):\n%s", diff)
	}
	if wm := p.watermark(t); !wm.Equal(helmetExpiry) {
		t.Errorf("watermark = %v, want %v", wm, helmetExpiry)
	}
	if diff := cmp.Diff(string(body), string(p.cache.data)); diff != "" {
		t.Errorf("cached snapshot mismatch (-want +got):\n%s", diff)
	}

	wantPayloads := []model.Payload{{
		Title: "2 new gear items in the shop",
		Body:  "Forge Inkling Parka (Run Speed Up)\nHockey Helmet (Tenacity)",
		Image: "/static/gear/clothing/forge-inkling-parka.png",
		TTL:   86400,
		Tag:   "gear-1792368000",
	}}
	if diff := cmp.Diff(wantPayloads, p.sender.sent); diff != "" {
		t.Errorf("sent payloads mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Done"}, p.metrics.states); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnceTooEarly(t *testing.T) {
	body := loadFixture(t)
	f := &fakeFetcher{body: body}
	cache := &memCache{data: body, ok: true}
	p := newPipeline(t, time.Date(2026, 10, 18, 1, 0, 0, 0, time.UTC), f, cache)

	got, err := p.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got.State != TooEarly {
		t.Errorf("State = %v, want %v", got.State, TooEarly)
	}
	if f.callCount() != 0 {
		t.Errorf("fetcher called %d times, want 0", f.callCount())
	}
	if cache.writes != 0 {
		t.Errorf("cache written %d times, want 0", cache.writes)
	}
	if len(p.sender.sent) != 0 {
		t.Errorf("sent %d payloads, want 0", len(p.sender.sent))
	}
}

func TestRunOnceNoNewGear(t *testing.T) {
	body := loadFixture(t)
	cache := &memCache{data: body, ok: true}
	p := newPipeline(t, time.Date(2026, 10, 18, 5, 0, 0, 0, time.UTC), &fakeFetcher{body: body}, cache)

	got, err := p.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if diff := cmp.Diff(Report{State: Done}, got, ignoreDuration); diff != "" {
		t.Errorf("RunOnce() mismatch (-want +got):\n%s", diff)
	}
	if cache.writes != 1 {
		t.Errorf("cache written %d times, want 1", cache.writes)
	}
	if wm := p.watermark(t); !wm.IsZero() {
		t.Errorf("watermark = %v, want zero", wm)
	}
}

func TestRunOnceUpstreamFailure(t *testing.T) {
	tests := []struct {
		name      string
		fetcher   *fakeFetcher
		wantCalls int
	}{
		{
			name:      "fetch keeps failing",
			fetcher:   &fakeFetcher{err: errors.New("connection refused")},
			wantCalls: 3,
		},
		{
			name:      "malformed response",
			fetcher:   &fakeFetcher{body: []byte(`{"data":{}}`)},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := &memCache{}
			p := newPipeline(t, beforeRotation, tt.fetcher, cache)

			got, err := p.sched.RunOnce(context.Background())
			if !errors.Is(err, ErrUpstream) {
				t.Fatalf("RunOnce() error = %v, want %v", err, ErrUpstream)
			}
			if got.State != Failed || got.FailedIn != Fetching {
				t.Errorf("State = %v in %v, want %v in %v", got.State, got.FailedIn, Failed, Fetching)
			}
			if n := tt.fetcher.callCount(); n != tt.wantCalls {
				t.Errorf("fetcher called %d times, want %d", n, tt.wantCalls)
			}
			if cache.writes != 0 {
				t.Errorf("cache written %d times, want 0", cache.writes)
			}
			if len(p.sender.sent) != 0 {
				t.Errorf("sent %d payloads, want 0", len(p.sender.sent))
			}
			if diff := cmp.Diff([]string{"Failed"}, p.metrics.states); diff != "" {
				t.Errorf("metrics mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunOnceRetriesTransientFetchFailure(t *testing.T) {
	body := loadFixture(t)
	f := &flakyFetcher{failures: 2, body: body}
	p := newPipeline(t, beforeRotation, nil, &memCache{})
	p.sched.deps.Fetcher = f

	got, err := p.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got.State != Done {
		t.Errorf("State = %v, want %v", got.State, Done)
	}
	if f.calls != 3 {
		t.Errorf("fetcher called %d times, want 3", f.calls)
	}
}

type flakyFetcher struct {
	failures int
	body     []byte
	calls    int
}

func (f *flakyFetcher) Fetch(context.Context) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("503 service unavailable")
	}
	return f.body, nil
}

func TestRunOnceCacheReadFailure(t *testing.T) {
	f := &fakeFetcher{body: loadFixture(t)}
	p := newPipeline(t, beforeRotation, f, &memCache{readErr: errors.New("disk I/O error")})

	_, err := p.sched.RunOnce(context.Background())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("RunOnce() error = %v, want %v", err, ErrStorage)
	}
	if f.callCount() != 0 {
		t.Errorf("fetcher called %d times, want 0", f.callCount())
	}
}

func TestRunOnceMatchFailure(t *testing.T) {
	cache := &memCache{}
	p := newPipeline(t, beforeRotation, &fakeFetcher{body: loadFixture(t)}, cache)
	d := &countingDispatcher{}
	p.sched.deps.Matcher = failingMatcher{err: errors.New("database is locked")}
	p.sched.deps.Dispatcher = d

	got, err := p.sched.RunOnce(context.Background())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("RunOnce() error = %v, want %v", err, ErrStorage)
	}
	if got.FailedIn != Matching {
		t.Errorf("FailedIn = %v, want %v", got.FailedIn, Matching)
	}
	if d.calls != 0 {
		t.Errorf("dispatcher called %d times, want 0", d.calls)
	}
	if cache.writes != 0 {
		t.Errorf("cache written %d times, want 0", cache.writes)
	}
}

func TestRunOnceRecoversFromFailedPersist(t *testing.T) {
	body := loadFixture(t)
	cache := &memCache{writeErr: errors.New("disk full")}
	p := newPipeline(t, beforeRotation, &fakeFetcher{body: body}, cache)
	ctx := context.Background()

	got, err := p.sched.RunOnce(ctx)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("first RunOnce() error = %v, want %v", err, ErrStorage)
	}
	if got.FailedIn != Persisting {
		t.Errorf("FailedIn = %v, want %v", got.FailedIn, Persisting)
	}
	if wm := p.watermark(t); !wm.Equal(helmetExpiry) {
		t.Fatalf("watermark = %v, want %v", wm, helmetExpiry)
	}

	cache.writeErr = nil
	got, err = p.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	want := Report{
		State:    Done,
		NewItems: 4,
		Rejected: 1,
		Matched:  2,
		Users:    1,
		Outcome:  notify.Outcome{AlreadyNotified: 1},
	}
	if diff := cmp.Diff(want, got, ignoreDuration); diff != "" {
		t.Errorf("second RunOnce() mismatch (-want +got):\n%s", diff)
	}
	if len(p.sender.sent) != 1 {
		t.Errorf("sent %d payloads across both runs, want 1", len(p.sender.sent))
	}
	if cache.writes != 1 {
		t.Errorf("cache written %d times, want 1", cache.writes)
	}
}

func TestRunOnceCancelled(t *testing.T) {
	f := &fakeFetcher{body: loadFixture(t)}
	p := newPipeline(t, beforeRotation, f, &memCache{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := p.sched.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunOnce() error = %v, want %v", err, context.Canceled)
	}
	if got.State != Failed {
		t.Errorf("State = %v, want %v", got.State, Failed)
	}
	if f.callCount() != 0 {
		t.Errorf("fetcher called %d times, want 0", f.callCount())
	}
}

func TestRunLoop(t *testing.T) {
	f := &fakeFetcher{err: errors.New("unreachable")}
	p := newPipeline(t, beforeRotation, f, &memCache{})
	p.sched.cfg.FetchAttempts = 1
	p.sched.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.sched.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not run repeatedly")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestRunDisabled(t *testing.T) {
	f := &fakeFetcher{body: loadFixture(t)}
	p := newPipeline(t, beforeRotation, f, &memCache{})

	p.sched.Run(context.Background())

	if f.callCount() != 0 {
		t.Errorf("fetcher called %d times, want 0", f.callCount())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Idle:      "Idle",
		TooEarly:  "TooEarly",
		Done:      "Done",
		Failed:    "Failed",
		State(42): "State(42)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
