// Package scheduler runs the gear pipeline: fetch, diff, match, dispatch and
// persist.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"gearwatch/internal/fetcher"
	"gearwatch/internal/filter"
	"gearwatch/internal/model"
	"gearwatch/internal/notify"
	"gearwatch/internal/sanitizer"
	"gearwatch/internal/snapshot"
)

// Run failure classes. Use errors.Is on the error returned by RunOnce.
var (
	ErrUpstream = errors.New("upstream error")
	ErrStorage  = errors.New("storage error")
)

// State is a stage of a pipeline run.
type State int

// Run states. TooEarly, Done and Failed are terminal.
const (
	Idle State = iota
	Fetching
	TooEarly
	Diffing
	Matching
	Dispatching
	Persisting
	Done
	Failed
)

var stateNames = [...]string{
	Idle:        "Idle",
	Fetching:    "Fetching",
	TooEarly:    "TooEarly",
	Diffing:     "Diffing",
	Matching:    "Matching",
	Dispatching: "Dispatching",
	Persisting:  "Persisting",
	Done:        "Done",
	Failed:      "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Report summarises one run.
type Report struct {
	State State
	// FailedIn is the stage that was running when the run failed.
	FailedIn State
	NewItems int
	Rejected int
	Matched  int
	Users    int
	Outcome  notify.Outcome
	Duration time.Duration
}

// Fetcher downloads the raw upstream snapshot.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Matcher resolves recipients for new gear.
type Matcher interface {
	MatchAll(ctx context.Context, gear []model.Gear) ([]filter.GearMatch, error)
}

// Dispatcher delivers per-user batches.
type Dispatcher interface {
	Dispatch(ctx context.Context, batches []notify.Batch) notify.Outcome
}

// Recorder receives run results, typically for metrics.
type Recorder interface {
	ObserveRun(state string, took time.Duration, newGear, rejected int, o notify.Outcome)
}

// Deps are the collaborators of a Scheduler. Metrics may be nil.
type Deps struct {
	Cache      snapshot.Cache
	Fetcher    Fetcher
	Sanitizer  *sanitizer.Sanitizer
	Matcher    Matcher
	Dispatcher Dispatcher
	Clock      clock.Clock
	Metrics    Recorder
}

// Config holds run timing and retry settings.
type Config struct {
	FetchTimeout    time.Duration
	StoreTimeout    time.Duration
	FetchAttempts   int
	FetchRetryDelay time.Duration
	// Interval is the period of Run. Zero disables the loop.
	Interval time.Duration
}

// Scheduler executes pipeline runs. Runs never overlap within a process.
type Scheduler struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	mu sync.Mutex
}

// New creates a Scheduler.
func New(deps Deps, cfg Config, log *slog.Logger) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if cfg.FetchAttempts < 1 {
		cfg.FetchAttempts = 1
	}
	if cfg.FetchRetryDelay <= 0 {
		cfg.FetchRetryDelay = time.Second
	}
	return &Scheduler{deps: deps, cfg: cfg, log: log}
}

// Run executes a run immediately and then every Interval, blocking until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	s.runLogged(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error("scheduled run", "error", err)
	}
}

// RunOnce executes the pipeline a single time. The snapshot cache is only
// written after every user has been dispatched, so a run that dies part way
// is repeated in full by the next one and already notified users are
// skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.deps.Clock.Now()
	r := &run{s: s, report: Report{State: Idle}}
	err := r.execute(ctx)

	r.report.Duration = s.deps.Clock.Now().Sub(start)
	if err != nil {
		r.report.FailedIn = r.report.State
		r.report.State = Failed
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveRun(r.report.State.String(), r.report.Duration,
			r.report.NewItems, r.report.Rejected, r.report.Outcome)
	}

	log := s.log.With(
		"state", r.report.State,
		"new", r.report.NewItems,
		"rejected", r.report.Rejected,
		"matched", r.report.Matched,
		"users", r.report.Users,
		"notified", r.report.Outcome.Notified,
		"already_notified", r.report.Outcome.AlreadyNotified,
		"no_subscriber", r.report.Outcome.NoSubscriber,
		"user_errors", r.report.Outcome.UserErrors,
		"devices_attempted", r.report.Outcome.DevicesAttempted,
		"devices_succeeded", r.report.Outcome.DevicesSucceeded,
		"devices_failed", r.report.Outcome.DevicesFailed,
		"duration", r.report.Duration,
	)
	if err != nil {
		log.Error("run failed", "stage", r.report.FailedIn, "error", err)
		return r.report, err
	}
	log.Info("run finished")
	return r.report, nil
}

type run struct {
	s      *Scheduler
	report Report
}

func (r *run) enter(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled before %s: %w", st, err)
	}
	r.s.log.Debug("run stage", "state", st)
	r.report.State = st
	return nil
}

func (r *run) execute(ctx context.Context) error {
	s := r.s

	if err := r.enter(ctx, Fetching); err != nil {
		return err
	}
	previous, err := s.readCache(ctx)
	if err != nil {
		return err
	}
	if snapshot.TooEarly(previous, s.deps.Clock.Now()) {
		r.report.State = TooEarly
		return nil
	}
	raw, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	current, err := fetcher.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w: %w", ErrUpstream, err)
	}

	if err := r.enter(ctx, Diffing); err != nil {
		return err
	}
	fresh := snapshot.NewItems(previous, current)
	gear, rejected := s.deps.Sanitizer.Sanitize(fresh)
	for _, rej := range rejected {
		s.log.Warn("rejected gear", "id", rej.Raw.ID, "name", rej.Raw.Name, "reason", rej.Reason)
	}
	r.report.NewItems = len(fresh)
	r.report.Rejected = len(rejected)

	if err := r.enter(ctx, Matching); err != nil {
		return err
	}
	matches, err := s.deps.Matcher.MatchAll(ctx, gear)
	if err != nil {
		return fmt.Errorf("match gear: %w: %w", ErrStorage, err)
	}
	for _, m := range matches {
		if len(m.Recipients) > 0 {
			r.report.Matched++
		}
	}

	if err := r.enter(ctx, Dispatching); err != nil {
		return err
	}
	batches := notify.Aggregate(matches)
	r.report.Users = len(batches)
	r.report.Outcome = s.deps.Dispatcher.Dispatch(ctx, batches)

	if err := r.enter(ctx, Persisting); err != nil {
		return err
	}
	if err := s.writeCache(ctx, raw); err != nil {
		return err
	}

	r.report.State = Done
	return nil
}

func (s *Scheduler) readCache(ctx context.Context) ([]model.RawGear, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout())
	defer cancel()

	cached, ok, err := s.deps.Cache.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cache: %w: %w", ErrStorage, err)
	}
	if !ok {
		s.log.Info("snapshot cache is empty, every listing counts as new")
		return nil, nil
	}
	previous, err := fetcher.Decode(cached)
	if err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w: %w", ErrStorage, err)
	}
	return previous, nil
}

func (s *Scheduler) writeCache(ctx context.Context, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout())
	defer cancel()

	if err := s.deps.Cache.Write(ctx, raw); err != nil {
		return fmt.Errorf("write cache: %w: %w", ErrStorage, err)
	}
	return nil
}

// fetch downloads the snapshot, retrying with a doubling delay. Each attempt
// has its own timeout.
func (s *Scheduler) fetch(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout())
			defer cancel()
			b, err := s.deps.Fetcher.Fetch(fctx)
			if err != nil {
				return err
			}
			raw = b
			return nil
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			s.log.Warn("fetch snapshot", "attempt", attempt, "error", err)
		},
		Attempts:    s.cfg.FetchAttempts,
		Delay:       s.cfg.FetchRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.deps.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if last := retry.LastError(err); last != nil {
			err = last
		}
		return nil, fmt.Errorf("fetch snapshot: %w: %w", ErrUpstream, err)
	}
	return raw, nil
}

func (s *Scheduler) fetchTimeout() time.Duration {
	if s.cfg.FetchTimeout <= 0 {
		return 30 * time.Second
	}
	return s.cfg.FetchTimeout
}

func (s *Scheduler) storeTimeout() time.Duration {
	if s.cfg.StoreTimeout <= 0 {
		return 10 * time.Second
	}
	return s.cfg.StoreTimeout
}
