package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"gearwatch/internal/model"
	"gearwatch/internal/push"
)

// Store is the per-user state the Dispatcher reads and writes.
type Store interface {
	ListSubscriptions(ctx context.Context, userID int64, now time.Time) ([]model.Subscription, error)
	AdvanceWatermark(ctx context.Context, userID int64, exp time.Time) error
	DeleteSubscription(ctx context.Context, id int64) error
}

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub model.Subscription, p model.Payload) error
}

// Config tunes a Dispatcher.
type Config struct {
	Mode         PayloadMode
	Concurrency  int
	SendTimeout  time.Duration
	StoreTimeout time.Duration
	// PruneGone deletes subscriptions the transport reports as gone.
	PruneGone bool
}

// Outcome counts what happened during a dispatch. Counts are for reporting
// only.
type Outcome struct {
	Notified         int
	AlreadyNotified  int
	NoSubscriber     int
	UserErrors       int
	DevicesAttempted int
	DevicesSucceeded int
	DevicesFailed    int
	Pruned           int
}

func (o *Outcome) add(other Outcome) {
	o.Notified += other.Notified
	o.AlreadyNotified += other.AlreadyNotified
	o.NoSubscriber += other.NoSubscriber
	o.UserErrors += other.UserErrors
	o.DevicesAttempted += other.DevicesAttempted
	o.DevicesSucceeded += other.DevicesSucceeded
	o.DevicesFailed += other.DevicesFailed
	o.Pruned += other.Pruned
}

// Dispatcher sends batches to every subscription of their user and advances
// the user's watermark.
type Dispatcher struct {
	store  Store
	sender Sender
	clock  clock.Clock
	cfg    Config
	log    *slog.Logger
}

// New creates a Dispatcher.
func New(store Store, sender Sender, clk clock.Clock, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCombined
	}
	return &Dispatcher{
		store:  store,
		sender: sender,
		clock:  clk,
		cfg:    cfg,
		log:    log,
	}
}

// Dispatch processes every batch, at most Config.Concurrency users at a
// time. Failures are confined to the user or device they happen to and are
// reported through the returned Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, batches []Batch) Outcome {
	var (
		mu    sync.Mutex
		total Outcome
	)

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, b := range batches {
		g.Go(func() error {
			o := d.dispatchUser(ctx, b)
			mu.Lock()
			total.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return total
}

func (d *Dispatcher) dispatchUser(ctx context.Context, b Batch) Outcome {
	var o Outcome
	log := d.log.With("user_id", b.Recipient.UserID)

	if !b.Candidate.After(b.Recipient.LastNotified) {
		log.Debug("user already notified", "watermark", b.Recipient.LastNotified, "candidate", b.Candidate)
		o.AlreadyNotified++
		return o
	}
	if err := ctx.Err(); err != nil {
		log.Warn("dispatch cancelled", "error", err)
		o.UserErrors++
		return o
	}

	now := d.clock.Now()
	subs, err := d.listSubscriptions(ctx, b.Recipient.UserID, now)
	if err != nil {
		log.Error("list subscriptions", "error", err)
		o.UserErrors++
		return o
	}
	if len(subs) == 0 {
		log.Debug("user has no subscriptions")
		o.NoSubscriber++
		return o
	}

	payloads := BuildPayloads(d.cfg.Mode, b.Items, now)

	var (
		mu   sync.Mutex
		gone []int64
	)
	var g errgroup.Group
	for _, sub := range subs {
		g.Go(func() error {
			err := d.sendAll(ctx, sub, payloads)
			mu.Lock()
			defer mu.Unlock()
			o.DevicesAttempted++
			if err != nil {
				log.Warn("send notification", "subscription_id", sub.ID, "kind", sub.Kind, "error", err)
				o.DevicesFailed++
				if errors.Is(err, push.ErrGone) {
					gone = append(gone, sub.ID)
				}
				return nil
			}
			o.DevicesSucceeded++
			return nil
		})
	}
	_ = g.Wait()

	if err := d.advance(ctx, b.Recipient.UserID, b.Candidate); err != nil {
		log.Error("advance watermark", "error", err)
		o.UserErrors++
		return o
	}
	o.Notified++
	log.Info("user notified",
		"items", len(b.Items),
		"devices", len(subs),
		"failed", o.DevicesFailed,
		"watermark", b.Candidate,
	)

	if d.cfg.PruneGone {
		for _, id := range gone {
			if err := d.deleteSubscription(ctx, id); err != nil {
				log.Warn("prune subscription", "subscription_id", id, "error", err)
				continue
			}
			o.Pruned++
		}
	}
	return o
}

// sendAll attempts every payload on sub, even after a failed one. Each send
// gets its own timeout. The returned error joins every failure.
func (d *Dispatcher) sendAll(ctx context.Context, sub model.Subscription, payloads []model.Payload) error {
	var errs []error
	for _, p := range payloads {
		sctx, cancel := withTimeout(ctx, d.cfg.SendTimeout)
		err := d.sender.Send(sctx, sub, p)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("send %q: %w", p.Tag, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) listSubscriptions(ctx context.Context, userID int64, now time.Time) ([]model.Subscription, error) {
	ctx, cancel := withTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	return d.store.ListSubscriptions(ctx, userID, now)
}

func (d *Dispatcher) advance(ctx context.Context, userID int64, exp time.Time) error {
	ctx, cancel := withTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	return d.store.AdvanceWatermark(ctx, userID, exp)
}

func (d *Dispatcher) deleteSubscription(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	return d.store.DeleteSubscription(ctx, id)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
