package sonibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const maxDeliveryErrorLength = 500

var (
	// ErrPollInProgress is returned by ReminderPoller.Tick when another
	// batch hasn't settled yet.
	ErrPollInProgress = errors.New("reminder poll already in progress")
	ErrPollerPaused   = errors.New("reminder poller is paused")
	ErrPollerRunning  = errors.New("reminder poller already running")
)

// deliveryOutcome is what happened to a single due reminder in a batch
type deliveryOutcome string

const (
	outcomeDelivered deliveryOutcome = "delivered"
	outcomeFailed    deliveryOutcome = "failed"
	// the reminder wasn't attempted, and is left active for the next tick
	outcomeDeferred deliveryOutcome = "deferred"
)

// TickResult summarizes one scan-and-deliver batch.
type TickResult struct {
	Due       int `json:"due"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

func (t *TickResult) add(o deliveryOutcome) {
	switch o {
	case outcomeDelivered:
		t.Delivered++
	case outcomeFailed:
		t.Failed++
	case outcomeDeferred:
		t.Deferred++
	}
}

// PollerStats is a snapshot of a ReminderPoller's state and counters.
type PollerStats struct {
	Running      bool       `json:"running"`
	Paused       bool       `json:"paused"`
	Busy         bool       `json:"busy"`
	Ticks        int64      `json:"ticks"`
	ScanErrors   int64      `json:"scan_errors"`
	Delivered    int64      `json:"delivered"`
	Failed       int64      `json:"failed"`
	Deferred     int64      `json:"deferred"`
	LastTick     *time.Time `json:"last_tick,omitempty"`
	BreakerState string     `json:"breaker_state,omitempty"`
}

// Notifier delivers a due reminder to its destination.
type Notifier interface {
	Deliver(ctx context.Context, r Reminder) error
}

// PermanentDeliveryError marks a delivery failure that won't succeed if
// retried, such as the destination channel no longer existing. These
// aren't retried, and don't count towards opening the circuit breaker.
type PermanentDeliveryError struct {
	Err error
}

func (e *PermanentDeliveryError) Error() string {
	return "permanent delivery failure: " + e.Err.Error()
}

func (e *PermanentDeliveryError) Unwrap() error {
	return e.Err
}

func isPermanentDeliveryError(err error) bool {
	var pe *PermanentDeliveryError
	return errors.As(err, &pe)
}

// ReminderPoller periodically scans for due reminders and delivers them.
//
// A batch (one Tick) scans the store for active reminders due at or before
// now, delivers each of them concurrently and marks each inactive. Only one
// batch runs at a time: the next tick doesn't start until every delivery
// and state transition of the previous one has settled.
//
// Once a delivery has been attempted, the reminder is marked inactive even
// if every attempt failed, so a reminder is delivered at most once.
type ReminderPoller struct {
	store    ReminderStore
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker

	interval        time.Duration
	deliveryTimeout time.Duration
	maxAttempts     int
	retryDelay      time.Duration
	concurrency     int

	busy   atomic.Bool
	paused atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}

	ticks      atomic.Int64
	scanErrors atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
	deferred   atomic.Int64
	lastTick   atomic.Int64
}

func NewReminderPoller(
	store ReminderStore,
	notifier Notifier,
	config *ReminderConfig,
	logger *slog.Logger,
	metrics *Metrics,
) *ReminderPoller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ReminderPoller{
		store:           store,
		notifier:        notifier,
		logger:          logger,
		metrics:         metrics,
		now:             time.Now,
		limiter:         rate.NewLimiter(rate.Inf, 1),
		trigger:         make(chan struct{}, 1),
		interval:        config.PollInterval,
		deliveryTimeout: config.DeliveryTimeout,
		maxAttempts:     max(1, config.MaxDeliveryAttempts),
		retryDelay:      config.RetryDelay,
		concurrency:     max(1, config.DeliveryConcurrency),
	}
	if p.interval <= 0 {
		p.interval = DefaultReminderPollInterval
	}
	if p.deliveryTimeout <= 0 {
		p.deliveryTimeout = DefaultReminderDeliveryTimeout
	}
	if config.DeliveriesPerSecond > 0 {
		p.limiter = rate.NewLimiter(
			rate.Limit(config.DeliveriesPerSecond),
			max(1, int(config.DeliveriesPerSecond)),
		)
	}
	if config.BreakerFailures > 0 {
		p.breaker = gobreaker.NewCircuitBreaker(
			gobreaker.Settings{
				Name:        "reminder_delivery",
				MaxRequests: 1,
				Timeout:     config.BreakerTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= config.BreakerFailures
				},
				IsSuccessful: func(err error) bool {
					return err == nil || isPermanentDeliveryError(err)
				},
				OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
					logger.Warn(
						"delivery circuit breaker state changed",
						"breaker", name,
						"from", from.String(),
						"to", to.String(),
					)
					p.metrics.setBreakerState(to)
				},
			},
		)
	}
	return p
}

// Start begins polling every PollInterval until ctx is cancelled or
// Stop is called.
func (p *ReminderPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrPollerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.InfoContext(ctx, "reminder poller started", "interval", p.interval)
	return nil
}

// Stop stops polling and waits for an in-flight batch to settle, or for
// ctx to be done. Stopping a poller that isn't running is a no-op.
func (p *ReminderPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		p.logger.InfoContext(ctx, "reminder poller stopped")
		return nil
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "timed out waiting for reminder batch to settle")
		return ctx.Err()
	}
}

func (p *ReminderPoller) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Trigger requests a poll as soon as the current batch (if any) settles,
// without waiting for the next interval. It returns false if a trigger
// is already pending.
func (p *ReminderPoller) Trigger() bool {
	select {
	case p.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *ReminderPoller) Pause() {
	if !p.paused.Swap(true) {
		p.logger.Info("reminder poller paused")
	}
}

func (p *ReminderPoller) Resume() {
	if p.paused.Swap(false) {
		p.logger.Info("reminder poller resumed")
		p.Trigger()
	}
}

func (p *ReminderPoller) Paused() bool {
	return p.paused.Load()
}

func (p *ReminderPoller) Stats() PollerStats {
	stats := PollerStats{
		Running:    p.running(),
		Paused:     p.paused.Load(),
		Busy:       p.busy.Load(),
		Ticks:      p.ticks.Load(),
		ScanErrors: p.scanErrors.Load(),
		Delivered:  p.delivered.Load(),
		Failed:     p.failed.Load(),
		Deferred:   p.deferred.Load(),
	}
	if last := p.lastTick.Load(); last != 0 {
		t := time.UnixMilli(last).UTC()
		stats.LastTick = &t
	}
	if p.breaker != nil {
		stats.BreakerState = p.breaker.State().String()
	}
	return stats
}

func (p *ReminderPoller) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
		if p.paused.Load() {
			continue
		}
		_, err := p.Tick(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrPollInProgress), errors.Is(err, ErrPollerPaused):
			p.logger.DebugContext(ctx, "skipped tick", tint.Err(err))
		default:
			p.logger.ErrorContext(ctx, "reminder poll failed", tint.Err(err))
		}
	}
}

// Tick runs one batch: scan for due reminders, deliver each, and mark
// each inactive. It returns once every delivery in the batch has settled.
//
// If a batch is already running, Tick returns ErrPollInProgress without
// scanning. If the scan fails, no reminders are touched.
func (p *ReminderPoller) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	if !p.busy.CompareAndSwap(false, true) {
		return result, ErrPollInProgress
	}
	defer p.busy.Store(false)

	if p.paused.Load() {
		return result, ErrPollerPaused
	}

	start := p.now()
	p.ticks.Add(1)
	p.lastTick.Store(start.UnixMilli())
	p.metrics.observeTick()

	due, err := p.store.FindActive(ctx, ReminderFilter{DueBefore: &start})
	if err != nil {
		p.scanErrors.Add(1)
		p.metrics.observeScanError()
		return result, fmt.Errorf("error scanning for due reminders: %w", err)
	}
	result.Due = len(due)
	if len(due) == 0 {
		return result, nil
	}
	sortReminders(due)
	p.logger.DebugContext(ctx, "found due reminders", "count", len(due))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, r := range due {
		g.Go(
			func() error {
				outcome := p.deliver(ctx, r)
				mu.Lock()
				result.add(outcome)
				mu.Unlock()
				return nil
			},
		)
	}
	_ = g.Wait()

	p.delivered.Add(int64(result.Delivered))
	p.failed.Add(int64(result.Failed))
	p.deferred.Add(int64(result.Deferred))
	p.metrics.observeBatch(result, p.now().Sub(start))

	logger := p.logger.With(
		"due", result.Due,
		"delivered", result.Delivered,
		"failed", result.Failed,
		"deferred", result.Deferred,
		"elapsed", p.now().Sub(start),
	)
	if result.Failed > 0 {
		logger.WarnContext(ctx, "reminder batch finished with failures")
	} else {
		logger.InfoContext(ctx, "reminder batch finished")
	}
	return result, nil
}

// deliver attempts delivery of r, then marks it inactive. If no attempt
// could be made, because ctx was cancelled before the attempt or the
// breaker is open, r is left active.
func (p *ReminderPoller) deliver(ctx context.Context, r Reminder) deliveryOutcome {
	logger := p.logger.With("reminder", r)

	if err := p.limiter.Wait(ctx); err != nil {
		logger.DebugContext(ctx, "deferring delivery", tint.Err(err))
		return outcomeDeferred
	}

	// attempts in progress when ctx is cancelled are allowed to finish,
	// bounded by the delivery timeout
	deliverCtx := context.WithoutCancel(ctx)

	var attempts int
	var deliveryErr error
	for attempts < p.maxAttempts {
		if attempts > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.retryDelay):
			}
			if ctx.Err() != nil {
				break
			}
		}

		err := p.attempt(deliverCtx, r)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if attempts == 0 {
				logger.WarnContext(ctx, "delivery circuit open, deferring", tint.Err(err))
				return outcomeDeferred
			}
			break
		}
		attempts++
		deliveryErr = err
		if err == nil {
			break
		}
		logger.WarnContext(
			ctx,
			"reminder delivery attempt failed",
			"attempt", attempts,
			"max_attempts", p.maxAttempts,
			tint.Err(err),
		)
		if isPermanentDeliveryError(err) {
			break
		}
	}

	return p.markFired(ctx, r, attempts, deliveryErr)
}

func (p *ReminderPoller) attempt(ctx context.Context, r Reminder) error {
	ctx, cancel := context.WithTimeout(ctx, p.deliveryTimeout)
	defer cancel()

	start := time.Now()
	var err error
	if p.breaker == nil {
		err = p.notifier.Deliver(ctx, r)
	} else {
		_, err = p.breaker.Execute(
			func() (any, error) {
				return nil, p.notifier.Deliver(ctx, r)
			},
		)
	}
	p.metrics.observeDeliveryAttempt(time.Since(start), err)
	return err
}

// markFired persists the inactive state of r after attempts delivery
// attempts, using a context that outlives shutdown cancellation.
func (p *ReminderPoller) markFired(
	ctx context.Context,
	r Reminder,
	attempts int,
	deliveryErr error,
) deliveryOutcome {
	firedAt := p.now().UnixMilli()
	r.Active = false
	r.FiredAt = &firedAt
	r.DeliveryAttempts += attempts
	r.DeliveryError = nil
	if deliveryErr != nil {
		msg := truncate(deliveryErr.Error(), maxDeliveryErrorLength)
		r.DeliveryError = &msg
	}

	logger := p.logger.With("reminder", r)

	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()
	err := p.store.Update(updateCtx, &r, reminderFiredColumns...)
	switch {
	case err == nil:
	case errors.Is(err, ErrReminderNotFound):
		logger.InfoContext(ctx, "reminder was cancelled during delivery")
	default:
		// the reminder is still active and will be picked up again
		logger.ErrorContext(ctx, "error marking reminder inactive", tint.Err(err))
	}

	if deliveryErr != nil {
		logger.ErrorContext(
			ctx,
			"giving up on reminder delivery",
			"attempts", attempts,
			tint.Err(deliveryErr),
		)
		return outcomeFailed
	}
	logger.InfoContext(
		ctx,
		"delivered reminder",
		"scheduled_for", r.DueTime().Sub(r.CreatedTime()),
		"late_by", p.now().Sub(r.DueTime()),
	)
	return outcomeDelivered
}
