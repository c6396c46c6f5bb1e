package calsync

import (
	"context"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
)

// Loop defaults, overridable via LoopOptions.
const (
	DefaultPollInterval  = 60 * time.Second
	DefaultSweepInterval = 24 * time.Hour
	DefaultRetentionDays = 30
)

// LoopOptions configures NewLoop.
type LoopOptions struct {
	Detector   *Detector
	Propagator *Propagator
	Store      Store

	PollInterval  time.Duration
	SweepInterval time.Duration
	RetentionDays int
	Location      *time.Location
	Clock         clock.Clock
	Logger        Logger

	// OnReport receives every completed cycle's report. Optional.
	OnReport func(CycleReport)
}

type loopIntervals struct {
	poll  time.Duration
	sweep time.Duration
}

// Loop drives the reconciliation single-threadedly: sweep when due,
// detect, propagate, pace, repeat. All remote and store work happens on
// the loop goroutine; shutdown is cooperative via the context.
type Loop struct {
	detector   *Detector
	propagator *Propagator
	store      Store

	poll      time.Duration
	sweep     time.Duration
	retention int
	location  *time.Location
	clk       clock.Clock
	logger    Logger
	onReport  func(CycleReport)

	reload    chan loopIntervals
	lastSweep time.Time
}

func NewLoop(opts LoopOptions) (*Loop, error) {
	if opts.Detector == nil || opts.Propagator == nil || opts.Store == nil {
		return nil, fmt.Errorf("%w: loop requires detector, propagator and store", ErrInvalidInput)
	}
	l := &Loop{
		detector:   opts.Detector,
		propagator: opts.Propagator,
		store:      opts.Store,
		poll:       opts.PollInterval,
		sweep:      opts.SweepInterval,
		retention:  opts.RetentionDays,
		location:   opts.Location,
		clk:        opts.Clock,
		logger:     opts.Logger,
		onReport:   opts.OnReport,
		reload:     make(chan loopIntervals, 1),
	}
	if l.poll <= 0 {
		l.poll = DefaultPollInterval
	}
	if l.sweep <= 0 {
		l.sweep = DefaultSweepInterval
	}
	if l.retention <= 0 {
		l.retention = DefaultRetentionDays
	}
	if l.location == nil {
		l.location = time.Local
	}
	if l.clk == nil {
		l.clk = clock.C
	}
	if l.logger == nil {
		l.logger = noopLogger{}
	}
	return l, nil
}

// UpdateIntervals applies new poll and sweep intervals at the start of
// the next cycle. Non-positive values keep the current setting. Safe to
// call from other goroutines; only the latest pending update wins.
func (l *Loop) UpdateIntervals(poll, sweep time.Duration) {
	update := loopIntervals{poll: poll, sweep: sweep}
	for {
		select {
		case l.reload <- update:
			return
		default:
			select {
			case <-l.reload:
			default:
			}
		}
	}
}

func (l *Loop) applyPendingIntervals() {
	select {
	case update := <-l.reload:
		if update.poll > 0 && update.poll != l.poll {
			l.logger.Printf("loop: poll interval now %s", update.poll)
			l.poll = update.poll
		}
		if update.sweep > 0 && update.sweep != l.sweep {
			l.logger.Printf("loop: sweep interval now %s", update.sweep)
			l.sweep = update.sweep
		}
	default:
	}
}

// Run blocks until ctx is canceled. The first pass sweeps retention and
// primes the detector without propagating anything.
func (l *Loop) Run(ctx context.Context) error {
	if _, err := l.Sweep(ctx); err != nil {
		l.logger.Printf("loop: initial sweep failed: %v", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		l.applyPendingIntervals()

		start := l.clk.Now()
		report := l.runCycle(ctx, start)
		if l.onReport != nil {
			l.onReport(report)
		}
		if report.Err != "" {
			l.logger.Printf("loop: cycle failed: %s", report.Err)
		} else if report.Counters.Total() > 0 {
			l.logger.Printf("loop: cycle done in %s: %s", report.Duration.Round(time.Millisecond), report.Counters)
		}

		elapsed := l.clk.Now().Sub(start)
		wait := l.poll - elapsed
		if wait <= 0 {
			// Overrun: start the next cycle immediately.
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.clk.After(wait):
		}
	}
}

// RunOnce performs a single cycle and returns its report. Used by the
// one-shot command mode.
func (l *Loop) RunOnce(ctx context.Context) CycleReport {
	report := l.runCycle(ctx, l.clk.Now())
	if l.onReport != nil {
		l.onReport(report)
	}
	return report
}

func (l *Loop) runCycle(ctx context.Context, start time.Time) CycleReport {
	report := CycleReport{StartedAt: start, Counters: Counters{}}

	if l.sweepDue(start) {
		purged, err := l.Sweep(ctx)
		if err != nil {
			report.Err = fmt.Sprintf("retention sweep: %v", err)
			report.Duration = l.clk.Now().Sub(start)
			return report
		}
		report.Swept = true
		report.Purged = purged
	}

	changes, listing, err := l.detector.Detect(ctx, DayStart(start, l.location))
	if err != nil {
		report.Err = err.Error()
		report.Duration = l.clk.Now().Sub(start)
		return report
	}

	counters, err := l.propagator.Propagate(ctx, changes, listing)
	report.Counters = counters
	if err != nil {
		report.Err = err.Error()
	}
	report.Duration = l.clk.Now().Sub(start)
	return report
}

func (l *Loop) sweepDue(now time.Time) bool {
	return l.lastSweep.IsZero() || now.Sub(l.lastSweep) >= l.sweep
}

// Sweep purges snapshots past the retention horizon and invalidates the
// detector caches so purged rows do not replay as deletions.
func (l *Loop) Sweep(ctx context.Context) (PurgeCounts, error) {
	now := l.clk.Now()
	cutoff := DayStart(now, l.location).AddDate(0, 0, -l.retention)
	counts, err := l.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return counts, err
	}
	l.lastSweep = now
	l.detector.InvalidateCaches()
	if counts.Total() > 0 {
		l.logger.Printf("loop: retention sweep removed %d snapshots (%d/%d/%d) and %d mappings",
			counts.Google+counts.Outlook+counts.Legacy, counts.Google, counts.Outlook, counts.Legacy, counts.Mappings)
	}
	return counts, nil
}
