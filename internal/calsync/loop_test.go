package calsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type loopFixture struct {
	google  *fakeGoogle
	outlook *fakeOutlook
	store   *MemoryStore
	loop    *Loop
	reports chan CycleReport
}

func newLoopFixture(t *testing.T, poll time.Duration) *loopFixture {
	t.Helper()
	f := &loopFixture{
		google:  newFakeGoogle(),
		outlook: newFakeOutlook(),
		store:   NewMemoryStore(),
		reports: make(chan CycleReport, 64),
	}
	det, err := NewDetector(DetectorOptions{
		Google: f.google, Outlook: f.outlook, Store: f.store, Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	prop, err := NewPropagator(PropagatorOptions{
		Google: f.google, Outlook: f.outlook, Store: f.store,
		Matcher: NewMatcher(f.store), Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("propagator: %v", err)
	}
	loop, err := NewLoop(LoopOptions{
		Detector:      det,
		Propagator:    prop,
		Store:         f.store,
		PollInterval:  poll,
		RetentionDays: 30,
		Location:      time.UTC,
		OnReport:      func(r CycleReport) { f.reports <- r },
	})
	if err != nil {
		t.Fatalf("loop: %v", err)
	}
	f.loop = loop
	return f
}

func TestLoopRunPrimesThenPropagates(t *testing.T) {
	f := newLoopFixture(t, time.Millisecond)
	f.google.events["g1"] = googleTimed("g1", "Existing Meeting", "2025-03-10T09:00:00Z")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	// First cycle primes: the pre-existing event must not replay as an
	// addition.
	first := waitReport(t, f.reports)
	if first.Err != "" {
		t.Fatalf("first cycle failed: %s", first.Err)
	}
	if first.Counters.Total() != 0 {
		t.Fatalf("priming cycle must not propagate: %s", first.Counters)
	}

	// An event added after priming propagates on a later cycle.
	f.google.events["g2"] = googleTimed("g2", "New Meeting", "2025-03-11T10:00:00Z")
	deadline := time.After(5 * time.Second)
	for {
		var report CycleReport
		select {
		case report = <-f.reports:
		case <-deadline:
			t.Fatalf("no cycle propagated the new event")
		}
		if report.Counters.Total() > 0 {
			if report.Counters[PairKey(BackendGoogle, BackendOutlook)].Created != 1 {
				t.Fatalf("unexpected counters: %s", report.Counters)
			}
			break
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	f := newLoopFixture(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	waitReport(t, f.reports)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not stop after cancel")
	}
}

func TestLoopSweepPurgesAndInvalidates(t *testing.T) {
	f := newLoopFixture(t, time.Millisecond)
	ctx := context.Background()

	old := Event{NativeID: "g-old", Title: "Ancient", EndsAt: time.Now().AddDate(0, 0, -90)}
	if err := f.store.StoreSnapshot(ctx, BackendGoogle, old); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	counts, err := f.loop.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if counts.Google != 1 {
		t.Fatalf("expected the ancient snapshot purged, got %+v", counts)
	}
	if f.loop.detector.Primed() {
		t.Fatalf("sweep must invalidate detector caches")
	}
}

func TestLoopRunOnce(t *testing.T) {
	f := newLoopFixture(t, time.Hour)
	report := f.loop.RunOnce(context.Background())
	if report.Err != "" {
		t.Fatalf("cycle failed: %s", report.Err)
	}
	if !f.loop.detector.Primed() {
		t.Fatalf("single cycle should prime the detector")
	}
}

func TestLoopCycleErrorIsReportedNotFatal(t *testing.T) {
	f := newLoopFixture(t, time.Millisecond)
	var failures atomic.Int32
	f.google.listErr = errRemote

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	for i := 0; i < 2; i++ {
		report := waitReport(t, f.reports)
		if report.Err != "" {
			failures.Add(1)
		}
	}
	cancel()
	<-done
	if failures.Load() < 2 {
		t.Fatalf("expected failing cycles to keep reporting, got %d", failures.Load())
	}
}

func TestLoopUpdateIntervals(t *testing.T) {
	f := newLoopFixture(t, time.Hour)
	f.loop.UpdateIntervals(time.Minute, 2*time.Hour)
	f.loop.applyPendingIntervals()
	if f.loop.poll != time.Minute || f.loop.sweep != 2*time.Hour {
		t.Fatalf("intervals not applied: poll=%s sweep=%s", f.loop.poll, f.loop.sweep)
	}
	// Non-positive values keep the current settings.
	f.loop.UpdateIntervals(0, 0)
	f.loop.applyPendingIntervals()
	if f.loop.poll != time.Minute {
		t.Fatalf("zero poll must not override: %s", f.loop.poll)
	}
}

func waitReport(t *testing.T, reports chan CycleReport) CycleReport {
	t.Helper()
	select {
	case r := <-reports:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a cycle report")
		return CycleReport{}
	}
}
