package cleanup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeReaper struct {
	calls atomic.Int32
	idle  time.Duration
}

func (f *fakeReaper) ReapIdle(idleFor time.Duration) int {
	f.calls.Add(1)
	f.idle = idleFor
	return 2
}

type fakePruner struct {
	calls atomic.Int32
}

func (f *fakePruner) Prune(context.Context, time.Duration) (int64, error) {
	f.calls.Add(1)
	return 3, nil
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "not a schedule"})
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestNewAcceptsDescriptorsAndCronSpecs(t *testing.T) {
	for _, spec := range []string{"@every 30m", "@hourly", "*/5 * * * *"} {
		if _, err := New(Config{Schedule: spec}); err != nil {
			t.Errorf("New(%q): %v", spec, err)
		}
	}
}

func TestSweepCallsReaperAndPruner(t *testing.T) {
	reaper := &fakeReaper{}
	pruner := &fakePruner{}
	s, err := New(Config{
		Schedule:  "@every 1h",
		IdleAfter: 30 * time.Minute,
		Retention: 24 * time.Hour,
		Reaper:    reaper,
		Pruner:    pruner,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Sweep()
	if got := reaper.calls.Load(); got != 1 {
		t.Errorf("reaper calls = %d", got)
	}
	if reaper.idle != 30*time.Minute {
		t.Errorf("idle threshold = %v", reaper.idle)
	}
	if got := pruner.calls.Load(); got != 1 {
		t.Errorf("pruner calls = %d", got)
	}
}

func TestSweepSkipsDisabledTasks(t *testing.T) {
	reaper := &fakeReaper{}
	s, err := New(Config{Schedule: "@every 1h", Reaper: reaper})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Sweep() // IdleAfter zero, Pruner nil
	if got := reaper.calls.Load(); got != 0 {
		t.Errorf("reaper calls = %d, want 0", got)
	}
}

func TestStartRunsImmediateSweepAndStops(t *testing.T) {
	reaper := &fakeReaper{}
	s, err := New(Config{
		Schedule:  "@every 1h",
		IdleAfter: time.Minute,
		Reaper:    reaper,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop()
	if got := reaper.calls.Load(); got != 1 {
		t.Errorf("calls after start = %d, want 1", got)
	}
}
