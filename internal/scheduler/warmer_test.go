package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWarmerSwallowsFailures(t *testing.T) {
	pinger := &recordingPinger{err: errors.New("connection reset")}
	w := NewWarmer(pinger, WarmerConfig{
		KeepaliveInterval: 100 * time.Millisecond,
		BurstLead:         400 * time.Millisecond,
		BurstInterval:     50 * time.Millisecond,
		GuardWindow:       100 * time.Millisecond,
	})

	w.Run(context.Background(), time.Now().Add(700*time.Millisecond))

	stats := w.Stats()
	if stats.Calls == 0 {
		t.Fatal("no pings issued")
	}
	if stats.Failures != stats.Calls {
		t.Errorf("failures %d, calls %d", stats.Failures, stats.Calls)
	}
}

func TestWarmerStopsAtGuardWindow(t *testing.T) {
	pinger := &recordingPinger{}
	cfg := WarmerConfig{
		KeepaliveInterval: 100 * time.Millisecond,
		BurstLead:         300 * time.Millisecond,
		BurstInterval:     40 * time.Millisecond,
		GuardWindow:       200 * time.Millisecond,
	}
	w := NewWarmer(pinger, cfg)

	deadline := time.Now().Add(800 * time.Millisecond)
	guardStart := deadline.Add(-cfg.GuardWindow)
	w.Run(context.Background(), deadline)
	returned := time.Now()

	if returned.Before(guardStart.Add(-cfg.BurstInterval)) {
		t.Errorf("Run returned %v before guard window", guardStart.Sub(returned))
	}
	if returned.After(guardStart.Add(50 * time.Millisecond)) {
		t.Errorf("Run returned %v after guard window start", returned.Sub(guardStart))
	}

	pinger.mu.Lock()
	defer pinger.mu.Unlock()
	for i, at := range pinger.calls {
		if !at.Before(guardStart) {
			t.Errorf("ping %d issued inside guard window", i)
		}
	}
	for i, d := range pinger.deadlines {
		if !d.Equal(guardStart) {
			t.Errorf("ping %d deadline %v, want %v", i, d, guardStart)
		}
	}
}

func TestWarmerBurstsNearDeadline(t *testing.T) {
	pinger := &recordingPinger{}
	w := NewWarmer(pinger, WarmerConfig{
		KeepaliveInterval: time.Second,
		BurstLead:         600 * time.Millisecond,
		BurstInterval:     100 * time.Millisecond,
		GuardWindow:       100 * time.Millisecond,
	})

	deadline := time.Now().Add(1500 * time.Millisecond)
	w.Run(context.Background(), deadline)

	pinger.mu.Lock()
	defer pinger.mu.Unlock()
	// один обычный вызов и не меньше трех частых
	if len(pinger.calls) < 4 {
		t.Fatalf("calls = %d, want at least 4", len(pinger.calls))
	}
	burstStart := deadline.Add(-600 * time.Millisecond)
	var burst int
	for _, at := range pinger.calls {
		if !at.Before(burstStart.Add(-20 * time.Millisecond)) {
			burst++
		}
	}
	if burst < 3 {
		t.Errorf("burst calls = %d, want at least 3", burst)
	}
}

func TestWarmerCancel(t *testing.T) {
	pinger := &recordingPinger{}
	w := NewWarmer(pinger, DefaultWarmerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, time.Now().Add(time.Minute))
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if pinger.count() != 1 {
		t.Errorf("calls = %d, want 1", pinger.count())
	}
}

func TestWarmerConfigDefaults(t *testing.T) {
	w := NewWarmer(&recordingPinger{}, WarmerConfig{})
	if got := w.Config(); got != DefaultWarmerConfig() {
		t.Errorf("config = %+v", got)
	}
}
