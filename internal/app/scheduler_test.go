package app

import (
	"context"
	"image"
	"io"
	"testing"
	"time"
)

// fakeCapturer returns a fixed image with scripted instants.
type fakeCapturer struct {
	instants []time.Time
	i        int
	err      error
}

func (c *fakeCapturer) Capture(ctx context.Context) (image.Image, time.Time, error) {
	var instant time.Time
	if c.i < len(c.instants) {
		instant = c.instants[c.i]
		c.i++
	} else {
		instant = time.Now().UTC()
	}
	if c.err != nil {
		return nil, instant, c.err
	}
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), instant, nil
}

func newTestScheduler(t *testing.T, capturer Capturer) (*Scheduler, *Store, *StatusActor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := newTestStore(t)
	settings, _ := newTestSettings(t)
	status := NewStatusActor()
	go status.Run(ctx)

	sc := NewScheduler(settings, store, capturer, status, NewLogger(io.Discard),
		t.TempDir(), "test-host", make(chan *captureWindow, 2))
	return sc, store, status
}

func TestMonotonicGuard(t *testing.T) {
	sc, _, _ := newTestScheduler(t, &fakeCapturer{})

	base := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	first := sc.monotonic(base)
	if !first.Equal(base) {
		t.Errorf("first instant altered: %v", first)
	}

	// A wall-clock step backward still yields a strictly later instant.
	regressed := sc.monotonic(base.Add(-time.Minute))
	if !regressed.After(first) {
		t.Errorf("regressed instant %v not after %v", regressed, first)
	}
	if regressed.Sub(first) != clockEpsilon {
		t.Errorf("guard stepped %v, want %v", regressed.Sub(first), clockEpsilon)
	}

	// Equal instants are also nudged forward.
	same := sc.monotonic(regressed)
	if !same.After(regressed) {
		t.Error("equal instant not nudged forward")
	}

	// Normal progression passes through untouched.
	ahead := base.Add(time.Minute)
	if got := sc.monotonic(ahead); !got.Equal(ahead) {
		t.Errorf("advancing instant altered: %v", got)
	}
}

func TestTickOpensWindowAndRecordsFrame(t *testing.T) {
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	capturer := &fakeCapturer{instants: []time.Time{start}}
	sc, store, _ := newTestScheduler(t, capturer)
	ctx := context.Background()

	interval := 5 * time.Second
	sc.tick(ctx, 15*time.Minute, &interval, 5*time.Second)

	if sc.window == nil {
		t.Fatal("tick did not open a window")
	}
	if len(sc.window.Frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(sc.window.Frames))
	}

	sess, err := store.SessionByID(ctx, sc.window.Session.ID)
	if err != nil || sess == nil {
		t.Fatalf("session not created: %v", err)
	}
	n, err := store.FrameCount(ctx, sess.ID)
	if err != nil {
		t.Fatalf("frame count: %v", err)
	}
	if n != 1 {
		t.Errorf("frame rows = %d, want 1", n)
	}
}

func TestTickClosesWindowAtSegmentLength(t *testing.T) {
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	capturer := &fakeCapturer{instants: []time.Time{start, start.Add(time.Minute)}}
	sc, store, _ := newTestScheduler(t, capturer)
	ctx := context.Background()

	interval := 5 * time.Second
	sc.tick(ctx, time.Minute, &interval, 5*time.Second)
	id := sc.window.Session.ID
	sc.tick(ctx, time.Minute, &interval, 5*time.Second)

	if sc.window != nil {
		t.Fatal("window still open past segment length")
	}
	select {
	case w := <-sc.encodeQ:
		if w.Session.ID != id {
			t.Errorf("encoded session = %d, want %d", w.Session.ID, id)
		}
	default:
		t.Fatal("closed window never reached the encode queue")
	}

	sess, err := store.SessionByID(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// The end instant comes from the last frame, not the provisional value.
	want := start.Add(time.Minute).Add(clockEpsilon)
	if !sess.EndedAt.Equal(want) {
		t.Errorf("ended_at = %v, want %v", sess.EndedAt, want)
	}
}

func TestBackpressureDegradesInterval(t *testing.T) {
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	sc, _, _ := newTestScheduler(t, &fakeCapturer{})
	ctx := context.Background()

	// Fill the encode queue so the hand-off is refused.
	sc.encodeQ <- &captureWindow{}
	sc.encodeQ <- &captureWindow{}

	sess := newTestSession(t, sc.store, start, time.Minute)
	sc.window = &captureWindow{
		Session: sess,
		Start:   start,
		Frames:  []Frame{{SessionID: sess.ID, Timestamp: start.Add(time.Minute)}},
	}

	base := 5 * time.Second
	interval := base
	sc.closeWindow(ctx, &interval, base)
	if sc.window == nil {
		t.Fatal("refused hand-off must keep the window open")
	}
	if interval != 2*base {
		t.Errorf("interval = %v, want doubled", interval)
	}

	// Degradation is capped at 8x the base interval.
	for i := 0; i < 10; i++ {
		sc.closeWindow(ctx, &interval, base)
	}
	if interval != base*backpressureCap {
		t.Errorf("interval = %v, want capped at %v", interval, base*backpressureCap)
	}

	// Once capacity returns the window closes and the interval resets.
	<-sc.encodeQ
	sc.closeWindow(ctx, &interval, base)
	if sc.window != nil {
		t.Fatal("window did not close after capacity returned")
	}
	if interval != base {
		t.Errorf("interval = %v, want reset to base", interval)
	}
}

func TestDiscardEmptyWindowDeletesSession(t *testing.T) {
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	sc, store, _ := newTestScheduler(t, &fakeCapturer{})
	ctx := context.Background()

	// A window whose frames all failed to persist.
	sess := newTestSession(t, store, start, time.Minute)
	sc.window = &captureWindow{Session: sess, Start: start}

	base := 5 * time.Second
	interval := base
	sc.closeWindow(ctx, &interval, base)

	if sc.window != nil {
		t.Fatal("empty window not discarded")
	}
	gone, err := store.SessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if gone != nil {
		t.Error("zero-frame session row survived discard")
	}
	select {
	case <-sc.encodeQ:
		t.Error("empty window reached the encode queue")
	default:
	}
}

func TestShutdownDiscardsEmptyWindow(t *testing.T) {
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	sc, store, _ := newTestScheduler(t, &fakeCapturer{})

	sess := newTestSession(t, store, start, time.Minute)
	sc.window = &captureWindow{Session: sess, Start: start}
	sc.closeWindowOnShutdown()

	if sc.window != nil {
		t.Fatal("empty window not discarded on shutdown")
	}
	gone, err := store.SessionByID(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if gone != nil {
		t.Error("zero-frame session row survived shutdown")
	}
}

func TestPermissionFailurePausesCapture(t *testing.T) {
	capturer := &fakeCapturer{err: ErrPermissionDenied}
	sc, _, status := newTestScheduler(t, capturer)
	ctx := context.Background()

	interval := 5 * time.Second
	sc.tick(ctx, time.Minute, &interval, 5*time.Second)

	if !status.Paused(ctx) {
		t.Error("permission failure did not pause capture")
	}
	if sc.window != nil {
		t.Error("failed tick opened a window")
	}
}
