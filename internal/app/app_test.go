package app

import (
	"context"
	"io"
	"os"
	"testing"
	"time"
)

func TestShutdownPreservesPartialWindowForRecovery(t *testing.T) {
	start := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second)
	capturer := &fakeCapturer{instants: []time.Time{start, start.Add(5 * time.Second)}}
	sc, store, _ := newTestScheduler(t, capturer)
	ctx := context.Background()

	// Two ticks accumulate a partial window, well short of the segment length.
	interval := 5 * time.Second
	sc.tick(ctx, 15*time.Minute, &interval, 5*time.Second)
	sc.tick(ctx, 15*time.Minute, &interval, 5*time.Second)
	if sc.window == nil || len(sc.window.Frames) != 2 {
		t.Fatal("expected a partial window with two frames")
	}
	id := sc.window.Session.ID

	// Fill the encode queue so the shutdown hand-off is refused; the frames
	// must survive on disk regardless.
	sc.encodeQ <- &captureWindow{}
	sc.encodeQ <- &captureWindow{}
	sc.closeWindowOnShutdown()
	if sc.window != nil {
		t.Fatal("shutdown left the window open")
	}

	sess, err := store.SessionByID(ctx, id)
	if err != nil || sess == nil {
		t.Fatalf("session lost on shutdown: %v", err)
	}
	if sess.State != SessionPending {
		t.Errorf("state = %q, want %q", sess.State, SessionPending)
	}
	want := start.Add(5 * time.Second).Add(clockEpsilon)
	if !sess.EndedAt.Equal(want) {
		t.Errorf("ended_at = %v, want %v", sess.EndedAt, want)
	}
	frames, err := store.FramesForSession(ctx, id)
	if err != nil || len(frames) != 2 {
		t.Fatalf("frames = %d (%v), want 2", len(frames), err)
	}
	for _, f := range frames {
		if _, err := os.Stat(f.FilePath); err != nil {
			t.Errorf("frame %s gone after shutdown: %v", f.FilePath, err)
		}
	}

	// The next start rebuilds the window from the surviving frames and hands
	// it back to the encoder.
	a := &Application{
		opts:    Options{DataDir: sc.dataDir},
		logger:  NewLogger(io.Discard),
		store:   store,
		encodeQ: make(chan *captureWindow, 2),
	}
	a.recoverUnencoded(ctx)
	select {
	case w := <-a.encodeQ:
		if w.Session.ID != id {
			t.Errorf("recovered session = %d, want %d", w.Session.ID, id)
		}
		if len(w.Frames) != 2 {
			t.Errorf("recovered frames = %d, want 2", len(w.Frames))
		}
	default:
		t.Fatal("partial window not re-queued on recovery")
	}
}

func TestRecoverSkipsSessionsWithoutSurvivingFrames(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)

	sess := newTestSession(t, store, start, 15*time.Minute)
	frame := Frame{SessionID: sess.ID, Timestamp: start, FilePath: "/nonexistent/frame.png"}
	if err := store.AppendFrame(ctx, &frame); err != nil {
		t.Fatalf("append frame: %v", err)
	}

	a := &Application{
		opts:    Options{DataDir: t.TempDir()},
		logger:  NewLogger(io.Discard),
		store:   store,
		encodeQ: make(chan *captureWindow, 2),
	}
	a.recoverUnencoded(ctx)
	select {
	case <-a.encodeQ:
		t.Fatal("session with no surviving frames was re-queued")
	default:
	}
}

func TestDrainAnalyzerReturnsOnEmptyQueues(t *testing.T) {
	a := &Application{
		encodeQ:  make(chan *captureWindow, 2),
		analyzeQ: make(chan int64, 8),
	}
	done := make(chan struct{})
	go func() {
		a.drainAnalyzer()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return with empty queues")
	}
}
