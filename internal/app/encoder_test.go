package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestEncoder(t *testing.T, run func(ctx context.Context, args []string) error) (*Encoder, *Store, chan int64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := newTestStore(t)
	settings, _ := newTestSettings(t)
	status := NewStatusActor()
	go status.Run(ctx)

	analyzeQ := make(chan int64, 2)
	e := NewEncoder(settings, store, status, NewLogger(io.Discard),
		t.TempDir(), make(chan *captureWindow, 2), analyzeQ)
	if run != nil {
		e.run = run
	}
	return e, store, analyzeQ
}

func testWindow(t *testing.T, store *Store, frameCount int) *captureWindow {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	sess := newTestSession(t, store, start, time.Minute)

	dir := t.TempDir()
	w := &captureWindow{Session: sess, Start: start, FrameDir: dir}
	for i := 0; i < frameCount; i++ {
		path := filepath.Join(dir, fmt.Sprintf("frame_%d.png", i))
		if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
			t.Fatal(err)
		}
		f := Frame{SessionID: sess.ID, Timestamp: start.Add(time.Duration(i) * 70 * time.Second), FilePath: path}
		if err := store.AppendFrame(ctx, &f); err != nil {
			t.Fatal(err)
		}
		w.Frames = append(w.Frames, f)
	}
	return w
}

func TestEncodeSuccess(t *testing.T) {
	var gotArgs []string
	run := func(ctx context.Context, args []string) error {
		gotArgs = args
		return os.WriteFile(args[len(args)-1], []byte("video"), 0o644)
	}
	e, store, analyzeQ := newTestEncoder(t, run)
	w := testWindow(t, store, 2)
	ctx := context.Background()

	e.encode(ctx, w)

	sess, err := store.SessionByID(ctx, w.Session.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sess.VideoPath == "" {
		t.Fatal("video path not recorded")
	}
	if _, _, err := ParseSegmentFileName(sess.VideoPath); err != nil {
		t.Errorf("artifact name not parseable: %v", err)
	}
	if !strings.HasSuffix(sess.VideoPath, ".mp4") {
		t.Errorf("artifact = %q, want configured format", sess.VideoPath)
	}

	// Loose frames are removed once the artifact exists.
	for _, f := range w.Frames {
		if _, err := os.Stat(f.FilePath); !os.IsNotExist(err) {
			t.Errorf("frame %q survived encode", f.FilePath)
		}
	}

	select {
	case id := <-analyzeQ:
		if id != w.Session.ID {
			t.Errorf("queued session = %d, want %d", id, w.Session.ID)
		}
	default:
		t.Fatal("encoded session never queued for analysis")
	}

	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-f concat") || !strings.Contains(joined, "libx264") {
		t.Errorf("unexpected encoder args: %v", gotArgs)
	}
}

func TestEncodeFailureKeepsFrames(t *testing.T) {
	run := func(ctx context.Context, args []string) error {
		return errors.New("encoder exploded")
	}
	e, store, analyzeQ := newTestEncoder(t, run)
	w := testWindow(t, store, 1)
	ctx := context.Background()

	e.encode(ctx, w)

	sess, err := store.SessionByID(ctx, w.Session.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sess.VideoPath != "" {
		t.Error("failed encode recorded a video path")
	}
	for _, f := range w.Frames {
		if _, err := os.Stat(f.FilePath); err != nil {
			t.Errorf("frame %q lost on failure: %v", f.FilePath, err)
		}
	}
	select {
	case <-analyzeQ:
		t.Fatal("failed encode queued for analysis")
	default:
	}
}

func TestWriteConcatListDurations(t *testing.T) {
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	w := &captureWindow{
		Frames: []Frame{
			{FilePath: "/frames/a.png", Timestamp: start},
			{FilePath: "/frames/b.png", Timestamp: start.Add(5 * time.Second)},
			{FilePath: "/frames/c.png", Timestamp: start.Add(12 * time.Second)},
		},
	}
	path, err := writeConcatList(w)
	if err != nil {
		t.Fatalf("write list: %v", err)
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "ffconcat version 1.0") {
		t.Error("missing ffconcat header")
	}
	if !strings.Contains(text, "duration 5.000") || !strings.Contains(text, "duration 7.000") {
		t.Errorf("frame gaps not reflected:\n%s", text)
	}
	// The last frame carries no duration line.
	if strings.Count(text, "duration") != 2 {
		t.Errorf("duration lines = %d, want 2", strings.Count(text, "duration"))
	}
}
