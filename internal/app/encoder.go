package app

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Encoder turns closed capture windows into low-frame-rate slideshow
// artifacts. Encoding shells out to ffmpeg, so the worker goroutine is free
// to block without stalling the tick loop.
type Encoder struct {
	settings *SettingsStore
	store    *Store
	status   *StatusActor
	logger   *Logger
	dataDir  string

	queue    chan *captureWindow
	analyzeQ chan int64

	// run is a seam for tests; defaults to running ffmpeg.
	run func(ctx context.Context, args []string) error
}

func NewEncoder(settings *SettingsStore, store *Store, status *StatusActor, logger *Logger,
	dataDir string, queue chan *captureWindow, analyzeQ chan int64) *Encoder {
	e := &Encoder{
		settings: settings,
		store:    store,
		status:   status,
		logger:   logger,
		dataDir:  dataDir,
		queue:    queue,
		analyzeQ: analyzeQ,
	}
	e.run = e.runFFmpeg
	return e
}

// Run consumes closed windows until ctx is done.
func (e *Encoder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-e.queue:
			e.encode(ctx, w)
		}
	}
}

func (e *Encoder) encode(ctx context.Context, w *captureWindow) {
	cfg, err := e.settings.Get(ctx)
	if err != nil {
		return
	}
	end := w.Session.EndedAt
	if len(w.Frames) > 0 {
		end = w.Frames[len(w.Frames)-1].Timestamp
	}
	outDir := SegmentsDir(e.dataDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		e.fail(ctx, w, err)
		return
	}
	outPath := filepath.Join(outDir, SegmentFileName(w.Start, end, cfg.VideoConfig.Format))

	listPath, err := writeConcatList(w)
	if err != nil {
		e.fail(ctx, w, err)
		return
	}
	defer os.Remove(listPath)

	args := []string{
		"-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-vf", "fps=" + strconv.Itoa(cfg.VideoConfig.FrameRate) + ",scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
	}
	args = append(args, cfg.VideoConfig.ExtraArgs...)
	args = append(args, outPath)

	if err := e.run(ctx, args); err != nil {
		e.fail(ctx, w, err)
		return
	}

	if err := e.store.SetSessionVideoPath(ctx, w.Session.ID, outPath); err != nil {
		e.fail(ctx, w, err)
		return
	}
	// Loose frames are redundant once the artifact exists.
	for _, f := range w.Frames {
		_ = os.Remove(f.FilePath)
	}
	_ = os.Remove(w.FrameDir)

	e.status.RecordEvent(ctx, "encode", true)
	e.logger.Info(EventEncodeComplete, map[string]interface{}{
		"session_id": w.Session.ID,
		"artifact":   outPath,
	})

	select {
	case e.analyzeQ <- w.Session.ID:
	case <-ctx.Done():
	}
}

// fail keeps the frames on disk so the session can be retried, and leaves
// the session pending with no artifact.
func (e *Encoder) fail(ctx context.Context, w *captureWindow, err error) {
	e.status.RecordEvent(ctx, "encode", false)
	e.logger.Error(EventEncodeFailed, map[string]interface{}{
		"session_id": w.Session.ID,
		"error":      err.Error(),
	})
}

func (e *Encoder) runFFmpeg(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %v: %s", err, truncate(string(out), 512))
	}
	return nil
}

// writeConcatList emits an ffconcat file listing each frame with its display
// duration derived from the gap to the next frame.
func writeConcatList(w *captureWindow) (string, error) {
	f, err := os.CreateTemp("", "rewind-concat-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()

	fmt.Fprintln(f, "ffconcat version 1.0")
	for i, frame := range w.Frames {
		fmt.Fprintf(f, "file '%s'\n", frame.FilePath)
		if i+1 < len(w.Frames) {
			gap := w.Frames[i+1].Timestamp.Sub(frame.Timestamp).Seconds()
			if gap <= 0 {
				gap = 1
			}
			fmt.Fprintf(f, "duration %.3f\n", gap)
		}
	}
	return f.Name(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
