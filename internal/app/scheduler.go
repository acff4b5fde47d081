package app

import (
	"context"
	"errors"
	"time"
)

// clockEpsilon keeps frame instants strictly ordered when the wall clock
// steps backward (NTP correction).
const clockEpsilon = time.Millisecond

// backpressureCap bounds the multiplicative tick degradation at 8x the
// configured interval.
const backpressureCap = 8

// captureWindow accumulates frames until the configured segment length is
// reached, then travels to the encoder as one unit.
type captureWindow struct {
	Session  Session
	Start    time.Time
	Frames   []Frame
	FrameDir string
}

// Scheduler drives the pipeline: it ticks the capturer, buffers frames into
// windows, and hands closed windows to the encoder over a bounded channel.
type Scheduler struct {
	settings *SettingsStore
	store    *Store
	capturer Capturer
	status   *StatusActor
	logger   *Logger
	dataDir  string
	device   string

	encodeQ chan *captureWindow

	lastInstant time.Time
	window      *captureWindow
}

func NewScheduler(settings *SettingsStore, store *Store, capturer Capturer, status *StatusActor,
	logger *Logger, dataDir, device string, encodeQ chan *captureWindow) *Scheduler {
	return &Scheduler{
		settings: settings,
		store:    store,
		capturer: capturer,
		status:   status,
		logger:   logger,
		dataDir:  dataDir,
		device:   device,
		encodeQ:  encodeQ,
	}
}

// Run ticks until ctx is done. On shutdown the current window is closed
// best-effort; unconsumed frames stay on disk for the next start.
func (sc *Scheduler) Run(ctx context.Context) {
	cfg, err := sc.settings.Get(ctx)
	if err != nil {
		return
	}
	base := time.Duration(cfg.CaptureInterval) * time.Second
	interval := base

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			sc.closeWindowOnShutdown()
			return
		case <-timer.C:
		}

		// Config and pause state are re-read at tick boundaries only.
		cfg, err = sc.settings.Get(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				sc.closeWindowOnShutdown()
				return
			}
			timer.Reset(interval)
			continue
		}
		base = time.Duration(cfg.CaptureInterval) * time.Second
		segmentLen := time.Duration(cfg.SummaryInterval) * time.Minute

		if sc.status.Paused(ctx) {
			if sc.window != nil {
				sc.closeWindow(ctx, &interval, base)
			}
			timer.Reset(base)
			continue
		}

		sc.tick(ctx, segmentLen, &interval, base)
		timer.Reset(interval)
	}
}

func (sc *Scheduler) tick(ctx context.Context, segmentLen time.Duration, interval *time.Duration, base time.Duration) {
	img, instant, err := sc.capturer.Capture(ctx)
	instant = sc.monotonic(instant)
	if err != nil {
		sc.status.RecordEvent(ctx, "capture", false)
		sc.logger.Warn(EventCaptureFailed, map[string]interface{}{"error": err.Error()})
		if errors.Is(err, ErrPermissionDenied) {
			// Permission problems do not resolve by retrying; stop until the
			// user intervenes.
			sc.status.SetPause(ctx, true)
		}
		return
	}

	if sc.window == nil {
		if !sc.openWindow(ctx, instant, segmentLen) {
			return
		}
	}

	dir := sc.window.FrameDir
	path, err := writeFramePNG(img, dir, instant)
	if err != nil {
		sc.status.RecordEvent(ctx, "capture", false)
		sc.logger.Warn(EventCaptureFailed, map[string]interface{}{"error": err.Error()})
		return
	}
	frame := Frame{SessionID: sc.window.Session.ID, Timestamp: instant, FilePath: path}
	if err := sc.store.AppendFrame(ctx, &frame); err != nil {
		sc.logger.Error(EventCaptureFailed, map[string]interface{}{"error": err.Error()})
		return
	}
	sc.window.Frames = append(sc.window.Frames, frame)
	sc.status.RecordEvent(ctx, "capture", true)

	if instant.Sub(sc.window.Start) >= segmentLen {
		sc.closeWindow(ctx, interval, base)
	}
}

func (sc *Scheduler) openWindow(ctx context.Context, start time.Time, segmentLen time.Duration) bool {
	sess := Session{
		StartedAt:  start,
		EndedAt:    start.Add(segmentLen), // provisional; finalized on close
		DeviceName: sc.device,
		DeviceKind: LocalDeviceKind(),
	}
	if err := sc.store.CreateSession(ctx, &sess); err != nil {
		sc.logger.Error(EventCaptureFailed, map[string]interface{}{"error": err.Error()})
		return false
	}
	sc.window = &captureWindow{
		Session:  sess,
		Start:    start,
		FrameDir: FramesDir(sc.dataDir, sess.ID),
	}
	return true
}

// closeWindow finalizes the session window and hands it to the encoder. A
// full encoder queue refuses the hand-off; the window stays open and the
// tick interval degrades multiplicatively until capacity returns.
func (sc *Scheduler) closeWindow(ctx context.Context, interval *time.Duration, base time.Duration) {
	w := sc.window
	if w == nil {
		return
	}
	if len(w.Frames) == 0 {
		sc.discardEmptyWindow(ctx, w)
		return
	}
	end := w.Frames[len(w.Frames)-1].Timestamp.Add(clockEpsilon)

	select {
	case sc.encodeQ <- w:
		if err := sc.store.CloseSessionWindow(ctx, w.Session.ID, end); err != nil {
			sc.logger.Error(EventWindowClosed, map[string]interface{}{"error": err.Error()})
		}
		w.Session.EndedAt = end
		sc.logger.Info(EventWindowClosed, map[string]interface{}{
			"session_id": w.Session.ID,
			"frames":     len(w.Frames),
		})
		sc.window = nil
		*interval = base
	default:
		next := *interval * 2
		if next > base*backpressureCap {
			next = base * backpressureCap
		}
		*interval = next
	}
}

func (sc *Scheduler) closeWindowOnShutdown() {
	w := sc.window
	if w == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if len(w.Frames) == 0 {
		sc.discardEmptyWindow(ctx, w)
		return
	}
	end := w.Frames[len(w.Frames)-1].Timestamp.Add(clockEpsilon)
	if err := sc.store.CloseSessionWindow(ctx, w.Session.ID, end); err != nil {
		sc.logger.Error(EventWindowClosed, map[string]interface{}{"error": err.Error()})
		return
	}
	// Best-effort hand-off; if the encoder is gone the frames stay on disk
	// and the session is picked up on the next start.
	select {
	case sc.encodeQ <- w:
	default:
	}
	sc.window = nil
}

// discardEmptyWindow drops a window that never persisted a frame, deleting
// the session row it created so no zero-frame session lingers.
func (sc *Scheduler) discardEmptyWindow(ctx context.Context, w *captureWindow) {
	if err := sc.store.DeleteSession(ctx, w.Session.ID); err != nil {
		sc.logger.Error(EventWindowClosed, map[string]interface{}{"error": err.Error()})
	}
	sc.window = nil
}

// monotonic guards frame ordering against wall-clock regressions.
func (sc *Scheduler) monotonic(now time.Time) time.Time {
	if !now.After(sc.lastInstant) {
		now = sc.lastInstant.Add(clockEpsilon)
	}
	sc.lastInstant = now
	return now
}
