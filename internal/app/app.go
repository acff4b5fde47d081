package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const AppName = "rewind"

// drainTimeout bounds how long shutdown waits for in-flight analysis.
const drainTimeout = 30 * time.Second

// Options configures a daemon instance.
type Options struct {
	DataDir      string
	SettingsPath string
	Device       string
	Database     DatabaseConfig
	LogWriter    io.Writer // defaults to the platform log file
}

// Application owns the whole pipeline: the stores, the three actors, and
// the long-running drivers.
type Application struct {
	opts     Options
	logger   *Logger
	logFile  *os.File
	settings *SettingsStore
	store    *Store
	status   *StatusActor

	llm        *LLMManager
	analyzer   *Analyzer
	processor  *SessionProcessor
	cleaner    *Cleaner
	replicator *Replicator
	scheduler  *Scheduler
	encoder    *Encoder

	encodeQ  chan *captureWindow
	analyzeQ chan int64
}

// NewApplication validates the options and opens the stores. Failures here
// are fatal init errors; the process should exit non-zero.
func NewApplication(ctx context.Context, opts Options) (*Application, error) {
	if opts.DataDir == "" {
		dir, err := DataDir(AppName)
		if err != nil {
			return nil, err
		}
		opts.DataDir = dir
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}
	if opts.SettingsPath == "" {
		opts.SettingsPath = filepath.Join(opts.DataDir, "settings.json")
	}
	if opts.Database.Backend == "" || opts.Database.Backend == backendSQLite {
		if opts.Database.Path == "" {
			opts.Database.Path = filepath.Join(opts.DataDir, "rewind.db")
		}
	}
	if opts.Device == "" {
		if host, err := os.Hostname(); err == nil {
			opts.Device = host
		}
	}

	logWriter := opts.LogWriter
	var logFile *os.File
	if logWriter == nil {
		f, err := OpenLogFile(AppName)
		if err != nil {
			return nil, err
		}
		logFile = f
		logWriter = f
	}
	logger := NewLogger(logWriter)

	settings, err := OpenSettingsStore(ctx, opts.SettingsPath)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	store, err := OpenStore(opts.Database)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	cfg, err := settings.Get(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &Application{
		opts:     opts,
		logger:   logger,
		logFile:  logFile,
		settings: settings,
		store:    store,
		status:   NewStatusActor(),
		encodeQ:  make(chan *captureWindow, 2),
		analyzeQ: make(chan int64, 8),
	}
	a.llm = NewLLMManager(store, logger, cfg.LLMProvider, cfg.LLMConfig)
	a.replicator = NewReplicator(settings, logger)
	a.analyzer = NewAnalyzer(store, a.llm, settings, a.status, logger)
	a.analyzer.replicator = a.replicator
	a.processor = NewSessionProcessor(store, a.analyzer, logger)
	a.cleaner = NewCleaner(settings, store, logger)
	a.encoder = NewEncoder(settings, store, a.status, logger, opts.DataDir, a.encodeQ, a.analyzeQ)
	capturer := NewDisplayCapturer(cfg.CaptureSettings.Monitor)
	a.scheduler = NewScheduler(settings, store, capturer, a.status, logger,
		opts.DataDir, opts.Device, a.encodeQ)
	return a, nil
}

// SocketPath returns the daemon's RPC socket location.
func (a *Application) SocketPath() string {
	return filepath.Join(a.opts.DataDir, "rewindd.sock")
}

// Run starts every driver and blocks until ctx is done, then shuts down
// gracefully: the scheduler closes its window, the analyzer queue drains
// for up to 30 seconds, and the store is closed last.
func (a *Application) Run(ctx context.Context) error {
	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	defer cancelPipeline()

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(pipelineCtx)
		}()
	}
	run(a.status.Run)
	run(a.llm.Run)
	run(a.encoder.Run)
	run(func(c context.Context) { a.analyzer.Run(c, a.analyzeQ) })
	run(a.cleaner.Run)
	run(a.replicator.Run)

	// Windows interrupted before encoding (crash, failed ffmpeg run) are
	// re-queued from their on-disk frames, then sessions encoded but never
	// analyzed are backfilled.
	run(func(c context.Context) {
		a.recoverUnencoded(c)
		n, err := a.processor.Backfill(c, false)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn(EventAnalyzeFailed, map[string]interface{}{"backfill_error": err.Error()})
			return
		}
		if n > 0 {
			a.logger.Info(EventAnalyzeComplete, map[string]interface{}{"backfilled": n})
		}
	})

	// The scheduler stops first on shutdown so no new work enters the
	// pipeline while the analyzer drains.
	schedulerCtx, cancelScheduler := context.WithCancel(pipelineCtx)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		a.scheduler.Run(schedulerCtx)
	}()

	<-ctx.Done()

	cancelScheduler()
	<-schedulerDone
	a.drainAnalyzer()
	cancelPipeline()
	wg.Wait()

	err := a.store.Close()
	if a.logFile != nil {
		a.logFile.Close()
	}
	return err
}

// recoverUnencoded re-queues sessions whose frames survived on disk without
// ever producing an artifact. Frames missing from disk are skipped; a session
// whose frames are all gone has nothing left to encode.
func (a *Application) recoverUnencoded(ctx context.Context) {
	sessions, err := a.store.SessionsWithoutArtifact(ctx)
	if err != nil {
		a.logger.Warn(EventEncodeFailed, map[string]interface{}{"recover_error": err.Error()})
		return
	}
	for _, sess := range sessions {
		frames, err := a.store.FramesForSession(ctx, sess.ID)
		if err != nil {
			continue
		}
		var present []Frame
		for _, f := range frames {
			if _, err := os.Stat(f.FilePath); err == nil {
				present = append(present, f)
			}
		}
		if len(present) == 0 {
			continue
		}
		w := &captureWindow{
			Session:  sess,
			Start:    sess.StartedAt,
			Frames:   present,
			FrameDir: FramesDir(a.opts.DataDir, sess.ID),
		}
		select {
		case a.encodeQ <- w:
			a.logger.Info(EventWindowClosed, map[string]interface{}{
				"session_id": sess.ID,
				"frames":     len(present),
				"recovered":  true,
			})
		case <-ctx.Done():
			return
		}
	}
}

// drainAnalyzer waits until the analyze queue is empty or the drain timeout
// expires. Sessions left in the queue are picked up by the next backfill.
func (a *Application) drainAnalyzer() {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			return
		case <-tick.C:
			if len(a.analyzeQ) == 0 && len(a.encodeQ) == 0 {
				return
			}
		}
	}
}
