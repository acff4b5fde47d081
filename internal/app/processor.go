package app

import (
	"context"
	"errors"
	"sync"
)

// SessionProcessor backfills analysis over historical sessions, e.g. after a
// provider-config change. Sessions are processed oldest first with bounded
// concurrency so the manager queue is never saturated.
type SessionProcessor struct {
	store    *Store
	analyzer *Analyzer
	logger   *Logger

	MaxParallel int
}

func NewSessionProcessor(store *Store, analyzer *Analyzer, logger *Logger) *SessionProcessor {
	return &SessionProcessor{
		store:       store,
		analyzer:    analyzer,
		logger:      logger,
		MaxParallel: 2,
	}
}

// Backfill analyzes every candidate session. Sessions that already have
// timeline cards are skipped unless reanalyze is set. Returns the number of
// sessions analyzed successfully.
func (p *SessionProcessor) Backfill(ctx context.Context, reanalyze bool) (int, error) {
	sessions, err := p.store.SessionsForBackfill(ctx, reanalyze)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	workers := p.MaxParallel
	if workers <= 0 {
		workers = 2
	}
	if workers > len(sessions) {
		workers = len(sessions)
	}

	jobs := make(chan int64)
	var wg sync.WaitGroup
	var mu sync.Mutex
	analyzed := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for id := range jobs {
				err := p.analyzer.AnalyzeSession(ctx, id)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						p.logger.Warn(EventAnalyzeFailed, map[string]interface{}{
							"session_id": id,
							"error":      err.Error(),
						})
					}
					continue
				}
				mu.Lock()
				analyzed++
				mu.Unlock()
			}
		}()
	}

	for _, sess := range sessions {
		select {
		case jobs <- sess.ID:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return analyzed, ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()
	return analyzed, nil
}
