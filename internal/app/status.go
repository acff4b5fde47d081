package app

import (
	"context"
	"time"
)

// StageCounts tallies outcomes for one pipeline stage.
type StageCounts struct {
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}

// StatusSnapshot is the observable system state.
type StatusSnapshot struct {
	LastCapture  time.Time              `json:"last_capture"`
	LastAnalysis time.Time              `json:"last_analysis"`
	Stages       map[string]StageCounts `json:"stages"`
	Paused       bool                   `json:"paused"`
}

type statusMessage struct {
	get      chan StatusSnapshot
	setPause *bool
	record   *statusEvent
	done     chan struct{}
}

type statusEvent struct {
	stage string
	ok    bool
}

// StatusActor owns the health/liveness record. One goroutine serves all
// reads and mutations.
type StatusActor struct {
	requests chan statusMessage

	// owned by the actor goroutine
	state StatusSnapshot
}

func NewStatusActor() *StatusActor {
	return &StatusActor{
		requests: make(chan statusMessage, 16),
		state:    StatusSnapshot{Stages: map[string]StageCounts{}},
	}
}

// Run serves messages until ctx is done.
func (a *StatusActor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.requests:
			switch {
			case msg.get != nil:
				msg.get <- a.snapshot()
			case msg.setPause != nil:
				a.state.Paused = *msg.setPause
				close(msg.done)
			case msg.record != nil:
				counts := a.state.Stages[msg.record.stage]
				if msg.record.ok {
					counts.OK++
				} else {
					counts.Failed++
				}
				a.state.Stages[msg.record.stage] = counts
				now := time.Now().UTC()
				switch msg.record.stage {
				case "capture":
					if msg.record.ok {
						a.state.LastCapture = now
					}
				case "analyze":
					if msg.record.ok {
						a.state.LastAnalysis = now
					}
				}
				close(msg.done)
			}
		}
	}
}

func (a *StatusActor) snapshot() StatusSnapshot {
	out := a.state
	out.Stages = make(map[string]StageCounts, len(a.state.Stages))
	for k, v := range a.state.Stages {
		out.Stages[k] = v
	}
	return out
}

// Get returns the current snapshot.
func (a *StatusActor) Get(ctx context.Context) (StatusSnapshot, error) {
	reply := make(chan StatusSnapshot, 1)
	select {
	case a.requests <- statusMessage{get: reply}:
	case <-ctx.Done():
		return StatusSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StatusSnapshot{}, ctx.Err()
	}
}

// SetPause flips the pause flag. The scheduler observes it at the next tick
// boundary.
func (a *StatusActor) SetPause(ctx context.Context, paused bool) {
	msg := statusMessage{setPause: &paused, done: make(chan struct{})}
	select {
	case a.requests <- msg:
	case <-ctx.Done():
		return
	}
	select {
	case <-msg.done:
	case <-ctx.Done():
	}
}

// Paused reports the pause flag; on error it errs on the side of capturing.
func (a *StatusActor) Paused(ctx context.Context) bool {
	snap, err := a.Get(ctx)
	if err != nil {
		return false
	}
	return snap.Paused
}

// RecordEvent tallies one stage outcome.
func (a *StatusActor) RecordEvent(ctx context.Context, stage string, ok bool) {
	msg := statusMessage{record: &statusEvent{stage: stage, ok: ok}, done: make(chan struct{})}
	select {
	case a.requests <- msg:
	case <-ctx.Done():
		return
	}
	select {
	case <-msg.done:
	case <-ctx.Done():
	}
}

// Healthy reports whether the actor answers within the probe deadline.
func (a *StatusActor) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := a.Get(ctx)
	return err == nil
}
