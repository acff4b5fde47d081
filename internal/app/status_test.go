package app

import (
	"context"
	"testing"
)

func newTestStatus(t *testing.T) *StatusActor {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a := NewStatusActor()
	go a.Run(ctx)
	return a
}

func TestStatusRecordsStageCounts(t *testing.T) {
	a := newTestStatus(t)
	ctx := context.Background()

	a.RecordEvent(ctx, "capture", true)
	a.RecordEvent(ctx, "capture", true)
	a.RecordEvent(ctx, "capture", false)
	a.RecordEvent(ctx, "analyze", true)

	snap, err := a.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := snap.Stages["capture"]; got.OK != 2 || got.Failed != 1 {
		t.Errorf("capture counts = %+v, want 2/1", got)
	}
	if snap.LastCapture.IsZero() {
		t.Error("last capture not stamped")
	}
	if snap.LastAnalysis.IsZero() {
		t.Error("last analysis not stamped")
	}
}

func TestStatusFailedEventsDoNotStampLiveness(t *testing.T) {
	a := newTestStatus(t)
	ctx := context.Background()

	a.RecordEvent(ctx, "capture", false)
	snap, err := a.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !snap.LastCapture.IsZero() {
		t.Error("failed capture stamped liveness")
	}
}

func TestStatusPauseFlag(t *testing.T) {
	a := newTestStatus(t)
	ctx := context.Background()

	if a.Paused(ctx) {
		t.Fatal("new actor should not be paused")
	}
	a.SetPause(ctx, true)
	if !a.Paused(ctx) {
		t.Fatal("pause flag not set")
	}
	a.SetPause(ctx, false)
	if a.Paused(ctx) {
		t.Fatal("pause flag not cleared")
	}
}

func TestStatusSnapshotIsCopy(t *testing.T) {
	a := newTestStatus(t)
	ctx := context.Background()

	a.RecordEvent(ctx, "encode", true)
	snap, _ := a.Get(ctx)
	snap.Stages["encode"] = StageCounts{OK: 99}

	fresh, _ := a.Get(ctx)
	if fresh.Stages["encode"].OK != 1 {
		t.Error("snapshot mutation leaked into the actor")
	}
}

func TestStatusHealthy(t *testing.T) {
	a := newTestStatus(t)
	if !a.Healthy() {
		t.Error("running actor reported unhealthy")
	}
}
