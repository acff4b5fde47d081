package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type analyzerHarness struct {
	analyzer *Analyzer
	store    *Store
	llm      *LLMManager
	status   *StatusActor
}

func newAnalyzerHarness(t *testing.T, cfg LLMConfig) *analyzerHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := newTestStore(t)
	settings, _ := newTestSettings(t)
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := settings.Update(ctx, map[string]json.RawMessage{"llm_config": raw}); err != nil {
		t.Fatalf("configure llm: %v", err)
	}

	logger := NewLogger(io.Discard)
	status := NewStatusActor()
	go status.Run(ctx)
	llm := NewLLMManager(store, logger, "openai", cfg)
	go llm.Run(ctx)

	analyzer := NewAnalyzer(store, llm, settings, status, logger)
	analyzer.backoff = backoffPolicy{Base: time.Millisecond, Factor: 2, MaxAttempts: 3, Jitter: 0}
	return &analyzerHarness{analyzer: analyzer, store: store, llm: llm, status: status}
}

func (h *analyzerHarness) newEncodedSession(t *testing.T, d time.Duration) Session {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	sess := newTestSession(t, h.store, start, d)
	artifact := filepath.Join(t.TempDir(), "segment.mp4")
	if err := os.WriteFile(artifact, []byte("not a real video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetSessionVideoPath(ctx, sess.ID, artifact); err != nil {
		t.Fatalf("set video path: %v", err)
	}
	sess.VideoPath = artifact
	return sess
}

func chatReply(text string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"content": text}}},
	})
	return string(body)
}

const segmentReply = `[{"start": "00:00", "end": "00:30", "description": "reading docs"},
{"start": "00:30", "end": "01:00", "description": "writing code"}]`

const timelineReply = `{"title": "Focused work", "summary": "Docs then code.", "tags": ["work"],
"cards": [{"start": "00:00", "end": "00:30", "category": "work", "subcategory": "research",
"title": "Docs", "summary": "s", "detailed_summary": "d", "distractions": [], "app_sites": {}},
{"start": "00:30", "end": "01:00", "category": "work", "subcategory": "coding",
"title": "Code", "summary": "s", "detailed_summary": "d", "distractions": [], "app_sites": {}}]}`

func TestAnalyzeSessionWithMockProvider(t *testing.T) {
	h := newAnalyzerHarness(t, LLMConfig{Endpoint: "mock://", TimeoutSeconds: 5})
	sess := h.newEncodedSession(t, time.Minute)
	ctx := context.Background()

	if err := h.analyzer.AnalyzeSession(ctx, sess.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	detail, err := h.store.SessionDetailByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Session.State != SessionAnalyzed {
		t.Errorf("state = %q, want %q", detail.Session.State, SessionAnalyzed)
	}
	if detail.Session.Title == "" {
		t.Error("analysis left title empty")
	}
	if len(detail.Segments) != 2 {
		t.Errorf("segments = %d, want 2", len(detail.Segments))
	}
	if len(detail.Cards) != 2 {
		t.Errorf("cards = %d, want 2", len(detail.Cards))
	}

	calls, err := h.store.CallsForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("calls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	for _, call := range calls {
		if call.StatusCode == nil || *call.StatusCode != http.StatusOK {
			t.Errorf("call %d missing status", call.ID)
		}
		if call.ErrorMessage != nil {
			t.Errorf("call %d has unexpected error", call.ID)
		}
	}
	if detail.Segments[0].CallID == nil || *detail.Segments[0].CallID != calls[0].ID {
		t.Error("segment lost provenance")
	}
	if detail.Cards[0].CallID == nil || *detail.Cards[0].CallID != calls[1].ID {
		t.Error("card lost provenance")
	}
}

func TestAnalyzeSessionRetriesTransientFailures(t *testing.T) {
	var segmentAttempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if json.Valid(body) && containsVideo(body) {
			segmentAttempts++
			if segmentAttempts <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, `{"error": {"message": "overloaded"}}`)
				return
			}
			fmt.Fprint(w, chatReply(segmentReply))
			return
		}
		fmt.Fprint(w, chatReply(timelineReply))
	}))
	defer srv.Close()

	h := newAnalyzerHarness(t, LLMConfig{Endpoint: srv.URL, APIKey: "secret", TimeoutSeconds: 5})
	sess := h.newEncodedSession(t, time.Minute)
	ctx := context.Background()

	if err := h.analyzer.AnalyzeSession(ctx, sess.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if segmentAttempts != 3 {
		t.Errorf("segment attempts = %d, want 3", segmentAttempts)
	}

	// Every attempt leaves its own audit row: 2 failed + 1 ok + 1 timeline.
	calls, err := h.store.CallsForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("calls: %v", err)
	}
	if len(calls) != 4 {
		t.Fatalf("calls = %d, want 4", len(calls))
	}
	failed := 0
	for _, call := range calls {
		if call.ErrorMessage != nil {
			failed++
			if call.StatusCode != nil {
				t.Error("failed call carries both status and error")
			}
		}
	}
	if failed != 2 {
		t.Errorf("failed calls = %d, want 2", failed)
	}
}

func TestAnalyzeSessionRetryExhaustion(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newAnalyzerHarness(t, LLMConfig{Endpoint: srv.URL, APIKey: "secret", TimeoutSeconds: 5})
	sess := h.newEncodedSession(t, time.Minute)

	err := h.analyzer.AnalyzeSession(context.Background(), sess.ID)
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if requests != h.analyzer.backoff.MaxAttempts {
		t.Errorf("requests = %d, want %d", requests, h.analyzer.backoff.MaxAttempts)
	}
}

func TestAnalyzeSessionParseFailureNotRetried(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, chatReply("Sorry, I cannot help with that."))
	}))
	defer srv.Close()

	h := newAnalyzerHarness(t, LLMConfig{Endpoint: srv.URL, APIKey: "secret", TimeoutSeconds: 5})
	sess := h.newEncodedSession(t, time.Minute)
	ctx := context.Background()

	err := h.analyzer.AnalyzeSession(ctx, sess.ID)
	if !errors.Is(err, ErrProviderProtocol) {
		t.Fatalf("expected ErrProviderProtocol, got %v", err)
	}
	if requests != 1 {
		t.Errorf("requests = %d, parse failures must not retry", requests)
	}

	loaded, err := h.store.SessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State != SessionAnalysisFailed {
		t.Errorf("state = %q, want %q", loaded.State, SessionAnalysisFailed)
	}
	segments, err := h.store.SegmentsForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segments) != 0 {
		t.Error("failed analysis left segment rows behind")
	}
	// The raw response stays inspectable in the audit record.
	calls, err := h.store.CallsForSession(ctx, sess.ID)
	if err != nil || len(calls) != 1 {
		t.Fatalf("calls = %d (%v), want 1", len(calls), err)
	}
	if calls[0].ResponseBody == nil {
		t.Error("audit record lost the raw response body")
	}
}

func TestAnalyzeSessionRejectsUncoveredCards(t *testing.T) {
	uncovered := `{"title": "t", "summary": "s", "tags": [],
"cards": [{"start": "00:40", "end": "00:55", "category": "work", "subcategory": "misc",
"title": "t", "summary": "s", "detailed_summary": "d"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if containsVideo(body) {
			fmt.Fprint(w, chatReply(`[{"start": "00:00", "end": "00:30", "description": "d"}]`))
			return
		}
		fmt.Fprint(w, chatReply(uncovered))
	}))
	defer srv.Close()

	h := newAnalyzerHarness(t, LLMConfig{Endpoint: srv.URL, APIKey: "secret", TimeoutSeconds: 5})
	sess := h.newEncodedSession(t, time.Minute)

	err := h.analyzer.AnalyzeSession(context.Background(), sess.ID)
	if !errors.Is(err, ErrProviderProtocol) {
		t.Fatalf("expected ErrProviderProtocol, got %v", err)
	}
	loaded, _ := h.store.SessionByID(context.Background(), sess.ID)
	if loaded.State != SessionAnalysisFailed {
		t.Errorf("state = %q, want %q", loaded.State, SessionAnalysisFailed)
	}
}

func containsVideo(body []byte) bool {
	var req struct {
		Messages []struct {
			Content []struct {
				Type string `json:"type"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	for _, m := range req.Messages {
		for _, part := range m.Content {
			if part.Type == "video_url" {
				return true
			}
		}
	}
	return false
}

func TestParseSegmentsValidation(t *testing.T) {
	duration := time.Minute
	tolerance := 5 * time.Second

	good, err := parseSegments("Here you go:\n```json\n"+segmentReply+"\n```", duration, tolerance)
	if err != nil {
		t.Fatalf("parse wrapped JSON: %v", err)
	}
	if len(good) != 2 || good[0].StartOffset != "00:00" || good[1].EndOffset != "01:00" {
		t.Errorf("unexpected segments: %+v", good)
	}

	bad := []string{
		`no json here`,
		`[]`,
		`[{"start": "00:30", "end": "00:10", "description": "d"}]`,                                                  // end before start
		`[{"start": "00:00", "end": "00:40", "description": "d"}, {"start": "00:20", "end": "00:50", "description": "d"}]`, // overlap
		`[{"start": "00:00", "end": "02:00", "description": "d"}]`,                                                  // past duration
	}
	for _, in := range bad {
		if _, err := parseSegments(in, duration, tolerance); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestNormalizeCardRangeWallClockFallback(t *testing.T) {
	start := time.Date(2026, 8, 20, 14, 0, 0, 0, time.Local)
	sess := Session{StartedAt: start.UTC(), EndedAt: start.Add(10 * time.Minute).UTC()}
	tolerance := 5 * time.Second

	// HH:MM values that overshoot the duration fall back to wall clock on
	// the session's day.
	card := TimelineCard{Start: "14:05", End: "14:08"}
	s, e, err := normalizeCardRange(card, sess, tolerance)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if s != 5*time.Minute || e != 8*time.Minute {
		t.Errorf("got %v-%v, want 5m-8m", s, e)
	}

	// MM:SS relative offsets win when they fit the duration.
	rel := TimelineCard{Start: "00:30", End: "05:00"}
	s, e, err = normalizeCardRange(rel, sess, tolerance)
	if err != nil {
		t.Fatalf("normalize relative: %v", err)
	}
	if s != 30*time.Second || e != 5*time.Minute {
		t.Errorf("got %v-%v, want 30s-5m", s, e)
	}

	// Values that fit neither interpretation are rejected.
	outside := TimelineCard{Start: "45:00", End: "50:00"}
	if _, _, err := normalizeCardRange(outside, sess, tolerance); err == nil {
		t.Error("expected error for out-of-window card")
	}
}
