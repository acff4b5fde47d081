package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Analyzer runs the two-phase analysis for one closed segment: the provider
// first splits the recording into described sub-windows, then turns the
// split into timeline cards. Results are committed in one transaction.
type Analyzer struct {
	store    *Store
	llm      *LLMManager
	settings *SettingsStore
	status   *StatusActor
	logger   *Logger

	backoff backoffPolicy

	// replicator, when set, receives completed cards for outbound push.
	replicator *Replicator
}

func NewAnalyzer(store *Store, llm *LLMManager, settings *SettingsStore, status *StatusActor, logger *Logger) *Analyzer {
	return &Analyzer{
		store:    store,
		llm:      llm,
		settings: settings,
		status:   status,
		logger:   logger,
		backoff:  defaultBackoff,
	}
}

// Run consumes session ids from queue until ctx is done.
func (a *Analyzer) Run(ctx context.Context, queue <-chan int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-queue:
			if err := a.AnalyzeSession(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error(EventAnalyzeFailed, map[string]interface{}{
					"session_id": id,
					"error":      err.Error(),
				})
			}
		}
	}
}

// AnalyzeSession performs the full flow for one session.
func (a *Analyzer) AnalyzeSession(ctx context.Context, sessionID int64) error {
	sess, err := a.store.SessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %d not found", sessionID)
	}
	if sess.VideoPath == "" {
		return fmt.Errorf("session %d has no artifact", sessionID)
	}

	cfg, err := a.settings.Get(ctx)
	if err != nil {
		return err
	}
	templates, err := LoadPromptTemplates(cfg.LLMConfig.TemplatesPath)
	if err != nil {
		a.logger.Warn("templates_fallback", map[string]interface{}{"error": err.Error()})
	}
	tolerance := time.Duration(cfg.CaptureInterval) * time.Second

	// Phase 1: segment the video.
	segPrompt := renderTemplate(templates.SegmentVideo, map[string]string{
		"duration": formatClockOffset(sess.Duration()),
	})
	segOut := a.callWithRetry(ctx, CallInput{
		Kind:      CallSegmentVideo,
		SessionID: &sess.ID,
		Prompt:    segPrompt,
		VideoPath: sess.VideoPath,
	})
	if segOut.Err != nil {
		a.status.RecordEvent(ctx, "analyze", false)
		return segOut.Err
	}
	segments, err := parseSegments(segOut.Result.Text, sess.Duration(), tolerance)
	if err != nil {
		return a.failParse(ctx, sess.ID, err)
	}
	for i := range segments {
		id := segOut.CallID
		segments[i].CallID = &id
	}

	// Phase 2: generate the timeline.
	promptSegs := make([]segmentJSON, len(segments))
	for i, seg := range segments {
		promptSegs[i] = segmentJSON{Start: seg.StartOffset, End: seg.EndOffset, Description: seg.Description}
	}
	segJSON, _ := json.Marshal(promptSegs)
	tlPrompt := renderTemplate(templates.GenerateTimeline, map[string]string{
		"segments": string(segJSON),
		"start":    sess.StartedAt.Local().Format("15:04"),
	})
	tlOut := a.callWithRetry(ctx, CallInput{
		Kind:      CallGenerateTimeline,
		SessionID: &sess.ID,
		Prompt:    tlPrompt,
	})
	if tlOut.Err != nil {
		a.status.RecordEvent(ctx, "analyze", false)
		return tlOut.Err
	}
	timeline, err := parseTimeline(tlOut.Result.Text)
	if err != nil {
		return a.failParse(ctx, sess.ID, err)
	}
	for i := range timeline.Cards {
		id := tlOut.CallID
		timeline.Cards[i].CallID = &id
	}
	if err := validateCardCoverage(timeline.Cards, segments, *sess, tolerance); err != nil {
		return a.failParse(ctx, sess.ID, err)
	}

	if err := a.store.SaveAnalysis(ctx, sess.ID, timeline.Title, timeline.Summary, timeline.Tags,
		segments, timeline.Cards); err != nil {
		return err
	}
	a.status.RecordEvent(ctx, "analyze", true)
	a.logger.Info(EventAnalyzeComplete, map[string]interface{}{
		"session_id": sess.ID,
		"segments":   len(segments),
		"cards":      len(timeline.Cards),
	})
	if a.replicator != nil && cfg.NotionConfig.Enabled {
		for _, card := range timeline.Cards {
			a.replicator.Enqueue(*sess, card)
		}
	}
	return nil
}

// failParse marks the session so the raw response in the call record can be
// inspected. Parse failures are never retried.
func (a *Analyzer) failParse(ctx context.Context, sessionID int64, cause error) error {
	a.status.RecordEvent(ctx, "analyze", false)
	if err := a.store.MarkSessionState(ctx, sessionID, SessionAnalysisFailed); err != nil {
		a.logger.Error(EventAnalyzeFailed, map[string]interface{}{"error": err.Error()})
	}
	return fmt.Errorf("%w: %v", ErrProviderProtocol, cause)
}

// callWithRetry retries transient failures (transport errors, 5xx) with
// exponential backoff. Every attempt leaves its own audit row.
func (a *Analyzer) callWithRetry(ctx context.Context, input CallInput) CallOutcome {
	var out CallOutcome
	for attempt := 1; ; attempt++ {
		out = a.llm.Call(ctx, input)
		if out.Err == nil {
			return out
		}
		status := 0
		if out.Result != nil {
			status = out.Result.StatusCode
		}
		if !isTransient(status, out.Err) || attempt >= a.backoff.MaxAttempts {
			return out
		}
		select {
		case <-time.After(a.backoff.delay(attempt)):
		case <-ctx.Done():
			out.Err = ctx.Err()
			return out
		}
	}
}

func renderTemplate(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

type segmentJSON struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Description string `json:"description"`
}

// parseSegments validates the provider's segmentation: offsets must be
// well-formed, strictly ordered, and must not exceed the session duration by
// more than one tick.
func parseSegments(text string, duration, tolerance time.Duration) ([]VideoSegment, error) {
	raw := extractJSON(text, '[', ']')
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in segmentation response")
	}
	var parsed []segmentJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("segmentation response: %w", err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("segmentation response is empty")
	}
	out := make([]VideoSegment, 0, len(parsed))
	var prevEnd time.Duration
	for i, seg := range parsed {
		start, err := parseClockOffset(seg.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseClockOffset(seg.End)
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, fmt.Errorf("segment %d: end %s not after start %s", i, seg.End, seg.Start)
		}
		if start < prevEnd {
			return nil, fmt.Errorf("segment %d: non-monotonic start %s", i, seg.Start)
		}
		if end > duration+tolerance {
			return nil, fmt.Errorf("segment %d: end %s beyond session duration", i, seg.End)
		}
		prevEnd = end
		out = append(out, VideoSegment{
			StartOffset: formatClockOffset(start),
			EndOffset:   formatClockOffset(end),
			Description: seg.Description,
		})
	}
	return out, nil
}

type timelineJSON struct {
	Title   string     `json:"title"`
	Summary string     `json:"summary"`
	Tags    []string   `json:"tags"`
	Cards   []cardJSON `json:"cards"`
}

type cardJSON struct {
	Start           string            `json:"start"`
	End             string            `json:"end"`
	Category        string            `json:"category"`
	Subcategory     string            `json:"subcategory"`
	Title           string            `json:"title"`
	Summary         string            `json:"summary"`
	DetailedSummary string            `json:"detailed_summary"`
	Distractions    []string          `json:"distractions"`
	AppSites        map[string]string `json:"app_sites"`
}

type parsedTimeline struct {
	Title   string
	Summary string
	Tags    []string
	Cards   []TimelineCard
}

func parseTimeline(text string) (*parsedTimeline, error) {
	raw := extractJSON(text, '{', '}')
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in timeline response")
	}
	var parsed timelineJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("timeline response: %w", err)
	}
	if len(parsed.Cards) == 0 {
		return nil, fmt.Errorf("timeline response has no cards")
	}
	out := &parsedTimeline{Title: parsed.Title, Summary: parsed.Summary, Tags: parsed.Tags}
	for i, c := range parsed.Cards {
		if c.Category == "" || c.Subcategory == "" {
			return nil, fmt.Errorf("card %d: empty category", i)
		}
		out.Cards = append(out.Cards, TimelineCard{
			Start:           c.Start,
			End:             c.End,
			Category:        c.Category,
			Subcategory:     c.Subcategory,
			Title:           c.Title,
			Summary:         c.Summary,
			DetailedSummary: c.DetailedSummary,
			Distractions:    c.Distractions,
			AppSites:        c.AppSites,
		})
	}
	return out, nil
}

// validateCardCoverage checks that every card's range is covered by at least
// one segment. Card times may be session-relative MM:SS or local wall-clock
// HH:MM; both normalize to offsets before the comparison.
func validateCardCoverage(cards []TimelineCard, segments []VideoSegment, sess Session, tolerance time.Duration) error {
	for i, card := range cards {
		start, end, err := normalizeCardRange(card, sess, tolerance)
		if err != nil {
			return fmt.Errorf("card %d: %w", i, err)
		}
		if !rangeCovered(start, end, segments, tolerance) {
			return fmt.Errorf("card %d: range %s-%s not covered by any segment", i, card.Start, card.End)
		}
	}
	return nil
}

func normalizeCardRange(card TimelineCard, sess Session, tolerance time.Duration) (time.Duration, time.Duration, error) {
	duration := sess.Duration()

	// Relative MM:SS first; wall-clock HH:MM values that happen to parse as
	// offsets would land far outside the session duration.
	start, errS := parseClockOffset(card.Start)
	end, errE := parseClockOffset(card.End)
	if errS == nil && errE == nil && start <= end && end <= duration+tolerance {
		return start, end, nil
	}

	wallStart, err := parseWallClock(card.Start, sess.StartedAt)
	if err != nil {
		return 0, 0, err
	}
	wallEnd, err := parseWallClock(card.End, sess.StartedAt)
	if err != nil {
		return 0, 0, err
	}
	sessionStart := sess.StartedAt.Local().Truncate(time.Minute)
	start = wallStart.Sub(sessionStart)
	end = wallEnd.Sub(sessionStart)
	if start < -tolerance || end < start || end > duration+time.Minute+tolerance {
		return 0, 0, fmt.Errorf("range %s-%s outside session window", card.Start, card.End)
	}
	if start < 0 {
		start = 0
	}
	return start, end, nil
}

func rangeCovered(start, end time.Duration, segments []VideoSegment, tolerance time.Duration) bool {
	for _, seg := range segments {
		s, err1 := parseClockOffset(seg.StartOffset)
		e, err2 := parseClockOffset(seg.EndOffset)
		if err1 != nil || err2 != nil {
			continue
		}
		if s <= start+tolerance && e+tolerance >= end {
			return true
		}
	}
	return false
}

// extractJSON strips prose and code fences around the first JSON value
// delimited by open/close.
func extractJSON(text string, open, close byte) string {
	i := strings.IndexByte(text, open)
	j := strings.LastIndexByte(text, close)
	if i < 0 || j <= i {
		return ""
	}
	return text[i : j+1]
}
