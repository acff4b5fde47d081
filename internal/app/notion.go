package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const notionAPIVersion = "2022-06-28"

// replicationNamespace seeds the client-side idempotency key. Stable across
// restarts so a re-pushed card maps to the same key.
var replicationNamespace = uuid.MustParse("8a9e6fd2-41dc-4b65-98f2-3f4cbeee6a1f")

// CardIdempotencyKey derives the stable outbound key for a timeline card
// from its session id and start time.
func CardIdempotencyKey(sessionID int64, cardStart string) string {
	return uuid.NewSHA1(replicationNamespace, []byte(fmt.Sprintf("%d|%s", sessionID, cardStart))).String()
}

// Container is a knowledge-base destination (a Notion database).
type Container struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// NotionClient is the outbound knowledge-base collaborator.
type NotionClient struct {
	cfg     NotionConfig
	baseURL string
	http    *http.Client
}

func NewNotionClient(cfg NotionConfig) *NotionClient {
	return &NotionClient{
		cfg:     cfg,
		baseURL: "https://api.notion.com",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *NotionClient) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Notion-Version", notionAPIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		return data, resp.StatusCode, fmt.Errorf("notion returned status %d: %s", resp.StatusCode, truncate(string(data), 256))
	}
	return data, resp.StatusCode, nil
}

// TestConnection verifies the token by fetching the bot user.
func (c *NotionClient) TestConnection(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/v1/users/me", nil)
	return err
}

// SearchContainers lists databases matching query.
func (c *NotionClient) SearchContainers(ctx context.Context, query string) ([]Container, error) {
	body := map[string]any{
		"query":  query,
		"filter": map[string]string{"property": "object", "value": "database"},
	}
	data, _, err := c.do(ctx, http.MethodPost, "/v1/search", body)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Results []struct {
			ID    string `json:"id"`
			Title []struct {
				PlainText string `json:"plain_text"`
			} `json:"title"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	out := make([]Container, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		c := Container{ID: r.ID}
		if len(r.Title) > 0 {
			c.Title = r.Title[0].PlainText
		}
		out = append(out, c)
	}
	return out, nil
}

// CreateContainer creates a card database under the configured parent page.
func (c *NotionClient) CreateContainer(ctx context.Context, title string) (*Container, error) {
	if c.cfg.ParentPageID == "" {
		return nil, fmt.Errorf("%w: parent_page_id is required", ErrConfigInvalid)
	}
	body := map[string]any{
		"parent": map[string]string{"type": "page_id", "page_id": c.cfg.ParentPageID},
		"title":  []map[string]any{{"type": "text", "text": map[string]string{"content": title}}},
		"properties": map[string]any{
			"Title":    map[string]any{"title": map[string]any{}},
			"Category": map[string]any{"rich_text": map[string]any{}},
			"Start":    map[string]any{"rich_text": map[string]any{}},
			"End":      map[string]any{"rich_text": map[string]any{}},
			"Sync Key": map[string]any{"rich_text": map[string]any{}},
		},
	}
	data, _, err := c.do(ctx, http.MethodPost, "/v1/databases", body)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse create response: %w", err)
	}
	return &Container{ID: parsed.ID, Title: title}, nil
}

// PushCard upserts one timeline card. The stable sync key makes the push
// idempotent: an existing page with the same key is left alone.
func (c *NotionClient) PushCard(ctx context.Context, sess Session, card TimelineCard) error {
	if c.cfg.DatabaseID == "" {
		return fmt.Errorf("%w: database_id is required", ErrConfigInvalid)
	}
	key := CardIdempotencyKey(sess.ID, card.Start)

	queryBody := map[string]any{
		"filter": map[string]any{
			"property":  "Sync Key",
			"rich_text": map[string]string{"equals": key},
		},
	}
	data, _, err := c.do(ctx, http.MethodPost, "/v1/databases/"+c.cfg.DatabaseID+"/query", queryBody)
	if err != nil {
		return err
	}
	var existing struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(data, &existing); err == nil && len(existing.Results) > 0 {
		return nil
	}

	text := func(s string) []map[string]any {
		return []map[string]any{{"type": "text", "text": map[string]string{"content": s}}}
	}
	pageBody := map[string]any{
		"parent": map[string]string{"database_id": c.cfg.DatabaseID},
		"properties": map[string]any{
			"Title":    map[string]any{"title": text(card.Title)},
			"Category": map[string]any{"rich_text": text(card.Category + "/" + card.Subcategory)},
			"Start":    map[string]any{"rich_text": text(card.Start)},
			"End":      map[string]any{"rich_text": text(card.End)},
			"Sync Key": map[string]any{"rich_text": text(key)},
		},
		"children": []map[string]any{{
			"object": "block",
			"type":   "paragraph",
			"paragraph": map[string]any{
				"rich_text": text(card.DetailedSummary),
			},
		}},
	}
	_, _, err = c.do(ctx, http.MethodPost, "/v1/pages", pageBody)
	return err
}

type replicationJob struct {
	session Session
	card    TimelineCard
	attempt int
}

// Replicator forwards completed timeline cards to the knowledge base with a
// bounded retry queue. Cards stay in the local store regardless of outcome.
type Replicator struct {
	settings *SettingsStore
	logger   *Logger

	queue   chan replicationJob
	backoff backoffPolicy

	// newClient is a seam for tests.
	newClient func(cfg NotionConfig) *NotionClient
}

func NewReplicator(settings *SettingsStore, logger *Logger) *Replicator {
	return &Replicator{
		settings:  settings,
		logger:    logger,
		queue:     make(chan replicationJob, 64),
		backoff:   defaultBackoff,
		newClient: NewNotionClient,
	}
}

// Enqueue schedules one card for replication. A full queue drops the push;
// the card remains local and can be re-pushed by a later backfill.
func (r *Replicator) Enqueue(sess Session, card TimelineCard) bool {
	select {
	case r.queue <- replicationJob{session: sess, card: card}:
		return true
	default:
		r.logger.Warn(EventReplicateFailed, map[string]interface{}{
			"session_id": sess.ID,
			"reason":     "queue full",
		})
		return false
	}
}

// Run drains the queue until ctx is done.
func (r *Replicator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			r.push(ctx, job)
		}
	}
}

func (r *Replicator) push(ctx context.Context, job replicationJob) {
	cfg, err := r.settings.Get(ctx)
	if err != nil || !cfg.NotionConfig.Enabled {
		return
	}
	client := r.newClient(cfg.NotionConfig)
	if err := client.PushCard(ctx, job.session, job.card); err != nil {
		job.attempt++
		if job.attempt >= r.backoff.MaxAttempts {
			r.logger.Error(EventReplicateFailed, map[string]interface{}{
				"session_id": job.session.ID,
				"error":      err.Error(),
			})
			return
		}
		delay := r.backoff.delay(job.attempt)
		go func() {
			select {
			case <-time.After(delay):
				select {
				case r.queue <- job:
				default:
				}
			case <-ctx.Done():
			}
		}()
		return
	}
	r.logger.Info(EventReplicatePushed, map[string]interface{}{
		"session_id": job.session.ID,
		"card_start": job.card.Start,
	})
}
