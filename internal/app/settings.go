package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrConfigInvalid is returned when a partial update fails validation. The
// last-good document stays active.
var ErrConfigInvalid = errors.New("invalid configuration")

const maxRetentionDays = 365

type LLMConfig struct {
	Endpoint       string `json:"endpoint"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	TemplatesPath  string `json:"templates_path,omitempty"`
}

type CaptureSettings struct {
	IdlePolicy string `json:"idle_policy"` // "always" or "skip_when_idle"
	Monitor    int    `json:"monitor"`
}

type VideoConfig struct {
	FrameRate int      `json:"frame_rate"`
	Format    string   `json:"format"`
	ExtraArgs []string `json:"extra_args,omitempty"`
}

type NotionConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token"`
	ParentPageID string `json:"parent_page_id"`
	DatabaseID   string `json:"database_id"`
}

// Settings is the typed view of the persisted configuration document.
type Settings struct {
	RetentionDays   int             `json:"retention_days"`
	LLMProvider     string          `json:"llm_provider"`
	LLMConfig       LLMConfig       `json:"llm_config"`
	CaptureInterval int             `json:"capture_interval"` // seconds
	SummaryInterval int             `json:"summary_interval"` // minutes
	CaptureSettings CaptureSettings `json:"capture_settings"`
	VideoConfig     VideoConfig     `json:"video_config"`
	NotionConfig    NotionConfig    `json:"notion_config"`
	UISettings      json.RawMessage `json:"ui_settings,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		RetentionDays:   30,
		LLMProvider:     "openai",
		LLMConfig:       LLMConfig{TimeoutSeconds: 120},
		CaptureInterval: 5,
		SummaryInterval: 15,
		CaptureSettings: CaptureSettings{IdlePolicy: "always"},
		VideoConfig:     VideoConfig{FrameRate: 1, Format: "mp4"},
	}
}

// normalize clamps out-of-range values the way a hand-edited file might
// carry them. Returns an error only for values that cannot be repaired.
func (s *Settings) normalize() error {
	if s.RetentionDays <= 0 {
		s.RetentionDays = 30
	}
	if s.RetentionDays > maxRetentionDays {
		s.RetentionDays = maxRetentionDays
	}
	if s.CaptureInterval <= 0 {
		s.CaptureInterval = 5
	}
	if s.SummaryInterval <= 0 {
		s.SummaryInterval = 15
	}
	if s.LLMConfig.TimeoutSeconds <= 0 {
		s.LLMConfig.TimeoutSeconds = 120
	}
	if s.VideoConfig.FrameRate <= 0 {
		s.VideoConfig.FrameRate = 1
	}
	if s.VideoConfig.FrameRate > 30 {
		s.VideoConfig.FrameRate = 30
	}
	if s.VideoConfig.Format == "" {
		s.VideoConfig.Format = "mp4"
	}
	switch s.CaptureSettings.IdlePolicy {
	case "", "always":
		s.CaptureSettings.IdlePolicy = "always"
	case "skip_when_idle":
	default:
		return fmt.Errorf("%w: unknown idle_policy %q", ErrConfigInvalid, s.CaptureSettings.IdlePolicy)
	}
	if s.CaptureSettings.Monitor < 0 {
		return fmt.Errorf("%w: negative monitor index", ErrConfigInvalid)
	}
	return nil
}

// recognizedFields lists the document keys the store understands. Keys not
// listed here are preserved verbatim on round-trip but never interpreted.
var recognizedFields = []string{
	"retention_days",
	"llm_provider",
	"llm_config",
	"capture_interval",
	"summary_interval",
	"capture_settings",
	"video_config",
	"notion_config",
	"ui_settings",
}

type settingsRequest struct {
	partial map[string]json.RawMessage // nil means get
	reply   chan settingsReply
}

type settingsReply struct {
	snapshot Settings
	err      error
}

// SettingsStore owns the configuration document. One goroutine serves all
// reads and writes, so callers never observe a torn document and at most one
// persist is in flight.
type SettingsStore struct {
	path     string
	requests chan settingsRequest

	// owned by the actor goroutine
	current Settings
	raw     map[string]json.RawMessage
}

// OpenSettingsStore loads (or initializes) the document at path and starts
// the owning goroutine. The goroutine exits when ctx is done.
func OpenSettingsStore(ctx context.Context, path string) (*SettingsStore, error) {
	st := &SettingsStore{
		path:     path,
		requests: make(chan settingsRequest),
		raw:      map[string]json.RawMessage{},
	}
	if err := st.load(); err != nil {
		return nil, err
	}
	go st.run(ctx)
	return st, nil
}

func (st *SettingsStore) load() error {
	data, err := os.ReadFile(st.path)
	if errors.Is(err, os.ErrNotExist) {
		st.current = DefaultSettings()
		st.syncRaw()
		return st.persist()
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &st.raw); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	st.current = DefaultSettings()
	if err := json.Unmarshal(data, &st.current); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	if err := st.current.normalize(); err != nil {
		return err
	}
	st.syncRaw()
	return nil
}

func (st *SettingsStore) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-st.requests:
			if req.partial == nil {
				req.reply <- settingsReply{snapshot: st.current.clone()}
				continue
			}
			snap, err := st.applyUpdate(req.partial)
			req.reply <- settingsReply{snapshot: snap, err: err}
		}
	}
}

// Get returns the current snapshot.
func (st *SettingsStore) Get(ctx context.Context) (Settings, error) {
	return st.send(ctx, nil)
}

// Update merges the provided fields into the document, persists atomically,
// and returns the new snapshot. Unknown keys in partial are ignored. On any
// error the in-memory document is unchanged.
func (st *SettingsStore) Update(ctx context.Context, partial map[string]json.RawMessage) (Settings, error) {
	if partial == nil {
		partial = map[string]json.RawMessage{}
	}
	return st.send(ctx, partial)
}

func (st *SettingsStore) send(ctx context.Context, partial map[string]json.RawMessage) (Settings, error) {
	req := settingsRequest{partial: partial, reply: make(chan settingsReply, 1)}
	select {
	case st.requests <- req:
	case <-ctx.Done():
		return Settings{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.snapshot, rep.err
	case <-ctx.Done():
		return Settings{}, ctx.Err()
	}
}

func (st *SettingsStore) applyUpdate(partial map[string]json.RawMessage) (Settings, error) {
	// Merge into a scratch document first so a failed validation or persist
	// leaves the active state untouched.
	merged := st.current.clone()
	doc, err := json.Marshal(merged)
	if err != nil {
		return Settings{}, err
	}
	next := map[string]json.RawMessage{}
	if err := json.Unmarshal(doc, &next); err != nil {
		return Settings{}, err
	}
	for _, key := range recognizedFields {
		if v, ok := partial[key]; ok {
			next[key] = v
		}
	}
	full, err := json.Marshal(next)
	if err != nil {
		return Settings{}, err
	}
	candidate := DefaultSettings()
	if err := json.Unmarshal(full, &candidate); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := candidate.normalize(); err != nil {
		return Settings{}, err
	}

	prev, prevRaw := st.current, st.raw
	st.current = candidate
	st.syncRaw()
	if err := st.persist(); err != nil {
		st.current, st.raw = prev, prevRaw
		return Settings{}, err
	}
	return st.current.clone(), nil
}

// syncRaw rewrites the recognized keys of the raw document from the typed
// view. Unknown keys stay as loaded from disk.
func (st *SettingsStore) syncRaw() {
	doc, _ := json.Marshal(st.current)
	typed := map[string]json.RawMessage{}
	_ = json.Unmarshal(doc, &typed)
	if st.raw == nil {
		st.raw = map[string]json.RawMessage{}
	}
	for _, key := range recognizedFields {
		if v, ok := typed[key]; ok {
			st.raw[key] = v
		} else {
			delete(st.raw, key)
		}
	}
}

// persist writes the document atomically: temp file in the same directory,
// fsync, rename. Map marshaling sorts keys, so identical documents produce
// byte-identical files.
func (st *SettingsStore) persist() error {
	data, err := json.MarshalIndent(st.raw, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, st.path)
}

func (s Settings) clone() Settings {
	out := s
	if s.VideoConfig.ExtraArgs != nil {
		out.VideoConfig.ExtraArgs = append([]string(nil), s.VideoConfig.ExtraArgs...)
	}
	if s.UISettings != nil {
		out.UISettings = append(json.RawMessage(nil), s.UISettings...)
	}
	return out
}
