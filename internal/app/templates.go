package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PromptTemplates holds the provider request templates, one per call kind.
// Placeholders: {{title}}, {{duration}}, {{segments}}.
type PromptTemplates struct {
	SegmentVideo     string `yaml:"segment_video"`
	GenerateTimeline string `yaml:"generate_timeline"`
	AnalyzeFrames    string `yaml:"analyze_frames"`
}

func DefaultPromptTemplates() PromptTemplates {
	return PromptTemplates{
		SegmentVideo: `You are given a screen recording of a user's activity ({{duration}} long).
Split it into distinct activity segments. Respond with a JSON array only:
[{"start": "MM:SS", "end": "MM:SS", "description": "..."}]
Timestamps are relative to the start of the recording and must be monotonic.`,
		GenerateTimeline: `Given these activity segments of a screen recording session:
{{segments}}
Produce a JSON object only:
{"title": "...", "summary": "...", "tags": ["..."],
 "cards": [{"start": "HH:MM", "end": "HH:MM", "category": "...", "subcategory": "...",
 "title": "...", "summary": "...", "detailed_summary": "...",
 "distractions": ["..."], "app_sites": {"name": "url"}}]}
Card times are local wall clock. The session started at {{start}}.`,
		AnalyzeFrames: `Describe the user activity visible in these screen frames.
Respond with a JSON object: {"description": "..."}`,
	}
}

// LoadPromptTemplates reads a YAML override file; missing keys fall back to
// the defaults. An empty path returns the defaults.
func LoadPromptTemplates(path string) (PromptTemplates, error) {
	defaults := DefaultPromptTemplates()
	if path == "" {
		return defaults, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return defaults, fmt.Errorf("read templates: %w", err)
	}
	var loaded PromptTemplates
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return defaults, fmt.Errorf("parse templates: %w", err)
	}
	if loaded.SegmentVideo == "" {
		loaded.SegmentVideo = defaults.SegmentVideo
	}
	if loaded.GenerateTimeline == "" {
		loaded.GenerateTimeline = defaults.GenerateTimeline
	}
	if loaded.AnalyzeFrames == "" {
		loaded.AnalyzeFrames = defaults.AnalyzeFrames
	}
	return loaded, nil
}
