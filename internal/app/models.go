package app

import "time"

// DeviceKind identifies the platform a session was captured on.
type DeviceKind string

const (
	DeviceMacOS   DeviceKind = "macos"
	DeviceWindows DeviceKind = "windows"
	DeviceLinux   DeviceKind = "linux"
	DeviceUnknown DeviceKind = "unknown"
)

// SessionState tracks a session through the analysis pipeline.
type SessionState string

const (
	SessionPending        SessionState = "pending"
	SessionAnalyzed       SessionState = "analyzed"
	SessionAnalysisFailed SessionState = "analysis-failed"
)

// Session is one capture window: a contiguous run of frames encoded into a
// single video artifact and analyzed as a unit. Instants are UTC.
type Session struct {
	ID         int64        `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
	Title      string       `json:"title"`
	Summary    string       `json:"summary"`
	VideoPath  string       `json:"video_path"`
	Tags       []string     `json:"tags"`
	State      SessionState `json:"state"`
	DeviceName string       `json:"device_name"`
	DeviceKind DeviceKind   `json:"device_kind"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Duration returns the session window length.
func (s Session) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Frame is one captured screenshot belonging to a session.
type Frame struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	FilePath  string    `json:"file_path"`
}

// CallKind names the analysis operation a provider call serves.
type CallKind string

const (
	CallSegmentVideo     CallKind = "segment-video"
	CallGenerateTimeline CallKind = "generate-timeline"
	CallAnalyzeFrames    CallKind = "analyze-frames"
)

// LLMCall is the append-only audit record of one provider round-trip.
// Exactly one of StatusCode or ErrorMessage is set.
type LLMCall struct {
	ID              int64             `json:"id"`
	SessionID       *int64            `json:"session_id,omitempty"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	Kind            CallKind          `json:"kind"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    *string           `json:"response_body,omitempty"`
	StatusCode      *int              `json:"status_code,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	LatencyMs       *int64            `json:"latency_ms,omitempty"`
	TokenUsage      *string           `json:"token_usage,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// VideoSegment is one described sub-window of a session's recording.
// Offsets are MM:SS relative to the start of the recording.
type VideoSegment struct {
	ID          int64     `json:"id"`
	SessionID   int64     `json:"session_id"`
	CallID      *int64    `json:"call_id,omitempty"`
	StartOffset string    `json:"start_offset"`
	EndOffset   string    `json:"end_offset"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// TimelineCard is one categorized activity entry derived from a session.
// Start and End carry the provider's clock strings verbatim.
type TimelineCard struct {
	ID               int64             `json:"id"`
	SessionID        int64             `json:"session_id"`
	CallID           *int64            `json:"call_id,omitempty"`
	Start            string            `json:"start"`
	End              string            `json:"end"`
	Category         string            `json:"category"`
	Subcategory      string            `json:"subcategory"`
	Title            string            `json:"title"`
	Summary          string            `json:"summary"`
	DetailedSummary  string            `json:"detailed_summary"`
	Distractions     []string          `json:"distractions"`
	AppSites         map[string]string `json:"app_sites"`
	VideoPreviewPath string            `json:"video_preview_path,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// DayActivity is the aggregated view of one local day.
type DayActivity struct {
	Date           string   `json:"date"`
	SessionCount   int      `json:"session_count"`
	TotalMinutes   int      `json:"total_minutes"`
	MainCategories []string `json:"main_categories"`
}

// SessionDetail is the full RPC view of a session.
type SessionDetail struct {
	Session    Session        `json:"session"`
	FrameCount int            `json:"frame_count"`
	Segments   []VideoSegment `json:"segments"`
	Cards      []TimelineCard `json:"cards"`
}
