package app

import "strings"

// Both backends share one logical schema. Instants are stored as UTC unix
// milliseconds so the two dialects scan identically.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS sessions (
	id {{PK}},
	started_at BIGINT NOT NULL,
	ended_at BIGINT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	video_path TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	state TEXT NOT NULL DEFAULT 'pending',
	device_name TEXT NOT NULL DEFAULT '',
	device_kind TEXT NOT NULL DEFAULT 'unknown',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS frames (
	id {{PK}},
	session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	ts BIGINT NOT NULL,
	file_path TEXT NOT NULL,
	UNIQUE(session_id, file_path)
);

CREATE TABLE IF NOT EXISTS llm_calls (
	id {{PK}},
	session_id BIGINT REFERENCES sessions(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	kind TEXT NOT NULL,
	request_headers TEXT NOT NULL DEFAULT '{}',
	request_body TEXT NOT NULL DEFAULT '',
	response_headers TEXT,
	response_body TEXT,
	status_code INTEGER,
	error_message TEXT,
	latency_ms BIGINT,
	token_usage TEXT,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS video_segments (
	id {{PK}},
	session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	call_id BIGINT REFERENCES llm_calls(id) ON DELETE SET NULL,
	start_offset TEXT NOT NULL,
	end_offset TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS timeline_cards (
	id {{PK}},
	session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	call_id BIGINT REFERENCES llm_calls(id) ON DELETE SET NULL,
	start_time TEXT NOT NULL,
	end_time TEXT NOT NULL,
	category TEXT NOT NULL,
	subcategory TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	detailed_summary TEXT NOT NULL DEFAULT '',
	distractions TEXT,
	app_sites TEXT NOT NULL DEFAULT '{}',
	video_preview_path TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_name, started_at);
CREATE INDEX IF NOT EXISTS idx_frames_session ON frames(session_id);
CREATE INDEX IF NOT EXISTS idx_calls_session ON llm_calls(session_id);
CREATE INDEX IF NOT EXISTS idx_segments_session ON video_segments(session_id);
CREATE INDEX IF NOT EXISTS idx_cards_session ON timeline_cards(session_id);
`

func schemaFor(backend string) string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if backend == backendPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(schemaTemplate, "{{PK}}", pk)
}
