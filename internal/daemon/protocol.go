// Package daemon provides the NDJSON-over-unix-socket protocol between the
// rewind daemon and its shell clients: one JSON request line in, one JSON
// response line out.
package daemon

import "encoding/json"

// Command names accepted by the daemon.
const (
	CmdTestLLMConnection  = "test_llm_connection"
	CmdUpdateLLMConfig    = "update_llm_config"
	CmdTestKBConnection   = "test_kb_connection"
	CmdUpdateKBConfig     = "update_kb_config"
	CmdSearchKBContainers = "search_kb_containers"
	CmdCreateKBContainer  = "create_kb_container"
	CmdListSessions       = "list_sessions"
	CmdGetSessionDetail   = "get_session_detail"
	CmdGetDayActivity     = "get_day_activity"
	CmdPause              = "pause"
	CmdResume             = "resume"
	CmdReanalyzeSession   = "reanalyze_session"
	CmdStatus             = "status"
	CmdCleanup            = "cleanup"
)

// Request is sent from a client to the daemon.
type Request struct {
	Cmd       string          `json:"cmd"`
	SessionID int64           `json:"session_id,omitempty"`
	Date      string          `json:"date,omitempty"`
	Query     string          `json:"query,omitempty"`
	Title     string          `json:"title,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// Response is returned by the daemon after processing one request. Result
// holds the command's typed payload; Error is a user-facing message.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// OK wraps a payload into a successful response.
func OK(v any) Response {
	if v == nil {
		return Response{OK: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Fail(err)
	}
	return Response{OK: true, Result: data}
}

// Fail wraps an error into a response.
func Fail(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
