package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
)

// DatabaseConfig selects the persistence backend. The embedded file store is
// the default; the remote variant talks to a Postgres server.
type DatabaseConfig struct {
	Backend  string `json:"backend"`
	Path     string `json:"path"` // sqlite only
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Store is the typed persistence facade over both backends. All writes are
// transactional; the pool serializes access at the transaction level.
type Store struct {
	db      *sql.DB
	backend string
	cache   *readCache
}

// OpenStore opens the configured backend, applies the schema, and fronts it
// with the short-TTL read cache.
func OpenStore(cfg DatabaseConfig) (*Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = backendSQLite
	}

	var db *sql.DB
	var err error
	switch backend {
	case backendSQLite:
		if cfg.Path == "" {
			return nil, errors.New("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", cfg.Path)
		db, err = sql.Open("sqlite", dsn)
	case backendPostgres:
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
			cfg.Host, port, cfg.Name, cfg.User, cfg.Password)
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unknown database backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	st := &Store{db: db, backend: backend, cache: newReadCache(5 * time.Second)}
	if _, err := db.Exec(schemaFor(backend)); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ?-style placeholders to the backend's dialect.
func (s *Store) rebind(query string) string {
	if s.backend != backendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertID runs an INSERT and returns the generated id on either backend.
func (s *Store) insertID(ctx context.Context, e execer, query string, args ...any) (int64, error) {
	if s.backend == backendPostgres {
		var id int64
		err := e.QueryRowContext(ctx, s.rebind(query)+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func toMillis(t time.Time) int64    { return t.UTC().UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
func marshalList(v []string) string { b, _ := json.Marshal(v); return string(b) }
func marshalMap(v map[string]string) string {
	if v == nil {
		v = map[string]string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// CreateSession inserts a new pending session and assigns its id.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.State == "" {
		sess.State = SessionPending
	}
	if sess.Tags == nil {
		sess.Tags = []string{}
	}
	id, err := s.insertID(ctx, s.db, `
		INSERT INTO sessions (started_at, ended_at, title, summary, video_path, tags, state, device_name, device_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(sess.StartedAt), toMillis(sess.EndedAt), sess.Title, sess.Summary,
		sess.VideoPath, marshalList(sess.Tags), string(sess.State),
		sess.DeviceName, string(sess.DeviceKind), toMillis(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	sess.ID = id
	s.cache.invalidateDay(localDate(sess.StartedAt))
	return nil
}

// CloseSessionWindow finalizes the session's end instant when its capture
// window closes.
func (s *Store) CloseSessionWindow(ctx context.Context, id int64, end time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE sessions SET ended_at = ? WHERE id = ?`), toMillis(end), id)
	if err != nil {
		return fmt.Errorf("close session window: %w", err)
	}
	s.cache.invalidateDay(localDate(end))
	return nil
}

// SetSessionVideoPath records the encoded artifact for a session.
func (s *Store) SetSessionVideoPath(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE sessions SET video_path = ? WHERE id = ?`), path, id)
	if err != nil {
		return fmt.Errorf("set video path: %w", err)
	}
	return nil
}

// MarkSessionState updates only the pipeline state of a session.
func (s *Store) MarkSessionState(ctx context.Context, id int64, state SessionState) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE sessions SET state = ? WHERE id = ?`), string(state), id)
	if err != nil {
		return fmt.Errorf("mark session state: %w", err)
	}
	return nil
}

// DeleteSession removes one session with its dependent rows. Used when a
// window is discarded before any frame persisted.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.cache.invalidateAll()
	return nil
}

// AppendFrame records one captured frame.
func (s *Store) AppendFrame(ctx context.Context, f *Frame) error {
	id, err := s.insertID(ctx, s.db, `
		INSERT INTO frames (session_id, ts, file_path) VALUES (?, ?, ?)`,
		f.SessionID, toMillis(f.Timestamp), f.FilePath)
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	f.ID = id
	return nil
}

// FrameCount returns the number of frames recorded for a session.
func (s *Store) FrameCount(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM frames WHERE session_id = ?`), sessionID).Scan(&n)
	return n, err
}

// FramesForSession returns a session's frames ordered by capture instant.
func (s *Store) FramesForSession(ctx context.Context, sessionID int64) ([]Frame, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, ts, file_path FROM frames WHERE session_id = ? ORDER BY ts ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()
	var out []Frame
	for rows.Next() {
		var f Frame
		var ts int64
		if err := rows.Scan(&f.ID, &f.SessionID, &ts, &f.FilePath); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.Timestamp = fromMillis(ts)
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecordCall appends one LLM-call audit row and assigns its id.
func (s *Store) RecordCall(ctx context.Context, call *LLMCall) error {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	reqHeaders := marshalMap(call.RequestHeaders)
	var respHeaders any
	if call.ResponseHeaders != nil {
		respHeaders = marshalMap(call.ResponseHeaders)
	}
	id, err := s.insertID(ctx, s.db, `
		INSERT INTO llm_calls (session_id, provider, model, kind, request_headers, request_body,
			response_headers, response_body, status_code, error_message, latency_ms, token_usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.SessionID, call.Provider, call.Model, string(call.Kind), reqHeaders, call.RequestBody,
		respHeaders, call.ResponseBody, call.StatusCode, call.ErrorMessage, call.LatencyMs,
		call.TokenUsage, toMillis(call.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	call.ID = id
	return nil
}

// CallsForSession returns the audit records for a session, oldest first.
func (s *Store) CallsForSession(ctx context.Context, sessionID int64) ([]LLMCall, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, provider, model, kind, request_headers, request_body,
			response_headers, response_body, status_code, error_message, latency_ms, token_usage, created_at
		FROM llm_calls WHERE session_id = ? ORDER BY id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query llm calls: %w", err)
	}
	defer rows.Close()
	var out []LLMCall
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCall(rows *sql.Rows) (LLMCall, error) {
	var c LLMCall
	var sessionID sql.NullInt64
	var reqHeaders string
	var respHeaders, respBody, errMsg, tokenUsage sql.NullString
	var status sql.NullInt64
	var latency sql.NullInt64
	var created int64
	var kind string
	if err := rows.Scan(&c.ID, &sessionID, &c.Provider, &c.Model, &kind, &reqHeaders, &c.RequestBody,
		&respHeaders, &respBody, &status, &errMsg, &latency, &tokenUsage, &created); err != nil {
		return LLMCall{}, fmt.Errorf("scan llm call: %w", err)
	}
	c.Kind = CallKind(kind)
	if sessionID.Valid {
		c.SessionID = &sessionID.Int64
	}
	_ = json.Unmarshal([]byte(reqHeaders), &c.RequestHeaders)
	if respHeaders.Valid {
		_ = json.Unmarshal([]byte(respHeaders.String), &c.ResponseHeaders)
	}
	if respBody.Valid {
		c.ResponseBody = &respBody.String
	}
	if status.Valid {
		n := int(status.Int64)
		c.StatusCode = &n
	}
	if errMsg.Valid {
		c.ErrorMessage = &errMsg.String
	}
	if latency.Valid {
		c.LatencyMs = &latency.Int64
	}
	if tokenUsage.Valid {
		c.TokenUsage = &tokenUsage.String
	}
	c.CreatedAt = fromMillis(created)
	return c, nil
}

// SaveAnalysis commits one analysis in a single transaction: segment rows,
// card rows, then the session's title/summary/tags. The LLM-call rows the
// segments and cards reference were committed before this runs, so readers
// never observe orphan rows.
func (s *Store) SaveAnalysis(ctx context.Context, sessionID int64, title, summary string, tags []string,
	segments []VideoSegment, cards []TimelineCard) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin analysis tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range segments {
		seg := &segments[i]
		seg.SessionID = sessionID
		seg.CreatedAt = now
		id, err := s.insertID(ctx, tx, `
			INSERT INTO video_segments (session_id, call_id, start_offset, end_offset, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			seg.SessionID, seg.CallID, seg.StartOffset, seg.EndOffset, seg.Description, toMillis(now))
		if err != nil {
			return fmt.Errorf("insert segment: %w", err)
		}
		seg.ID = id
	}
	for i := range cards {
		card := &cards[i]
		card.SessionID = sessionID
		card.CreatedAt = now
		if card.Distractions == nil {
			card.Distractions = []string{}
		}
		id, err := s.insertID(ctx, tx, `
			INSERT INTO timeline_cards (session_id, call_id, start_time, end_time, category, subcategory,
				title, summary, detailed_summary, distractions, app_sites, video_preview_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			card.SessionID, card.CallID, card.Start, card.End, card.Category, card.Subcategory,
			card.Title, card.Summary, card.DetailedSummary, marshalList(card.Distractions),
			marshalMap(card.AppSites), card.VideoPreviewPath, toMillis(now))
		if err != nil {
			return fmt.Errorf("insert card: %w", err)
		}
		card.ID = id
	}
	if tags == nil {
		tags = []string{}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET title = ?, summary = ?, tags = ?, state = ? WHERE id = ?`),
		title, summary, marshalList(tags), string(SessionAnalyzed), sessionID); err != nil {
		return fmt.Errorf("update session analysis: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analysis: %w", err)
	}

	if sess, err := s.SessionByID(ctx, sessionID); err == nil {
		s.cache.invalidateDay(localDate(sess.StartedAt))
	}
	return nil
}

const sessionColumns = `id, started_at, ended_at, title, summary, video_path, tags, state, device_name, device_kind, created_at`

func scanSession(row interface{ Scan(dest ...any) error }) (Session, error) {
	var sess Session
	var started, ended, created int64
	var tags, state, kind string
	if err := row.Scan(&sess.ID, &started, &ended, &sess.Title, &sess.Summary, &sess.VideoPath,
		&tags, &state, &sess.DeviceName, &kind, &created); err != nil {
		return Session{}, err
	}
	sess.StartedAt = fromMillis(started)
	sess.EndedAt = fromMillis(ended)
	sess.CreatedAt = fromMillis(created)
	sess.State = SessionState(state)
	sess.DeviceKind = DeviceKind(kind)
	_ = json.Unmarshal([]byte(tags), &sess.Tags)
	return sess, nil
}

// SessionByID loads one session.
func (s *Store) SessionByID(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions overlapping [from, to), newest first.
// device narrows to one device name when non-empty.
func (s *Store) ListSessions(ctx context.Context, device string, from, to time.Time) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE started_at < ? AND ended_at >= ?`
	args := []any{toMillis(to), toMillis(from)}
	if device != "" {
		query += ` AND device_name = ?`
		args = append(args, device)
	}
	query += ` ORDER BY started_at DESC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionsOnDate returns sessions whose window starts on the given local day.
func (s *Store) SessionsOnDate(ctx context.Context, date string) ([]Session, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrConfigInvalid, date)
	}
	return s.ListSessions(ctx, "", day, day.AddDate(0, 0, 1))
}

// SegmentsForSession returns analyzed segments ordered by start offset.
func (s *Store) SegmentsForSession(ctx context.Context, sessionID int64) ([]VideoSegment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, call_id, start_offset, end_offset, description, created_at
		FROM video_segments WHERE session_id = ? ORDER BY start_offset ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()
	var out []VideoSegment
	for rows.Next() {
		var seg VideoSegment
		var callID sql.NullInt64
		var created int64
		if err := rows.Scan(&seg.ID, &seg.SessionID, &callID, &seg.StartOffset, &seg.EndOffset, &seg.Description, &created); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if callID.Valid {
			seg.CallID = &callID.Int64
		}
		seg.CreatedAt = fromMillis(created)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// CardsForSession returns timeline cards ordered by start time.
func (s *Store) CardsForSession(ctx context.Context, sessionID int64) ([]TimelineCard, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, call_id, start_time, end_time, category, subcategory, title,
			summary, detailed_summary, distractions, app_sites, video_preview_path, created_at
		FROM timeline_cards WHERE session_id = ? ORDER BY start_time ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()
	var out []TimelineCard
	for rows.Next() {
		var card TimelineCard
		var callID sql.NullInt64
		var distractions sql.NullString
		var appSites string
		var created int64
		if err := rows.Scan(&card.ID, &card.SessionID, &callID, &card.Start, &card.End,
			&card.Category, &card.Subcategory, &card.Title, &card.Summary, &card.DetailedSummary,
			&distractions, &appSites, &card.VideoPreviewPath, &created); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		if callID.Valid {
			card.CallID = &callID.Int64
		}
		if distractions.Valid {
			_ = json.Unmarshal([]byte(distractions.String), &card.Distractions)
		}
		_ = json.Unmarshal([]byte(appSites), &card.AppSites)
		card.CreatedAt = fromMillis(created)
		out = append(out, card)
	}
	return out, rows.Err()
}

// SessionDetailByID assembles the full RPC view of one session.
func (s *Store) SessionDetailByID(ctx context.Context, id int64) (*SessionDetail, error) {
	sess, err := s.SessionByID(ctx, id)
	if err != nil || sess == nil {
		return nil, err
	}
	frames, err := s.FrameCount(ctx, id)
	if err != nil {
		return nil, err
	}
	segs, err := s.SegmentsForSession(ctx, id)
	if err != nil {
		return nil, err
	}
	cards, err := s.CardsForSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: *sess, FrameCount: frames, Segments: segs, Cards: cards}, nil
}

// SessionsForBackfill streams analysis candidates in ascending chronological
// order. Sessions that already have timeline cards are skipped unless
// reanalyze is set.
func (s *Store) SessionsForBackfill(ctx context.Context, reanalyze bool) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE video_path <> ''`
	if !reanalyze {
		query += ` AND NOT EXISTS (SELECT 1 FROM timeline_cards c WHERE c.session_id = sessions.id)`
	}
	query += ` ORDER BY started_at ASC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("query backfill sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionsWithoutArtifact returns pending sessions that never got an encoded
// artifact, oldest first. These are encode-retry candidates.
func (s *Store) SessionsWithoutArtifact(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE video_path = '' AND state = ? ORDER BY started_at ASC`), string(SessionPending))
	if err != nil {
		return nil, fmt.Errorf("query unencoded sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSessionsBefore removes sessions whose window ended before cutoff,
// cascading to frames, calls, segments, and cards. It returns the artifact
// and frame paths the deleted rows referenced so the caller can remove the
// files after commit.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin cleanup tx: %w", err)
	}
	defer tx.Rollback()

	ms := toMillis(cutoff)
	var paths []string

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT video_path FROM sessions WHERE ended_at < ? AND video_path <> ''`), ms)
	if err != nil {
		return nil, 0, fmt.Errorf("query artifact paths: %w", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, 0, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	rows, err = tx.QueryContext(ctx, s.rebind(`
		SELECT f.file_path FROM frames f
		JOIN sessions s ON s.id = f.session_id WHERE s.ended_at < ?`), ms)
	if err != nil {
		return nil, 0, fmt.Errorf("query frame paths: %w", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, 0, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE ended_at < ?`), ms)
	if err != nil {
		return nil, 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit cleanup: %w", err)
	}
	s.cache.invalidateAll()
	return paths, int(n), nil
}

func localDate(t time.Time) string {
	return t.Local().Format("2006-01-02")
}
