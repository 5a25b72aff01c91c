package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore is a Store backed by a single sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			widget_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER,
			duration_seconds INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_status ON sessions(status, started_at_ms);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_session ON messages(session_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS chatbot_history (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			chatbot_id TEXT NOT NULL,
			handoff_reason TEXT NOT NULL DEFAULT '',
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS chatbot_history_open ON chatbot_history(session_id) WHERE ended_at_ms IS NULL;`,
		`CREATE TABLE IF NOT EXISTS routing_rules (
			id TEXT PRIMARY KEY,
			widget_id TEXT NOT NULL,
			initial_chatbot_id TEXT NOT NULL,
			graph TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS routing_rules_by_widget ON routing_rules(widget_id, is_active);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("sqlite store: session id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(id, widget_id, type, status, visitor_id, agent_id, started_at_ms, ended_at_ms, duration_seconds)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.WidgetID, string(sess.Type), string(sess.Status), sess.VisitorID, sess.AgentID,
		sess.StartedAt.UnixMilli(), msOrNil(sess.EndedAt), sess.DurationSeconds)
	return errors.Wrap(err, "sqlite store: insert session")
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, widget_id, type, status, visitor_id, agent_id, started_at_ms, ended_at_ms, duration_seconds
		FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	return sess, err
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("sqlite store: session id is empty")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET widget_id = ?, type = ?, status = ?, visitor_id = ?, agent_id = ?,
			started_at_ms = ?, ended_at_ms = ?, duration_seconds = ?
		WHERE id = ?
	`, sess.WidgetID, string(sess.Type), string(sess.Status), sess.VisitorID, sess.AgentID,
		sess.StartedAt.UnixMilli(), msOrNil(sess.EndedAt), sess.DurationSeconds, sess.ID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: update session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "session %s", sess.ID)
	}
	return nil
}

func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error) {
	query := `
		SELECT id, widget_id, type, status, visitor_id, agent_id, started_at_ms, ended_at_ms, duration_seconds
		FROM sessions
	`
	args := []any{}
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		query += "WHERE status IN (" + strings.Join(ph, ", ") + ")\n"
	}
	query += "ORDER BY started_at_ms"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list sessions")
	}
	defer func() { _ = rows.Close() }()
	out := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *Message) error {
	if m == nil || m.SessionID == "" {
		return errors.New("sqlite store: message session id is empty")
	}
	id := m.ID
	if id == "" {
		id = uuid.NewString()
		m.ID = id
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
		m.CreatedAt = createdAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(id, session_id, sender_type, sender_id, sender_name, content, created_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, id, m.SessionID, string(m.SenderType), m.SenderID, m.SenderName, m.Content, createdAt.UnixMilli())
	return errors.Wrap(err, "sqlite store: insert message")
}

func (s *SQLiteStore) GetMessagesBySessionID(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_type, sender_id, sender_name, content, created_at_ms
		FROM messages WHERE session_id = ? ORDER BY created_at_ms
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query messages")
	}
	defer func() { _ = rows.Close() }()
	out := []*Message{}
	for rows.Next() {
		var m Message
		var senderType string
		var createdMs int64
		if err := rows.Scan(&m.ID, &m.SessionID, &senderType, &m.SenderID, &m.SenderName, &m.Content, &createdMs); err != nil {
			return nil, err
		}
		m.SenderType = SenderType(senderType)
		m.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetOpenChatbotHistory(ctx context.Context, sessionID string) (*ChatbotHistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, chatbot_id, handoff_reason, started_at_ms, ended_at_ms
		FROM chatbot_history WHERE session_id = ? AND ended_at_ms IS NULL
		ORDER BY started_at_ms DESC LIMIT 1
	`, sessionID)
	entry, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "open chatbot history for session %s", sessionID)
	}
	return entry, err
}

// TransitionChatbotHistory runs the close+open pair in one transaction so a
// concurrent reader never observes two open entries for the same session.
func (s *SQLiteStore) TransitionChatbotHistory(ctx context.Context, sessionID, chatbotID, reason string) (*ChatbotHistoryEntry, error) {
	if sessionID == "" || chatbotID == "" {
		return nil, errors.New("sqlite store: sessionID and chatbotID are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: begin transition")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE chatbot_history SET ended_at_ms = ? WHERE session_id = ? AND ended_at_ms IS NULL
	`, now.UnixMilli(), sessionID); err != nil {
		return nil, errors.Wrap(err, "sqlite store: close open history")
	}
	entry := &ChatbotHistoryEntry{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ChatbotID:     chatbotID,
		HandoffReason: reason,
		StartedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chatbot_history(id, session_id, chatbot_id, handoff_reason, started_at_ms, ended_at_ms)
		VALUES(?, ?, ?, ?, ?, NULL)
	`, entry.ID, entry.SessionID, entry.ChatbotID, entry.HandoffReason, entry.StartedAt.UnixMilli()); err != nil {
		return nil, errors.Wrap(err, "sqlite store: open history")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: commit transition")
	}
	return entry, nil
}

func (s *SQLiteStore) CreateRoutingRule(ctx context.Context, r *RoutingRule) error {
	if r == nil || r.WidgetID == "" {
		return errors.New("sqlite store: rule widget id is empty")
	}
	id := r.ID
	if id == "" {
		id = uuid.NewString()
		r.ID = id
	}
	active := 0
	if r.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_rules(id, widget_id, initial_chatbot_id, graph, is_active)
		VALUES(?, ?, ?, ?, ?)
	`, id, r.WidgetID, r.InitialChatbotID, string(r.Graph), active)
	return errors.Wrap(err, "sqlite store: insert routing rule")
}

func (s *SQLiteStore) GetRoutingRuleForWidget(ctx context.Context, widgetID string) (*RoutingRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, widget_id, initial_chatbot_id, graph, is_active
		FROM routing_rules WHERE widget_id = ? AND is_active = 1 LIMIT 1
	`, widgetID)
	var r RoutingRule
	var graph string
	var active int
	err := row.Scan(&r.ID, &r.WidgetID, &r.InitialChatbotID, &graph, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "active routing rule for widget %s", widgetID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: scan routing rule")
	}
	r.Graph = []byte(graph)
	r.IsActive = active != 0
	return &r, nil
}

// SQLiteDSNForFile derives a WAL-enabled DSN from a plain file path.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var typ, status string
	var startedMs int64
	var endedMs sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.WidgetID, &typ, &status, &sess.VisitorID, &sess.AgentID,
		&startedMs, &endedMs, &sess.DurationSeconds); err != nil {
		return nil, err
	}
	sess.Type = SessionType(typ)
	sess.Status = SessionStatus(status)
	sess.StartedAt = time.UnixMilli(startedMs)
	if endedMs.Valid {
		t := time.UnixMilli(endedMs.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

func scanHistory(row rowScanner) (*ChatbotHistoryEntry, error) {
	var e ChatbotHistoryEntry
	var startedMs int64
	var endedMs sql.NullInt64
	if err := row.Scan(&e.ID, &e.SessionID, &e.ChatbotID, &e.HandoffReason, &startedMs, &endedMs); err != nil {
		return nil, err
	}
	e.StartedAt = time.UnixMilli(startedMs)
	if endedMs.Valid {
		t := time.UnixMilli(endedMs.Int64)
		e.EndedAt = &t
	}
	return &e, nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
