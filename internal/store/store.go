// Package store implements AgentDeck persistence on SQLite. All timestamps
// are integer milliseconds since epoch so comparisons in SQL stay exact.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/agentdeck/agentdeck/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store manages all durable state in a single SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for concurrent readers while the workers write; busy_timeout so
	// short write contention blocks instead of failing.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			root_path            TEXT NOT NULL,
			default_engine       TEXT NOT NULL DEFAULT 'claude',
			opencode_attach_url  TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS chats (
			id               TEXT PRIMARY KEY,
			project_id       TEXT NOT NULL DEFAULT '',
			external_chat_id INTEGER NOT NULL UNIQUE,
			unsafe_until     INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			project_id        TEXT NOT NULL,
			chat_id           TEXT NOT NULL DEFAULT '',
			provider          TEXT NOT NULL,
			engine_session_id TEXT NOT NULL DEFAULT '',
			model_name        TEXT NOT NULL DEFAULT '',
			agent             TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'active',
			prompt            TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_project
			ON sessions(project_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS runs (
			id              TEXT PRIMARY KEY,
			project_id      TEXT NOT NULL,
			session_id      TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			prompt          TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'queued',
			started_at      INTEGER NOT NULL DEFAULT 0,
			finished_at     INTEGER NOT NULL DEFAULT 0,
			summary_json    TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_session
			ON runs(session_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_status
			ON runs(status);

		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			run_id           TEXT NOT NULL UNIQUE,
			status           TEXT NOT NULL DEFAULT 'queued',
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			available_at     INTEGER NOT NULL DEFAULT 0,
			attempts         INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_queue
			ON jobs(status, available_at);

		CREATE TABLE IF NOT EXISTS run_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id       TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			event_type   TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			UNIQUE (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);

		CREATE TABLE IF NOT EXISTS files (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			direction       TEXT NOT NULL,
			original_name   TEXT NOT NULL,
			stored_rel_path TEXT NOT NULL,
			size_bytes      INTEGER NOT NULL DEFAULT 0,
			sha256          TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS inbox_updates (
			update_id    INTEGER PRIMARY KEY,
			chat_id      INTEGER NOT NULL DEFAULT 0,
			payload_json TEXT NOT NULL DEFAULT '',
			received_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL DEFAULT 0,
			chat_id    INTEGER NOT NULL,
			command    TEXT NOT NULL,
			run_id     TEXT NOT NULL DEFAULT '',
			decision   TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Projects ---

// UpsertProject inserts or replaces a project row by id.
func (s *Store) UpsertProject(p *model.Project) error {
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, root_path, default_engine, opencode_attach_url)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			root_path = excluded.root_path,
			default_engine = excluded.default_engine,
			opencode_attach_url = excluded.opencode_attach_url`,
		p.ID, p.Name, p.RootPath, string(p.DefaultEngine), p.OpenCodeAttachURL,
	)
	return err
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(id string) (*model.Project, error) {
	row := s.db.QueryRow(
		`SELECT id, name, root_path, default_engine, opencode_attach_url
		 FROM projects WHERE id = ?`, id,
	)
	p := &model.Project{}
	var engine string
	if err := row.Scan(&p.ID, &p.Name, &p.RootPath, &engine, &p.OpenCodeAttachURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.DefaultEngine = model.Engine(engine)
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects() ([]*model.Project, error) {
	rows, err := s.db.Query(
		`SELECT id, name, root_path, default_engine, opencode_attach_url
		 FROM projects ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p := &model.Project{}
		var engine string
		if err := rows.Scan(&p.ID, &p.Name, &p.RootPath, &engine, &p.OpenCodeAttachURL); err != nil {
			return nil, err
		}
		p.DefaultEngine = model.Engine(engine)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProjectsNotIn removes projects whose id is not in keep. Used by
// config reload so removed entries disappear from the pickers; sessions and
// runs referencing them are kept as history.
func (s *Store) DeleteProjectsNotIn(keep []string) error {
	if len(keep) == 0 {
		_, err := s.db.Exec(`DELETE FROM projects`)
		return err
	}
	placeholders := strings.Repeat("?,", len(keep))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}
	_, err := s.db.Exec(
		`DELETE FROM projects WHERE id NOT IN (`+placeholders+`)`, args...,
	)
	return err
}

// --- Chats ---

// GetOrCreateChat returns the chat row for an external chat id, creating it
// on first contact.
func (s *Store) GetOrCreateChat(id string, externalChatID int64) (*model.Chat, error) {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO chats (id, external_chat_id) VALUES (?, ?)`,
		id, externalChatID,
	)
	if err != nil {
		return nil, err
	}
	return s.getChatByExternal(externalChatID)
}

func (s *Store) getChatByExternal(externalChatID int64) (*model.Chat, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, external_chat_id, unsafe_until
		 FROM chats WHERE external_chat_id = ?`, externalChatID,
	)
	return scanChat(row)
}

// GetChat retrieves a chat by id.
func (s *Store) GetChat(id string) (*model.Chat, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, external_chat_id, unsafe_until
		 FROM chats WHERE id = ?`, id,
	)
	return scanChat(row)
}

func scanChat(row *sql.Row) (*model.Chat, error) {
	c := &model.Chat{}
	if err := row.Scan(&c.ID, &c.ProjectID, &c.ExternalChatID, &c.UnsafeUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// SetChatProject records the chat's active project.
func (s *Store) SetChatProject(chatID, projectID string) error {
	_, err := s.db.Exec(
		`UPDATE chats SET project_id = ? WHERE id = ?`, projectID, chatID,
	)
	return err
}

// SetChatUnsafeUntil sets the unsafe-mode deadline (0 disables).
func (s *Store) SetChatUnsafeUntil(chatID string, until int64) error {
	_, err := s.db.Exec(
		`UPDATE chats SET unsafe_until = ? WHERE id = ?`, until, chatID,
	)
	return err
}

// --- Sessions ---

// CreateSession inserts a new session.
func (s *Store) CreateSession(sess *model.Session) error {
	if sess.Status == "" {
		sess.Status = model.SessionActive
	}
	now := model.NowMillis()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt == 0 {
		sess.UpdatedAt = now
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, project_id, chat_id, provider, engine_session_id,
		                       model_name, agent, status, prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.ChatID, string(sess.Provider),
		sess.EngineSessionID, sess.ModelName, sess.Agent, string(sess.Status),
		sess.Prompt, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, chat_id, provider, engine_session_id,
		        model_name, agent, status, prompt, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	)
	sess := &model.Session{}
	var provider, status string
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.ChatID, &provider,
		&sess.EngineSessionID, &sess.ModelName, &sess.Agent, &status,
		&sess.Prompt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.Provider = model.Engine(provider)
	sess.Status = model.SessionStatus(status)
	return sess, nil
}

// ListSessionsByProject returns a project's sessions, most recently used
// first, capped at limit (0 means no cap).
func (s *Store) ListSessionsByProject(projectID string, limit int) ([]*model.Session, error) {
	q := `SELECT id, project_id, chat_id, provider, engine_session_id,
	             model_name, agent, status, prompt, created_at, updated_at
	      FROM sessions WHERE project_id = ? ORDER BY updated_at DESC`
	args := []any{projectID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess := &model.Session{}
		var provider, status string
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.ChatID, &provider,
			&sess.EngineSessionID, &sess.ModelName, &sess.Agent, &status,
			&sess.Prompt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.Provider = model.Engine(provider)
		sess.Status = model.SessionStatus(status)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SetSessionEngineID records the engine-assigned session id and bumps the
// session's recency.
func (s *Store) SetSessionEngineID(sessionID, engineSessionID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET engine_session_id = ?, updated_at = ? WHERE id = ?`,
		engineSessionID, model.NowMillis(), sessionID,
	)
	return err
}

// SetSessionModelAgent records the owner's model and agent picks for the
// session. Empty values reset to the engine default.
func (s *Store) SetSessionModelAgent(sessionID, modelName, agent string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET model_name = ?, agent = ?, updated_at = ? WHERE id = ?`,
		modelName, agent, model.NowMillis(), sessionID,
	)
	return err
}

// UpdateSessionStatus changes a session's status.
func (s *Store) UpdateSessionStatus(sessionID string, status model.SessionStatus) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), model.NowMillis(), sessionID,
	)
	return err
}

// TouchSession bumps a session's updated_at so pickers sort by recency.
func (s *Store) TouchSession(sessionID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		model.NowMillis(), sessionID,
	)
	return err
}

// --- Files ---

// InsertFileRecord records an upload or download and returns its id.
func (s *Store) InsertFileRecord(f *model.FileRecord) error {
	if f.CreatedAt == 0 {
		f.CreatedAt = model.NowMillis()
	}
	res, err := s.db.Exec(
		`INSERT INTO files (direction, original_name, stored_rel_path, size_bytes, sha256, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(f.Direction), f.OriginalName, f.StoredRelPath, f.SizeBytes, f.SHA256, f.CreatedAt,
	)
	if err != nil {
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

// ListFileRecords returns file records, newest first, capped at limit
// (0 means no cap).
func (s *Store) ListFileRecords(limit int) ([]*model.FileRecord, error) {
	q := `SELECT id, direction, original_name, stored_rel_path, size_bytes, sha256, created_at
	      FROM files ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*model.FileRecord
	for rows.Next() {
		f := &model.FileRecord{}
		var direction string
		if err := rows.Scan(&f.ID, &direction, &f.OriginalName, &f.StoredRelPath,
			&f.SizeBytes, &f.SHA256, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Direction = model.FileDirection(direction)
		files = append(files, f)
	}
	return files, rows.Err()
}

// --- Inbox ---

// InsertInboxUpdate records an inbound chat update. It returns true when
// this call was the first writer for the update id, false for duplicates.
func (s *Store) InsertInboxUpdate(u *model.InboxUpdate) (bool, error) {
	if u.ReceivedAt == 0 {
		u.ReceivedAt = model.NowMillis()
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbox_updates (update_id, chat_id, payload_json, received_at)
		 VALUES (?, ?, ?, ?)`,
		u.UpdateID, u.ChatID, u.PayloadJSON, u.ReceivedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Audit ---

// AppendAudit appends one audit row.
func (s *Store) AppendAudit(e *model.AuditEntry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = model.NowMillis()
	}
	res, err := s.db.Exec(
		`INSERT INTO audit_log (user_id, chat_id, command, run_id, decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.ChatID, e.Command, e.RunID, string(e.Decision), e.Reason, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ListAudits returns audit rows, newest first, capped at limit (0 = no cap).
func (s *Store) ListAudits(limit int) ([]*model.AuditEntry, error) {
	q := `SELECT id, user_id, chat_id, command, run_id, decision, reason, created_at
	      FROM audit_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		var decision string
		if err := rows.Scan(&e.ID, &e.UserID, &e.ChatID, &e.Command, &e.RunID,
			&decision, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Decision = model.AuditDecision(decision)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
