// Package store provides SQLite-backed persistence for agentbridge.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/agentbridge/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the agentbridge SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS config (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		resume_token  TEXT,
		work_dir      TEXT NOT NULL,
		policy        TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'active',
		cost_usd      REAL NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at    DATETIME NOT NULL,
		closed_at     DATETIME
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		direction  TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS permission_log (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id       TEXT REFERENCES sessions(id) ON DELETE CASCADE,
		tool_name        TEXT NOT NULL,
		tool_input       TEXT,
		decision         TEXT NOT NULL,
		responded_via    TEXT,
		response_time_ms INTEGER,
		created_at       DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		prompt      TEXT NOT NULL,
		cron_expr   TEXT NOT NULL,
		type        TEXT NOT NULL DEFAULT 'user',
		enabled     INTEGER NOT NULL DEFAULT 1,
		one_shot    INTEGER NOT NULL DEFAULT 0,
		start_date  TEXT,
		last_run_at DATETIME,
		created_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contacts (
		address      TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		description  TEXT,
		is_owner     INTEGER NOT NULL DEFAULT 0,
		created_at   DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_permission_log_session ON permission_log(session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Config Operations ---

// GetConfig returns the raw value for a config key, or "" if unset.
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query config: %w", err)
	}
	return value, nil
}

// SetConfig upserts a config key.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return err
}

// AllConfig returns every stored config key/value pair.
func (s *Store) AllConfig() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("query config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- Session Operations ---

// CreateSession inserts a new active session, closing any previously
// active session in the same transaction so the single-active invariant
// holds even if the process dies between the two statements.
func (s *Store) CreateSession(workDir string, policy models.PermissionPolicy) (*models.Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE sessions SET status = 'closed', closed_at = ? WHERE status = 'active'`, now,
	); err != nil {
		return nil, fmt.Errorf("close previous session: %w", err)
	}

	sess := &models.Session{
		ID:        uuid.New().String(),
		WorkDir:   workDir,
		Policy:    policy,
		Status:    models.SessionActive,
		CreatedAt: now,
	}
	if _, err := tx.Exec(
		`INSERT INTO sessions (id, work_dir, policy, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkDir, sess.Policy, sess.Status, sess.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by ID. Returns nil if not found.
func (s *Store) GetSession(id string) (*models.Session, error) {
	return s.scanSession(s.db.QueryRow(
		`SELECT id, resume_token, work_dir, policy, status, cost_usd, message_count, created_at, closed_at
		 FROM sessions WHERE id = ?`, id))
}

// ActiveSession returns the currently active session, or nil.
func (s *Store) ActiveSession() (*models.Session, error) {
	return s.scanSession(s.db.QueryRow(
		`SELECT id, resume_token, work_dir, policy, status, cost_usd, message_count, created_at, closed_at
		 FROM sessions WHERE status = 'active' ORDER BY created_at DESC LIMIT 1`))
}

func (s *Store) scanSession(row *sql.Row) (*models.Session, error) {
	sess := &models.Session{}
	var resumeToken sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(&sess.ID, &resumeToken, &sess.WorkDir, &sess.Policy, &sess.Status,
		&sess.CostUSD, &sess.MessageCount, &sess.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if resumeToken.Valid {
		sess.ResumeToken = resumeToken.String
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Time
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, resume_token, work_dir, policy, status, cost_usd, message_count, created_at, closed_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		var resumeToken sql.NullString
		var closedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &resumeToken, &sess.WorkDir, &sess.Policy, &sess.Status,
			&sess.CostUSD, &sess.MessageCount, &sess.CreatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if resumeToken.Valid {
			sess.ResumeToken = resumeToken.String
		}
		if closedAt.Valid {
			sess.ClosedAt = &closedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionResult records the outcome of an agent turn: the new
// resume token and the cost added by the turn.
func (s *Store) UpdateSessionResult(id, resumeToken string, addCostUSD float64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET resume_token = ?, cost_usd = cost_usd + ? WHERE id = ?`,
		resumeToken, addCostUSD, id,
	)
	return err
}

// SetSessionPolicy updates the permission policy of a session.
func (s *Store) SetSessionPolicy(id string, policy models.PermissionPolicy) error {
	_, err := s.db.Exec(`UPDATE sessions SET policy = ? WHERE id = ?`, policy, id)
	return err
}

// CloseSession marks a session closed.
func (s *Store) CloseSession(id string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = 'closed', closed_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return err
}

// ActivateSession reactivates an old session, closing whichever session
// is currently active. Both updates commit atomically.
func (s *Store) ActivateSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE sessions SET status = 'closed', closed_at = ? WHERE status = 'active'`, now,
	); err != nil {
		return fmt.Errorf("close active session: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET status = 'active', closed_at = NULL WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	return tx.Commit()
}

// DeleteSession removes a session and its messages and permission-log rows.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM permission_log WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete permission log: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// --- Message Operations ---

// AddMessage appends a transcript line and bumps the session's message count.
func (s *Store) AddMessage(sessionID string, direction models.Direction, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO messages (session_id, direction, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, direction, content, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET message_count = message_count + 1 WHERE id = ?`, sessionID,
	); err != nil {
		return fmt.Errorf("bump message count: %w", err)
	}
	return tx.Commit()
}

// GetMessages returns all messages of a session in chronological order.
func (s *Store) GetMessages(sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, direction, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Direction, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Permission Log ---

// LogPermission appends one row to the permission-decision audit log.
func (s *Store) LogPermission(sessionID, toolName, toolInput, decision, respondedVia string, responseTimeMs int64) error {
	var sid interface{}
	if sessionID != "" {
		sid = sessionID
	}
	_, err := s.db.Exec(
		`INSERT INTO permission_log (session_id, tool_name, tool_input, decision, responded_via, response_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sid, toolName, toolInput, decision, respondedVia, responseTimeMs, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert permission log: %w", err)
	}
	return nil
}

// GetPermissionLog returns the audit log for a session, newest first.
func (s *Store) GetPermissionLog(sessionID string) ([]models.PermissionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, tool_name, tool_input, decision, responded_via, response_time_ms, created_at
		 FROM permission_log WHERE session_id = ? ORDER BY id DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query permission log: %w", err)
	}
	defer rows.Close()

	var recs []models.PermissionRecord
	for rows.Next() {
		var r models.PermissionRecord
		var sid, input, via sql.NullString
		var rt sql.NullInt64
		if err := rows.Scan(&r.ID, &sid, &r.ToolName, &input, &r.Decision, &via, &rt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission log: %w", err)
		}
		if sid.Valid {
			r.SessionID = sid.String
		}
		if input.Valid {
			r.ToolInput = input.String
		}
		if via.Valid {
			r.RespondedVia = via.String
		}
		if rt.Valid {
			r.ResponseTimeMs = rt.Int64
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// --- Scheduled Task Operations ---

// CreateScheduledTask inserts a new scheduled task.
func (s *Store) CreateScheduledTask(name, prompt, cronExpr string, oneShot bool, startDate string, taskType models.TaskType) (*models.ScheduledTask, error) {
	task := &models.ScheduledTask{
		ID:        uuid.New().String(),
		Name:      name,
		Prompt:    prompt,
		CronExpr:  cronExpr,
		Type:      taskType,
		Enabled:   true,
		OneShot:   oneShot,
		StartDate: startDate,
		CreatedAt: time.Now().UTC(),
	}

	var start interface{}
	if startDate != "" {
		start = startDate
	}
	_, err := s.db.Exec(
		`INSERT INTO scheduled_tasks (id, name, prompt, cron_expr, type, enabled, one_shot, start_date, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		task.ID, task.Name, task.Prompt, task.CronExpr, task.Type, boolToInt(task.OneShot), start, task.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert scheduled task: %w", err)
	}
	return task, nil
}

// ListScheduledTasks returns all scheduled tasks, oldest first.
func (s *Store) ListScheduledTasks() ([]models.ScheduledTask, error) {
	rows, err := s.db.Query(
		`SELECT id, name, prompt, cron_expr, type, enabled, one_shot, start_date, last_run_at, created_at
		 FROM scheduled_tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.ScheduledTask
	for rows.Next() {
		var t models.ScheduledTask
		var enabled, oneShot int
		var startDate sql.NullString
		var lastRunAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.Prompt, &t.CronExpr, &t.Type, &enabled, &oneShot, &startDate, &lastRunAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		t.Enabled = enabled == 1
		t.OneShot = oneShot == 1
		if startDate.Valid {
			t.StartDate = startDate.String
		}
		if lastRunAt.Valid {
			t.LastRunAt = &lastRunAt.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskUpdate carries optional field changes for UpdateScheduledTask.
// Nil fields are left untouched.
type TaskUpdate struct {
	Name      *string
	Prompt    *string
	CronExpr  *string
	Enabled   *bool
	OneShot   *bool
	StartDate *string // empty string clears the gate
	Type      *models.TaskType
}

// UpdateScheduledTask applies the non-nil fields of upd to a task.
func (s *Store) UpdateScheduledTask(id string, upd TaskUpdate) error {
	var sets []string
	var values []interface{}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		values = append(values, *upd.Name)
	}
	if upd.Prompt != nil {
		sets = append(sets, "prompt = ?")
		values = append(values, *upd.Prompt)
	}
	if upd.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		values = append(values, *upd.CronExpr)
	}
	if upd.Enabled != nil {
		sets = append(sets, "enabled = ?")
		values = append(values, boolToInt(*upd.Enabled))
	}
	if upd.OneShot != nil {
		sets = append(sets, "one_shot = ?")
		values = append(values, boolToInt(*upd.OneShot))
	}
	if upd.StartDate != nil {
		sets = append(sets, "start_date = ?")
		if *upd.StartDate == "" {
			values = append(values, nil)
		} else {
			values = append(values, *upd.StartDate)
		}
	}
	if upd.Type != nil {
		sets = append(sets, "type = ?")
		values = append(values, *upd.Type)
	}
	if len(sets) == 0 {
		return nil
	}
	values = append(values, id)

	query := "UPDATE scheduled_tasks SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	_, err := s.db.Exec(query, values...)
	return err
}

// MarkTaskRun stamps last_run_at with the current time.
func (s *Store) MarkTaskRun(id string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET last_run_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// RemoveScheduledTask deletes a task.
func (s *Store) RemoveScheduledTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}

// --- Contact Operations ---

// AddContact inserts a contact. Setting isOwner demotes any existing owner
// in the same transaction.
func (s *Store) AddContact(address, displayName, description string, isOwner bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if isOwner {
		if _, err := tx.Exec(`UPDATE contacts SET is_owner = 0 WHERE is_owner = 1`); err != nil {
			return fmt.Errorf("demote owner: %w", err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO contacts (address, display_name, description, is_owner, created_at) VALUES (?, ?, ?, ?, ?)`,
		address, displayName, description, boolToInt(isOwner), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return tx.Commit()
}

// GetContacts returns all contacts, owner first.
func (s *Store) GetContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(
		`SELECT address, display_name, description, is_owner, created_at
		 FROM contacts ORDER BY is_owner DESC, display_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		var isOwner int
		var desc sql.NullString
		if err := rows.Scan(&c.Address, &c.DisplayName, &desc, &isOwner, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.IsOwner = isOwner == 1
		if desc.Valid {
			c.Description = desc.String
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// Owner returns the owner contact, or nil if none is set.
func (s *Store) Owner() (*models.Contact, error) {
	contacts, err := s.GetContacts()
	if err != nil {
		return nil, err
	}
	for i := range contacts {
		if contacts[i].IsOwner {
			return &contacts[i], nil
		}
	}
	return nil, nil
}

// RemoveContact deletes a contact.
func (s *Store) RemoveContact(address string) error {
	_, err := s.db.Exec(`DELETE FROM contacts WHERE address = ?`, address)
	return err
}

// ResolveContactName returns the display name for an address, or "".
func (s *Store) ResolveContactName(address string) (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT display_name FROM contacts WHERE address = ?`, address).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query contact: %w", err)
	}
	return name, nil
}

// IsAllowedSender reports whether an address is in the contact allow-list.
func (s *Store) IsAllowedSender(address string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM contacts WHERE address = ?`, address).Scan(&n); err != nil {
		return false, fmt.Errorf("query contacts: %w", err)
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
