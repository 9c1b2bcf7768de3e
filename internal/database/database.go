// Package database provides SQLite storage for the task manager.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c0deirl/taskapp2/internal/model"
	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

// timeLayout is the canonical on-disk time format (UTC).
const timeLayout = time.RFC3339

// DB wraps the SQLite connection.
type DB struct {
	conn   *sql.DB
	logger *log.Logger
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string, logger *log.Logger) (*DB, error) {
	// WAL for better concurrency; foreign keys so reminders cascade with
	// their task. Set through the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	db := &DB{conn: conn, logger: logger}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		notes TEXT DEFAULT '',
		due_at TEXT,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);
	CREATE TABLE IF NOT EXISTS reminders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		channel TEXT NOT NULL DEFAULT 'ntfy',
		remind_at TEXT,
		template TEXT,
		server_url TEXT,
		topic TEXT,
		sent INTEGER DEFAULT 0,
		sent_at TEXT,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_task_id ON reminders(task_id);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}
	if err := db.repairReminderColumns(); err != nil {
		return err
	}
	return db.normalizeSettings()
}

// repairReminderColumns brings a legacy reminders table up to the expected
// column set. Older deployments may lack sent/sent_at/topic/server_url or use
// when_at instead of remind_at.
func (db *DB) repairReminderColumns() error {
	cols, err := db.reminderColumns()
	if err != nil {
		return err
	}
	add := map[string]string{
		"remind_at":  "TEXT",
		"template":   "TEXT",
		"server_url": "TEXT",
		"topic":      "TEXT",
		"sent":       "INTEGER DEFAULT 0",
		"sent_at":    "TEXT",
	}
	for name, typ := range add {
		if cols[name] {
			continue
		}
		if _, err := db.conn.Exec(fmt.Sprintf("ALTER TABLE reminders ADD COLUMN %s %s", name, typ)); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		db.logger.Warn("added missing reminders column", "column", name)
	}
	// Carry legacy when_at values into the canonical column.
	if cols["when_at"] {
		if _, err := db.conn.Exec("UPDATE reminders SET remind_at = when_at WHERE remind_at IS NULL AND when_at IS NOT NULL"); err != nil {
			return fmt.Errorf("copy when_at: %w", err)
		}
	}
	return nil
}

// normalizeSettings rewrites any settings value that is not valid JSON as a
// JSON-encoded string. Idempotent.
func (db *DB) normalizeSettings() error {
	rows, err := db.conn.Query("SELECT key, value FROM settings")
	if err != nil {
		return err
	}
	defer rows.Close()
	fixes := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if json.Valid([]byte(value)) {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		fixes[key] = string(encoded)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for key, value := range fixes {
		if _, err := db.conn.Exec("UPDATE settings SET value = ? WHERE key = ?", value, key); err != nil {
			return err
		}
	}
	if len(fixes) > 0 {
		db.logger.Info("normalized settings values to JSON", "count", len(fixes))
	}
	return nil
}

func (db *DB) reminderColumns() (map[string]bool, error) {
	rows, err := db.conn.Query("PRAGMA table_info(reminders)")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Capabilities inspects the reminders table column set.
func (db *DB) Capabilities() (Capabilities, error) {
	cols, err := db.reminderColumns()
	if err != nil {
		return Capabilities{}, err
	}
	caps := Capabilities{
		HasSent:      cols["sent"],
		HasSentAt:    cols["sent_at"],
		HasTopic:     cols["topic"],
		HasServerURL: cols["server_url"],
	}
	switch {
	case cols["remind_at"]:
		caps.RemindAtColumn = "remind_at"
	case cols["when_at"]:
		caps.RemindAtColumn = "when_at"
	}
	return caps, nil
}

// --- Task Methods ---

// CreateTask inserts a task. Returns the ID.
func (db *DB) CreateTask(title, notes string, dueAt *time.Time) (int64, error) {
	res, err := db.conn.Exec(
		"INSERT INTO tasks (title, notes, due_at, created_at) VALUES (?, ?, ?, ?)",
		title, notes, nullTime(dueAt), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTask returns a task by id.
func (db *DB) GetTask(id int64) (*model.Task, error) {
	row := db.conn.QueryRow("SELECT id, title, notes, due_at, created_at FROM tasks WHERE id = ?", id)
	return scanTask(row)
}

// ListTasks returns all tasks, newest first.
func (db *DB) ListTasks() ([]model.Task, error) {
	rows, err := db.conn.Query("SELECT id, title, notes, due_at, created_at FROM tasks ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTask rewrites a task's editable fields.
func (db *DB) UpdateTask(id int64, title, notes string, dueAt *time.Time) error {
	res, err := db.conn.Exec("UPDATE tasks SET title = ?, notes = ?, due_at = ? WHERE id = ?",
		title, notes, nullTime(dueAt), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task; its reminders cascade.
func (db *DB) DeleteTask(id int64) error {
	_, err := db.conn.Exec("DELETE FROM tasks WHERE id = ?", id)
	return err
}

// TaskExists reports whether a task row exists.
func (db *DB) TaskExists(id int64) (bool, error) {
	var one int
	err := db.conn.QueryRow("SELECT 1 FROM tasks WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- Reminder Methods ---

// CreateReminder inserts a reminder. Returns the ID.
func (db *DB) CreateReminder(r *model.Reminder) (int64, error) {
	channel := r.Channel
	if channel == "" {
		channel = model.ChannelNtfy
	}
	res, err := db.conn.Exec(`
		INSERT INTO reminders (task_id, channel, remind_at, template, server_url, topic, sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		r.TaskID, channel, r.RemindAt.UTC().Format(timeLayout),
		nullString(r.Template), nullString(r.ServerURL), nullString(r.Topic),
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetReminder returns a reminder by id.
func (db *DB) GetReminder(id int64) (*model.Reminder, error) {
	row := db.conn.QueryRow(`
		SELECT id, task_id, channel, remind_at, template, server_url, topic, sent, sent_at, created_at
		FROM reminders WHERE id = ?`, id)
	return scanReminder(row)
}

// ListReminders returns reminders for one task, soonest first.
func (db *DB) ListReminders(taskID int64) ([]model.Reminder, error) {
	rows, err := db.conn.Query(`
		SELECT id, task_id, channel, remind_at, template, server_url, topic, sent, sent_at, created_at
		FROM reminders WHERE task_id = ? ORDER BY remind_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

// ListAllReminders returns every reminder.
func (db *DB) ListAllReminders() ([]model.Reminder, error) {
	rows, err := db.conn.Query(`
		SELECT id, task_id, channel, remind_at, template, server_url, topic, sent, sent_at, created_at
		FROM reminders ORDER BY remind_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

// DeleteReminder removes a reminder.
func (db *DB) DeleteReminder(id int64) error {
	_, err := db.conn.Exec("DELETE FROM reminders WHERE id = ?", id)
	return err
}

// ListDueUnsent returns due, unsent reminders joined with their parent task.
// The query is built against the columns the schema actually has.
func (db *DB) ListDueUnsent(now time.Time) ([]model.DueReminder, error) {
	caps, err := db.Capabilities()
	if err != nil {
		return nil, err
	}

	sel := []string{"r.id", "r.task_id", "r.channel"}
	if caps.RemindAtColumn != "" {
		sel = append(sel, "r."+caps.RemindAtColumn)
	} else {
		sel = append(sel, "NULL")
	}
	sel = append(sel, "r.template")
	sel = append(sel, colOrNull(caps.HasServerURL, "r.server_url"))
	sel = append(sel, colOrNull(caps.HasTopic, "r.topic"))
	sel = append(sel, "t.title", "t.notes")

	query := "SELECT " + strings.Join(sel, ", ") + " FROM reminders r JOIN tasks t ON t.id = r.task_id"
	var (
		where []string
		args  []any
	)
	if caps.HasSent {
		where = append(where, "(r.sent IS NULL OR r.sent = 0)")
	} else {
		db.logger.Warn("reminders table has no sent column; every reminder is a dispatch candidate (no de-duplication across restarts)")
	}
	if caps.RemindAtColumn != "" {
		where = append(where, "CAST(strftime('%s', r."+caps.RemindAtColumn+") AS INTEGER) <= ?")
		args = append(args, now.UTC().Unix())
	} else {
		db.logger.Warn("reminders table has no target-instant column; treating every reminder as due")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if caps.RemindAtColumn != "" {
		query += " ORDER BY r." + caps.RemindAtColumn
	} else {
		query += " ORDER BY r.id"
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []model.DueReminder
	for rows.Next() {
		var (
			d         model.DueReminder
			channel   sql.NullString
			remindAt  sql.NullString
			template  sql.NullString
			serverURL sql.NullString
			topic     sql.NullString
			notes     sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.TaskID, &channel, &remindAt, &template, &serverURL, &topic, &d.TaskTitle, &notes); err != nil {
			return nil, err
		}
		d.Channel = channel.String
		if remindAt.Valid {
			if ts, err := parseStoredTime(remindAt.String); err == nil {
				d.RemindAt = ts
			}
		}
		d.Template = template.String
		d.ServerURL = serverURL.String
		d.Topic = topic.String
		d.TaskNotes = notes.String
		due = append(due, d)
	}
	return due, rows.Err()
}

// MarkSent flags a reminder as delivered. A vanished row or a schema without
// the sent column is a silent no-op.
func (db *DB) MarkSent(id int64, sentAt time.Time) error {
	caps, err := db.Capabilities()
	if err != nil {
		return err
	}
	if !caps.HasSent {
		db.logger.Warn("reminders table has no sent column; delivery cannot be recorded", "reminder", id)
		return nil
	}
	if caps.HasSentAt {
		_, err = db.conn.Exec("UPDATE reminders SET sent = 1, sent_at = ? WHERE id = ?",
			sentAt.UTC().Format(timeLayout), id)
	} else {
		db.logger.Warn("reminders table has no sent_at column; recording sent flag only", "reminder", id)
		_, err = db.conn.Exec("UPDATE reminders SET sent = 1 WHERE id = ?", id)
	}
	return err
}

// --- Settings Methods ---

// GetSetting retrieves a setting value, JSON-decoded when possible.
func (db *DB) GetSetting(key string) (string, error) {
	var raw string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return decodeSettingValue(raw), nil
}

// SetSetting saves a setting, JSON-encoding the value.
func (db *DB) SetSetting(key, value string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, string(encoded))
	return err
}

// DeleteSetting removes a setting key.
func (db *DB) DeleteSetting(key string) error {
	_, err := db.conn.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}

// SettingsSnapshot returns all settings as a decoded key-value map.
func (db *DB) SettingsSnapshot() (map[string]string, error) {
	rows, err := db.conn.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		out[key] = decodeSettingValue(raw)
	}
	return out, rows.Err()
}

// --- User Methods ---

// GetUser returns a user by username.
func (db *DB) GetUser(username string) (*model.User, error) {
	var u model.User
	err := db.conn.QueryRow("SELECT id, username, password_hash FROM users WHERE username = ?", username).
		Scan(&u.ID, &u.Username, &u.PasswordHash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user with an already-hashed password.
func (db *DB) CreateUser(username, passwordHash string) error {
	_, err := db.conn.Exec("INSERT INTO users (username, password_hash) VALUES (?, ?)", username, passwordHash)
	return err
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t       model.Task
		notes   sql.NullString
		dueAt   sql.NullString
		created sql.NullString
	)
	err := row.Scan(&t.ID, &t.Title, &notes, &dueAt, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Notes = notes.String
	if dueAt.Valid {
		if ts, err := parseStoredTime(dueAt.String); err == nil {
			t.DueAt = &ts
		}
	}
	if created.Valid {
		if ts, err := parseStoredTime(created.String); err == nil {
			t.CreatedAt = ts
		}
	}
	return &t, nil
}

func scanReminder(row rowScanner) (*model.Reminder, error) {
	var (
		r         model.Reminder
		channel   sql.NullString
		remindAt  sql.NullString
		template  sql.NullString
		serverURL sql.NullString
		topic     sql.NullString
		sent      sql.NullInt64
		sentAt    sql.NullString
		created   sql.NullString
	)
	err := row.Scan(&r.ID, &r.TaskID, &channel, &remindAt, &template, &serverURL, &topic, &sent, &sentAt, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Channel = channel.String
	if remindAt.Valid {
		if ts, err := parseStoredTime(remindAt.String); err == nil {
			r.RemindAt = ts
		}
	}
	r.Template = template.String
	r.ServerURL = serverURL.String
	r.Topic = topic.String
	r.Sent = sent.Int64 != 0
	if sentAt.Valid {
		if ts, err := parseStoredTime(sentAt.String); err == nil {
			r.SentAt = &ts
		}
	}
	if created.Valid {
		if ts, err := parseStoredTime(created.String); err == nil {
			r.CreatedAt = ts
		}
	}
	return &r, nil
}

func collectReminders(rows *sql.Rows) ([]model.Reminder, error) {
	var out []model.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func parseStoredTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable stored time %q", s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func colOrNull(present bool, col string) string {
	if present {
		return col
	}
	return "NULL"
}

func decodeSettingValue(raw string) string {
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return s
	}
	return raw
}
