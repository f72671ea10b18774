package db

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/linkerlin/groupclaw/internal/types"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// DB wraps a *sql.DB with nanoclaw-specific operations.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path and applies
// pending migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	sqldb, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection serialises writers from the scheduler, the command
	// bus and the message loop.
	sqldb.SetMaxOpenConns(1)

	if err := migrateUp(sqldb); err != nil {
		sqldb.Close()
		return nil, err
	}
	return &DB{db: sqldb}, nil
}

func migrateUp(sqldb *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(sqldb, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	// m.Close would close sqldb as well, so only the source is released.
	defer src.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// ---- Chats & messages ------------------------------------------------------

// StoreChatMetadata records that a chat was active at ts. A non-empty name
// replaces the stored one.
func (d *DB) StoreChatMetadata(jid, name string, ts time.Time) error {
	_, err := d.db.Exec(`
		INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
		  name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
		  last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		jid, name, formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("store chat %s: %w", jid, err)
	}
	return nil
}

// StoreMessage inserts a message, ignoring duplicates, and bumps the chat's
// last activity.
func (d *DB) StoreMessage(m types.Message) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, formatTime(m.Timestamp),
		boolInt(m.IsFromMe), boolInt(m.IsBotMessage),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return d.StoreChatMetadata(m.ChatJID, "", m.Timestamp)
}

// GetAllChats returns every chat seen, most recently active first.
func (d *DB) GetAllChats() ([]types.Chat, error) {
	rows, err := d.db.Query(`
		SELECT jid, COALESCE(name, ''), COALESCE(last_message_time, '')
		FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []types.Chat
	for rows.Next() {
		var c types.Chat
		var ts string
		if err := rows.Scan(&c.JID, &c.Name, &ts); err != nil {
			return nil, err
		}
		c.LastMessageTime = parseTime(ts)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetNewMessages returns non-bot messages newer than since across jids, plus
// the newest timestamp seen (since itself when nothing is new).
func (d *DB) GetNewMessages(jids []string, since time.Time, botPrefix string) ([]types.Message, time.Time, error) {
	if len(jids) == 0 {
		return nil, since, nil
	}
	args := make([]any, 0, len(jids)+2)
	args = append(args, formatSince(since))
	for _, j := range jids {
		args = append(args, j)
	}
	args = append(args, botPrefix+":%")
	rows, err := d.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE timestamp > ? AND chat_jid IN (`+placeholders(len(jids))+`)
		  AND is_bot_message = 0 AND content NOT LIKE ?
		ORDER BY timestamp ASC`, args...)
	if err != nil {
		return nil, since, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, since, err
	}
	newest := since
	for _, m := range msgs {
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return msgs, newest, nil
}

// GetMessagesSince returns non-bot messages of one chat newer than since.
func (d *DB) GetMessagesSince(chatJID string, since time.Time, botPrefix string) ([]types.Message, error) {
	rows, err := d.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_bot_message = 0 AND content NOT LIKE ?
		ORDER BY timestamp ASC`, chatJID, formatSince(since), botPrefix+":%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessages returns the N most recent messages for a chat in
// chronological order.
func (d *DB) GetRecentMessages(chatJID string, limit int) ([]types.Message, error) {
	rows, err := d.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatJID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ---- Tasks -----------------------------------------------------------------

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	COALESCE(context_mode, 'isolated'), COALESCE(status, 'active'), next_run, last_run,
	COALESCE(last_result, ''), created_at`

// CreateTask inserts a new task.
func (d *DB) CreateTask(t types.Task) error {
	_, err := d.db.Exec(`
		INSERT INTO scheduled_tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
		                             context_mode, status, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.Status, nullableTime(t.NextRun), formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTaskByID returns the task with the given id or ErrNotFound.
func (d *DB) GetTaskByID(id string) (types.Task, error) {
	rows, err := d.db.Query(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return types.Task{}, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return types.Task{}, err
	}
	if len(tasks) == 0 {
		return types.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return tasks[0], nil
}

// GetAllTasks returns every task ordered by creation time.
func (d *DB) GetAllTasks() ([]types.Task, error) {
	rows, err := d.db.Query(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetDueTasks returns active tasks whose next run is at or before now.
func (d *DB) GetDueTasks(now time.Time) ([]types.Task, error) {
	rows, err := d.db.Query(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TaskUpdate lists the fields to change; nil fields are left untouched.
type TaskUpdate struct {
	Prompt        *string
	ScheduleType  *string
	ScheduleValue *string
	Status        *string
	NextRun       *time.Time
	// ClearNextRun stores NULL, marking a one-shot task as spent.
	ClearNextRun bool
	LastRun      *time.Time
	LastResult   *string
}

// UpdateTask applies a partial update. Updating a missing task returns
// ErrNotFound.
func (d *DB) UpdateTask(id string, u TaskUpdate) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Prompt != nil {
		add("prompt", *u.Prompt)
	}
	if u.ScheduleType != nil {
		add("schedule_type", *u.ScheduleType)
	}
	if u.ScheduleValue != nil {
		add("schedule_value", *u.ScheduleValue)
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	switch {
	case u.ClearNextRun:
		add("next_run", nil)
	case u.NextRun != nil:
		add("next_run", formatTime(*u.NextRun))
	}
	if u.LastRun != nil {
		add("last_run", formatTime(*u.LastRun))
	}
	if u.LastResult != nil {
		add("last_result", *u.LastResult)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := d.db.Exec(`UPDATE scheduled_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task and its run history.
func (d *DB) DeleteTask(id string) error {
	if _, err := d.db.Exec(`DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task logs %s: %w", id, err)
	}
	if _, err := d.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// LogTaskRun appends one entry to a task's run history.
func (d *DB) LogTaskRun(l types.TaskRunLog) error {
	_, err := d.db.Exec(`
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, formatTime(l.RunAt), l.Duration.Milliseconds(), l.Status, l.Result, l.Error,
	)
	if err != nil {
		return fmt.Errorf("log task run %s: %w", l.TaskID, err)
	}
	return nil
}

// GetTaskRunLogs returns the most recent run logs of a task, newest first.
func (d *DB) GetTaskRunLogs(taskID string, limit int) ([]types.TaskRunLog, error) {
	rows, err := d.db.Query(`
		SELECT task_id, run_at, duration_ms, status, COALESCE(result, ''), COALESCE(error, '')
		FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []types.TaskRunLog
	for rows.Next() {
		var l types.TaskRunLog
		var runAt string
		var ms int64
		if err := rows.Scan(&l.TaskID, &runAt, &ms, &l.Status, &l.Result, &l.Error); err != nil {
			return nil, err
		}
		l.RunAt = parseTime(runAt)
		l.Duration = time.Duration(ms) * time.Millisecond
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ---- Router state & sessions ----------------------------------------------

// GetRouterState returns the value stored under key, or "" when unset.
func (d *DB) GetRouterState(key string) (string, error) {
	var v string
	err := d.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetRouterState upserts a key.
func (d *DB) SetRouterState(key, value string) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO router_state (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetAllSessions returns session ids keyed by group folder.
func (d *DB) GetAllSessions() (map[string]string, error) {
	rows, err := d.db.Query(`SELECT group_folder, session_id FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, err
		}
		out[folder] = id
	}
	return out, rows.Err()
}

// SetSession stores the session id of a group folder.
func (d *DB) SetSession(folder, sessionID string) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO sessions (group_folder, session_id) VALUES (?, ?)`, folder, sessionID)
	return err
}

// ---- Registered groups -----------------------------------------------------

// GetAllRegisteredGroups returns all registered groups keyed by JID.
func (d *DB) GetAllRegisteredGroups() (map[string]types.Group, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, folder, trigger_pattern, added_at, COALESCE(container_config, ''), requires_trigger
		FROM registered_groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make(map[string]types.Group)
	for rows.Next() {
		var g types.Group
		var addedAt, cc string
		var req sql.NullInt64
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &addedAt, &cc, &req); err != nil {
			return nil, err
		}
		g.AddedAt = parseTime(addedAt)
		if cc != "" {
			var c types.ContainerConfig
			if err := json.Unmarshal([]byte(cc), &c); err != nil {
				return nil, fmt.Errorf("group %s container config: %w", g.JID, err)
			}
			g.ContainerConfig = &c
		}
		if req.Valid {
			b := req.Int64 != 0
			g.RequiresTrigger = &b
		}
		groups[g.JID] = g
	}
	return groups, rows.Err()
}

// SetRegisteredGroup inserts or replaces a group registration.
func (d *DB) SetRegisteredGroup(g types.Group) error {
	var cc any
	if g.ContainerConfig != nil {
		b, err := json.Marshal(g.ContainerConfig)
		if err != nil {
			return fmt.Errorf("encode container config: %w", err)
		}
		cc = string(b)
	}
	var req any
	if g.RequiresTrigger != nil {
		req = boolInt(*g.RequiresTrigger)
	}
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO registered_groups (jid, name, folder, trigger_pattern, added_at, container_config, requires_trigger)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.JID, g.Name, g.Folder, g.Trigger, formatTime(g.AddedAt), cc, req,
	)
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.JID, err)
	}
	return nil
}

// ---- helpers ---------------------------------------------------------------

func scanMessages(rows *sql.Rows) ([]types.Message, error) {
	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var ts string
		var fromMe, botMsg sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &ts, &fromMe, &botMsg); err != nil {
			return nil, err
		}
		m.Timestamp = parseTime(ts)
		m.IsFromMe = fromMe.Int64 != 0
		m.IsBotMessage = botMsg.Int64 != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanTasks(rows *sql.Rows) ([]types.Task, error) {
	var tasks []types.Task
	for rows.Next() {
		var t types.Task
		var nextRun, lastRun sql.NullString
		var createdAt string
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt,
			&t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status,
			&nextRun, &lastRun, &t.LastResult, &createdAt); err != nil {
			return nil, err
		}
		t.NextRun = parseNullTime(nextRun)
		t.LastRun = parseNullTime(lastRun)
		t.CreatedAt = parseTime(createdAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatSince maps the zero watermark to "" so every stored row compares greater.
func formatSince(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
