package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"

	"github.com/soypete/pedrochat/pkg/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultSQLitePath is used when no DSN is configured.
const DefaultSQLitePath = "pedrochat.db"

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database, verifies the connection and applies
// pending migrations.
func NewSQLStore(ctx context.Context, cfg Config) (*SQLStore, error) {
	var driver, connStr string

	switch cfg.Driver {
	case "postgres", "postgresql":
		driver = "postgres"
		connStr = cfg.DSN
		if connStr == "" {
			return nil, errors.New("postgres history store requires a DSN")
		}
	case "sqlite", "sqlite3", "":
		driver = "sqlite3"
		path := cfg.DSN
		if path == "" {
			path = DefaultSQLitePath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = path + "?_foreign_keys=on"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// a single writer avoids SQLITE_BUSY between pooled connections
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Driver returns the database/sql driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

func (s *SQLStore) migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	dialect := "postgres"
	if s.driver == "sqlite3" {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) CreateThread(ctx context.Context, nt NewThread) (chat.Thread, error) {
	th := nt.build()

	toolIDs, err := json.Marshal(nonNil(th.ActiveToolIDs))
	if err != nil {
		return chat.Thread{}, fmt.Errorf("encode active tools: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Thread{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = s.exec(ctx, tx, `
		INSERT INTO threads (id, title, model_id, system_prompt, temperature, top_p, file_path, active_tool_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		th.ID, th.Title, th.ModelID, th.SystemPrompt, th.Temperature, th.TopP, th.FilePath, string(toolIDs), th.CreatedAt)
	if err != nil {
		return chat.Thread{}, fmt.Errorf("failed to insert thread: %w", err)
	}

	for i, turn := range th.Messages {
		if err := s.insertMessage(ctx, tx, th.ID, i, turn); err != nil {
			return chat.Thread{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return chat.Thread{}, fmt.Errorf("failed to commit thread: %w", err)
	}
	return th, nil
}

const threadColumns = `id, title, model_id, system_prompt, temperature, top_p, file_path, active_tool_ids, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (chat.Thread, error) {
	var th chat.Thread
	var toolIDs string
	if err := row.Scan(&th.ID, &th.Title, &th.ModelID, &th.SystemPrompt, &th.Temperature, &th.TopP,
		&th.FilePath, &toolIDs, &th.CreatedAt); err != nil {
		return chat.Thread{}, err
	}
	if toolIDs != "" {
		if err := json.Unmarshal([]byte(toolIDs), &th.ActiveToolIDs); err != nil {
			return chat.Thread{}, fmt.Errorf("decode active tools: %w", err)
		}
	}
	if len(th.ActiveToolIDs) == 0 {
		th.ActiveToolIDs = nil
	}
	return th, nil
}

func (s *SQLStore) GetThread(ctx context.Context, id string) (chat.Thread, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), id)
	th, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Thread{}, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return chat.Thread{}, fmt.Errorf("failed to load thread: %w", err)
	}

	if th.Messages, err = s.messages(ctx, id); err != nil {
		return chat.Thread{}, err
	}
	if th.ToolCalls, err = s.toolCalls(ctx, id); err != nil {
		return chat.Thread{}, err
	}
	return th, nil
}

func (s *SQLStore) messages(ctx context.Context, threadID string) ([]chat.Turn, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, role, body, state, tool_id, created_at
		FROM messages WHERE thread_id = ? ORDER BY position`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var turns []chat.Turn
	for rows.Next() {
		var t chat.Turn
		var role, state string
		if err := rows.Scan(&t.ID, &role, &t.Text, &state, &t.ToolID, &t.Date); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		t.Role = chat.Role(role)
		t.State = chat.State(state)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLStore) toolCalls(ctx context.Context, threadID string) ([]chat.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT tool_id, message_id, parameters
		FROM tool_calls WHERE thread_id = ? ORDER BY created_at`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var calls []chat.ToolCall
	for rows.Next() {
		var c chat.ToolCall
		var params string
		if err := rows.Scan(&c.ToolID, &c.MessageID, &params); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &c.Parameters); err != nil {
			return nil, fmt.Errorf("decode tool call parameters: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (s *SQLStore) ListThreads(ctx context.Context) ([]chat.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+threadColumns+` FROM threads ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []chat.Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

func (s *SQLStore) RenameThread(ctx context.Context, id, title string) error {
	res, err := s.exec(ctx, s.db, `UPDATE threads SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("failed to rename thread: %w", err)
	}
	return expectRow(res, ErrThreadNotFound, id)
}

func (s *SQLStore) UpdateThread(ctx context.Context, id string, u ThreadUpdate) error {
	var sets []string
	var args []any
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if u.ModelID != nil {
		set("model_id", *u.ModelID)
	}
	if u.SystemPrompt != nil {
		set("system_prompt", *u.SystemPrompt)
	}
	if u.Temperature != nil {
		set("temperature", *u.Temperature)
	}
	if u.TopP != nil {
		set("top_p", *u.TopP)
	}
	if u.FilePath != nil {
		set("file_path", *u.FilePath)
	}
	if u.ActiveToolIDs != nil {
		toolIDs, err := json.Marshal(u.ActiveToolIDs)
		if err != nil {
			return fmt.Errorf("encode active tools: %w", err)
		}
		set("active_tool_ids", string(toolIDs))
	}
	if len(sets) == 0 {
		// Nothing to change, but a missing thread is still reported.
		sets = append(sets, "title = title")
	}

	query := "UPDATE threads SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.exec(ctx, s.db, query, append(args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	return expectRow(res, ErrThreadNotFound, id)
}

func (s *SQLStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.exec(ctx, tx, `DELETE FROM tool_calls WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete tool calls: %w", err)
	}
	if _, err := s.exec(ctx, tx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := s.exec(ctx, tx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if err := expectRow(res, ErrThreadNotFound, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) AddMessage(ctx context.Context, threadID string, turn chat.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var title string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT title FROM threads WHERE id = ?`), threadID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}

	var count, next int
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), COALESCE(MAX(position) + 1, 0) FROM messages WHERE thread_id = ?`), threadID).Scan(&count, &next)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	if turn.Role == chat.RoleUser && isUnnamed(title, count) {
		if _, err := s.exec(ctx, tx, `UPDATE threads SET title = ? WHERE id = ?`,
			chat.TitleFrom(turn.Text, RenameTitleLen), threadID); err != nil {
			return fmt.Errorf("failed to rename thread: %w", err)
		}
	}

	if err := s.insertMessage(ctx, tx, threadID, next, turn); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) insertMessage(ctx context.Context, q execer, threadID string, position int, turn chat.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.State == "" {
		turn.State = chat.StateSent
	}
	if turn.Date.IsZero() {
		turn.Date = time.Now().UTC()
	}
	_, err := s.exec(ctx, q, `
		INSERT INTO messages (thread_id, id, position, role, body, state, tool_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		threadID, turn.ID, position, string(turn.Role), turn.Text, string(turn.State), turn.ToolID, turn.Date)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *SQLStore) EditMessage(ctx context.Context, threadID, messageID, text string, state chat.State) error {
	var res sql.Result
	var err error
	if state == "" {
		res, err = s.exec(ctx, s.db, `UPDATE messages SET body = ? WHERE thread_id = ? AND id = ?`,
			text, threadID, messageID)
	} else {
		res, err = s.exec(ctx, s.db, `UPDATE messages SET body = ?, state = ? WHERE thread_id = ? AND id = ?`,
			text, string(state), threadID, messageID)
	}
	if err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return expectRow(res, ErrMessageNotFound, messageID)
}

func (s *SQLStore) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM messages WHERE thread_id = ? AND id = ?`, threadID, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return expectRow(res, ErrMessageNotFound, messageID)
}

func (s *SQLStore) AddToolCall(ctx context.Context, threadID string, call chat.ToolCall) error {
	params, err := json.Marshal(nonNil(call.Parameters))
	if err != nil {
		return fmt.Errorf("encode tool call parameters: %w", err)
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM threads WHERE id = ?`), threadID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}

	_, err = s.exec(ctx, s.db, `
		INSERT INTO tool_calls (id, thread_id, message_id, tool_id, parameters, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), threadID, call.MessageID, call.ToolID, string(params), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert tool call: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func expectRow(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
