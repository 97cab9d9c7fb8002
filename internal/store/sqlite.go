package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"promptdeck-sync/internal/domain"
)

// ErrNotFound is returned by Get when no prompt has the requested id.
var ErrNotFound = errors.New("prompt not found")

// SQLiteStore is the durable prompt store backed by an embedded SQLite
// database in WAL mode.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// Open creates or opens the prompt database at path and ensures the schema
// exists. The caller must Close when done.
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open prompt database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping prompt database: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close prompt database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prompts (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL,
		content        TEXT NOT NULL,
		category       TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		sort_order     INTEGER,
		category_order INTEGER,
		created_at     TEXT NOT NULL,
		modified_at    TEXT NOT NULL,
		usage_count    INTEGER NOT NULL DEFAULT 0,
		last_used_at   TEXT,
		extra_context  TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_prompts_category ON prompts(category, category_order, sort_order);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create prompt schema: %w", err)
	}
	return nil
}

const promptColumns = `id, title, content, category, description, sort_order,
	category_order, created_at, modified_at, usage_count, last_used_at, extra_context`

func (s *SQLiteStore) ListAll() ([]*domain.Prompt, error) {
	rows, err := s.conn.Query(`SELECT ` + promptColumns + ` FROM prompts ORDER BY category, sort_order, title`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*domain.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prompts: %w", err)
	}
	return prompts, nil
}

func (s *SQLiteStore) Get(id string) (*domain.Prompt, error) {
	row := s.conn.QueryRow(`SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) SaveDirectly(p *domain.Prompt) (*domain.Prompt, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = p.CreatedAt
	}

	_, err := s.conn.Exec(`
		INSERT INTO prompts (`+promptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			category = excluded.category,
			description = excluded.description,
			sort_order = excluded.sort_order,
			category_order = excluded.category_order,
			created_at = excluded.created_at,
			modified_at = excluded.modified_at,
			usage_count = excluded.usage_count,
			last_used_at = excluded.last_used_at,
			extra_context = excluded.extra_context`,
		p.ID, p.Title, p.Content, p.Category, p.Description,
		nullableInt(p.Order), nullableInt(p.CategoryOrder),
		p.CreatedAt.Format(time.RFC3339Nano), p.ModifiedAt.Format(time.RFC3339Nano),
		p.UsageCount, nullableTime(p.LastUsedAt), p.ExtraContext,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save prompt %s: %w", p.ID, err)
	}
	return p, nil
}

func (s *SQLiteStore) DeleteByID(id string) (bool, error) {
	res, err := s.conn.Exec(`DELETE FROM prompts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete prompt %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) RecordUsage(id string) error {
	res, err := s.conn.Exec(
		`UPDATE prompts SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		time.Now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage for prompt %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row rowScanner) (*domain.Prompt, error) {
	var (
		p          domain.Prompt
		sortOrder  sql.NullInt64
		catOrder   sql.NullInt64
		createdAt  string
		modifiedAt string
		lastUsed   sql.NullString
	)
	err := row.Scan(&p.ID, &p.Title, &p.Content, &p.Category, &p.Description,
		&sortOrder, &catOrder, &createdAt, &modifiedAt, &p.UsageCount,
		&lastUsed, &p.ExtraContext)
	if err != nil {
		return nil, err
	}

	if sortOrder.Valid {
		v := int(sortOrder.Int64)
		p.Order = &v
	}
	if catOrder.Valid {
		v := int(catOrder.Int64)
		p.CategoryOrder = &v
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for prompt %s: %w", p.ID, err)
	}
	if p.ModifiedAt, err = time.Parse(time.RFC3339Nano, modifiedAt); err != nil {
		return nil, fmt.Errorf("failed to parse modified_at for prompt %s: %w", p.ID, err)
	}
	if lastUsed.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastUsed.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_used_at for prompt %s: %w", p.ID, err)
		}
		p.LastUsedAt = &t
	}
	return &p, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
