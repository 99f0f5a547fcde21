package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MimeLyc/docbatch/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the default jobs.Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ jobs.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		// embed.FS paths are always slash separated.
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// Save upserts the job row and rewrites its file index in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, job *jobs.Job) (err error) {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var completedAt any
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UnixNano()
	}
	if _, err = tx.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, tenant_id, user_id, name, status, priority, document_type, created_at, updated_at, completed_at, payload_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id=excluded.tenant_id,
			user_id=excluded.user_id,
			name=excluded.name,
			status=excluded.status,
			priority=excluded.priority,
			document_type=excluded.document_type,
			updated_at=excluded.updated_at,
			completed_at=excluded.completed_at,
			payload_json=excluded.payload_json`,
		job.ID,
		job.TenantID,
		job.UserID,
		job.Name,
		string(job.Status),
		string(job.Priority),
		string(job.DocumentType),
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
		completedAt,
		string(payload),
	); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_id = ?`, job.ID); err != nil {
		return err
	}
	for i, f := range job.Files {
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO job_files (
				job_id, position, file_id, name, status, document_type, document_type_override, retry_count
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID,
			i,
			f.ID,
			f.Name,
			string(f.Status),
			string(f.DocumentType),
			string(f.DocumentTypeOverride),
			f.RetryCount,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*jobs.Job, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM jobs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, err
	}
	return decodeJob([]byte(payload))
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(id)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*jobs.Job, error) {
	return s.query(ctx, `SELECT payload_json FROM jobs ORDER BY created_at ASC, rowid ASC`)
}

// List pushes filtering, ordering and paging into SQL.
func (s *SQLiteStore) List(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, int, error) {
	where, args := listWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs j`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	column := "created_at"
	if filter.SortBy == jobs.SortUpdatedAt {
		column = "updated_at"
	}
	direction := "DESC"
	if filter.Ascending {
		direction = "ASC"
	}
	query := fmt.Sprintf(`SELECT payload_json FROM jobs j%s ORDER BY j.%s %s, j.rowid ASC`, where, column, direction)

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	page, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

func listWhere(filter jobs.ListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			marks = append(marks, "?")
			args = append(args, string(st))
		}
		clauses = append(clauses, "j.status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.TenantID != "" {
		clauses = append(clauses, "j.tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "j.user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.DocumentType != "" {
		dt := string(filter.DocumentType)
		clauses = append(clauses, `(j.document_type = ? OR EXISTS (
			SELECT 1 FROM job_files f
			WHERE f.job_id = j.id AND (f.document_type = ? OR f.document_type_override = ?)))`)
		args = append(args, dt, dt, dt)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		job, err := decodeJob([]byte(payload))
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}
