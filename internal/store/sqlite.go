package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaopang/unlimitedproxy/internal/model"
)

// SQLite 凭证存储
type SQLite struct {
	db *sql.DB
}

// NewSQLite 创建 SQLite 存储
func NewSQLite(dbPath string) (*SQLite, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate 数据库迁移
func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		acquired_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'valid',
		use_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Load() ([]*model.Credential, error) {
	rows, err := s.db.Query(`
		SELECT token, acquired_at, expires_at, status, use_count, error_count
		FROM tokens ORDER BY expires_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*model.Credential
	for rows.Next() {
		var c model.Credential
		var status string
		if err := rows.Scan(&c.Value, &c.AcquiredAt, &c.ExpiresAt, &status, &c.UseCount, &c.ErrorCount); err != nil {
			return nil, err
		}
		c.Status = model.CredentialStatus(status)
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

func (s *SQLite) Save(c *model.Credential) error {
	_, err := s.db.Exec(`
		INSERT INTO tokens (token, acquired_at, expires_at, status, use_count, error_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(token) DO UPDATE SET
			expires_at = excluded.expires_at,
			status = excluded.status,
			use_count = excluded.use_count,
			error_count = excluded.error_count,
			updated_at = CURRENT_TIMESTAMP
	`, c.Value, c.AcquiredAt, c.ExpiresAt, string(c.Status), c.UseCount, c.ErrorCount)
	return err
}

func (s *SQLite) Delete(value string) error {
	_, err := s.db.Exec("DELETE FROM tokens WHERE token = ?", value)
	return err
}

// Prune 删除已过期的凭证记录
func (s *SQLite) Prune(now time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM tokens WHERE expires_at < ?", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close 关闭数据库
func (s *SQLite) Close() error {
	return s.db.Close()
}
