package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tramando/api/internal/locker"
)

// SQLStore keeps content in the project_content table. The conditional UPDATE
// makes the compare-and-swap atomic even across server instances; the local
// lock only avoids needless contention inside one process.
type SQLStore struct {
	db      *sql.DB
	dialect string
	locks   *locker.Local
}

// NewSQLStore wraps db. dialect is "postgres" or "sqlite" and only affects
// placeholder syntax.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, locks: locker.NewLocal()}
}

func (s *SQLStore) Load(ctx context.Context, projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	var content string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT content FROM project_content WHERE project_id = ?`), projectID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("load %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load content: %w", err)
	}
	return content, nil
}

func (s *SQLStore) Save(ctx context.Context, projectID, content string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer unlock()

	hash := Hash(content)
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO project_content (project_id, content, hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE
		SET content = excluded.content, hash = excluded.hash, updated_at = excluded.updated_at
	`), projectID, content, hash, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("save content: %w", err)
	}
	return hash, nil
}

func (s *SQLStore) SaveIfMatches(ctx context.Context, projectID, content, expectedHash string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer unlock()

	hash := Hash(content)
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE project_content
		SET content = ?, hash = ?, updated_at = ?
		WHERE project_id = ? AND hash = ?
	`), content, hash, time.Now().UTC(), projectID, expectedHash)
	if err != nil {
		return "", fmt.Errorf("save content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("save content rows: %w", err)
	}
	if affected == 1 {
		return hash, nil
	}

	var currentHash string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT hash FROM project_content WHERE project_id = ?`), projectID).Scan(&currentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("load %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read current hash: %w", err)
	}
	return "", conflict(projectID, currentHash)
}

func (s *SQLStore) Exists(ctx context.Context, projectID string) (bool, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return false, nil
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT EXISTS(SELECT 1 FROM project_content WHERE project_id = ?)`), projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check content: %w", err)
	}
	return exists, nil
}

func (s *SQLStore) Delete(ctx context.Context, projectID string) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM project_content WHERE project_id = ?`), projectID)
	if err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", projectID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
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
