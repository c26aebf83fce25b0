// Package contentstore keeps the single current content blob of every project
// and offers the compare-and-swap save that backs optimistic locking.
//
// Every backend guards its read-compare-write section with a per-project lock,
// so two saves carrying the same expected hash cannot both succeed.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("project content not found")
	ErrConflict = errors.New("content conflict")
)

// ConflictError is returned by SaveIfMatches when the stored hash differs from
// the expected one. It matches ErrConflict with errors.Is.
type ConflictError struct {
	ProjectID   string
	CurrentHash string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("content conflict on project %s: stored hash is %s", e.ProjectID, shortHash(e.CurrentHash))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Store is implemented by FileStore, BadgerStore and SQLStore.
type Store interface {
	Load(ctx context.Context, projectID string) (string, error)
	Save(ctx context.Context, projectID, content string) (string, error)
	SaveIfMatches(ctx context.Context, projectID, content, expectedHash string) (string, error)
	Exists(ctx context.Context, projectID string) (bool, error)
	Delete(ctx context.Context, projectID string) error
	Ping(ctx context.Context) error
}

// Hash returns the hex SHA-256 digest of content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ValidateProjectID rejects IDs that cannot be used as a single path segment
// or storage key. Invalid IDs surface as ErrNotFound.
func ValidateProjectID(projectID string) error {
	if projectID == "" || len(projectID) > 128 || projectID == "." || projectID == ".." {
		return fmt.Errorf("invalid project id %q: %w", projectID, ErrNotFound)
	}
	for _, r := range projectID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("invalid project id %q: %w", projectID, ErrNotFound)
		}
	}
	return nil
}

func conflict(projectID, currentHash string) error {
	return &ConflictError{ProjectID: projectID, CurrentHash: currentHash}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
