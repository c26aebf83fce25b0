// Package versions keeps the durable, linear history of each project's content
// in a git repository rooted at the project's directory.
package versions

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("version not found")
	ErrDuplicateTag = errors.New("tag already exists")
	ErrInvalidTag   = errors.New("invalid tag name")
	ErrUnavailable  = errors.New("version repository unavailable")
)

// UnavailableError reports a repository that is missing, corrupt or failing
// I/O. It matches ErrUnavailable and unwraps to the cause.
type UnavailableError struct {
	ProjectID string
	Op        string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s %s: repository unavailable: %v", e.Op, e.ProjectID, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(projectID, op string, err error) error {
	return &UnavailableError{ProjectID: projectID, Op: op, Err: err}
}

// Version is one commit of a project's history.
type Version struct {
	Ref       string    `json:"ref"`
	ShortRef  string    `json:"shortRef"`
	IsTag     bool      `json:"isTag"`
	Tag       string    `json:"tag,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository is the history engine behind the editing service.
type Repository interface {
	Exists(projectID string) bool
	Init(ctx context.Context, projectID string, initial *string) error
	Ensure(ctx context.Context, projectID string) error
	SaveWorkingCopy(ctx context.Context, projectID, content string) error
	LoadWorkingCopy(ctx context.Context, projectID string) (string, error)
	CreateAutoVersion(ctx context.Context, projectID string) (Version, bool, error)
	CreateTaggedVersion(ctx context.Context, projectID, tag, message, author string) (Version, error)
	ListVersions(ctx context.Context, projectID string, limit int) ([]Version, error)
	VersionContent(ctx context.Context, projectID, ref string) (string, error)
}

// ValidateTag accepts names safe to use as a git tag: letters, digits, '.',
// '_', '-' and '/' separated components.
func ValidateTag(tag string) error {
	if tag == "" || len(tag) > 100 {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	if tag[0] == '-' || tag[0] == '.' || tag[0] == '/' || tag[len(tag)-1] == '/' || tag[len(tag)-1] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	prev := rune(0)
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		case r == '.' || r == '/':
			if prev == '.' || prev == '/' {
				return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
			}
		default:
			return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
		}
		prev = r
	}
	if len(tag) >= 5 && tag[len(tag)-5:] == ".lock" {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return nil
}
