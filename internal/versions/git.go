package versions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"tramando/api/internal/contentstore"
	"tramando/api/internal/locker"
)

const (
	mainBranch        = "main"
	autoVersionLayout = "2006-01-02 15:04:05"
	defaultCommitter  = "Tramando"
)

// GitRepository implements Repository with one go-git repository per project
// at <baseDir>/<projectID>. Only the content file is ever staged.
type GitRepository struct {
	baseDir  string
	fileName string
	now      func() time.Time
	locks    *locker.Local
}

type Option func(*GitRepository)

// WithContentFile sets the tracked file name inside each repository.
func WithContentFile(name string) Option {
	return func(r *GitRepository) { r.fileName = name }
}

// WithClock replaces time.Now for commit and tag timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *GitRepository) { r.now = now }
}

func NewGitRepository(baseDir string, opts ...Option) *GitRepository {
	r := &GitRepository{
		baseDir:  baseDir,
		fileName: contentstore.DefaultContentFile,
		now:      time.Now,
		locks:    locker.NewLocal(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *GitRepository) Exists(projectID string) bool {
	if contentstore.ValidateProjectID(projectID) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(r.repoPath(projectID), git.GitDirName))
	return err == nil && info.IsDir()
}

// Init creates the repository. It is idempotent: an existing repository is
// left untouched. With initial content, or with a content file already present
// in the directory, the first commit records it.
func (r *GitRepository) Init(ctx context.Context, projectID string, initial *string) error {
	if err := contentstore.ValidateProjectID(projectID); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	unlock, err := r.locks.Lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Exists(projectID) {
		return nil
	}

	path := r.repoPath(projectID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return unavailable(projectID, "create repo dir", err)
	}
	repo, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(mainBranch)},
	})
	if err != nil {
		return unavailable(projectID, "init repo", err)
	}

	message := "Import existing content"
	if initial != nil {
		if err := r.writeWorkingFile(projectID, *initial); err != nil {
			return unavailable(projectID, "write initial content", err)
		}
		message = "Initial version"
	}
	if _, err := os.Stat(r.workingPath(projectID)); err != nil {
		return nil
	}
	if _, _, err := r.commitWorking(repo, projectID, message, defaultCommitter); err != nil {
		return err
	}
	return nil
}

func (r *GitRepository) Ensure(ctx context.Context, projectID string) error {
	if r.Exists(projectID) {
		return nil
	}
	return r.Init(ctx, projectID, nil)
}

func (r *GitRepository) SaveWorkingCopy(ctx context.Context, projectID, content string) error {
	unlock, err := r.locks.Lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := r.open(projectID); err != nil {
		return err
	}
	if current, err := os.ReadFile(r.workingPath(projectID)); err == nil && string(current) == content {
		return nil
	}
	if err := r.writeWorkingFile(projectID, content); err != nil {
		return unavailable(projectID, "write working copy", err)
	}
	return nil
}

func (r *GitRepository) LoadWorkingCopy(ctx context.Context, projectID string) (string, error) {
	unlock, err := r.locks.Lock(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if _, err := r.open(projectID); err != nil {
		return "", err
	}
	data, err := os.ReadFile(r.workingPath(projectID))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("working copy of %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return "", unavailable(projectID, "read working copy", err)
	}
	return string(data), nil
}

// CreateAutoVersion commits the working copy. When it matches HEAD no commit
// is made and created is false.
func (r *GitRepository) CreateAutoVersion(ctx context.Context, projectID string) (Version, bool, error) {
	unlock, err := r.locks.Lock(ctx, projectID)
	if err != nil {
		return Version{}, false, err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return Version{}, false, err
	}
	repo, err := r.open(projectID)
	if err != nil {
		return Version{}, false, err
	}
	message := "Auto-save " + r.now().Format(autoVersionLayout)
	hash, created, err := r.commitWorking(repo, projectID, message, defaultCommitter)
	if err != nil {
		return Version{}, false, err
	}
	version, err := r.describe(repo, projectID, hash)
	if err != nil {
		return Version{}, false, err
	}
	return version, created, nil
}

func (r *GitRepository) CreateTaggedVersion(ctx context.Context, projectID, tag, message, author string) (Version, error) {
	if err := ValidateTag(tag); err != nil {
		return Version{}, err
	}
	unlock, err := r.locks.Lock(ctx, projectID)
	if err != nil {
		return Version{}, err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	repo, err := r.open(projectID)
	if err != nil {
		return Version{}, err
	}

	if _, err := repo.Tag(tag); err == nil {
		return Version{}, fmt.Errorf("tag %s on %s: %w", tag, projectID, ErrDuplicateTag)
	} else if !errors.Is(err, git.ErrTagNotFound) {
		return Version{}, unavailable(projectID, "lookup tag", err)
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = "Version " + tag
	}
	if strings.TrimSpace(author) == "" {
		author = defaultCommitter
	}

	hash, _, err := r.commitWorking(repo, projectID, message, author)
	if err != nil {
		return Version{}, err
	}

	_, err = repo.CreateTag(tag, hash, &git.CreateTagOptions{
		Tagger:  r.signature(author),
		Message: message,
	})
	if errors.Is(err, git.ErrTagExists) {
		return Version{}, fmt.Errorf("tag %s on %s: %w", tag, projectID, ErrDuplicateTag)
	}
	if err != nil {
		return Version{}, unavailable(projectID, "create tag", err)
	}
	return r.describe(repo, projectID, hash)
}

// ListVersions returns commits on main, newest first. limit <= 0 means all.
func (r *GitRepository) ListVersions(ctx context.Context, projectID string, limit int) ([]Version, error) {
	unlock, err := r.locks.Lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo, err := r.open(projectID)
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, unavailable(projectID, "resolve head", err)
	}

	tags, err := tagsByCommit(repo)
	if err != nil {
		return nil, unavailable(projectID, "read tags", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, unavailable(projectID, "read log", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj, tags[commitObj.Hash]))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, unavailable(projectID, "iterate log", err)
	}
	return items, nil
}

// VersionContent returns the content recorded by ref, which may be a tag name
// or a full or abbreviated commit hash.
func (r *GitRepository) VersionContent(ctx context.Context, projectID, ref string) (string, error) {
	unlock, err := r.locks.Lock(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	repo, err := r.open(projectID)
	if err != nil {
		return "", err
	}

	commitObj, err := resolveCommit(repo, ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s on %s: %w", ref, projectID, ErrNotFound)
	}
	file, err := commitObj.File(r.fileName)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", fmt.Errorf("content at %s on %s: %w", ref, projectID, ErrNotFound)
	}
	if err != nil {
		return "", unavailable(projectID, "read version file", err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", unavailable(projectID, "read version content", err)
	}
	return content, nil
}

func (r *GitRepository) repoPath(projectID string) string {
	return filepath.Join(r.baseDir, projectID)
}

func (r *GitRepository) workingPath(projectID string) string {
	return filepath.Join(r.repoPath(projectID), r.fileName)
}

func (r *GitRepository) open(projectID string) (*git.Repository, error) {
	if err := contentstore.ValidateProjectID(projectID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	repo, err := git.PlainOpen(r.repoPath(projectID))
	if err != nil {
		return nil, unavailable(projectID, "open repo", err)
	}
	return repo, nil
}

// writeWorkingFile replaces the content file through a rename so lock-free
// readers sharing the directory never see a truncated file.
func (r *GitRepository) writeWorkingFile(projectID, content string) error {
	dir := r.repoPath(projectID)
	tmp, err := os.CreateTemp(dir, ".version-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, r.workingPath(projectID))
}

// commitWorking commits the content file unless HEAD already records the same
// blob, in which case HEAD is returned with created=false.
func (r *GitRepository) commitWorking(repo *git.Repository, projectID, message, author string) (plumbing.Hash, bool, error) {
	data, err := os.ReadFile(r.workingPath(projectID))
	if errors.Is(err, os.ErrNotExist) {
		return plumbing.ZeroHash, false, fmt.Errorf("working copy of %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return plumbing.ZeroHash, false, unavailable(projectID, "read working copy", err)
	}

	head, err := repo.Head()
	switch {
	case err == nil:
		unchanged, err := r.headHasBlob(repo, head.Hash(), plumbing.ComputeHash(plumbing.BlobObject, data))
		if err != nil {
			return plumbing.ZeroHash, false, unavailable(projectID, "read head tree", err)
		}
		if unchanged {
			return head.Hash(), false, nil
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
	default:
		return plumbing.ZeroHash, false, unavailable(projectID, "resolve head", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, false, unavailable(projectID, "open worktree", err)
	}
	if _, err := worktree.Add(r.fileName); err != nil {
		return plumbing.ZeroHash, false, unavailable(projectID, "git add content", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: r.signature(author)})
	if err != nil {
		return plumbing.ZeroHash, false, unavailable(projectID, "commit content", err)
	}
	return hash, true, nil
}

func (r *GitRepository) headHasBlob(repo *git.Repository, head, blob plumbing.Hash) (bool, error) {
	commitObj, err := repo.CommitObject(head)
	if err != nil {
		return false, err
	}
	file, err := commitObj.File(r.fileName)
	if errors.Is(err, object.ErrFileNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return file.Hash == blob, nil
}

func (r *GitRepository) describe(repo *git.Repository, projectID string, hash plumbing.Hash) (Version, error) {
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, unavailable(projectID, "read commit object", err)
	}
	tags, err := tagsByCommit(repo)
	if err != nil {
		return Version{}, unavailable(projectID, "read tags", err)
	}
	return toVersion(commitObj, tags[hash]), nil
}

func (r *GitRepository) signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.tramando.app", sanitizeEmail(author)),
		When:  r.now(),
	}
}

func tagsByCommit(repo *git.Repository) (map[plumbing.Hash][]string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	result := make(map[plumbing.Hash][]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		tagObj, err := repo.TagObject(ref.Hash())
		switch {
		case err == nil:
			commitObj, err := tagObj.Commit()
			if err != nil {
				return err
			}
			target = commitObj.Hash
		case errors.Is(err, plumbing.ErrObjectNotFound):
		default:
			return err
		}
		result[target] = append(result[target], ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, err
	}
	for hash := range result {
		sort.Strings(result[hash])
	}
	return result, nil
}

func resolveCommit(repo *git.Repository, ref string) (*object.Commit, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNotFound
	}
	if tagRef, err := repo.Tag(ref); err == nil {
		if tagObj, err := repo.TagObject(tagRef.Hash()); err == nil {
			return tagObj.Commit()
		}
		return repo.CommitObject(tagRef.Hash())
	}
	if isFullHash(ref) {
		return repo.CommitObject(plumbing.NewHash(ref))
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, err
	}
	return repo.CommitObject(*resolved)
}

func toVersion(commitObj *object.Commit, tags []string) Version {
	hash := commitObj.Hash.String()
	v := Version{
		Ref:       hash,
		ShortRef:  hash[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		Timestamp: commitObj.Author.When,
	}
	if len(tags) > 0 {
		v.IsTag = true
		v.Tag = tags[0]
		v.Tags = append([]string(nil), tags...)
	}
	return v
}

func isFullHash(ref string) bool {
	if len(ref) != 40 {
		return false
	}
	for _, ch := range ref {
		if !((ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f')) {
			return false
		}
	}
	return true
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
