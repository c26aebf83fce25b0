package versions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestRepository(t *testing.T) (*GitRepository, string) {
	t.Helper()
	dir := t.TempDir()
	tick := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	return NewGitRepository(dir, WithClock(clock)), dir
}

func strPtr(s string) *string { return &s }

func TestTaggedVersionRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Init(ctx, "proj-1", strPtr("Initial content")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := repo.SaveWorkingCopy(ctx, "proj-1", "Tagged version content"); err != nil {
		t.Fatalf("SaveWorkingCopy() error = %v", err)
	}
	tagged, err := repo.CreateTaggedVersion(ctx, "proj-1", "v1.0", "First draft", "Ada Lovelace")
	if err != nil {
		t.Fatalf("CreateTaggedVersion() error = %v", err)
	}
	if !tagged.IsTag || tagged.Tag != "v1.0" {
		t.Fatalf("expected tagged version, got %+v", tagged)
	}
	if tagged.Author != "Ada Lovelace" {
		t.Fatalf("unexpected author %q", tagged.Author)
	}
	if err := repo.SaveWorkingCopy(ctx, "proj-1", "Later content"); err != nil {
		t.Fatalf("SaveWorkingCopy() error = %v", err)
	}

	content, err := repo.VersionContent(ctx, "proj-1", "v1.0")
	if err != nil {
		t.Fatalf("VersionContent(tag) error = %v", err)
	}
	if content != "Tagged version content" {
		t.Fatalf("VersionContent(tag) = %q", content)
	}

	byRef, err := repo.VersionContent(ctx, "proj-1", tagged.Ref)
	if err != nil || byRef != "Tagged version content" {
		t.Fatalf("VersionContent(ref) = %q, %v", byRef, err)
	}

	working, err := repo.LoadWorkingCopy(ctx, "proj-1")
	if err != nil || working != "Later content" {
		t.Fatalf("LoadWorkingCopy() = %q, %v", working, err)
	}
}

func TestListVersionsNewestFirstWithTags(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Init(ctx, "proj-1", strPtr("one")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := repo.SaveWorkingCopy(ctx, "proj-1", "two"); err != nil {
		t.Fatalf("SaveWorkingCopy() error = %v", err)
	}
	auto, created, err := repo.CreateAutoVersion(ctx, "proj-1")
	if err != nil || !created {
		t.Fatalf("CreateAutoVersion() = %v, %v", created, err)
	}
	if err := repo.SaveWorkingCopy(ctx, "proj-1", "three"); err != nil {
		t.Fatalf("SaveWorkingCopy() error = %v", err)
	}
	if _, err := repo.CreateTaggedVersion(ctx, "proj-1", "release/1", "", "editor"); err != nil {
		t.Fatalf("CreateTaggedVersion() error = %v", err)
	}

	items, err := repo.ListVersions(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(items))
	}
	if !items[0].IsTag || items[0].Tag != "release/1" || items[0].Message != "Version release/1" {
		t.Fatalf("unexpected newest entry %+v", items[0])
	}
	if items[1].Ref != auto.Ref || items[1].IsTag {
		t.Fatalf("unexpected auto entry %+v", items[1])
	}
	if items[1].Message != "Auto-save 2026-03-01 09:00:02" {
		t.Fatalf("unexpected auto message %q", items[1].Message)
	}
	if items[2].Message != "Initial version" {
		t.Fatalf("unexpected oldest entry %+v", items[2])
	}
	if !items[0].Timestamp.After(items[2].Timestamp) {
		t.Fatalf("expected newest-first timestamps")
	}

	limited, err := repo.ListVersions(ctx, "proj-1", 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("ListVersions(limit 2) = %d, %v", len(limited), err)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Init(ctx, "proj-1", strPtr("first")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := repo.Init(ctx, "proj-1", strPtr("second")); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	items, err := repo.ListVersions(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected a single commit, got %d", len(items))
	}
	working, err := repo.LoadWorkingCopy(ctx, "proj-1")
	if err != nil || working != "first" {
		t.Fatalf("LoadWorkingCopy() = %q, %v", working, err)
	}
}

func TestEnsureImportsExistingContent(t *testing.T) {
	ctx := context.Background()
	repo, dir := newTestRepository(t)

	projectDir := filepath.Join(dir, "legacy")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, "content.trmd"), []byte("written before versioning"), 0o644); err != nil {
		t.Fatal(err)
	}
	if repo.Exists("legacy") {
		t.Fatal("expected no repository yet")
	}

	if err := repo.Ensure(ctx, "legacy"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !repo.Exists("legacy") {
		t.Fatal("expected repository after Ensure")
	}
	items, err := repo.ListVersions(ctx, "legacy", 0)
	if err != nil || len(items) != 1 {
		t.Fatalf("ListVersions() = %d, %v", len(items), err)
	}
	content, err := repo.VersionContent(ctx, "legacy", items[0].ShortRef)
	if err != nil || content != "written before versioning" {
		t.Fatalf("VersionContent(short ref) = %q, %v", content, err)
	}
}

func TestEnsureWithoutContentHasEmptyHistory(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Ensure(ctx, "fresh"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	items, err := repo.ListVersions(ctx, "fresh", 0)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty history, got %d", len(items))
	}
	if _, err := repo.LoadWorkingCopy(ctx, "fresh"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing working copy, got %v", err)
	}
}

func TestAutoVersionSkipsCleanWorkingCopy(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Init(ctx, "proj-1", strPtr("same")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	head, created, err := repo.CreateAutoVersion(ctx, "proj-1")
	if err != nil {
		t.Fatalf("CreateAutoVersion() error = %v", err)
	}
	if created {
		t.Fatal("expected no commit for a clean working copy")
	}
	if err := repo.SaveWorkingCopy(ctx, "proj-1", "same"); err != nil {
		t.Fatalf("SaveWorkingCopy() error = %v", err)
	}
	again, created, err := repo.CreateAutoVersion(ctx, "proj-1")
	if err != nil || created {
		t.Fatalf("CreateAutoVersion() = %v, %v", created, err)
	}
	if again.Ref != head.Ref {
		t.Fatalf("expected HEAD %s, got %s", head.Ref, again.Ref)
	}
	items, _ := repo.ListVersions(ctx, "proj-1", 0)
	if len(items) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(items))
	}
}

func TestTaggedVersionOnCleanCopyTagsHead(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Init(ctx, "proj-1", strPtr("draft")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	tagged, err := repo.CreateTaggedVersion(ctx, "proj-1", "v0.1", "Snapshot", "editor")
	if err != nil {
		t.Fatalf("CreateTaggedVersion() error = %v", err)
	}
	items, _ := repo.ListVersions(ctx, "proj-1", 0)
	if len(items) != 1 || items[0].Ref != tagged.Ref || !items[0].IsTag {
		t.Fatalf("expected HEAD to carry the tag, got %+v", items)
	}
}

func TestDuplicateAndInvalidTags(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Init(ctx, "proj-1", strPtr("text")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := repo.CreateTaggedVersion(ctx, "proj-1", "v1", "first", "editor"); err != nil {
		t.Fatalf("CreateTaggedVersion() error = %v", err)
	}
	if err := repo.SaveWorkingCopy(ctx, "proj-1", "text changed"); err != nil {
		t.Fatalf("SaveWorkingCopy() error = %v", err)
	}
	_, err := repo.CreateTaggedVersion(ctx, "proj-1", "v1", "again", "editor")
	if !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("expected ErrDuplicateTag, got %v", err)
	}
	items, _ := repo.ListVersions(ctx, "proj-1", 0)
	if len(items) != 1 {
		t.Fatalf("duplicate tag must not commit, got %d commits", len(items))
	}

	for _, tag := range []string{"", "-bad", "has space", "a..b", "trail/", "x.lock", "/root", "a//b"} {
		if _, err := repo.CreateTaggedVersion(ctx, "proj-1", tag, "", "editor"); !errors.Is(err, ErrInvalidTag) {
			t.Fatalf("tag %q: expected ErrInvalidTag, got %v", tag, err)
		}
	}
}

func TestValidateTagAcceptsCommonNames(t *testing.T) {
	for _, tag := range []string{"v1.0", "v1.0.0-rc_1", "drafts/chapter-3", "Final"} {
		if err := ValidateTag(tag); err != nil {
			t.Fatalf("ValidateTag(%q) error = %v", tag, err)
		}
	}
}

func TestVersionContentNotFound(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Init(ctx, "proj-1", strPtr("text")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	for _, ref := range []string{"no-such-tag", "0123456789012345678901234567890123456789", "deadbee", ""} {
		if _, err := repo.VersionContent(ctx, "proj-1", ref); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ref %q: expected ErrNotFound, got %v", ref, err)
		}
	}
}

func TestMissingRepositoryIsUnavailable(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	_, err := repo.ListVersions(ctx, "ghost", 0)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var unavailableErr *UnavailableError
	if !errors.As(err, &unavailableErr) || unavailableErr.ProjectID != "ghost" {
		t.Fatalf("expected UnavailableError for ghost, got %#v", err)
	}
	if err := repo.SaveWorkingCopy(ctx, "ghost", "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("SaveWorkingCopy() expected ErrUnavailable, got %v", err)
	}
	if _, _, err := repo.CreateAutoVersion(ctx, "ghost"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("CreateAutoVersion() expected ErrUnavailable, got %v", err)
	}
}

func TestInvalidProjectIDIsNotFound(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Init(ctx, "../escape", strPtr("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if repo.Exists("../escape") {
		t.Fatal("invalid id must not exist")
	}
}

func TestConcurrentAutoVersionsSerialize(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if err := repo.Init(ctx, "proj-1", strPtr("rev-0")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := repo.SaveWorkingCopy(ctx, "proj-1", fmt.Sprintf("rev-%d", idx)); err != nil {
				errs <- err
				return
			}
			if _, _, err := repo.CreateAutoVersion(ctx, "proj-1"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit error = %v", err)
	}

	items, err := repo.ListVersions(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(items) < 2 || len(items) > writers+1 {
		t.Fatalf("unexpected commit count %d", len(items))
	}
	head, err := repo.VersionContent(ctx, "proj-1", items[0].Ref)
	if err != nil {
		t.Fatalf("VersionContent(HEAD) error = %v", err)
	}
	working, _ := repo.LoadWorkingCopy(ctx, "proj-1")
	if head != working {
		t.Fatalf("HEAD %q differs from working copy %q", head, working)
	}
}

func TestProjectLocksAreReleasedAfterUse(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("proj-%d", i)
		if err := repo.Init(ctx, id, strPtr("content")); err != nil {
			t.Fatalf("Init(%s) error = %v", id, err)
		}
		if _, err := repo.ListVersions(ctx, id, 0); err != nil {
			t.Fatalf("ListVersions(%s) error = %v", id, err)
		}
	}
	if _, err := repo.VersionContent(ctx, "never-created", "HEAD"); err == nil {
		t.Fatal("expected error for missing repository")
	}

	if held := repo.locks.Held(); held != 0 {
		t.Fatalf("expected no lock entries after use, got %d", held)
	}
}
