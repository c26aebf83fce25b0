// Package editing is the single entry point for every content-modifying
// request. It composes the content store, the undo stacks and the version
// repository into save, undo and redo operations that agree on one current
// value per project.
package editing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tramando/api/internal/contentstore"
	"tramando/api/internal/locker"
	"tramando/api/internal/logging"
	"tramando/api/internal/search"
	"tramando/api/internal/undo"
	"tramando/api/internal/versions"
)

const (
	DefaultAutoVersionThreshold = 50
	DefaultVersionTimeout       = 5 * time.Second
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrProjectExists = errors.New("project already exists")
)

// Document is a project's content together with its fingerprint.
type Document struct {
	Content string `json:"content"`
	Hash    string `json:"contentHash"`
}

// SaveResult reports the new fingerprint and, when this save crossed the
// threshold, the auto-version it produced.
type SaveResult struct {
	Hash        string            `json:"contentHash"`
	AutoVersion *versions.Version `json:"autoVersion,omitempty"`
}

type HistoryState struct {
	CanUndo   bool `json:"canUndo"`
	CanRedo   bool `json:"canRedo"`
	UndoDepth int  `json:"undoDepth"`
	RedoDepth int  `json:"redoDepth"`
	Pending   int  `json:"pendingOperations"`
	Threshold int  `json:"autoVersionThreshold"`
}

// EditGate decides whether userID may modify projectID. Returning an error
// rejects the operation before any state is touched.
type EditGate func(ctx context.Context, projectID, userID string) error

type Service struct {
	store          contentstore.Store
	stacks         *undo.Manager
	repo           versions.Repository
	locks          locker.Locker
	indexer        search.Indexer
	logger         *logging.Logger
	gate           EditGate
	threshold      int
	versionTimeout time.Duration
	now            func() time.Time

	countersMu sync.Mutex
	counters   map[string]int
}

type Option func(*Service)

func WithAutoVersionThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.threshold = n
		}
	}
}

func WithVersionTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.versionTimeout = d
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithIndexer(indexer search.Indexer) Option {
	return func(s *Service) { s.indexer = indexer }
}

func WithEditGate(gate EditGate) Option {
	return func(s *Service) {
		if gate != nil {
			s.gate = gate
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds the service. repo may be nil, in which case versioning calls
// report versions.ErrUnavailable and saves skip the working-copy mirror.
func New(store contentstore.Store, stacks *undo.Manager, repo versions.Repository, locks locker.Locker, opts ...Option) *Service {
	s := &Service{
		store:          store,
		stacks:         stacks,
		repo:           repo,
		locks:          locks,
		logger:         logging.Nop(),
		gate:           func(context.Context, string, string) error { return nil },
		threshold:      DefaultAutoVersionThreshold,
		versionTimeout: DefaultVersionTimeout,
		now:            time.Now,
		counters:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Load(ctx context.Context, projectID string) (Document, error) {
	content, err := s.store.Load(ctx, projectID)
	if err != nil {
		return Document{}, err
	}
	return Document{Content: content, Hash: contentstore.Hash(content)}, nil
}

// CreateProject stores the first content of a new project and records it as
// the initial version.
func (s *Service) CreateProject(ctx context.Context, projectID, content, userID string) (Document, error) {
	if err := contentstore.ValidateProjectID(projectID); err != nil {
		return Document{}, err
	}
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return Document{}, err
	}
	defer unlock()

	exists, err := s.store.Exists(ctx, projectID)
	if err != nil {
		return Document{}, err
	}
	if exists {
		return Document{}, fmt.Errorf("create %s: %w", projectID, ErrProjectExists)
	}

	hash, err := s.store.Save(ctx, projectID, content)
	if err != nil {
		return Document{}, err
	}

	if s.repo != nil {
		vctx, cancel := s.versionContext(ctx)
		err := s.recordInitialVersion(vctx, projectID, content)
		cancel()
		if err != nil {
			s.versioningFailed(ctx, projectID, "init", err)
		}
	}
	s.index(projectID, content, hash)

	s.logger.WithRequestID(ctx).Info("project created",
		zap.String("project_id", projectID),
		zap.String("user_id", userID),
		zap.String("hash", hash),
	)
	return Document{Content: content, Hash: hash}, nil
}

// Save writes content only if the stored fingerprint still equals
// expectedHash. A conflict leaves the content, both stacks and the operation
// counter untouched.
func (s *Service) Save(ctx context.Context, projectID, content, expectedHash, userID string) (SaveResult, error) {
	if err := s.gate(ctx, projectID, userID); err != nil {
		return SaveResult{}, err
	}
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return SaveResult{}, err
	}
	defer unlock()

	previous, err := s.store.Load(ctx, projectID)
	if err != nil {
		return SaveResult{}, err
	}
	hash, err := s.store.SaveIfMatches(ctx, projectID, content, expectedHash)
	if err != nil {
		if errors.Is(err, contentstore.ErrConflict) {
			s.logger.WithRequestID(ctx).Info("save conflict",
				zap.String("project_id", projectID),
				zap.String("user_id", userID),
				zap.String("expected_hash", expectedHash),
			)
		}
		return SaveResult{}, err
	}
	return s.afterWrite(ctx, projectID, previous, content, hash, userID), nil
}

// ForceSave overwrites the current content without the fingerprint check. It
// is the caller's resolution of a conflict and has the side effects of a
// successful Save.
func (s *Service) ForceSave(ctx context.Context, projectID, content, userID string) (SaveResult, error) {
	if err := s.gate(ctx, projectID, userID); err != nil {
		return SaveResult{}, err
	}
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return SaveResult{}, err
	}
	defer unlock()

	previous, err := s.store.Load(ctx, projectID)
	if err != nil {
		return SaveResult{}, err
	}
	hash, err := s.store.Save(ctx, projectID, content)
	if err != nil {
		return SaveResult{}, err
	}
	return s.afterWrite(ctx, projectID, previous, content, hash, userID), nil
}

// Undo restores the most recent undo snapshot. ok is false when there is
// nothing to undo; history stops at the last version boundary.
func (s *Service) Undo(ctx context.Context, projectID, userID string) (Document, bool, error) {
	return s.step(ctx, projectID, userID, "undo", s.stacks.PopUndo, s.stacks.PopRedo)
}

func (s *Service) Redo(ctx context.Context, projectID, userID string) (Document, bool, error) {
	return s.step(ctx, projectID, userID, "redo", s.stacks.PopRedo, s.stacks.PopUndo)
}

type popFunc func(projectID string, current undo.Snapshot) (undo.Snapshot, bool, error)

func (s *Service) step(ctx context.Context, projectID, userID, op string, pop, reverse popFunc) (Document, bool, error) {
	if err := s.gate(ctx, projectID, userID); err != nil {
		return Document{}, false, err
	}
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return Document{}, false, err
	}
	defer unlock()

	current, err := s.store.Load(ctx, projectID)
	if err != nil {
		return Document{}, false, err
	}
	target, ok, err := pop(projectID, undo.Snapshot{Content: current, Author: userID, At: s.now()})
	if err != nil {
		return Document{}, false, fmt.Errorf("%s %s: %w", op, projectID, err)
	}
	if !ok {
		return Document{Content: current, Hash: contentstore.Hash(current)}, false, nil
	}

	hash, err := s.store.Save(ctx, projectID, target.Content)
	if err != nil {
		if _, _, rerr := reverse(projectID, target); rerr != nil {
			s.logger.WithRequestID(ctx).Error("restore stacks after failed write-back",
				zap.String("project_id", projectID),
				zap.String("op", op),
				zap.Error(rerr),
			)
		}
		return Document{}, false, err
	}

	s.mirror(ctx, projectID, target.Content)
	s.index(projectID, target.Content, hash)
	s.logger.WithRequestID(ctx).Debug(op,
		zap.String("project_id", projectID),
		zap.String("user_id", userID),
		zap.String("hash", hash),
	)
	return Document{Content: target.Content, Hash: hash}, true, nil
}

func (s *Service) History(ctx context.Context, projectID string) (HistoryState, error) {
	exists, err := s.store.Exists(ctx, projectID)
	if err != nil {
		return HistoryState{}, err
	}
	if !exists {
		return HistoryState{}, fmt.Errorf("history of %s: %w", projectID, contentstore.ErrNotFound)
	}
	undoDepth, redoDepth := s.stacks.Depth(projectID)
	return HistoryState{
		CanUndo:   undoDepth > 0,
		CanRedo:   redoDepth > 0,
		UndoDepth: undoDepth,
		RedoDepth: redoDepth,
		Pending:   s.pending(projectID),
		Threshold: s.threshold,
	}, nil
}

// ListVersions returns the project's versions, newest first. A project whose
// history was never started has no versions.
func (s *Service) ListVersions(ctx context.Context, projectID string, limit int) ([]versions.Version, error) {
	if err := s.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	if s.repo == nil {
		return nil, versions.ErrUnavailable
	}
	if !s.repo.Exists(projectID) {
		return []versions.Version{}, nil
	}
	vctx, cancel := s.versionContext(ctx)
	defer cancel()
	return s.repo.ListVersions(vctx, projectID, limit)
}

func (s *Service) VersionContent(ctx context.Context, projectID, ref string) (string, error) {
	if err := s.requireProject(ctx, projectID); err != nil {
		return "", err
	}
	if s.repo == nil {
		return "", versions.ErrUnavailable
	}
	if !s.repo.Exists(projectID) {
		return "", fmt.Errorf("version %s of %s: %w", ref, projectID, versions.ErrNotFound)
	}
	vctx, cancel := s.versionContext(ctx)
	defer cancel()
	return s.repo.VersionContent(vctx, projectID, ref)
}

// CreateTaggedVersion records the current content under tag. Like an
// auto-version it ends the undo history.
func (s *Service) CreateTaggedVersion(ctx context.Context, projectID, tag, message, userID string) (versions.Version, error) {
	if err := versions.ValidateTag(tag); err != nil {
		return versions.Version{}, err
	}
	if s.repo == nil {
		return versions.Version{}, versions.ErrUnavailable
	}
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return versions.Version{}, err
	}
	defer unlock()

	current, err := s.store.Load(ctx, projectID)
	if err != nil {
		return versions.Version{}, err
	}

	vctx, cancel := s.versionContext(ctx)
	defer cancel()
	if err := s.syncWorkingCopy(vctx, projectID, current); err != nil {
		return versions.Version{}, err
	}
	version, err := s.repo.CreateTaggedVersion(vctx, projectID, tag, message, userID)
	if err != nil {
		return versions.Version{}, err
	}

	s.resetCounter(projectID)
	s.stacks.Clear(projectID)
	s.logger.WithRequestID(ctx).Info("tagged version created",
		zap.String("project_id", projectID),
		zap.String("user_id", userID),
		zap.String("tag", tag),
		zap.String("ref", version.Ref),
	)
	return version, nil
}

// RestoreVersion makes the content of ref current again. It is an ordinary
// edit: the replaced content goes onto the undo stack.
func (s *Service) RestoreVersion(ctx context.Context, projectID, ref, userID string) (Document, error) {
	if err := s.gate(ctx, projectID, userID); err != nil {
		return Document{}, err
	}
	content, err := s.VersionContent(ctx, projectID, ref)
	if err != nil {
		return Document{}, err
	}

	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return Document{}, err
	}
	defer unlock()

	previous, err := s.store.Load(ctx, projectID)
	if err != nil {
		return Document{}, err
	}
	hash, err := s.store.Save(ctx, projectID, content)
	if err != nil {
		return Document{}, err
	}
	s.afterWrite(ctx, projectID, previous, content, hash, userID)
	s.logger.WithRequestID(ctx).Info("version restored",
		zap.String("project_id", projectID),
		zap.String("user_id", userID),
		zap.String("ref", ref),
	)
	return Document{Content: content, Hash: hash}, nil
}

// CloseProject forgets the in-memory state of a project. Stored content and
// history are kept.
func (s *Service) CloseProject(ctx context.Context, projectID string) error {
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	s.stacks.Drop(projectID)
	s.countersMu.Lock()
	delete(s.counters, projectID)
	s.countersMu.Unlock()
	return nil
}

// DeleteProject removes the current content and the in-memory state. The
// version history is append-only and stays on disk.
func (s *Service) DeleteProject(ctx context.Context, projectID, userID string) error {
	if err := s.gate(ctx, projectID, userID); err != nil {
		return err
	}
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.Delete(ctx, projectID); err != nil {
		return err
	}
	s.stacks.Drop(projectID)
	s.resetCounter(projectID)
	if s.indexer != nil {
		s.indexer.DeleteProject(projectID)
	}
	s.logger.WithRequestID(ctx).Info("project deleted",
		zap.String("project_id", projectID),
		zap.String("user_id", userID),
	)
	return nil
}

// Ready reports whether the content backend is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// afterWrite runs with the project lock held, once new content is stored.
func (s *Service) afterWrite(ctx context.Context, projectID, previous, content, hash, userID string) SaveResult {
	s.stacks.Push(projectID, undo.Snapshot{Content: previous, Author: userID, At: s.now()})
	s.mirror(ctx, projectID, content)
	s.index(projectID, content, hash)

	result := SaveResult{Hash: hash}
	if s.bump(projectID) < s.threshold {
		return result
	}
	if version, ok := s.autoVersion(ctx, projectID); ok {
		result.AutoVersion = version
	}
	return result
}

// autoVersion commits the working copy. The counter restarts either way; the
// undo stack is only cleared once the content is durable.
func (s *Service) autoVersion(ctx context.Context, projectID string) (*versions.Version, bool) {
	defer s.resetCounter(projectID)
	if s.repo == nil {
		return nil, false
	}

	vctx, cancel := s.versionContext(ctx)
	defer cancel()
	version, created, err := s.repo.CreateAutoVersion(vctx, projectID)
	if err != nil {
		s.versioningFailed(ctx, projectID, "auto-version", err)
		return nil, false
	}
	s.stacks.Clear(projectID)
	if !created {
		return nil, true
	}
	s.logger.WithRequestID(ctx).Info("auto-version created",
		zap.String("project_id", projectID),
		zap.String("ref", version.Ref),
	)
	return &version, true
}

// mirror copies content into the repository working copy. Failures are
// logged and never reach the caller.
func (s *Service) mirror(ctx context.Context, projectID, content string) {
	if s.repo == nil {
		return
	}
	vctx, cancel := s.versionContext(ctx)
	defer cancel()
	if err := s.syncWorkingCopy(vctx, projectID, content); err != nil {
		s.versioningFailed(ctx, projectID, "mirror", err)
	}
}

// syncWorkingCopy creates the repository on first use, recording content as
// its initial version, then writes content to the working copy.
func (s *Service) syncWorkingCopy(ctx context.Context, projectID, content string) error {
	if !s.repo.Exists(projectID) {
		if err := s.repo.Init(ctx, projectID, &content); err != nil {
			return err
		}
	}
	return s.repo.SaveWorkingCopy(ctx, projectID, content)
}

// recordInitialVersion starts the history of a new project. A repository left
// behind by a deleted project keeps its history and the new content becomes
// its next version.
func (s *Service) recordInitialVersion(ctx context.Context, projectID, content string) error {
	if !s.repo.Exists(projectID) {
		return s.repo.Init(ctx, projectID, &content)
	}
	if err := s.repo.SaveWorkingCopy(ctx, projectID, content); err != nil {
		return err
	}
	_, _, err := s.repo.CreateAutoVersion(ctx, projectID)
	return err
}

func (s *Service) versioningFailed(ctx context.Context, projectID, op string, err error) {
	s.logger.WithRequestID(ctx).Warn("version repository unavailable",
		zap.String("project_id", projectID),
		zap.String("op", op),
		zap.Error(err),
	)
}

func (s *Service) versionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.versionTimeout)
}

func (s *Service) index(projectID, content, hash string) {
	if s.indexer == nil {
		return
	}
	s.indexer.IndexProject(search.RecordFromContent(projectID, content, hash, s.now()))
}

func (s *Service) lock(ctx context.Context, projectID string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("lock project %s: %w", projectID, err)
	}
	return unlock, nil
}

func (s *Service) requireProject(ctx context.Context, projectID string) error {
	exists, err := s.store.Exists(ctx, projectID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("project %s: %w", projectID, contentstore.ErrNotFound)
	}
	return nil
}

func (s *Service) bump(projectID string) int {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	s.counters[projectID]++
	return s.counters[projectID]
}

func (s *Service) resetCounter(projectID string) {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	delete(s.counters, projectID)
}

func (s *Service) pending(projectID string) int {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	return s.counters[projectID]
}
