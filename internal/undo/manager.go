// Package undo keeps per-project undo and redo stacks of full-content
// snapshots in process memory.
//
// Pushing a snapshot empties the redo stack: history is linear, so a redo is
// only possible right after an undo. The manager does no I/O and knows nothing
// about who may undo what; callers gate access.
package undo

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	DefaultLimit             = 100
	DefaultMaxProjects       = 1024
	DefaultCompressThreshold = 4 << 10
)

// Snapshot is one full copy of a project's content.
type Snapshot struct {
	Content string
	Author  string
	At      time.Time
}

type entry struct {
	data       []byte
	compressed bool
	author     string
	at         time.Time
}

// projectStacks holds one project's history. The last element of each slice
// is the top of the stack.
type projectStacks struct {
	mu   sync.Mutex
	undo []entry
	redo []entry
}

type Manager struct {
	mu            sync.Mutex
	projects      *lru.Cache[string, *projectStacks]
	limit         int
	compressAbove int
	encoder       *zstd.Encoder
	decoder       *zstd.Decoder
}

type Option func(*options)

type options struct {
	limit         int
	maxProjects   int
	compressAbove int
}

// WithLimit caps the undo depth per project; the oldest snapshot is dropped
// when the cap is exceeded. Zero means unlimited.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// WithMaxProjects bounds how many projects keep stacks. The least recently
// used project loses its history when the bound is hit.
func WithMaxProjects(n int) Option {
	return func(o *options) { o.maxProjects = n }
}

// WithCompressThreshold sets the snapshot size above which content is kept
// zstd-compressed. A negative value disables compression.
func WithCompressThreshold(bytes int) Option {
	return func(o *options) { o.compressAbove = bytes }
}

func NewManager(opts ...Option) (*Manager, error) {
	o := options{
		limit:         DefaultLimit,
		maxProjects:   DefaultMaxProjects,
		compressAbove: DefaultCompressThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxProjects <= 0 {
		o.maxProjects = DefaultMaxProjects
	}

	projects, err := lru.New[string, *projectStacks](o.maxProjects)
	if err != nil {
		return nil, fmt.Errorf("create project table: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create snapshot encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create snapshot decoder: %w", err)
	}

	return &Manager{
		projects:      projects,
		limit:         o.limit,
		compressAbove: o.compressAbove,
		encoder:       encoder,
		decoder:       decoder,
	}, nil
}

// Push records snapshot as the newest undo entry and clears redo.
func (m *Manager) Push(projectID string, snapshot Snapshot) {
	ps := m.stacks(projectID, true)
	e := m.encode(snapshot)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.undo = append(ps.undo, e)
	if m.limit > 0 && len(ps.undo) > m.limit {
		trimmed := make([]entry, m.limit)
		copy(trimmed, ps.undo[len(ps.undo)-m.limit:])
		ps.undo = trimmed
	}
	ps.redo = nil
}

// PopUndo removes the newest undo snapshot and returns it, moving current onto
// the redo stack. It reports false and changes nothing when undo is empty.
func (m *Manager) PopUndo(projectID string, current Snapshot) (Snapshot, bool, error) {
	ps := m.stacks(projectID, false)
	if ps == nil {
		return Snapshot{}, false, nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	previous, ok, err := m.move(&ps.undo, &ps.redo, current)
	return previous, ok, err
}

// PopRedo is the mirror of PopUndo.
func (m *Manager) PopRedo(projectID string, current Snapshot) (Snapshot, bool, error) {
	ps := m.stacks(projectID, false)
	if ps == nil {
		return Snapshot{}, false, nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	next, ok, err := m.move(&ps.redo, &ps.undo, current)
	return next, ok, err
}

// Clear empties both stacks but keeps the project tracked.
func (m *Manager) Clear(projectID string) {
	ps := m.stacks(projectID, false)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.undo = nil
	ps.redo = nil
}

// Drop forgets the project entirely.
func (m *Manager) Drop(projectID string) {
	m.Clear(projectID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects.Remove(projectID)
}

func (m *Manager) CanUndo(projectID string) bool {
	undo, _ := m.Depth(projectID)
	return undo > 0
}

func (m *Manager) CanRedo(projectID string) bool {
	_, redo := m.Depth(projectID)
	return redo > 0
}

// Depth returns the number of undo and redo snapshots held for projectID.
func (m *Manager) Depth(projectID string) (undo, redo int) {
	ps := m.stacks(projectID, false)
	if ps == nil {
		return 0, 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.undo), len(ps.redo)
}

// Tracked returns how many projects currently have stacks.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects.Len()
}

func (m *Manager) stacks(projectID string, create bool) *projectStacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.projects.Get(projectID); ok {
		return ps
	}
	if !create {
		return nil
	}
	ps := &projectStacks{}
	m.projects.Add(projectID, ps)
	return ps
}

// move pops the top of from, pushes current onto to and returns the popped
// snapshot. Nothing changes if decoding fails.
func (m *Manager) move(from, to *[]entry, current Snapshot) (Snapshot, bool, error) {
	if len(*from) == 0 {
		return Snapshot{}, false, nil
	}
	top := (*from)[len(*from)-1]
	snapshot, err := m.decode(top)
	if err != nil {
		return Snapshot{}, false, err
	}
	*from = (*from)[:len(*from)-1]
	*to = append(*to, m.encode(current))
	return snapshot, true, nil
}
