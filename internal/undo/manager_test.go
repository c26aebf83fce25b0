package undo

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(opts...)
	require.NoError(t, err)
	return m
}

func snap(content string) Snapshot {
	return Snapshot{Content: content, Author: "user-1"}
}

func TestStackDiscipline(t *testing.T) {
	m := newManager(t)
	m.Push("proj", snap("v1"))
	m.Push("proj", snap("v2"))
	m.Push("proj", snap("v3"))

	undo, redo := m.Depth("proj")
	assert.Equal(t, 3, undo)
	assert.Equal(t, 0, redo)

	previous, ok, err := m.PopUndo("proj", snap("v4"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v3", previous.Content)

	undo, redo = m.Depth("proj")
	assert.Equal(t, 2, undo)
	assert.Equal(t, 1, redo)
}

func TestPopsMoveOneItemBetweenStacks(t *testing.T) {
	m := newManager(t)
	const n = 6
	for i := 1; i <= n; i++ {
		m.Push("proj", snap(fmt.Sprintf("v%d", i)))
	}

	current := fmt.Sprintf("v%d", n+1)
	for k := 1; k <= n; k++ {
		previous, ok, err := m.PopUndo("proj", snap(current))
		require.NoError(t, err)
		require.True(t, ok)
		current = previous.Content

		undo, redo := m.Depth("proj")
		assert.Equal(t, n-k, undo)
		assert.Equal(t, k, redo)
	}
	assert.Equal(t, "v1", current)

	_, ok, err := m.PopUndo("proj", snap(current))
	require.NoError(t, err)
	assert.False(t, ok, "empty undo stack must report nothing to undo")

	next, ok, err := m.PopRedo("proj", snap(current))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", next.Content)
	undo, redo := m.Depth("proj")
	assert.Equal(t, 1, undo)
	assert.Equal(t, n-1, redo)
}

func TestPushClearsRedo(t *testing.T) {
	m := newManager(t)
	m.Push("proj", snap("v1"))
	m.Push("proj", snap("v2"))

	_, ok, err := m.PopUndo("proj", snap("v3"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, m.CanRedo("proj"))

	m.Push("proj", snap("v2-edited"))
	_, redo := m.Depth("proj")
	assert.Equal(t, 0, redo)
	assert.False(t, m.CanRedo("proj"))
}

func TestProjectIsolation(t *testing.T) {
	m := newManager(t)
	m.Push("proj-a", snap("a1"))
	m.Push("proj-a", snap("a2"))
	m.Push("proj-b", snap("b1"))

	m.Clear("proj-a")

	undoA, _ := m.Depth("proj-a")
	undoB, _ := m.Depth("proj-b")
	assert.Equal(t, 0, undoA)
	assert.Equal(t, 1, undoB)
}

func TestUnknownProjectIsEmpty(t *testing.T) {
	m := newManager(t)
	assert.False(t, m.CanUndo("nobody"))
	assert.False(t, m.CanRedo("nobody"))

	_, ok, err := m.PopRedo("nobody", snap("x"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Tracked(), "reads must not create project entries")
}

func TestLimitDropsOldest(t *testing.T) {
	m := newManager(t, WithLimit(3))
	for i := 1; i <= 5; i++ {
		m.Push("proj", snap(fmt.Sprintf("v%d", i)))
	}
	undo, _ := m.Depth("proj")
	require.Equal(t, 3, undo)

	var seen []string
	current := "v6"
	for {
		previous, ok, err := m.PopUndo("proj", snap(current))
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, previous.Content)
		current = previous.Content
	}
	assert.Equal(t, []string{"v5", "v4", "v3"}, seen)
}

func TestLargeSnapshotsRoundTripCompressed(t *testing.T) {
	m := newManager(t, WithCompressThreshold(64))
	big := strings.Repeat("# Chapter\nIt was a dark and stormy night.\n", 200)

	m.Push("proj", Snapshot{Content: big, Author: "user-7"})

	ps := m.stacks("proj", false)
	require.NotNil(t, ps)
	require.True(t, ps.undo[0].compressed)
	assert.Less(t, len(ps.undo[0].data), len(big))

	previous, ok, err := m.PopUndo("proj", snap("small"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, previous.Content)
	assert.Equal(t, "user-7", previous.Author)
}

func TestDropForgetsProject(t *testing.T) {
	m := newManager(t)
	m.Push("proj", snap("v1"))
	require.Equal(t, 1, m.Tracked())

	m.Drop("proj")
	assert.Equal(t, 0, m.Tracked())
	assert.False(t, m.CanUndo("proj"))
}

func TestMaxProjectsEvictsLeastRecentlyUsed(t *testing.T) {
	m := newManager(t, WithMaxProjects(2))
	m.Push("proj-a", snap("a"))
	m.Push("proj-b", snap("b"))
	m.Push("proj-c", snap("c"))

	assert.Equal(t, 2, m.Tracked())
	assert.False(t, m.CanUndo("proj-a"))
	assert.True(t, m.CanUndo("proj-c"))
}

func TestConcurrentPushesAcrossProjects(t *testing.T) {
	m := newManager(t)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(project, rev int) {
				defer wg.Done()
				m.Push(fmt.Sprintf("proj-%d", project), snap(fmt.Sprintf("rev-%d", rev)))
			}(p, i)
		}
	}
	wg.Wait()

	for p := 0; p < 4; p++ {
		undo, redo := m.Depth(fmt.Sprintf("proj-%d", p))
		assert.Equal(t, 25, undo)
		assert.Equal(t, 0, redo)
	}
}
