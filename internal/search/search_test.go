package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const sampleProject = `---
title: "Il mio romanzo"
author: "Author Name"
language: "it"
year: 2024
---
[C:cap1"Capitolo uno"][@personaggi]
It was a dark and stormy night.

  [C:scena1"La tempesta"]
  Rain hammered the roof.
`

func TestRecordFromContentReadsFrontmatterAndChunks(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	record := RecordFromContent("novel", sampleProject, "abc", at)

	assert.Equal(t, "novel", record.ID)
	assert.Equal(t, "Il mio romanzo", record.Title)
	assert.Equal(t, "Author Name", record.Author)
	assert.Equal(t, "it", record.Language)
	assert.Equal(t, []string{"Capitolo uno", "La tempesta"}, record.Chunks)
	assert.Equal(t, "It was a dark and stormy night.\nRain hammered the roof.", record.Body)
	assert.Equal(t, "abc", record.Hash)
	assert.Equal(t, at.Unix(), record.UpdatedAt)
}

func TestRecordFromContentFallsBackToChunkTitle(t *testing.T) {
	record := RecordFromContent("p", "[C:root\"Root chunk\"]\nbody", "h", time.Time{})
	assert.Equal(t, "Root chunk", record.Title)
	assert.Equal(t, int64(0), record.UpdatedAt)

	bare := RecordFromContent("p", "just text", "h", time.Time{})
	assert.Equal(t, "p", bare.Title)
	assert.Equal(t, "just text", bare.Body)
}

func TestRecordFromContentIgnoresBrokenFrontmatter(t *testing.T) {
	record := RecordFromContent("p", "---\ntitle: [unclosed\n---\ntext", "h", time.Time{})
	assert.Equal(t, "p", record.Title)
	assert.Equal(t, "text", record.Body)
}

func TestServiceWithoutMeiliIsInert(t *testing.T) {
	var nilService *Service
	assert.Equal(t, Response{Results: []Result{}, Query: "storm"}, nilService.Search(Query{Text: "storm"}))
	nilService.IndexProject(ProjectRecord{ID: "p"})
	nilService.DeleteProject("p")

	svc := NewService(nil, nil)
	resp := svc.Search(Query{Text: "storm"})
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
	n, err := svc.ReindexAll([]ProjectRecord{{ID: "p"}})
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}
