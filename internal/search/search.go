package search

import "time"

// Result is a single search hit returned to the caller.
type Result struct {
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Language string // empty = any
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer receives the current state of a project after every content change.
type Indexer interface {
	IndexProject(record ProjectRecord)
	DeleteProject(projectID string)
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Author    string   `json:"author"`
	Language  string   `json:"language"`
	Chunks    []string `json:"chunks"`
	Body      string   `json:"body"`
	Hash      string   `json:"hash"`
	UpdatedAt int64    `json:"updatedAt"`
}

func stamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
