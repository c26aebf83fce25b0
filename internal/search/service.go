package search

import (
	"go.uber.org/zap"
)

// Service is the facade used by the editing layer and the HTTP handlers. A
// nil Service, or one without Meilisearch, indexes nothing and finds nothing.
type Service struct {
	meili  *Meili
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, logger: logger}
}

func (s *Service) available() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(q Query) Response {
	if !s.available() {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.meili.Search(q)
	if err != nil {
		s.logger.Warn("search failed", zap.String("query", q.Text), zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexProject indexes a project (fire-and-forget to Meilisearch).
func (s *Service) IndexProject(record ProjectRecord) {
	if !s.available() {
		return
	}
	go func() {
		if err := s.meili.IndexProject(record); err != nil {
			s.logger.Warn("index project", zap.String("project_id", record.ID), zap.Error(err))
		}
	}()
}

// DeleteProject removes a project from the search index (fire-and-forget).
func (s *Service) DeleteProject(projectID string) {
	if !s.available() {
		return
	}
	go func() {
		if err := s.meili.DeleteProject(projectID); err != nil {
			s.logger.Warn("delete project from index", zap.String("project_id", projectID), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every record synchronously and reports how many were sent.
func (s *Service) ReindexAll(records []ProjectRecord) (int, error) {
	if !s.available() {
		return 0, nil
	}
	if err := s.meili.IndexProjects(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
