package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"tramando/api/internal/auth"
	"tramando/api/internal/contentstore"
	"tramando/api/internal/editing"
	"tramando/api/internal/versions"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var conflictErr *contentstore.ConflictError
	if errors.As(err, &conflictErr) {
		return http.StatusConflict, "CONFLICT", "Content changed since it was loaded", map[string]any{
			"currentHash": conflictErr.CurrentHash,
		}
	}
	switch {
	case errors.Is(err, editing.ErrProjectExists):
		return http.StatusConflict, "PROJECT_EXISTS", "Project already exists", nil
	case errors.Is(err, versions.ErrDuplicateTag):
		return http.StatusConflict, "DUPLICATE_TAG", "Tag already exists", nil
	case errors.Is(err, versions.ErrInvalidTag):
		return http.StatusUnprocessableEntity, "INVALID_TAG", "Invalid tag name", nil
	case errors.Is(err, contentstore.ErrNotFound), errors.Is(err, versions.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, versions.ErrUnavailable):
		return http.StatusServiceUnavailable, "VERSIONING_UNAVAILABLE", "Version history is unavailable", nil
	case errors.Is(err, editing.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "BUSY", "Project is busy, retry", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
