// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxProjectIDLen = 128
)

var (
	ErrProjectIDEmpty   = errors.New("project id empty")
	ErrProjectIDTooLong = errors.New("project id too long")
)

// UserID is the token subject of an authenticated user.
type UserID string

// ProjectID keys a collaborative document and its room.
type ProjectID string

// ParseProjectID trims and validates a client supplied project id.
func ParseProjectID(raw string) (ProjectID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrProjectIDEmpty
	}
	if len(id) > MaxProjectIDLen {
		return "", ErrProjectIDTooLong
	}
	return ProjectID(id), nil
}
