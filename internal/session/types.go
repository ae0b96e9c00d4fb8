// Package session holds the work-session model, its state machine, the
// session store, and the init/prompt/push executors.
package session

import (
	"fmt"
	"strconv"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusPushed       Status = "pushed"
	StatusArchived     Status = "archived"
	StatusFailed       Status = "failed"
)

// transitions is the session state machine. Self-transitions (blind field
// merges without a state change) are always legal.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusReady, StatusFailed},
	StatusReady:        {StatusRunning, StatusPushed, StatusArchived},
	StatusRunning:      {StatusReady},
}

// CanTransition reports whether from -> to is a legal session transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusPushed || s == StatusArchived || s == StatusFailed
}

// Session is a long-lived workspace anchored to one repository and feature
// branch.
type Session struct {
	ID         string
	UserID     string
	ProviderID string

	RepoURL    string
	RepoName   string
	BaseBranch string
	WorkBranch string

	Status            Status
	JobCount          int
	TotalLinesAdded   int
	TotalLinesRemoved int

	MRURL         string
	MRWarning     string
	ErrorMessage  string
	LastJobStatus string

	CreatedAt      int64 // epoch millis
	LastActivityAt int64
	PushedAt       int64
}

// ParseSession builds a Session from a raw store hash, validating required
// fields and coercing numeric strings. Malformed records are skipped by
// callers, not crashed on.
func ParseSession(data map[string]string) (*Session, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty session record")
	}
	if data["id"] == "" {
		return nil, fmt.Errorf("session record missing id")
	}
	if data["user_id"] == "" {
		return nil, fmt.Errorf("session record missing user_id")
	}

	return &Session{
		ID:                data["id"],
		UserID:            data["user_id"],
		ProviderID:        data["provider_id"],
		RepoURL:           data["repo_url"],
		RepoName:          data["repo_name"],
		BaseBranch:        data["base_branch"],
		WorkBranch:        data["work_branch"],
		Status:            Status(data["status"]),
		JobCount:          parseInt(data["job_count"]),
		TotalLinesAdded:   parseInt(data["total_lines_added"]),
		TotalLinesRemoved: parseInt(data["total_lines_removed"]),
		MRURL:             data["mr_url"],
		MRWarning:         data["mr_warning"],
		ErrorMessage:      data["error_message"],
		LastJobStatus:     data["last_job_status"],
		CreatedAt:         parseInt64(data["created_at"]),
		LastActivityAt:    parseInt64(data["last_activity_at"]),
		PushedAt:          parseInt64(data["pushed_at"]),
	}, nil
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// WorkBranchName derives the feature branch name for a session.
func WorkBranchName(sessionID string) string {
	return "repobox/" + shortID(sessionID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
