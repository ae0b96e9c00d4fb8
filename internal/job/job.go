// Package job holds the per-prompt job records and their store.
package job

import (
	"fmt"
	"strconv"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"

	// StatusCancelled marks a run interrupted by shutdown; the stream
	// message stays unacked and the work is replayed elsewhere.
	StatusCancelled Status = "cancelled"
)

// Job is one unit of prompt work. Session-scoped jobs carry a SessionID;
// legacy one-shot jobs instead carry their own repository coordinates.
type Job struct {
	ID        string
	SessionID string
	UserID    string
	Prompt    string

	ProviderID string
	RepoURL    string
	RepoName   string
	BaseBranch string

	Status       Status
	ErrorMessage string
	LinesAdded   int
	LinesRemoved int

	CreatedAt  int64 // epoch millis
	StartedAt  int64
	FinishedAt int64
}

// ParseJob builds a Job from a raw store hash.
func ParseJob(data map[string]string) (*Job, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty job record")
	}
	if data["id"] == "" {
		return nil, fmt.Errorf("job record missing id")
	}
	return &Job{
		ID:           data["id"],
		SessionID:    data["session_id"],
		UserID:       data["user_id"],
		Prompt:       data["prompt"],
		ProviderID:   data["provider_id"],
		RepoURL:      data["repo_url"],
		RepoName:     data["repo_name"],
		BaseBranch:   data["base_branch"],
		Status:       Status(data["status"]),
		ErrorMessage: data["error_message"],
		LinesAdded:   parseInt(data["lines_added"]),
		LinesRemoved: parseInt(data["lines_removed"]),
		CreatedAt:    parseInt64(data["created_at"]),
		StartedAt:    parseInt64(data["started_at"]),
		FinishedAt:   parseInt64(data["finished_at"]),
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
