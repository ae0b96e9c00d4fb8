package session

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/repobox/runner/internal/common/errors"
)

// InitMessage asks a runner to prepare a session workspace.
type InitMessage struct {
	SessionID  string
	UserID     string
	ProviderID string
	RepoURL    string
	RepoName   string
	BaseBranch string
}

// PromptMessage asks a runner to execute one prompt inside a session.
type PromptMessage struct {
	SessionID   string
	JobID       string
	UserID      string
	Prompt      string
	Environment map[string]string
}

// PushMessage asks a runner to publish a session's work.
type PushMessage struct {
	SessionID   string
	UserID      string
	Title       string
	Description string
}

// ParseInitMessage validates a raw init-stream entry. Missing required
// fields make the entry poison: acked and dropped, never retried.
func ParseInitMessage(values map[string]string) (*InitMessage, error) {
	for _, f := range []string{"session_id", "user_id", "provider_id", "repo_url"} {
		if values[f] == "" {
			return nil, apperrors.PoisonMessage(fmt.Sprintf("init message missing %s", f))
		}
	}
	return &InitMessage{
		SessionID:  values["session_id"],
		UserID:     values["user_id"],
		ProviderID: values["provider_id"],
		RepoURL:    values["repo_url"],
		RepoName:   values["repo_name"],
		BaseBranch: values["base_branch"],
	}, nil
}

// ParsePromptMessage validates a raw jobs-stream entry. The environment
// field, when present, is a JSON object of extra child-process variables.
func ParsePromptMessage(values map[string]string) (*PromptMessage, error) {
	for _, f := range []string{"session_id", "job_id", "user_id", "prompt"} {
		if values[f] == "" {
			return nil, apperrors.PoisonMessage(fmt.Sprintf("prompt message missing %s", f))
		}
	}
	msg := &PromptMessage{
		SessionID: values["session_id"],
		JobID:     values["job_id"],
		UserID:    values["user_id"],
		Prompt:    values["prompt"],
	}
	if raw := values["environment"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Environment); err != nil {
			return nil, apperrors.PoisonMessage("prompt message has malformed environment")
		}
	}
	return msg, nil
}

// ParsePushMessage validates a raw push-stream entry. Title and description
// are optional; the push executor generates defaults.
func ParsePushMessage(values map[string]string) (*PushMessage, error) {
	for _, f := range []string{"session_id", "user_id"} {
		if values[f] == "" {
			return nil, apperrors.PoisonMessage(fmt.Sprintf("push message missing %s", f))
		}
	}
	return &PushMessage{
		SessionID:   values["session_id"],
		UserID:      values["user_id"],
		Title:       values["title"],
		Description: values["description"],
	}, nil
}
