// Package provider reads encrypted git-host credentials.
package provider

import (
	"context"

	"github.com/repobox/runner/internal/crypto"
)

// Provider types.
const (
	TypeGitHub = "github"
	TypeGitLab = "gitlab"
)

// Provider is a decrypted credential record. The token is a crypto.Secret
// so it cannot leak through formatting; executors hold it only for the
// duration of one invocation.
type Provider struct {
	Type    string
	BaseURL string
	Token   crypto.Secret
}

// Store resolves provider credentials.
type Store interface {
	// Get returns the decrypted provider record, or a NOT_FOUND AppError.
	Get(ctx context.Context, userID, providerID string) (*Provider, error)
}
