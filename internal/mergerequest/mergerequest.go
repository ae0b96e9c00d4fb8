// Package mergerequest creates merge/pull requests on git hosts after a
// session branch is pushed.
package mergerequest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/repobox/runner/internal/crypto"
)

// CreateParams describes one MR/PR creation.
type CreateParams struct {
	Token        crypto.Secret
	BaseURL      string // provider base URL, e.g. https://gitlab.com
	ProjectID    string // owner/repo (URL-encoded for GitLab by the client)
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
}

// Result holds the created MR/PR.
type Result struct {
	URL string
}

// Creator is the opaque client contract: one call, one MR.
type Creator interface {
	Create(ctx context.Context, params CreateParams) (*Result, error)
}

// CreationError is returned for a non-2xx response that is not retried
// into success. Body is masked.
type CreationError struct {
	StatusCode int
	Body       string
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("merge request API returned %d: %s", e.StatusCode, e.Body)
}

// ForProvider returns the client for a provider type.
func ForProvider(providerType string) (Creator, error) {
	switch providerType {
	case "github":
		return NewGitHubClient(), nil
	case "gitlab":
		return NewGitLabClient(), nil
	}
	return nil, fmt.Errorf("unknown provider type: %s", providerType)
}

// ExtractProjectID derives "owner/repo" (or "group/sub/repo") from an
// https repository URL.
func ExtractProjectID(repoURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(repoURL))
	if err != nil {
		return "", fmt.Errorf("invalid repository url: %w", err)
	}
	path := strings.Trim(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	if path == "" || !strings.Contains(path, "/") {
		return "", fmt.Errorf("cannot derive project from url path %q", u.Path)
	}
	return path, nil
}

const (
	maxRetries     = 2
	initialBackoff = 500 * time.Millisecond
	requestTimeout = 30 * time.Second
)

// doWithRetry performs the request, retrying 429 and 5xx responses with
// exponential backoff. build must return a fresh request each attempt.
func doWithRetry(ctx context.Context, client *http.Client, token crypto.Secret, build func() (*http.Request, error)) (*http.Response, []byte, error) {
	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, nil, err
		}
		req = req.WithContext(ctx)

		resp, err := client.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("merge request API call failed: %s",
				strings.ReplaceAll(err.Error(), token.Plaintext(), token.String()))
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if !retryable || attempt >= maxRetries {
			return resp, body, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func maskBody(body []byte, token crypto.Secret) string {
	s := string(body)
	if token.Plaintext() != "" {
		s = strings.ReplaceAll(s, token.Plaintext(), token.String())
	}
	if len(s) > 512 {
		s = s[:512]
	}
	return strings.TrimSpace(s)
}
