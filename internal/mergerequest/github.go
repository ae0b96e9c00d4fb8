package mergerequest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GitHubClient creates pull requests through the GitHub REST API.
type GitHubClient struct {
	httpClient *http.Client
}

// NewGitHubClient creates a GitHubClient.
func NewGitHubClient() *GitHubClient {
	return &GitHubClient{
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// apiBaseURL maps a provider base URL to its REST API root. github.com
// uses api.github.com; GitHub Enterprise serves the API under /api/v3.
func (c *GitHubClient) apiBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" || baseURL == "https://github.com" {
		return "https://api.github.com"
	}
	return baseURL + "/api/v3"
}

type githubPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

type githubPullResponse struct {
	HTMLURL string `json:"html_url"`
}

// Create implements Creator.
func (c *GitHubClient) Create(ctx context.Context, params CreateParams) (*Result, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/pulls", c.apiBaseURL(params.BaseURL), params.ProjectID)

	payload, err := json.Marshal(githubPullRequest{
		Title: params.Title,
		Body:  params.Description,
		Head:  params.SourceBranch,
		Base:  params.TargetBranch,
	})
	if err != nil {
		return nil, err
	}

	resp, body, err := doWithRetry(ctx, c.httpClient, params.Token, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+params.Token.Plaintext())
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CreationError{StatusCode: resp.StatusCode, Body: maskBody(body, params.Token)}
	}

	var pr githubPullResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse pull request response: %w", err)
	}
	return &Result{URL: pr.HTMLURL}, nil
}
