package mergerequest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GitLabClient creates merge requests through the GitLab REST API.
type GitLabClient struct {
	httpClient *http.Client
}

// NewGitLabClient creates a GitLabClient.
func NewGitLabClient() *GitLabClient {
	return &GitLabClient{
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

type gitlabMergeRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
}

type gitlabMergeResponse struct {
	WebURL string `json:"web_url"`
}

// Create implements Creator.
func (c *GitLabClient) Create(ctx context.Context, params CreateParams) (*Result, error) {
	base := strings.TrimRight(params.BaseURL, "/")
	if base == "" {
		base = "https://gitlab.com"
	}
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests",
		base, url.PathEscape(params.ProjectID))

	payload, err := json.Marshal(gitlabMergeRequest{
		Title:        params.Title,
		Description:  params.Description,
		SourceBranch: params.SourceBranch,
		TargetBranch: params.TargetBranch,
	})
	if err != nil {
		return nil, err
	}

	resp, body, err := doWithRetry(ctx, c.httpClient, params.Token, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("PRIVATE-TOKEN", params.Token.Plaintext())
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CreationError{StatusCode: resp.StatusCode, Body: maskBody(body, params.Token)}
	}

	var mr gitlabMergeResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, fmt.Errorf("failed to parse merge request response: %w", err)
	}
	return &Result{URL: mr.WebURL}, nil
}
