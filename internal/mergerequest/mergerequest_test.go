package mergerequest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repobox/runner/internal/crypto"
)

func TestExtractProjectID(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://github.com/owner/repo", "owner/repo", false},
		{"https://github.com/owner/repo.git", "owner/repo", false},
		{"https://gitlab.example.com/group/sub/repo.git", "group/sub/repo", false},
		{"https://gitlab.com/", "", true},
		{"https://gitlab.com/justone", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractProjectID(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got)
	}
}

func TestForProvider(t *testing.T) {
	c, err := ForProvider("github")
	require.NoError(t, err)
	assert.IsType(t, &GitHubClient{}, c)

	c, err = ForProvider("gitlab")
	require.NoError(t, err)
	assert.IsType(t, &GitLabClient{}, c)

	_, err = ForProvider("bitbucket")
	assert.Error(t, err)
}

func TestGitHubCreate(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"html_url": "https://github.com/owner/repo/pull/7",
		})
	}))
	defer srv.Close()

	res, err := NewGitHubClient().Create(context.Background(), CreateParams{
		Token:        crypto.Secret("ghp_secrettokenvalue1234"),
		BaseURL:      srv.URL,
		ProjectID:    "owner/repo",
		Title:        "repobox: add README",
		Description:  "body",
		SourceBranch: "repobox/abcd1234",
		TargetBranch: "main",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/owner/repo/pull/7", res.URL)
	assert.Equal(t, "/api/v3/repos/owner/repo/pulls", gotPath)
	assert.Equal(t, "Bearer ghp_secrettokenvalue1234", gotAuth)
	assert.Equal(t, "repobox/abcd1234", gotBody["head"])
	assert.Equal(t, "main", gotBody["base"])
}

func TestGitLabCreate(t *testing.T) {
	var gotPath, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotToken = r.Header.Get("PRIVATE-TOKEN")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"web_url": "https://gitlab.com/group/repo/-/merge_requests/3",
		})
	}))
	defer srv.Close()

	res, err := NewGitLabClient().Create(context.Background(), CreateParams{
		Token:        crypto.Secret("glpat-secrettokenvalue12"),
		BaseURL:      srv.URL,
		ProjectID:    "group/repo",
		Title:        "t",
		SourceBranch: "repobox/abcd1234",
		TargetBranch: "main",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://gitlab.com/group/repo/-/merge_requests/3", res.URL)
	assert.Contains(t, gotPath, "/api/v4/projects/group%2Frepo/merge_requests")
	assert.Equal(t, "glpat-secrettokenvalue12", gotToken)
}

func TestCreateReturnsCreationErrorWithMaskedBody(t *testing.T) {
	token := "glpat-secrettokenvalue12"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"validation failed for ` + token + `"}`))
	}))
	defer srv.Close()

	_, err := NewGitLabClient().Create(context.Background(), CreateParams{
		Token:     crypto.Secret(token),
		BaseURL:   srv.URL,
		ProjectID: "g/r",
	})
	require.Error(t, err)

	var creationErr *CreationError
	require.ErrorAs(t, err, &creationErr)
	assert.Equal(t, http.StatusUnprocessableEntity, creationErr.StatusCode)
	assert.NotContains(t, creationErr.Body, token)
	assert.NotContains(t, err.Error(), token)
}

func TestCreateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"html_url": "https://g/pr/1"})
	}))
	defer srv.Close()

	res, err := NewGitHubClient().Create(context.Background(), CreateParams{
		Token:     crypto.Secret("tok"),
		BaseURL:   srv.URL,
		ProjectID: "o/r",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://g/pr/1", res.URL)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewGitHubClient().Create(context.Background(), CreateParams{
		Token:     crypto.Secret("tok"),
		BaseURL:   srv.URL,
		ProjectID: "o/r",
	})
	require.Error(t, err)

	var creationErr *CreationError
	require.ErrorAs(t, err, &creationErr)
	assert.Equal(t, http.StatusInternalServerError, creationErr.StatusCode)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewGitHubClient().Create(context.Background(), CreateParams{
		Token:     crypto.Secret("tok"),
		BaseURL:   srv.URL,
		ProjectID: "o/r",
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateTitle(t *testing.T) {
	assert.Equal(t, "repobox: add a README", GenerateTitle("add a README"))

	long := GenerateTitle("this prompt is definitely longer than fifty characters in total")
	assert.Len(t, long, len("repobox: ")+50)
	assert.Contains(t, long, "...")
}

func TestGenerateDescription(t *testing.T) {
	desc := GenerateDescription(TemplateParams{
		Prompt:       "add a README",
		LinesAdded:   10,
		LinesRemoved: 2,
		BranchName:   "repobox/abcd1234",
		JobCount:     3,
		JobID:        "j1",
	})
	assert.Contains(t, desc, "add a README")
	assert.Contains(t, desc, "+10 / -2")
	assert.Contains(t, desc, "repobox/abcd1234")
	assert.Contains(t, desc, "Prompts executed: 3")
}
