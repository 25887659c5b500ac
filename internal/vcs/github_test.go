package vcs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ralph/internal/config"
)

func newTestGitHub(t *testing.T, handler http.Handler) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = u

	g := NewGitHub(client, config.GitHubConfig{Owner: "acme", Repo: "widgets"}, "main", nil)
	return g.WithRetry(&RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
}

func TestRequestExternalReview_Creates(t *testing.T) {
	var created atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "acme:ralph/g1", r.URL.Query().Get("head"))
			_, _ = w.Write([]byte(`[]`))
		case http.MethodPost:
			created.Add(1)
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ralph/g1", body["head"])
			assert.Equal(t, "main", body["base"])
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"number":7,"html_url":"https://github.com/acme/widgets/pull/7"}`))
		}
	})

	got, err := newTestGitHub(t, mux).RequestExternalReview(context.Background(), ReviewRequest{
		Branch: "ralph/g1",
		Title:  "ralph: g1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", got)
	assert.Equal(t, int32(1), created.Load())
}

func TestRequestExternalReview_ReusesOpen(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method, "must not create a second pull request")
		_, _ = w.Write([]byte(`[{"number":3,"html_url":"https://github.com/acme/widgets/pull/3"}]`))
	})

	got, err := newTestGitHub(t, mux).RequestExternalReview(context.Background(), ReviewRequest{Branch: "ralph/g1"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets/pull/3", got)
}

func TestRequestExternalReview_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`[{"number":3,"html_url":"https://github.com/acme/widgets/pull/3"}]`))
		}
	})

	_, err := newTestGitHub(t, mux).RequestExternalReview(context.Background(), ReviewRequest{Branch: "ralph/g1"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequestExternalReview_DoesNotRetryClientErrors(t *testing.T) {
	var posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		posts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"No commits between main and ralph/g1"}`))
	})

	_, err := newTestGitHub(t, mux).RequestExternalReview(context.Background(), ReviewRequest{Branch: "ralph/g1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), posts.Load())
}

func TestNewGitHubClient_RequiresToken(t *testing.T) {
	_, err := NewGitHubClient(context.Background(), config.Secret(""))
	assert.Error(t, err)

	c, err := NewGitHubClient(context.Background(), config.Secret("ghp_x"))
	require.NoError(t, err)
	assert.NotNil(t, c)
}
