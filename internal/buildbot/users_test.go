package buildbot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClientCollectsAuthorsAndOwners(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v2/builds/42/changes":
			_, _ = w.Write([]byte(`{"changes":[{"author":"carol <carol@x>"},{"author":"alice <alice@x>"},{"author":"carol <carol@x>"}],"meta":{"total":3}}`))
		case "/api/v2/builds/42/properties":
			_, _ = w.Write([]byte(`{"properties":[{"owner":["bob","Force Build Form"],"owners":[["dave","alice <alice@x>"],"Change"]}],"meta":{}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewAPIClient(APIConfig{BaseURL: srv.URL + "/", Token: "s3cret", CacheTTL: time.Minute})
	require.NoError(t, err)

	users, err := c.ResponsibleUsers(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice <alice@x>", "bob", "carol <carol@x>", "dave"}, users)
	assert.Equal(t, int32(2), hits.Load())

	// Second lookup is served from cache.
	again, err := c.ResponsibleUsers(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, users, again)
	assert.Equal(t, int32(2), hits.Load())
}

func TestAPIClientReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewAPIClient(APIConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.ResponsibleUsers(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestNewAPIClientValidatesURL(t *testing.T) {
	_, err := NewAPIClient(APIConfig{})
	assert.Error(t, err)

	_, err = NewAPIClient(APIConfig{BaseURL: "ci.example.org"})
	assert.Error(t, err)
}
