package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gameshelf/gameshelf-back/internal/config"
)

func newTestClient(baseURL string) *Client {
	return NewClient(&config.Config{
		CatalogAPIKey:         "super-secret-key",
		CatalogBaseURL:        baseURL,
		CatalogTimeoutSeconds: 2,
	}, zap.NewNop().Sugar())
}

func TestSearchNormalizesEntries(t *testing.T) {
	var gotQuery map[string]string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"key":       r.URL.Query().Get("key"),
			"search":    r.URL.Query().Get("search"),
			"page_size": r.URL.Query().Get("page_size"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"results": [
				{
					"id": 4200,
					"name": "Portal",
					"released": "2007-10-09",
					"background_image": "https://img.example.com/portal.jpg",
					"platforms": [{"platform": {"name": "PC"}}, {"platform": {"name": "Xbox"}}]
				},
				{
					"id": 17,
					"name": "Bare Minimum"
				},
				{
					"id": 0,
					"name": "Broken entry without id"
				}
			]
		}`))
	}))
	defer upstream.Close()

	entries, err := newTestClient(upstream.URL).Search(context.Background(), "portal", 10)
	require.NoError(t, err)

	assert.Equal(t, "super-secret-key", gotQuery["key"])
	assert.Equal(t, "portal", gotQuery["search"])
	assert.Equal(t, "10", gotQuery["page_size"])

	// Entries without an id are dropped; entries with only id+name survive.
	require.Len(t, entries, 2)

	portal := entries[0]
	assert.Equal(t, int64(4200), portal.ExternalID)
	assert.Equal(t, "Portal", portal.Title)
	require.NotNil(t, portal.ReleaseYear)
	assert.Equal(t, 2007, *portal.ReleaseYear)
	require.NotNil(t, portal.CoverURL)
	assert.Equal(t, "https://img.example.com/portal.jpg", *portal.CoverURL)
	assert.Equal(t, []string{"PC", "Xbox"}, portal.Platforms)

	bare := entries[1]
	assert.Equal(t, int64(17), bare.ExternalID)
	assert.Nil(t, bare.ReleaseYear)
	assert.Nil(t, bare.CoverURL)
	assert.Empty(t, bare.Platforms)
}

func TestSearchDoesNotLeakTheAPIKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [{"id": 1, "name": "A Game", "released": "1999-01-01"}]}`))
	}))
	defer upstream.Close()

	entries, err := newTestClient(upstream.URL).Search(context.Background(), "a", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	for k, v := range entries[0].Raw {
		s, ok := v.(string)
		if ok {
			assert.NotContains(t, s, "super-secret-key", "key leaked through raw field %q", k)
		}
	}
}

func TestSearchNonSuccessStatusIsUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	entries, err := newTestClient(upstream.URL).Search(context.Background(), "portal", 10)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, entries)
}

func TestSearchTransportFailureIsUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	entries, err := newTestClient(upstream.URL).Search(context.Background(), "portal", 10)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, entries)
}

func TestPopularUsesOrdering(t *testing.T) {
	var gotOrdering string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrdering = r.URL.Query().Get("ordering")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer upstream.Close()

	entries, err := newTestClient(upstream.URL).Popular(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, "-added", gotOrdering)
}

func TestReleaseYear(t *testing.T) {
	assert.Nil(t, releaseYear(""))
	assert.Nil(t, releaseYear("bad"))
	assert.Nil(t, releaseYear("xxxx-01-01"))

	year := releaseYear("2007-10-09")
	require.NotNil(t, year)
	assert.Equal(t, 2007, *year)
}
