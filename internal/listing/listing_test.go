package listing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildURLDefaults(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  url.Values
	}{
		{
			name:  "all omitted",
			query: Query{},
			want:  url.Values{"page": {"1"}, "per_page": {"20"}, "sort": {"published_at"}, "order": {"desc"}, "search": {""}},
		},
		{
			name:  "explicit values",
			query: Query{Page: 3, PerPage: 5, Sort: "title", Order: "ASC", Search: "tower"},
			want:  url.Values{"page": {"3"}, "per_page": {"5"}, "sort": {"title"}, "order": {"asc"}, "search": {"tower"}},
		},
		{
			name:  "bad order and negative page",
			query: Query{Page: -2, Order: "sideways"},
			want:  url.Values{"page": {"1"}, "per_page": {"20"}, "sort": {"published_at"}, "order": {"desc"}, "search": {""}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := BuildURL("https://cms.example.com/", tt.query)
			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, "cms.example.com", u.Host)
			assert.Equal(t, Path, u.Path)

			got := u.Query()
			assert.Len(t, got, 5)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildURLSameOrigin(t *testing.T) {
	raw := BuildURL("", DefaultQuery())
	assert.Equal(t, "/api/posts?order=desc&page=1&per_page=20&search=&sort=published_at", raw)
}

func TestKeyIsStable(t *testing.T) {
	a := Query{Page: 1, PerPage: 20, Sort: "published_at", Order: "desc"}
	b := Query{}
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, DefaultQuery().Key(), b.Key())
	assert.NotEqual(t, a.Key(), Query{Page: 2}.Key())
}

func TestParseQuery(t *testing.T) {
	q := ParseQuery(url.Values{"page": {"x"}, "per_page": {"50"}, "search": {" land "}})
	assert.Equal(t, Query{Page: 1, PerPage: 50, Sort: "published_at", Order: "desc", Search: "land"}, q)
}

func TestParseQueryClampsPaging(t *testing.T) {
	q := ParseQuery(url.Values{"page": {"9223372036854775807"}, "per_page": {"9223372036854775807"}})
	assert.Equal(t, MaxPage, q.Page)
	assert.Equal(t, MaxPerPage, q.PerPage)

	q = Query{Page: 2, PerPage: MaxPerPage + 1}.Normalize()
	assert.Equal(t, 2, q.Page)
	assert.Equal(t, MaxPerPage, q.PerPage)
}

func TestResolveBase(t *testing.T) {
	assert.Equal(t, "http://site.local", ResolveBase(true, "http://site.local/", "https://cms.example.com"))
	assert.Equal(t, "https://cms.example.com", ResolveBase(false, "http://site.local", "https://cms.example.com/"))
	assert.Equal(t, "http://site.local", ResolveBase(false, "http://site.local", ""))
}

func TestClientFetch(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		assert.Equal(t, Path, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"title":"Groundbreaking"}],"meta":{"total":1}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	body, err := c.Fetch(context.Background(), DefaultQuery())
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[{"title":"Groundbreaking"}],"meta":{"total":1}}`, string(body))
	assert.Equal(t, "20", gotQuery.Get("per_page"))
}

func TestClientFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	_, err := c.Fetch(context.Background(), DefaultQuery())
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
}

func TestClientFetchRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	_, err := c.Fetch(context.Background(), DefaultQuery())
	assert.Error(t, err)
}

func TestClientFetchPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/posts/harbour-view", r.URL.Path)
		_, _ = w.Write([]byte(`{"slug":"harbour-view"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	body, err := c.FetchPost(context.Background(), "harbour-view")
	require.NoError(t, err)
	assert.JSONEq(t, `{"slug":"harbour-view"}`, string(body))

	_, err = c.FetchPost(context.Background(), " ")
	assert.Error(t, err)
}

func TestClientFetchOfflinePlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(CacheStatusHeader, CacheStatusOffline)
		_, _ = w.Write([]byte(OfflineBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	body, err := c.Fetch(context.Background(), DefaultQuery())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Nil(t, body)
}

func TestClientFetchNoCache(t *testing.T) {
	var cacheControl []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cacheControl = append(cacheControl, r.Header.Get("Cache-Control"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	_, err := c.Fetch(context.Background(), DefaultQuery())
	require.NoError(t, err)
	_, err = c.Fetch(WithNoCache(context.Background()), DefaultQuery())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "no-cache"}, cacheControl)
}
