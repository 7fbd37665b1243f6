package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrNoMatch is returned by Storage.Match when the cache holds no response
// for the URL.
var ErrNoMatch = errors.New("worker: no cached response")

// StoredResponse is a response held in cache storage.
type StoredResponse struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response rebuilds an *http.Response for req. Every call returns a fresh body.
func (s *StoredResponse) Response(req *http.Request) *http.Response {
	h := s.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        strconv.Itoa(s.Status) + " " + http.StatusText(s.Status),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

func (s *StoredResponse) clone() *StoredResponse {
	c := *s
	c.Header = s.Header.Clone()
	c.Body = append([]byte(nil), s.Body...)
	return &c
}

// Storage is a set of named request/response caches that outlives the pages
// using it.
type Storage interface {
	Match(ctx context.Context, cacheName, key string) (*StoredResponse, error)
	Put(ctx context.Context, cacheName, key string, resp *StoredResponse) error
	CacheNames(ctx context.Context) ([]string, error)
	DeleteCache(ctx context.Context, cacheName string) error
}

// RequestKey is the storage key for a request URL: the full URL with its
// query parameters in sorted order.
func RequestKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.RawQuery = c.Query().Encode()
	return c.String()
}

// MemoryStorage keeps caches in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	caches map[string]map[string]*StoredResponse
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: make(map[string]map[string]*StoredResponse)}
}

func (m *MemoryStorage) Match(ctx context.Context, cacheName, key string) (*StoredResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.caches[cacheName][key]
	if !ok {
		return nil, ErrNoMatch
	}
	return r.clone(), nil
}

func (m *MemoryStorage) Put(ctx context.Context, cacheName, key string, resp *StoredResponse) error {
	c := resp.clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	cache, ok := m.caches[cacheName]
	if !ok {
		cache = make(map[string]*StoredResponse)
		m.caches[cacheName] = cache
	}
	cache[key] = c
	return nil
}

func (m *MemoryStorage) CacheNames(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStorage) DeleteCache(ctx context.Context, cacheName string) error {
	m.mu.Lock()
	delete(m.caches, cacheName)
	m.mu.Unlock()
	return nil
}
