// Package cache keeps the last fetched news listing per query so pages can be
// served from local storage while a refresh runs in the background.
package cache

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Store when no entry exists for a key
	ErrNotFound = errors.New("cache entry not found")
)

// Entry is the last successfully fetched listing payload for a query key
type Entry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// Reader loads entries
type Reader interface {
	// Load returns the entry for key or ErrNotFound
	Load(key string) (*Entry, error)
}

// Writer stores and removes entries
type Writer interface {
	// Save replaces the entry for e.Key as a whole
	Save(e *Entry) error
	Delete(key string) error
	Clear() error
}

// Store is the key/value storage behind the freshness cache
type Store interface {
	Reader
	Writer
}
