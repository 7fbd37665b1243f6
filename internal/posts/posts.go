// Package posts holds news articles and serves them as listing pages.
package posts

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/briangreenhill/corpsite/internal/listing"
)

var (
	ErrNotFound = errors.New("post not found")
	ErrInvalid  = errors.New("invalid post")
)

// Post is one news article.
type Post struct {
	ID          uuid.UUID `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Meta describes the page of a listing.
type Meta struct {
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
	Total      int    `json:"total"`
	TotalPages int    `json:"total_pages"`
	Error      string `json:"error,omitempty"`
}

// Page is the listing payload served by the content API.
type Page struct {
	Data []Post `json:"data"`
	Meta Meta   `json:"meta"`
}

// Store persists posts.
type Store interface {
	List(ctx context.Context, q listing.Query) (Page, error)
	Get(ctx context.Context, id uuid.UUID) (Post, error)
	GetBySlug(ctx context.Context, slug string) (Post, error)
	Create(ctx context.Context, p Post) (Post, error)
	Update(ctx context.Context, p Post) (Post, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// sortColumns whitelists the listing sort keys.
var sortColumns = map[string]string{
	"published_at": "published_at",
	"created_at":   "created_at",
	"title":        "title",
}

func sortColumn(s string) string {
	if c, ok := sortColumns[s]; ok {
		return c
	}
	return listing.DefaultSort
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a title into a URL path segment.
func Slugify(title string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(title), "-")
	return strings.Trim(s, "-")
}

// prepare validates p and fills derived fields.
func prepare(p Post, now time.Time) (Post, error) {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return p, errors.Join(ErrInvalid, errors.New("title is required"))
	}
	p.Slug = Slugify(p.Slug)
	if p.Slug == "" {
		p.Slug = Slugify(p.Title)
	}
	if p.Slug == "" {
		return p, errors.Join(ErrInvalid, errors.New("slug is empty"))
	}
	p.Summary = strings.TrimSpace(p.Summary)
	if p.PublishedAt.IsZero() {
		p.PublishedAt = now
	}
	p.PublishedAt = p.PublishedAt.UTC()
	p.UpdatedAt = now
	return p, nil
}

func pageMeta(q listing.Query, total int) Meta {
	pages := 0
	if total > 0 {
		pages = (total + q.PerPage - 1) / q.PerPage
	}
	return Meta{Page: q.Page, PerPage: q.PerPage, Total: total, TotalPages: pages}
}
