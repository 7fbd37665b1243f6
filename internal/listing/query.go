// Package listing describes a paginated news listing request: its query
// parameters, the cache key derived from them and the canonical API URL.
package listing

import (
	"net/url"
	"strconv"
	"strings"
)

// Path is the content API path serving news listings.
const Path = "/api/posts"

const (
	DefaultPage    = 1
	DefaultPerPage = 20
	DefaultSort    = "published_at"
	DefaultOrder   = "desc"

	// MaxPerPage and MaxPage bound client supplied paging so offsets stay
	// far from integer overflow.
	MaxPerPage = 100
	MaxPage    = 100000
)

// Query holds the listing parameters accepted by the content API.
type Query struct {
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
	Sort    string `json:"sort"`
	Order   string `json:"order"`
	Search  string `json:"search,omitempty"`
}

// DefaultQuery is the first page of the newest news items.
func DefaultQuery() Query {
	return Query{
		Page:    DefaultPage,
		PerPage: DefaultPerPage,
		Sort:    DefaultSort,
		Order:   DefaultOrder,
	}
}

// Normalize fills omitted parameters with their defaults and clamps paging
// to MaxPage and MaxPerPage.
func (q Query) Normalize() Query {
	if q.Page <= 0 {
		q.Page = DefaultPage
	}
	q.Page = min(q.Page, MaxPage)
	if q.PerPage <= 0 {
		q.PerPage = DefaultPerPage
	}
	q.PerPage = min(q.PerPage, MaxPerPage)
	q.Sort = strings.TrimSpace(q.Sort)
	if q.Sort == "" {
		q.Sort = DefaultSort
	}
	q.Order = strings.ToLower(strings.TrimSpace(q.Order))
	if q.Order != "asc" && q.Order != "desc" {
		q.Order = DefaultOrder
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}

// Values returns the five listing parameters, search included even when empty.
func (q Query) Values() url.Values {
	q = q.Normalize()
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("per_page", strconv.Itoa(q.PerPage))
	v.Set("sort", q.Sort)
	v.Set("order", q.Order)
	v.Set("search", q.Search)
	return v
}

// Key is the stable cache key for the query.
func (q Query) Key() string {
	return q.Values().Encode()
}

// ParseQuery reads listing parameters from a query string. Malformed numbers
// fall back to defaults.
func ParseQuery(v url.Values) Query {
	q := Query{
		Sort:   v.Get("sort"),
		Order:  v.Get("order"),
		Search: v.Get("search"),
	}
	if n, err := strconv.Atoi(v.Get("page")); err == nil {
		q.Page = n
	}
	if n, err := strconv.Atoi(v.Get("per_page")); err == nil {
		q.PerPage = n
	}
	return q.Normalize()
}

// BuildURL returns the canonical listing URL for q. An empty base gives a
// same-origin relative URL.
func BuildURL(base string, q Query) string {
	return strings.TrimRight(base, "/") + Path + "?" + q.Values().Encode()
}

// ResolveBase picks the origin listing requests are sent to.
func ResolveBase(sameOrigin bool, siteURL, remoteURL string) string {
	if sameOrigin || remoteURL == "" {
		return strings.TrimRight(siteURL, "/")
	}
	return strings.TrimRight(remoteURL, "/")
}
