package posts

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/briangreenhill/corpsite/internal/listing"
)

// MemoryStore keeps posts in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	posts map[uuid.UUID]Post
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{posts: make(map[uuid.UUID]Post), now: time.Now}
}

// NewSampleStore returns a store seeded with the site's sample news.
func NewSampleStore() *MemoryStore {
	m := NewMemoryStore()
	base := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)
	for i, s := range sampleNews {
		p := Post{
			ID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte("sample/"+s.title)),
			Title:       s.title,
			Summary:     s.summary,
			Body:        s.body,
			PublishedAt: base.AddDate(0, 0, -14*i),
		}
		p, _ = prepare(p, p.PublishedAt)
		p.CreatedAt = p.PublishedAt
		m.posts[p.ID] = p
	}
	return m
}

var sampleNews = []struct{ title, summary, body string }{
	{"Harbour View towers reach topping out", "The second residential tower at Harbour View is structurally complete.", "Crews placed the final concrete pour on level 32 this week. Facade works continue through the summer."},
	{"New land plots released in Northgate", "Twelve serviced plots are now available for private development.", "All plots are connected to water, power and fibre. Site visits can be booked through the sales office."},
	{"Board welcomes new chief financial officer", "The board has appointed a new CFO effective next quarter.", "The appointment follows a six-month search. The incoming CFO joins from a regional infrastructure fund."},
	{"Riverside park opens to the public", "The landscaped park completing the Riverside masterplan is open.", "The park includes a playground, a cycling loop and restored wetland areas along the river bank."},
	{"Annual report published", "Our annual report covering projects, finances and governance is available.", "Highlights include three completed projects and a record number of homes handed over."},
	{"Groundbreaking at the Eastfield logistics hub", "Construction has started on a 40,000 sqm logistics facility.", "The first phase is expected to be delivered within eighteen months."},
}

func (m *MemoryStore) List(ctx context.Context, q listing.Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	q = q.Normalize()
	search := strings.ToLower(q.Search)

	m.mu.RLock()
	matched := make([]Post, 0, len(m.posts))
	for _, p := range m.posts {
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Title), search) &&
			!strings.Contains(strings.ToLower(p.Summary), search) {
			continue
		}
		matched = append(matched, p)
	}
	m.mu.RUnlock()

	col := sortColumn(q.Sort)
	desc := q.Order == "desc"
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less, equal bool
		switch col {
		case "title":
			less, equal = a.Title < b.Title, a.Title == b.Title
		case "created_at":
			less, equal = a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
		default:
			less, equal = a.PublishedAt.Before(b.PublishedAt), a.PublishedAt.Equal(b.PublishedAt)
		}
		if equal {
			return a.Slug < b.Slug
		}
		if desc {
			return !less
		}
		return less
	})

	total := len(matched)
	start := (q.Page - 1) * q.PerPage
	if start > total {
		start = total
	}
	end := start + q.PerPage
	if end > total {
		end = total
	}
	return Page{Data: append([]Post{}, matched[start:end]...), Meta: pageMeta(q, total)}, nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return Post{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetBySlug(ctx context.Context, slug string) (Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.posts {
		if p.Slug == slug {
			return p, nil
		}
	}
	return Post{}, ErrNotFound
}

func (m *MemoryStore) Create(ctx context.Context, p Post) (Post, error) {
	now := m.now().UTC()
	p, err := prepare(p, now)
	if err != nil {
		return Post{}, err
	}
	p.ID = uuid.New()
	p.CreatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slugTaken(p.Slug, p.ID) {
		return Post{}, errors.Join(ErrInvalid, errors.New("slug already in use"))
	}
	m.posts[p.ID] = p
	return p, nil
}

func (m *MemoryStore) Update(ctx context.Context, p Post) (Post, error) {
	now := m.now().UTC()
	p, err := prepare(p, now)
	if err != nil {
		return Post{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.posts[p.ID]
	if !ok {
		return Post{}, ErrNotFound
	}
	if m.slugTaken(p.Slug, p.ID) {
		return Post{}, errors.Join(ErrInvalid, errors.New("slug already in use"))
	}
	p.CreatedAt = old.CreatedAt
	m.posts[p.ID] = p
	return p, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return ErrNotFound
	}
	delete(m.posts, id)
	return nil
}

func (m *MemoryStore) slugTaken(slug string, except uuid.UUID) bool {
	for id, p := range m.posts {
		if id != except && p.Slug == slug {
			return true
		}
	}
	return false
}
