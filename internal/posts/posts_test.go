package posts

import (
	"context"
	"math"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/corpsite/internal/listing"
)

func TestSampleStoreListsNewestFirst(t *testing.T) {
	s := NewSampleStore()
	page, err := s.List(context.Background(), listing.DefaultQuery())
	require.NoError(t, err)

	require.Len(t, page.Data, len(sampleNews))
	assert.Equal(t, "Harbour View towers reach topping out", page.Data[0].Title)
	for i := 1; i < len(page.Data); i++ {
		assert.False(t, page.Data[i].PublishedAt.After(page.Data[i-1].PublishedAt))
	}
	assert.Equal(t, Meta{Page: 1, PerPage: 20, Total: len(sampleNews), TotalPages: 1}, page.Meta)
}

func TestListPaginationSortAndSearch(t *testing.T) {
	s := NewSampleStore()
	ctx := context.Background()

	page, err := s.List(ctx, listing.Query{Page: 2, PerPage: 4, Sort: "title", Order: "asc"})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, 2, page.Meta.TotalPages)
	assert.Equal(t, "New land plots released in Northgate", page.Data[0].Title)

	page, err = s.List(ctx, listing.Query{Page: 9})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.NotNil(t, page.Data)

	page, err = s.List(ctx, listing.Query{Search: "PLOTS"})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "new-land-plots-released-in-northgate", page.Data[0].Slug)
}

func TestListOversizedPaging(t *testing.T) {
	s := NewSampleStore()
	huge := strconv.Itoa(math.MaxInt)

	var page Page
	var err error
	require.NotPanics(t, func() {
		page, err = s.List(context.Background(), listing.ParseQuery(url.Values{"page": {"2"}, "per_page": {huge}}))
	})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.Equal(t, Meta{Page: 2, PerPage: listing.MaxPerPage, Total: len(sampleNews), TotalPages: 1}, page.Meta)

	require.NotPanics(t, func() {
		page, err = s.List(context.Background(), listing.Query{Page: math.MaxInt, PerPage: math.MaxInt})
	})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.Equal(t, listing.MaxPage, page.Meta.Page)
}

func TestCRUD(t *testing.T) {
	s := NewMemoryStore()
	s.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	ctx := context.Background()

	_, err := s.Create(ctx, Post{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalid)

	p, err := s.Create(ctx, Post{Title: "Skyline Plaza: Phase 2!"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.Equal(t, "skyline-plaza-phase-2", p.Slug)
	assert.Equal(t, s.now(), p.PublishedAt)

	_, err = s.Create(ctx, Post{Title: "Skyline plaza phase 2"})
	assert.ErrorIs(t, err, ErrInvalid)

	got, err := s.GetBySlug(ctx, "skyline-plaza-phase-2")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	p.Summary = "Updated"
	updated, err := s.Update(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "Updated", updated.Summary)
	assert.Equal(t, p.CreatedAt, updated.CreatedAt)

	_, err = s.Update(ctx, Post{ID: uuid.New(), Title: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, p.ID))
	assert.ErrorIs(t, s.Delete(ctx, p.ID), ErrNotFound)
	_, err = s.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "harbour-view-2025", Slugify("  Harbour View — 2025 "))
	assert.Equal(t, "", Slugify("!!!"))
}
