package posts

import (
	"context"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/corpsite/internal/listing"
)

func TestPGStore(t *testing.T) {
	// Skip if no database URL provided
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping postgres store test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	defer pool.Close()

	s := NewPGStore(pool)
	require.NoError(t, s.Migrate(ctx))

	// rows from other runs never match this run's search term
	tag := "pgtest" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	day := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	var created []Post
	for i, name := range []string{"Charlie", "Alpha", "Bravo"} {
		p, err := s.Create(ctx, Post{
			Title:       tag + " " + name,
			Summary:     "Site news " + name,
			PublishedAt: day.AddDate(0, 0, i),
		})
		require.NoError(t, err)
		created = append(created, p)
	}
	t.Cleanup(func() {
		for _, p := range created {
			_ = s.Delete(context.Background(), p.ID)
		}
	})

	t.Run("list sorted by title", func(t *testing.T) {
		page, err := s.List(ctx, listing.Query{Search: tag, Sort: "title", Order: "asc", PerPage: 2})
		require.NoError(t, err)
		require.Len(t, page.Data, 2)
		assert.Equal(t, tag+" Alpha", page.Data[0].Title)
		assert.Equal(t, tag+" Bravo", page.Data[1].Title)
		assert.Equal(t, Meta{Page: 1, PerPage: 2, Total: 3, TotalPages: 2}, page.Meta)

		page, err = s.List(ctx, listing.Query{Search: tag, Sort: "title", Order: "asc", PerPage: 2, Page: 2})
		require.NoError(t, err)
		require.Len(t, page.Data, 1)
		assert.Equal(t, tag+" Charlie", page.Data[0].Title)
	})

	t.Run("list newest first by default", func(t *testing.T) {
		page, err := s.List(ctx, listing.Query{Search: strings.ToUpper(tag)})
		require.NoError(t, err)
		require.Len(t, page.Data, 3)
		assert.Equal(t, tag+" Bravo", page.Data[0].Title)
		assert.Equal(t, tag+" Charlie", page.Data[2].Title)
		assert.True(t, page.Data[0].PublishedAt.Equal(day.AddDate(0, 0, 2)))
	})

	t.Run("oversized paging", func(t *testing.T) {
		page, err := s.List(ctx, listing.Query{Search: tag, Page: math.MaxInt, PerPage: math.MaxInt})
		require.NoError(t, err)
		assert.Empty(t, page.Data)
		assert.Equal(t, listing.MaxPerPage, page.Meta.PerPage)
	})

	t.Run("get by slug", func(t *testing.T) {
		p, err := s.GetBySlug(ctx, created[1].Slug)
		require.NoError(t, err)
		assert.Equal(t, created[1].ID, p.ID)

		_, err = s.GetBySlug(ctx, tag+"-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate slug is invalid", func(t *testing.T) {
		_, err := s.Create(ctx, Post{Title: tag + " Alpha"})
		assert.ErrorIs(t, err, ErrInvalid)

		dup := created[0]
		dup.Title = tag + " Alpha"
		dup.Slug = created[1].Slug
		_, err = s.Update(ctx, dup)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("missing post", func(t *testing.T) {
		_, err := s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.Delete(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Update(ctx, Post{ID: uuid.New(), Title: tag + " Ghost"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
