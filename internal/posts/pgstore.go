package posts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/corpsite/internal/listing"
)

const pgSchema = `CREATE TABLE IF NOT EXISTS posts (
	id           UUID PRIMARY KEY,
	slug         TEXT NOT NULL UNIQUE,
	title        TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS posts_published_at_idx ON posts (published_at DESC)`

const postColumns = `id, slug, title, summary, body, published_at, created_at, updated_at`

// uniqueViolation is the Postgres error code for a unique constraint failure.
const uniqueViolation = "23505"

// PGStore keeps posts in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

// Migrate creates the posts table if it does not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate posts: %w", err)
	}
	return nil
}

func scanPost(row pgx.Row) (Post, error) {
	var p Post
	err := row.Scan(&p.ID, &p.Slug, &p.Title, &p.Summary, &p.Body, &p.PublishedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	return p, err
}

func (s *PGStore) List(ctx context.Context, q listing.Query) (Page, error) {
	q = q.Normalize()
	dir := "DESC"
	if q.Order == "asc" {
		dir = "ASC"
	}
	where := ""
	args := []any{}
	if q.Search != "" {
		where = `WHERE title ILIKE $1 OR summary ILIKE $1`
		args = append(args, "%"+q.Search+"%")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM posts `+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count posts: %w", err)
	}

	n := len(args)
	sql := fmt.Sprintf(`SELECT %s FROM posts %s ORDER BY %s %s, slug ASC LIMIT $%d OFFSET $%d`,
		postColumns, where, sortColumn(q.Sort), dir, n+1, n+2)
	args = append(args, q.PerPage, (q.Page-1)*q.PerPage)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	data := []Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scan post: %w", err)
		}
		data = append(data, p)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list posts: %w", err)
	}
	return Page{Data: data, Meta: pageMeta(q, total)}, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (Post, error) {
	return scanPost(s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
}

func (s *PGStore) GetBySlug(ctx context.Context, slug string) (Post, error) {
	return scanPost(s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE slug = $1`, slug))
}

func (s *PGStore) Create(ctx context.Context, p Post) (Post, error) {
	now := s.now().UTC()
	p, err := prepare(p, now)
	if err != nil {
		return Post{}, err
	}
	p.ID = uuid.New()
	p.CreatedAt = now

	_, err = s.pool.Exec(ctx,
		`INSERT INTO posts (`+postColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Slug, p.Title, p.Summary, p.Body, p.PublishedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Post{}, mapPGError("create post", err)
	}
	return p, nil
}

func (s *PGStore) Update(ctx context.Context, p Post) (Post, error) {
	p, err := prepare(p, s.now().UTC())
	if err != nil {
		return Post{}, err
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE posts SET slug = $2, title = $3, summary = $4, body = $5, published_at = $6, updated_at = $7
		 WHERE id = $1 RETURNING `+postColumns,
		p.ID, p.Slug, p.Title, p.Summary, p.Body, p.PublishedAt, p.UpdatedAt)
	updated, err := scanPost(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Post{}, err
		}
		return Post{}, mapPGError("update post", err)
	}
	return updated, nil
}

func (s *PGStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func mapPGError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Join(ErrInvalid, fmt.Errorf("%s: slug already in use", op))
	}
	return fmt.Errorf("%s: %w", op, err)
}
