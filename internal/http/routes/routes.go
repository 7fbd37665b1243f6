package routes

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/corpsite/cache"
	"github.com/briangreenhill/corpsite/internal/auth"
	appmw "github.com/briangreenhill/corpsite/internal/http/middleware"
	"github.com/briangreenhill/corpsite/internal/jobs"
	"github.com/briangreenhill/corpsite/internal/listing"
	"github.com/briangreenhill/corpsite/internal/posts"
	"github.com/briangreenhill/corpsite/internal/prefetch"
	"github.com/briangreenhill/corpsite/internal/worker"
)

type Server struct {
	Router   *chi.Mux
	Sess     *scs.SessionManager
	Tmpl     *template.Template
	Posts    posts.Store // nil when content comes from a remote API
	Client   *listing.Client
	Cache    *cache.Freshness
	Worker   *worker.Worker
	Prefetch *prefetch.Controller
	Admin    auth.Admin
	Jobs     jobs.Enqueuer // nil runs warm-ups in process
	Log      zerolog.Logger
}

type ServerOptions struct {
	Sess     *scs.SessionManager
	Tmpl     *template.Template
	Posts    posts.Store
	Client   *listing.Client
	Cache    *cache.Freshness
	Worker   *worker.Worker
	Prefetch *prefetch.Controller
	Idle     *prefetch.IdleTracker
	Admin    auth.Admin
	Jobs     jobs.Enqueuer
	// APIProxy serves /api/posts when the listing is rewritten to the site
	// origin but the content lives on a remote API.
	APIProxy http.Handler
	Metrics  http.Handler
	Logger   zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	s := &Server{
		Router:   r,
		Sess:     opts.Sess,
		Tmpl:     opts.Tmpl,
		Posts:    opts.Posts,
		Client:   opts.Client,
		Cache:    opts.Cache,
		Worker:   opts.Worker,
		Prefetch: opts.Prefetch,
		Admin:    opts.Admin,
		Jobs:     opts.Jobs,
		Log:      opts.Logger,
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(chimw.Recoverer)
	if opts.Idle != nil {
		r.Use(opts.Idle.Middleware)
	}
	r.Use(s.Sess.LoadAndSave)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefetch.DefaultListingPath, http.StatusFound)
	})
	r.Get("/news", s.handleNews)
	r.Get("/news/{slug}", s.handleNewsPost)
	r.Post("/prefetch", s.handlePrefetchIntent)

	switch {
	case s.Posts != nil:
		r.Get(listing.Path, s.handleAPIList)
		r.Get(listing.Path+"/{slug}", s.handleAPIPost)
	case opts.APIProxy != nil:
		r.Method(http.MethodGet, listing.Path, opts.APIProxy)
		r.Method(http.MethodGet, listing.Path+"/*", opts.APIProxy)
	}
	r.Get("/api/cache/stats", s.handleCacheStats)

	r.Get("/admin/login", s.handleLoginForm)
	r.Post("/admin/login", s.handleLogin)
	r.Post("/admin/logout", s.handleLogout)

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.RequireAdmin(s.Sess))
		pr.Delete("/api/cache", s.handleCacheClear)
		if s.Posts != nil {
			pr.Get("/admin/posts", s.handleAdminPosts)
			pr.Post("/admin/posts", s.handleCreatePost)
			pr.Put("/admin/posts/{id}", s.handleUpdatePost)
			pr.Delete("/admin/posts/{id}", s.handleDeletePost)
		}
	})

	return s
}

// NewAPIProxy forwards content API requests to target over transport.
func NewAPIProxy(target *url.URL, transport http.RoundTripper, log zerolog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("content api proxy failed")
			http.Error(w, "content api unavailable", http.StatusBadGateway)
		},
	}
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.Tmpl.ExecuteTemplate(w, name, data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("template", name).Msg("render template failed")
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

// ---- Public pages

type newsPage struct {
	Title       string
	Query       listing.Query
	Page        posts.Page
	FetchedAt   time.Time
	Unavailable bool
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	q := listing.ParseQuery(r.URL.Query())
	data := newsPage{Title: "News", Query: q}

	entry, ok := s.Cache.Load(r.Context(), q)
	if ok {
		if err := json.Unmarshal(entry.Payload, &data.Page); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("key", entry.Key).Msg("cached listing is not a page")
			ok = false
		}
		data.FetchedAt = entry.FetchedAt
	}

	// first render arms the idle-time warm-up; later renders are no-ops
	s.Prefetch.SchedulePrefetch(r.Context())

	if !ok {
		data.Unavailable = true
		s.render(w, r, http.StatusServiceUnavailable, "news", data)
		return
	}
	s.render(w, r, http.StatusOK, "news", data)
}

func (s *Server) handleNewsPost(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	raw, err := s.Client.FetchPost(r.Context(), slug)
	if err != nil {
		var se *listing.StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			http.NotFound(w, r)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("slug", slug).Msg("fetch post failed")
		http.Error(w, "could not load article", http.StatusBadGateway)
		return
	}

	var body struct {
		Data posts.Post `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("slug", slug).Msg("decode post failed")
		http.Error(w, "could not load article", http.StatusBadGateway)
		return
	}
	s.render(w, r, http.StatusOK, "post", map[string]any{
		"Title": body.Data.Title,
		"Post":  body.Data,
	})
}

// handlePrefetchIntent receives hover and focus intent on links.
func (s *Server) handlePrefetchIntent(w http.ResponseWriter, r *http.Request) {
	var path string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		path = body.Path
	} else {
		path = r.PostFormValue("path")
	}
	if path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}

	scheduled := s.Prefetch.NotifyIntent(r.Context(), path, prefetch.SignalsFromRequest(r))
	writeJSON(w, r, http.StatusAccepted, map[string]bool{"scheduled": scheduled})
}

// ---- Content API

func (s *Server) handleAPIList(w http.ResponseWriter, r *http.Request) {
	page, err := s.Posts.List(r.Context(), listing.ParseQuery(r.URL.Query()))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list posts failed")
		writeJSON(w, r, http.StatusInternalServerError, map[string]string{"error": "could not list posts"})
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

func (s *Server) handleAPIPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.Posts.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if errors.Is(err, posts.ErrNotFound) {
		writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get post failed")
		writeJSON(w, r, http.StatusInternalServerError, map[string]string{"error": "could not load post"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"data": p})
}

type cacheStats struct {
	Freshness   cache.Stats    `json:"freshness"`
	Worker      worker.Stats   `json:"worker"`
	WorkerState string         `json:"worker_state"`
	Prefetch    prefetch.Stats `json:"prefetch"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, cacheStats{
		Freshness:   s.Cache.Stats(),
		Worker:      s.Worker.Stats(),
		WorkerState: s.Worker.State().String(),
		Prefetch:    s.Prefetch.Stats(),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.Cache.InvalidateAll()
	hlog.FromRequest(r).Info().Msg("listing cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

// ---- Admin

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "admin_login", map[string]any{"Title": "Sign in"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	err := s.Admin.Verify(r.PostFormValue("password"))
	switch {
	case errors.Is(err, auth.ErrNoAdmin):
		s.render(w, r, http.StatusForbidden, "admin_login", map[string]any{"Title": "Sign in", "Error": "Admin sign-in is disabled."})
		return
	case err != nil:
		hlog.FromRequest(r).Warn().Err(err).Msg("admin login failed")
		s.render(w, r, http.StatusUnauthorized, "admin_login", map[string]any{"Title": "Sign in", "Error": "Wrong password."})
		return
	}

	if err := s.Sess.RenewToken(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("renew session token")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.Sess.Put(r.Context(), auth.SessionKey, true)
	http.Redirect(w, r, "/admin/posts", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Sess.Destroy(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("destroy session")
	}
	http.Redirect(w, r, prefetch.DefaultListingPath, http.StatusSeeOther)
}

func (s *Server) handleAdminPosts(w http.ResponseWriter, r *http.Request) {
	q := listing.ParseQuery(r.URL.Query())
	page, err := s.Posts.List(r.Context(), q)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list posts failed")
		http.Error(w, "could not list posts", http.StatusInternalServerError)
		return
	}
	if strings.HasPrefix(r.Header.Get("Accept"), "text/html") {
		s.render(w, r, http.StatusOK, "admin_posts", map[string]any{"Title": "Posts", "Page": page})
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

type postInput struct {
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	Body        string     `json:"body"`
	PublishedAt *time.Time `json:"published_at"`
}

func (in postInput) post(id uuid.UUID) posts.Post {
	p := posts.Post{ID: id, Slug: in.Slug, Title: in.Title, Summary: in.Summary, Body: in.Body}
	if in.PublishedAt != nil {
		p.PublishedAt = *in.PublishedAt
	}
	return p
}

func isForm(r *http.Request) bool {
	return !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

func decodePost(r *http.Request) (postInput, error) {
	var in postInput
	if !isForm(r) {
		err := json.NewDecoder(r.Body).Decode(&in)
		return in, err
	}
	in.Slug = r.PostFormValue("slug")
	in.Title = r.PostFormValue("title")
	in.Summary = r.PostFormValue("summary")
	in.Body = r.PostFormValue("body")
	if v := r.PostFormValue("published_at"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return in, err
		}
		in.PublishedAt = &t
	}
	return in, nil
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	in, err := decodePost(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	p, err := s.Posts.Create(r.Context(), in.post(uuid.Nil))
	if err != nil {
		s.writePostError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("slug", p.Slug).Msg("post created")
	s.contentChanged(r.Context())

	if isForm(r) {
		http.Redirect(w, r, "/admin/posts", http.StatusSeeOther)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"data": p})
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid post ID", http.StatusBadRequest)
		return
	}
	in, err := decodePost(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	p, err := s.Posts.Update(r.Context(), in.post(id))
	if err != nil {
		s.writePostError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("slug", p.Slug).Msg("post updated")
	s.contentChanged(r.Context())
	writeJSON(w, r, http.StatusOK, map[string]any{"data": p})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid post ID", http.StatusBadRequest)
		return
	}
	if err := s.Posts.Delete(r.Context(), id); err != nil {
		s.writePostError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Stringer("id", id).Msg("post deleted")
	s.contentChanged(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writePostError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, posts.ErrNotFound):
		writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, posts.ErrInvalid):
		writeJSON(w, r, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("post store failed")
		writeJSON(w, r, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// contentChanged drops the local listings and warms the first page again,
// through the job queue when there is one. The warm-up skips the response
// cache's stored copy, which predates the change.
func (s *Server) contentChanged(ctx context.Context) {
	s.Cache.InvalidateAll()
	if s.Jobs != nil {
		info, err := jobs.EnqueueWarmListing(ctx, s.Jobs, listing.DefaultQuery())
		if err == nil {
			s.Log.Debug().Str("task_id", info.ID).Msg("warm listing enqueued")
			return
		}
		s.Log.Warn().Err(err).Msg("enqueue warm listing failed, warming in process")
	}
	s.Prefetch.RunPrefetchCycle(listing.WithNoCache(context.WithoutCancel(ctx)))
}
