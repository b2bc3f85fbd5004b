// Package web serves the secret atom feed of admitted episodes and the cached
// blobs its entries link to.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/gorilla/mux"

	"showfeed/internal/app/showfeed/proc"
	"showfeed/internal/app/showfeed/show"
)

// Updater polls source feeds on request
type Updater interface {
	Update(ctx context.Context) ([]*show.Episode, error)
}

// Blobs opens cached resources by locator
type Blobs interface {
	Open(ctx context.Context, locator string) (*proc.Blob, error)
}

// Server is http server with the feed and blob endpoints
type Server struct {
	Listen    string
	URLKey    string
	BaseURL   string // derived from request when empty
	Publisher *Publisher
	Store     proc.EpisodeStore
	Blobs     Blobs
	Updater   Updater // nil disables update on request
	Timeout   time.Duration

	httpServer *http.Server
}

// Run server until ctx is canceled, then shuts it down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[INFO] listen on %s", s.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	log.Printf("[INFO] http server stopped")
	return nil
}

// Routes of server
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.rootHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/feed/{key}", s.secret(s.feedHandler)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/feed/{key}/shows.json", s.secret(s.showsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/feed/{key}/{id:[0-9]+}"+s.Publisher.Ext, s.secret(s.blobHandler)).
		Methods(http.MethodGet, http.MethodHead)
	r.NotFoundHandler = http.HandlerFunc(notFound)
	return r
}

func (s *Server) rootHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Not here :-O"))
}

// secret passes only requests with the configured key, others get 404
func (s *Server) secret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		if s.URLKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.URLKey)) != 1 {
			notFound(w, r)
			return
		}
		next(w, r)
	}
}

func (s *Server) feedHandler(w http.ResponseWriter, r *http.Request) {
	if s.Updater != nil {
		s.update(r.Context())
	}

	atom, err := s.Publisher.Atom(r.Context(), s.baseURL(r), s.URLKey)
	if err != nil {
		log.Printf("[ERROR] can't render feed, %v", err)
		http.Error(w, "feed is not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
	_, _ = w.Write([]byte(atom))
}

// update runs on request poll, bounded by timeout. Failures only get logged,
// the feed is rendered from whatever is stored.
func (s *Server) update(ctx context.Context) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if _, err := s.Updater.Update(ctx); err != nil {
		log.Printf("[WARN] update on request, %v", err)
	}
}

func (s *Server) blobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		notFound(w, r)
		return
	}

	ep, err := s.Store.Episode(r.Context(), id)
	if err != nil {
		log.Printf("[ERROR] can't get episode %d, %v", id, err)
		http.Error(w, "storage is not available", http.StatusServiceUnavailable)
		return
	}
	if ep == nil {
		notFound(w, r)
		return
	}

	blob, err := s.Blobs.Open(r.Context(), ep.Link)
	switch {
	case errors.Is(err, proc.ErrFetch):
		log.Printf("[WARN] can't fetch %s for episode %d, %v", ep.Link, id, err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	case err != nil:
		log.Printf("[ERROR] can't open blob for episode %d, %v", id, err)
		http.Error(w, "storage is not available", http.StatusServiceUnavailable)
		return
	}
	defer blob.Close() // nolint

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ep.Title+s.Publisher.Ext))
	http.ServeContent(w, r, blob.Name, blob.ModTime, blob)
}

func (s *Server) showsHandler(w http.ResponseWriter, r *http.Request) {
	shows, err := s.Store.Shows(r.Context())
	if err != nil {
		log.Printf("[ERROR] can't list shows, %v", err)
		http.Error(w, "storage is not available", http.StatusServiceUnavailable)
		return
	}
	if shows == nil {
		shows = []*show.Show{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(shows); err != nil {
		log.Printf("[WARN] can't write shows, %v", err)
	}
}

func (s *Server) baseURL(r *http.Request) string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Not here :-O", http.StatusNotFound)
}
