// Package master serves the record and transaction-log API that child
// nodes replicate against.
//
// The server does not call the engine. It exposes the master's record
// store over HTTP; change capture on that store is what feeds the log
// the children later pull. Mutations arriving from a child carry the
// child's device id in a header, and the server threads that id into
// the request context so captured entries are attributed to their true
// origin and never echoed back to the node that sent them.
package master

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/apstic/recsync/internal/capture"
	"github.com/apstic/recsync/internal/record"
	"github.com/apstic/recsync/internal/remote"
	"github.com/apstic/recsync/internal/txlog"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// Server handles the master's HTTP API.
type Server struct {
	records record.Store
	log     *txlog.Store
	apiKey  string
	secret  string
	logger  *slog.Logger
}

// New creates a server over the master's record store and transaction
// log. apiKey and apiSecret are the single credential pair every child
// authenticates with.
func New(records record.Store, log *txlog.Store, apiKey, apiSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		records: records,
		log:     log,
		apiKey:  apiKey,
		secret:  apiSecret,
		logger:  logger,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Use(originTag)

		r.Route("/api/resource/{recordType}", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Put("/", s.handlePut)
				r.Delete("/", s.handleDelete)
			})
		})
		r.Get("/api/method/allocate-id", s.handleAllocateID)
		r.Get("/api/log", s.handleLog)
	})

	return r
}

// basicAuth rejects requests without the configured credential pair.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, secret, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="recsync"`)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originTag threads the calling node's device id into the request
// context so change capture attributes mutations to their true origin.
func originTag(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get(remote.OriginHeader); origin != "" {
			r = r.WithContext(capture.WithOrigin(r.Context(), origin))
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"origin", r.Header.Get(remote.OriginHeader),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the JSON error body children classify on. The
// message text matters: "does not exist" and "unknown record type"
// mark a failure as permanent on the child side.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
