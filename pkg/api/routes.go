package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// access declares what an operation requires from the caller.
type access int

const (
	// public operations run without a session.
	public access = iota
	// requiresSession operations run only for a resolved session.
	requiresSession
)

// handlerFunc serves one operation. The returned value is written as the
// JSON response body.
type handlerFunc func(w http.ResponseWriter, r *http.Request, c *caller) (any, error)

type operation struct {
	path    string
	access  access
	limited bool
	handle  handlerFunc
}

// operations lists every API operation with its access tag.
func (s *server) operations() []operation {
	return []operation{
		{path: "/login", access: public, limited: true, handle: s.handleLogin},
		{path: "/logout", access: requiresSession, handle: s.handleLogout},
		{path: "/validate-session", access: public, handle: s.handleValidateSession},
		{path: "/get-sites", access: requiresSession, handle: s.handleGetSites},
		{path: "/browse", access: requiresSession, handle: s.handleBrowse},
		{path: "/search", access: requiresSession, handle: s.handleSearch},
		{path: "/download", access: requiresSession, handle: s.handleDownload},
		{path: "/get-torrents", access: requiresSession, handle: s.handleGetTorrents},
		{path: "/get-subscriptions", access: requiresSession, handle: s.handleGetSubscriptions},
		{path: "/create-subscription", access: requiresSession, handle: s.handleCreateSubscription},
		{path: "/delete-subscription", access: requiresSession, handle: s.handleDeleteSubscription},
		{path: "/get-profile", access: requiresSession, handle: s.handleGetProfile},
		{path: "/change-password", access: requiresSession, handle: s.handleChangePassword},
	}
}

// buildRouter constructs the chi router with all operations and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())
	r.Use(s.originCheck)

	for _, op := range s.operations() {
		h := http.Handler(s.dispatch(op))

		if op.limited && s.limiter != nil {
			h = s.rateLimitMiddleware(s.limiter)(h)
		}

		r.Method(http.MethodPost, op.path, h)
	}

	return r
}

// dispatch resolves the caller according to the access tag and runs the
// operation.
func (s *server) dispatch(op operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c *caller

		if op.access == requiresSession {
			var err error

			c, err = s.resolveSession(r)
			if err != nil {
				s.writeError(w, r, err)

				return
			}
		}

		resp, err := op.handle(w, r, c)
		if err != nil {
			s.writeError(w, r, err)

			return
		}

		if resp == nil {
			resp = struct{}{}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// corsMiddleware allows credentialed requests from origins accepted by
// originCheck.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return s.originAllowed(origin)
		},
		AllowedMethods:   []string{"POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
