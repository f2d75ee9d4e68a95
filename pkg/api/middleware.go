package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/ethpandaops/warehouse/pkg/session"
	"github.com/ethpandaops/warehouse/pkg/store"
)

// realIPHeader is set by the trusted reverse proxy.
const realIPHeader = "X-Real-IP"

// caller is the resolved session of a request.
type caller struct {
	session *store.Session
	user    *store.User
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", clientAddress(r)).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// originCheck rejects requests whose Origin header names another host.
// Requests without an Origin header pass.
func (s *server) originCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !s.originAllowed(origin) {
			s.writeError(w, r, errInvalidOrigin)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether origin names the external hostname on any
// scheme or port.
func (s *server) originAllowed(origin string) bool {
	u, err := url.Parse(origin)

	return err == nil && u.Hostname() == s.cfg.ExternalHostname
}

// resolveSession returns the caller of a request from its session cookie.
// All failures are reported uniformly.
func (s *server) resolveSession(r *http.Request) (*caller, error) {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		return nil, loginRequired("no session cookie")
	}

	token, err := session.DecodeToken(cookie.Value)
	if err != nil {
		return nil, loginRequired("undecodable session cookie")
	}

	sess, user, err := s.deps.Sessions.Resolve(r.Context(), token, r.UserAgent())
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return nil, loginRequired("unknown or expired session")
		}

		return nil, err
	}

	return &caller{session: sess, user: user}, nil
}

// requireAdmin rejects callers without the admin flag.
func requireAdmin(c *caller) error {
	if c == nil || !c.user.IsAdmin {
		return errAdminRequired
	}

	return nil
}

// clientAddress returns the address reported by the reverse proxy, or the
// peer address when the header is absent.
func clientAddress(r *http.Request) string {
	if ip := r.Header.Get(realIPHeader); ip != "" {
		return ip
	}

	return r.RemoteAddr
}
