// Package session owns the lifecycle of authenticated browser sessions:
// token issue with collision retry, per-user capping, expiry and orphan
// cleanup.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/store"
)

const (
	// CookieName is the name of the session cookie.
	CookieName = "session"

	// CookieMaxAge is the session cookie lifetime in seconds (30 days).
	CookieMaxAge = 30 * 24 * 60 * 60

	// TokenBytes is the length of a raw session token.
	TokenBytes = 32

	// DefaultMaxAge is the default inactivity window of a session.
	DefaultMaxAge = CookieMaxAge * time.Second

	// DefaultMaxPerUser is the default number of live sessions per user.
	DefaultMaxPerUser = 3
)

// ErrNoSession is returned when a token does not resolve to a live session.
var ErrNoSession = errors.New("no valid session")

// Repository is the persistence required by the Manager.
type Repository interface {
	GetUserByID(ctx context.Context, id uint) (*store.User, error)
	UpdateUserLastLogin(ctx context.Context, id uint, t time.Time) error
	CreateSession(ctx context.Context, session *store.Session) error
	GetSession(ctx context.Context, token []byte, userAgent string) (*store.Session, error)
	ListSessionsByUser(ctx context.Context, userID uint) ([]store.Session, error)
	UpdateSessionLastAccess(ctx context.Context, id uint, t time.Time) error
	DeleteSession(ctx context.Context, id uint) error
	DeleteSessions(ctx context.Context, ids []uint) error
}

// Config controls session policy.
type Config struct {
	MaxAge     time.Duration
	MaxPerUser int
}

// Manager issues and resolves sessions.
type Manager struct {
	log      logrus.FieldLogger
	repo     Repository
	cfg      Config
	now      func() time.Time
	newToken func() ([]byte, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokenGenerator overrides the token source.
func WithTokenGenerator(gen func() ([]byte, error)) Option {
	return func(m *Manager) { m.newToken = gen }
}

// NewManager creates a new session Manager. Zero config values fall back to
// the defaults.
func NewManager(
	log logrus.FieldLogger,
	repo Repository,
	cfg Config,
	opts ...Option,
) *Manager {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}

	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}

	m := &Manager{
		log:      log.WithField("component", "session"),
		repo:     repo,
		cfg:      cfg,
		now:      time.Now,
		newToken: GenerateToken,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// GenerateToken returns TokenBytes of randomness.
func GenerateToken() ([]byte, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}

	return b, nil
}

// Create issues a new session for the user and returns its raw token.
// Token collisions are retried with a fresh token until one is accepted.
func (m *Manager) Create(
	ctx context.Context, userID uint, address, userAgent string,
) ([]byte, error) {
	var sess *store.Session

	for attempt := 1; ; attempt++ {
		token, err := m.newToken()
		if err != nil {
			return nil, err
		}

		now := m.now()
		sess = &store.Session{
			UserID:       userID,
			Token:        token,
			Address:      address,
			UserAgent:    userAgent,
			CreatedAt:    now,
			LastAccessAt: now,
		}

		err = m.repo.CreateSession(ctx, sess)
		if err == nil {
			break
		}

		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("creating session: %w", err)
		}

		m.log.WithField("attempt", attempt).Warn("Session token collision, regenerating")
	}

	if err := m.repo.UpdateUserLastLogin(ctx, userID, sess.CreatedAt); err != nil {
		return nil, fmt.Errorf("updating last login: %w", err)
	}

	if err := m.EnforceCap(ctx, userID); err != nil {
		return nil, err
	}

	return sess.Token, nil
}

// Resolve returns the live session for the token and user agent together
// with its owner. Expired and orphaned sessions are deleted before
// ErrNoSession is returned.
func (m *Manager) Resolve(
	ctx context.Context, token []byte, userAgent string,
) (*store.Session, *store.User, error) {
	sess, err := m.repo.GetSession(ctx, token, userAgent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNoSession
		}

		return nil, nil, fmt.Errorf("looking up session: %w", err)
	}

	now := m.now()

	if now.Sub(sess.LastAccessAt) >= m.cfg.MaxAge {
		if err := m.repo.DeleteSession(ctx, sess.ID); err != nil {
			return nil, nil, fmt.Errorf("deleting expired session: %w", err)
		}

		m.log.WithField("user_id", sess.UserID).Debug("Deleted expired session")

		return nil, nil, ErrNoSession
	}

	user, err := m.repo.GetUserByID(ctx, sess.UserID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("looking up session owner: %w", err)
		}

		if err := m.repo.DeleteSession(ctx, sess.ID); err != nil {
			return nil, nil, fmt.Errorf("deleting orphaned session: %w", err)
		}

		m.log.WithField("user_id", sess.UserID).Debug("Deleted orphaned session")

		return nil, nil, ErrNoSession
	}

	if err := m.repo.UpdateSessionLastAccess(ctx, sess.ID, now); err != nil {
		return nil, nil, fmt.Errorf("refreshing session: %w", err)
	}

	sess.LastAccessAt = now

	return sess, user, nil
}

// EnforceCap deletes the least recently accessed sessions of a user until
// at most MaxPerUser remain.
func (m *Manager) EnforceCap(ctx context.Context, userID uint) error {
	sessions, err := m.repo.ListSessionsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	excess := len(sessions) - m.cfg.MaxPerUser
	if excess <= 0 {
		return nil
	}

	ids := make([]uint, 0, excess)
	for _, s := range sessions[:excess] {
		ids = append(ids, s.ID)
	}

	if err := m.repo.DeleteSessions(ctx, ids); err != nil {
		return fmt.Errorf("evicting sessions: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"user_id": userID,
		"evicted": excess,
	}).Debug("Evicted old sessions")

	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (m *Manager) Delete(ctx context.Context, id uint) error {
	if err := m.repo.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

// EncodeToken renders a raw token as a cookie value.
func EncodeToken(token []byte) string {
	return base64.StdEncoding.EncodeToString(token)
}

// DecodeToken parses a cookie value into a raw token.
func DecodeToken(value string) ([]byte, error) {
	token, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding session token: %w", err)
	}

	if len(token) == 0 {
		return nil, ErrNoSession
	}

	return token, nil
}

// Cookie builds the cookie carrying a session token.
func Cookie(token []byte) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    EncodeToken(token),
		Path:     "/",
		MaxAge:   CookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ExpiredCookie builds a cookie clearing the session.
func ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
