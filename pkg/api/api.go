// Package api serves the JSON operations used by the web client.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/account"
	"github.com/ethpandaops/warehouse/pkg/config"
	"github.com/ethpandaops/warehouse/pkg/download"
	"github.com/ethpandaops/warehouse/pkg/session"
	"github.com/ethpandaops/warehouse/pkg/site"
	"github.com/ethpandaops/warehouse/pkg/store"
	"github.com/ethpandaops/warehouse/pkg/subscription"
	"github.com/ethpandaops/warehouse/pkg/transmission"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Handler returns the routed HTTP handler.
	Handler() http.Handler
}

// ProfileStore provides per-user download statistics.
type ProfileStore interface {
	GetDownloadStats(ctx context.Context, userID uint) (*store.DownloadStats, error)
}

// Deps are the collaborators serving the operations.
type Deps struct {
	Sessions      *session.Manager
	Accounts      *account.Service
	Subscriptions *subscription.Service
	Downloads     *download.Service
	Sites         *site.Registry
	Torrents      transmission.Client
	Profiles      ProfileStore
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	deps       Deps
	limiter    *rateLimiterMap
	handler    http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	deps Deps,
) Server {
	s := &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		deps: deps,
	}

	if cfg.RateLimit.Enabled {
		s.limiter = newRateLimiterMap(cfg.RateLimit.Login.RequestsPerMinute)
	}

	s.handler = s.buildRouter()

	return s
}

func (s *server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind synchronously so port conflicts fail the start.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop closes the listener and waits for in-flight requests up to the
// shutdown timeout.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.limiter != nil {
		s.limiter.stop()
	}

	s.log.Info("API server stopped")

	return nil
}
