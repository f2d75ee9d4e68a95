// Package warehouse wires the configured components into one service.
package warehouse

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/account"
	"github.com/ethpandaops/warehouse/pkg/api"
	"github.com/ethpandaops/warehouse/pkg/archive"
	"github.com/ethpandaops/warehouse/pkg/config"
	"github.com/ethpandaops/warehouse/pkg/download"
	"github.com/ethpandaops/warehouse/pkg/reclaim"
	"github.com/ethpandaops/warehouse/pkg/session"
	"github.com/ethpandaops/warehouse/pkg/site"
	"github.com/ethpandaops/warehouse/pkg/site/torrentleech"
	"github.com/ethpandaops/warehouse/pkg/store"
	"github.com/ethpandaops/warehouse/pkg/subscription"
	"github.com/ethpandaops/warehouse/pkg/transmission"
)

// Service runs the API server and the background jobs.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

// Option configures a Service.
type Option func(*service)

// WithSiteFactory registers an additional site adapter.
func WithSiteFactory(name string, factory site.Factory) Option {
	return func(s *service) { s.factories[name] = factory }
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log       logrus.FieldLogger
	cfg       *config.Config
	factories map[string]site.Factory

	store     store.Store
	engine    subscription.Engine
	reclaimer reclaim.Reclaimer
	server    api.Server
}

// New creates a new Service for a validated configuration.
func New(log logrus.FieldLogger, cfg *config.Config, opts ...Option) Service {
	s := &service{
		log: log,
		cfg: cfg,
		factories: map[string]site.Factory{
			torrentleech.Name: torrentleech.New,
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewStore opens the configured database. It is shared with the user
// management commands.
func NewStore(ctx context.Context, log logrus.FieldLogger, cfg *config.Config) (store.Store, error) {
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}

func (s *service) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	st, err := NewStore(ctx, s.log, s.cfg)
	if err != nil {
		return err
	}

	s.store = st

	if err := s.start(ctx); err != nil {
		_ = s.stopAll()

		return err
	}

	s.log.WithField("sites", len(s.cfg.Sites)).Info("Warehouse started")

	return nil
}

func (s *service) start(ctx context.Context) error {
	registry, err := site.NewRegistry(s.log, s.cfg.Sites, s.factories)
	if err != nil {
		return fmt.Errorf("creating sites: %w", err)
	}

	torrents := transmission.NewClient(s.log, transmission.Config{
		URL:      s.cfg.Transmission.URL,
		Username: s.cfg.Transmission.Username,
		Password: s.cfg.Transmission.Password,
		Timeout:  s.cfg.Transmission.RequestTimeout(),
	})

	sessions := session.NewManager(s.log, s.store, session.Config{
		MaxAge:     config.MustDuration(s.cfg.Sessions.MaxAge),
		MaxPerUser: s.cfg.Sessions.MaxPerUser,
	})

	var downloadOpts []download.Option

	if s.cfg.Archive.Enabled {
		archiver := archive.NewS3Archiver(s.log, &s.cfg.Archive)
		if err := archiver.Preflight(ctx); err != nil {
			return fmt.Errorf("checking torrent archive: %w", err)
		}

		downloadOpts = append(downloadOpts, download.WithArchiver(archiver))
	}

	downloads := download.NewService(
		s.log, torrents, s.store, config.MustSize(s.cfg.TorrentSizeLimit),
		downloadOpts...,
	)

	s.engine = subscription.NewEngine(
		s.log, s.store, registry.All(), downloads,
		config.MustDuration(s.cfg.Subscriptions.Interval),
	)

	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting subscription engine: %w", err)
	}

	if s.cfg.DiskSpace.Enabled {
		s.reclaimer = reclaim.NewReclaimer(s.log, reclaim.Config{
			Path:     s.cfg.DiskSpace.Path,
			Minimum:  config.MustSize(s.cfg.DiskSpace.Minimum),
			Interval: config.MustDuration(s.cfg.DiskSpace.Interval),
		}, torrents, nil)

		if err := s.reclaimer.Start(ctx); err != nil {
			return fmt.Errorf("starting disk reclaimer: %w", err)
		}
	}

	s.server = api.NewServer(s.log, &s.cfg.Server, api.Deps{
		Sessions:      sessions,
		Accounts:      account.NewService(s.log, s.store),
		Subscriptions: subscription.NewService(s.store),
		Downloads:     downloads,
		Sites:         registry,
		Torrents:      torrents,
		Profiles:      s.store,
	})

	if err := s.server.Start(ctx); err != nil {
		s.server = nil

		return fmt.Errorf("starting api server: %w", err)
	}

	return nil
}

// Stop halts the background jobs, closes the listener and closes the store.
// In-flight work is not cancelled. Calling Stop again is a no-op.
func (s *service) Stop() error {
	return s.stopAll()
}

func (s *service) stopAll() error {
	if s.engine != nil {
		if err := s.engine.Stop(); err != nil {
			s.log.WithError(err).Warn("Failed to stop subscription engine")
		}

		s.engine = nil
	}

	if s.reclaimer != nil {
		if err := s.reclaimer.Stop(); err != nil {
			s.log.WithError(err).Warn("Failed to stop disk reclaimer")
		}

		s.reclaimer = nil
	}

	if s.server != nil {
		if err := s.server.Stop(); err != nil {
			s.log.WithError(err).Warn("Failed to stop api server")
		}

		s.server = nil
	}

	if s.store != nil {
		st := s.store
		s.store = nil

		if err := st.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	return nil
}
