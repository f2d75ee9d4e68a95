// Package download gates and submits releases to the download daemon.
package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/site"
	"github.com/ethpandaops/warehouse/pkg/store"
	"github.com/ethpandaops/warehouse/pkg/transmission"
)

var (
	// ErrSizeLimitExceeded is returned when a release is larger than the
	// configured ceiling.
	ErrSizeLimitExceeded = errors.New("release exceeds the size limit")

	// ErrAlreadyQueued is returned when the daemon already had the torrent.
	ErrAlreadyQueued = errors.New("this torrent had already been added")
)

// Recorder appends download records.
type Recorder interface {
	CreateDownload(ctx context.Context, download *store.Download) error
}

// Archiver keeps a copy of newly queued torrent files.
type Archiver interface {
	Store(ctx context.Context, name string, metainfo []byte) error
}

// Option configures a Service.
type Option func(*Service)

// WithArchiver stores every newly queued torrent file in a.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// Service enforces the size ceiling and submits torrents to the daemon.
type Service struct {
	log      logrus.FieldLogger
	client   transmission.Client
	recorder Recorder
	archiver Archiver
	limit    int64
	now      func() time.Time
}

// NewService creates a new download Service with the given size ceiling in
// bytes.
func NewService(
	log logrus.FieldLogger,
	client transmission.Client,
	recorder Recorder,
	limit int64,
	opts ...Option,
) *Service {
	s := &Service{
		log:      log.WithField("component", "download"),
		client:   client,
		recorder: recorder,
		limit:    limit,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SizeLimit returns the size ceiling in bytes.
func (s *Service) SizeLimit() int64 {
	return s.limit
}

// CheckLimit returns ErrSizeLimitExceeded when size is above the ceiling.
func (s *Service) CheckLimit(size int64) error {
	if size <= s.limit {
		return nil
	}

	return fmt.Errorf(
		"%w: the size of the release (%s) exceeds the system limit of %s",
		ErrSizeLimitExceeded,
		units.BytesSize(float64(size)),
		units.BytesSize(float64(s.limit)),
	)
}

// CheckSize verifies the authoritative size of a release for a user.
// Administrators are not checked.
func (s *Service) CheckSize(
	ctx context.Context, user *store.User, st site.Site, id int64,
) error {
	if user.IsAdmin {
		return nil
	}

	info, err := st.Info(ctx, id)
	if err != nil {
		return fmt.Errorf("retrieving release info: %w", err)
	}

	return s.CheckLimit(info.Size)
}

// Submit queues a torrent file and reports whether the daemon did not have
// it before. Newly queued files are archived when an Archiver is set.
func (s *Service) Submit(
	ctx context.Context, metainfo []byte,
) (*transmission.Torrent, bool, error) {
	before, err := s.client.Get(ctx, nil, []string{transmission.FieldID})
	if err != nil {
		return nil, false, fmt.Errorf("listing torrents: %w", err)
	}

	torrent, err := s.client.Add(ctx, metainfo)
	if err != nil {
		return nil, false, fmt.Errorf("adding torrent: %w", err)
	}

	for _, t := range before {
		if t.ID == torrent.ID {
			return torrent, false, nil
		}
	}

	if s.archiver != nil {
		if err := s.archiver.Store(ctx, torrent.Name, metainfo); err != nil {
			s.log.WithError(err).
				WithField("release", torrent.Name).
				Warn("Failed to archive torrent file")
		}
	}

	return torrent, true, nil
}

// Download performs a user initiated download of a release and records it.
func (s *Service) Download(
	ctx context.Context, user *store.User, st site.Site, id int64,
) error {
	if err := s.CheckSize(ctx, user, st, id); err != nil {
		return err
	}

	metainfo, err := st.Download(ctx, id)
	if err != nil {
		return fmt.Errorf("downloading torrent file: %w", err)
	}

	torrent, added, err := s.Submit(ctx, metainfo)
	if err != nil {
		return err
	}

	if !added {
		return ErrAlreadyQueued
	}

	size := s.queuedSize(ctx, torrent)

	if err := s.recorder.CreateDownload(ctx, &store.Download{
		UserID: user.ID,
		Time:   s.now(),
		Name:   torrent.Name,
		Size:   size,
		Manual: true,
	}); err != nil {
		return fmt.Errorf("recording download: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"user":    user.Name,
		"site":    st.Name(),
		"release": torrent.Name,
	}).Info("Queued torrent")

	return nil
}

// queuedSize reads the total size of a queued torrent. Failures are logged
// and yield nil.
func (s *Service) queuedSize(
	ctx context.Context, torrent *transmission.Torrent,
) *int64 {
	torrents, err := s.client.Get(ctx, []int64{torrent.ID}, []string{
		transmission.FieldName,
		transmission.FieldTotalSize,
	})
	if err != nil || len(torrents) != 1 {
		s.log.WithError(err).WithFields(logrus.Fields{
			"release":    torrent.Name,
			"torrent_id": torrent.ID,
		}).Error("Failed to determine size of torrent")

		return nil
	}

	size := torrents[0].TotalSize

	return &size
}
