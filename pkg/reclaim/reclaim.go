// Package reclaim frees disk space by removing the oldest queued torrents
// when free space drops below a floor.
package reclaim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/transmission"
)

// FreeSpaceFunc reports the free bytes on the file system holding path.
type FreeSpaceFunc func(ctx context.Context, path string) (int64, error)

// Reclaimer is a background service enforcing the free space floor.
type Reclaimer interface {
	Start(ctx context.Context) error
	Stop() error
	// RunOnce performs a single check and returns the number of torrents
	// removed.
	RunOnce(ctx context.Context) (int, error)
}

// Config controls the reclaimer.
type Config struct {
	Path     string
	Minimum  int64
	Interval time.Duration
}

// Compile-time interface check.
var _ Reclaimer = (*reclaimer)(nil)

type reclaimer struct {
	log       logrus.FieldLogger
	cfg       Config
	client    transmission.Client
	freeSpace FreeSpaceFunc
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewReclaimer creates a new Reclaimer. A nil freeSpace uses the file
// system statistics of the host.
func NewReclaimer(
	log logrus.FieldLogger,
	cfg Config,
	client transmission.Client,
	freeSpace FreeSpaceFunc,
) Reclaimer {
	if freeSpace == nil {
		freeSpace = DiskFreeSpace
	}

	return &reclaimer{
		log:       log.WithField("component", "reclaim"),
		cfg:       cfg,
		client:    client,
		freeSpace: freeSpace,
		done:      make(chan struct{}),
	}
}

// DiskFreeSpace returns the free bytes of the file system holding path.
func DiskFreeSpace(ctx context.Context, path string) (int64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage of %s: %w", path, err)
	}

	return int64(usage.Free), nil
}

// Start launches the check goroutine. The first check runs after one
// interval has elapsed.
func (r *reclaimer) Start(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"path":     r.cfg.Path,
		"minimum":  units.BytesSize(float64(r.cfg.Minimum)),
		"interval": r.cfg.Interval.String(),
	}).Info("Starting disk space reclaimer")

	r.wg.Add(1)

	// Passes already running finish even when ctx is cancelled.
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := r.RunOnce(runCtx); err != nil {
					r.log.WithError(err).Error("Free disk space check failed")
				}
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the check goroutine to stop and waits for it.
func (r *reclaimer) Stop() error {
	close(r.done)
	r.wg.Wait()

	r.log.Info("Disk space reclaimer stopped")

	return nil
}

func (r *reclaimer) RunOnce(ctx context.Context) (int, error) {
	free, err := r.freeSpace(ctx, r.cfg.Path)
	if err != nil {
		return 0, err
	}

	deficit := r.cfg.Minimum - free
	if deficit <= 0 {
		return 0, nil
	}

	torrents, err := r.client.Get(ctx, nil, []string{
		transmission.FieldID,
		transmission.FieldName,
		transmission.FieldAddedDate,
		transmission.FieldTotalSize,
	})
	if err != nil {
		return 0, fmt.Errorf("listing torrents: %w", err)
	}

	if len(torrents) == 0 {
		r.log.WithField("free", units.BytesSize(float64(free))).
			Warn("Running out of disk space without any torrents to remove")

		return 0, nil
	}

	batch := SelectForRemoval(torrents, deficit)

	ids := make([]int64, 0, len(batch))
	for _, t := range batch {
		ids = append(ids, t.ID)
	}

	if err := r.client.Remove(ctx, ids, true); err != nil {
		return 0, fmt.Errorf("removing torrents: %w", err)
	}

	for _, t := range batch {
		r.log.WithFields(logrus.Fields{
			"torrent": t.Name,
			"size":    units.BytesSize(float64(t.TotalSize)),
		}).Info("Deleted torrent")
	}

	log := r.log.WithField("removed", len(batch))

	if after, err := r.freeSpace(ctx, r.cfg.Path); err == nil {
		log = log.WithField("free", units.BytesSize(float64(after)))
	}

	log.Info("Deleted torrents to free disk space")

	return len(batch), nil
}

// SelectForRemoval returns the oldest torrents whose combined size covers
// deficit. All torrents are returned when even their sum falls short. The
// input slice is not modified.
func SelectForRemoval(
	torrents []transmission.Torrent, deficit int64,
) []transmission.Torrent {
	sorted := make([]transmission.Torrent, len(torrents))
	copy(sorted, torrents)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AddedDate < sorted[j].AddedDate
	})

	var batch []transmission.Torrent

	for _, t := range sorted {
		if deficit <= 0 {
			break
		}

		batch = append(batch, t)
		deficit -= t.TotalSize
	}

	return batch
}
