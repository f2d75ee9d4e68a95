// Package subscription polls sites for new releases and queues those that
// match user subscriptions.
package subscription

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/warehouse/pkg/releasecache"
	"github.com/ethpandaops/warehouse/pkg/site"
	"github.com/ethpandaops/warehouse/pkg/store"
	"github.com/ethpandaops/warehouse/pkg/transmission"
)

// maxSubscribersShown limits the subscriber names logged per match.
const maxSubscribersShown = 5

// Repository is the persistence required by the Engine.
type Repository interface {
	CountSubscriptions(ctx context.Context) (int64, error)
	ListSubscriptions(ctx context.Context) ([]store.Subscription, error)
	IncrementSubscriptionMatches(ctx context.Context, ids []uint, t time.Time) error
	ListUsersByIDs(ctx context.Context, ids []uint) ([]store.User, error)
	CreateDownload(ctx context.Context, download *store.Download) error
}

// Queue submits torrents to the download daemon under the size ceiling.
type Queue interface {
	CheckLimit(size int64) error
	Submit(ctx context.Context, metainfo []byte) (*transmission.Torrent, bool, error)
}

// Engine is a background service polling every site on a fixed interval.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error
	// RunOnce performs a single polling pass over all sites and returns
	// once every site has finished.
	RunOnce(ctx context.Context) error
}

// Compile-time interface check.
var _ Engine = (*engine)(nil)

type engine struct {
	log      logrus.FieldLogger
	repo     Repository
	sites    []site.Site
	queue    Queue
	cache    *releasecache.Cache
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a new subscription engine owning a fresh release cache
// for the given sites.
func NewEngine(
	log logrus.FieldLogger,
	repo Repository,
	sites []site.Site,
	queue Queue,
	interval time.Duration,
) Engine {
	names := make([]string, 0, len(sites))
	for _, s := range sites {
		names = append(names, s.Name())
	}

	return &engine{
		log:      log.WithField("component", "subscription"),
		repo:     repo,
		sites:    sites,
		queue:    queue,
		cache:    releasecache.New(names...),
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the polling goroutine. The first pass runs after one
// interval has elapsed.
func (e *engine) Start(ctx context.Context) error {
	e.log.WithFields(logrus.Fields{
		"interval": e.interval.String(),
		"sites":    len(e.sites),
	}).Info("Starting subscription engine")

	e.wg.Add(1)

	// Passes already running finish even when ctx is cancelled.
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := e.RunOnce(runCtx); err != nil {
					e.log.WithError(err).Error("Subscription check failed")
				}
			case <-e.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the polling goroutine to stop and waits for it.
func (e *engine) Stop() error {
	close(e.done)
	e.wg.Wait()

	e.log.Info("Subscription engine stopped")

	return nil
}

type matcher struct {
	sub store.Subscription
	re  *regexp.Regexp
}

func (e *engine) RunOnce(ctx context.Context) error {
	count, err := e.repo.CountSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("counting subscriptions: %w", err)
	}

	if count == 0 {
		return nil
	}

	subs, err := e.repo.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}

	matchers := make([]matcher, 0, len(subs))

	for _, sub := range subs {
		re, err := regexp.Compile(sub.Pattern)
		if err != nil {
			e.log.WithError(err).
				WithField("subscription_id", sub.ID).
				Warn("Skipping subscription with invalid pattern")

			continue
		}

		matchers = append(matchers, matcher{sub: sub, re: re})
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range e.sites {
		s := s

		g.Go(func() error {
			if err := e.pollSite(gctx, s, matchers); err != nil {
				e.log.WithError(err).
					WithField("site", s.Name()).
					Error("Polling site failed")
			}

			// Never fail the group so other sites keep going.
			return nil
		})
	}

	return g.Wait()
}

// pollSite walks the listing of a site from page 1. A cold cache stops after
// the first page. A warm cache stops at the first page without new
// releases.
func (e *engine) pollSite(
	ctx context.Context, s site.Site, matchers []matcher,
) error {
	name := s.Name()
	cold := e.cache.Len(name) == 0
	log := e.log.WithField("site", name)

	for page := 1; ; page++ {
		res, err := s.Browse(ctx, page)
		if err != nil {
			return fmt.Errorf("browsing page %d: %w", page, err)
		}

		fresh := false

		for _, r := range res.Releases {
			if !e.cache.Record(name, r.ID) {
				continue
			}

			fresh = true

			if err := e.evaluate(ctx, s, r, matchers); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"release_id": r.ID,
					"release":    r.Name,
				}).Error("Evaluating release failed")
			}
		}

		if cold {
			log.WithField("releases", len(res.Releases)).Debug("Seeded release cache")

			return nil
		}

		if !fresh {
			log.Debug("Found no new releases")

			return nil
		}

		if page >= res.Pages {
			return nil
		}
	}
}

func (e *engine) evaluate(
	ctx context.Context, s site.Site, r site.Release, matchers []matcher,
) error {
	log := e.log.WithFields(logrus.Fields{
		"site":       s.Name(),
		"release_id": r.ID,
		"release":    r.Name,
	})

	var matched []store.Subscription

	for _, m := range matchers {
		if m.re.MatchString(r.Name) {
			matched = append(matched, m.sub)
		}
	}

	if len(matched) == 0 {
		log.Debug("No matching subscription for new release")

		return nil
	}

	if err := e.queue.CheckLimit(r.Size); err != nil {
		log.WithField("size", units.BytesSize(float64(r.Size))).
			Warn("Ignoring matching release above the size limit")

		return nil
	}

	userIDs := subscriberIDs(matched)

	e.logMatch(ctx, log, matched, userIDs)

	ids := make([]uint, 0, len(matched))
	for _, sub := range matched {
		ids = append(ids, sub.ID)
	}

	now := e.now()

	if err := e.repo.IncrementSubscriptionMatches(ctx, ids, now); err != nil {
		return fmt.Errorf("updating subscription matches: %w", err)
	}

	// From here on failures are logged only. Match counters are kept.
	metainfo, err := s.Download(ctx, r.ID)
	if err != nil {
		log.WithError(err).Error("Failed to download torrent file")

		return nil
	}

	torrent, added, err := e.queue.Submit(ctx, metainfo)
	if err != nil {
		log.WithError(err).Error("Failed to queue torrent")

		return nil
	}

	if !added {
		log.Info("Torrent was already queued")

		return nil
	}

	size := r.Size

	for _, userID := range userIDs {
		if err := e.repo.CreateDownload(ctx, &store.Download{
			UserID: userID,
			Time:   now,
			Name:   torrent.Name,
			Size:   &size,
			Manual: false,
		}); err != nil {
			log.WithError(err).
				WithField("user_id", userID).
				Error("Failed to record download")
		}
	}

	log.Info("Successfully queued torrent")

	return nil
}

// logMatch logs the matching subscription count along with up to
// maxSubscribersShown subscriber names.
func (e *engine) logMatch(
	ctx context.Context,
	log logrus.FieldLogger,
	matched []store.Subscription,
	userIDs []uint,
) {
	shown := userIDs
	if len(shown) > maxSubscribersShown {
		shown = shown[:maxSubscribersShown]
	}

	names := make([]string, 0, len(shown)+1)

	users, err := e.repo.ListUsersByIDs(ctx, shown)
	if err != nil {
		log.WithError(err).Warn("Failed to look up subscribers")
	}

	for _, u := range users {
		names = append(names, u.Name)
	}

	if len(userIDs) > maxSubscribersShown {
		names = append(names, "...")
	}

	log.WithFields(logrus.Fields{
		"subscriptions": len(matched),
		"subscribers":   strings.Join(names, ", "),
	}).Info("Found matching subscriptions for new release")
}

// subscriberIDs returns the distinct owners of the subscriptions in order of
// first appearance.
func subscriberIDs(subs []store.Subscription) []uint {
	seen := make(map[uint]struct{}, len(subs))
	ids := make([]uint, 0, len(subs))

	for _, sub := range subs {
		if _, ok := seen[sub.UserID]; ok {
			continue
		}

		seen[sub.UserID] = struct{}{}
		ids = append(ids, sub.UserID)
	}

	return ids
}
