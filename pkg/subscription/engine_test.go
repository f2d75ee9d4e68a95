package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/warehouse/pkg/config"
	"github.com/ethpandaops/warehouse/pkg/site"
	"github.com/ethpandaops/warehouse/pkg/store"
	"github.com/ethpandaops/warehouse/pkg/transmission"
)

const sizeLimit = int64(1000)

// pagedSite serves a fixed listing and records fetched pages.
type pagedSite struct {
	name      string
	pages     map[int][]site.Release
	total     int
	browseErr error
	fetchErr  error

	mu      sync.Mutex
	fetched []int
}

func (s *pagedSite) Name() string                { return s.name }
func (s *pagedSite) Categories() []site.Category { return nil }

func (s *pagedSite) Browse(_ context.Context, page int) (*site.Results, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, page)
	s.mu.Unlock()

	if s.browseErr != nil {
		return nil, s.browseErr
	}

	return &site.Results{Releases: s.pages[page], Pages: s.total}, nil
}

func (s *pagedSite) Search(context.Context, string, []int, int) (*site.Results, error) {
	return &site.Results{}, nil
}

func (s *pagedSite) Download(_ context.Context, id int64) ([]byte, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}

	return []byte{byte(id)}, nil
}

func (s *pagedSite) Info(context.Context, int64) (*site.Info, error) {
	return &site.Info{}, nil
}

func (s *pagedSite) Fetched() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.fetched...)
}

type fakeQueue struct {
	mu        sync.Mutex
	submitted [][]byte
	err       error
	duplicate bool
}

func (q *fakeQueue) CheckLimit(size int64) error {
	if size > sizeLimit {
		return errors.New("too large")
	}

	return nil
}

func (q *fakeQueue) Submit(
	_ context.Context, metainfo []byte,
) (*transmission.Torrent, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return nil, false, q.err
	}

	q.submitted = append(q.submitted, metainfo)

	return &transmission.Torrent{ID: int64(len(q.submitted)), Name: "queued"}, !q.duplicate, nil
}

func (q *fakeQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.submitted)
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

type fixture struct {
	store  store.Store
	queue  *fakeQueue
	engine *engine
	users  []*store.User
}

func setupEngine(t *testing.T, patterns []string, sites ...site.Site) *fixture {
	t.Helper()

	s := setupTestStore(t)
	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	f := &fixture{store: s, queue: &fakeQueue{}}

	for _, name := range []string{"alice", "bob"} {
		u := &store.User{Name: name, Salt: []byte("s"), Password: []byte("p")}
		require.NoError(t, s.CreateUser(ctx, u))
		f.users = append(f.users, u)
	}

	// Subscriptions alternate between the two users.
	for i, p := range patterns {
		require.NoError(t, s.CreateSubscription(ctx, &store.Subscription{
			UserID:  f.users[i%2].ID,
			Pattern: p,
		}))
	}

	f.engine = NewEngine(log, s, sites, f.queue, time.Hour).(*engine)

	return f
}

func releases(ids ...int64) []site.Release {
	out := make([]site.Release, 0, len(ids))
	for _, id := range ids {
		out = append(out, site.Release{ID: id, Name: "Show.S01E02.720p", Size: 100})
	}

	return out
}

func TestEngine_NoSubscriptionsSkipsPolling(t *testing.T) {
	st := &pagedSite{name: "a", pages: map[int][]site.Release{1: releases(1)}, total: 1}
	f := setupEngine(t, nil, st)

	require.NoError(t, f.engine.RunOnce(context.Background()))
	assert.Empty(t, st.Fetched())
	assert.Equal(t, 0, f.engine.cache.Len("a"))
}

func TestEngine_ColdStartProcessesOnePage(t *testing.T) {
	st := &pagedSite{
		name: "a",
		pages: map[int][]site.Release{
			1: releases(10, 9),
			2: releases(8, 7),
			3: releases(6, 5),
		},
		total: 3,
	}
	f := setupEngine(t, []string{"^Show"}, st)

	require.NoError(t, f.engine.RunOnce(context.Background()))
	assert.Equal(t, []int{1}, st.Fetched())
	assert.Equal(t, 2, f.engine.cache.Len("a"))
	assert.Equal(t, 2, f.queue.Count())
}

func TestEngine_WarmRunStopsOnPageWithoutNovelty(t *testing.T) {
	st := &pagedSite{
		name: "a",
		pages: map[int][]site.Release{
			1: releases(1, 2),
			2: releases(50, 51),
			3: releases(3),
		},
		total: 3,
	}
	f := setupEngine(t, []string{"^Show"}, st)

	f.engine.cache.Record("a", 50)
	f.engine.cache.Record("a", 51)

	require.NoError(t, f.engine.RunOnce(context.Background()))
	assert.Equal(t, []int{1, 2}, st.Fetched())
	assert.False(t, f.engine.cache.Seen("a", 3))
	assert.Equal(t, 2, f.queue.Count())
}

func TestEngine_WarmRunStopsAtLastPage(t *testing.T) {
	st := &pagedSite{
		name: "a",
		pages: map[int][]site.Release{
			1: releases(1),
			2: releases(2),
		},
		total: 2,
	}
	f := setupEngine(t, []string{"^Show"}, st)

	f.engine.cache.Record("a", 99)

	require.NoError(t, f.engine.RunOnce(context.Background()))
	assert.Equal(t, []int{1, 2}, st.Fetched())
}

func TestEngine_DuplicateReleaseEvaluatedOnce(t *testing.T) {
	st := &pagedSite{
		name:  "a",
		pages: map[int][]site.Release{1: releases(1, 1)},
		total: 1,
	}
	f := setupEngine(t, []string{"^Show"}, st)

	require.NoError(t, f.engine.RunOnce(context.Background()))
	assert.Equal(t, 1, f.queue.Count())

	subs, err := f.store.ListSubscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(1), subs[0].Matches)
}

func TestEngine_MatchUpdatesCountersAndRecordsDownloads(t *testing.T) {
	st := &pagedSite{
		name:  "a",
		pages: map[int][]site.Release{1: releases(1)},
		total: 1,
	}
	// alice owns the first and third subscription, bob the second.
	f := setupEngine(t, []string{"^Show", "S01E02", "720p", "^Movie"}, st)
	ctx := context.Background()

	require.NoError(t, f.engine.RunOnce(ctx))

	subs, err := f.store.ListSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 4)

	for _, sub := range subs[:3] {
		assert.Equal(t, int64(1), sub.Matches, sub.Pattern)
		assert.NotNil(t, sub.LastMatchAt, sub.Pattern)
	}

	assert.Equal(t, int64(0), subs[3].Matches)
	assert.Nil(t, subs[3].LastMatchAt)

	for _, u := range f.users {
		stats, err := f.store.GetDownloadStats(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Count, u.Name)
		assert.Equal(t, int64(100), stats.Size, u.Name)
	}
}

func TestEngine_OverLimitIsSkipped(t *testing.T) {
	st := &pagedSite{
		name: "a",
		pages: map[int][]site.Release{1: {
			{ID: 1, Name: "Show.Big", Size: sizeLimit + 1},
			{ID: 2, Name: "Show.Exact", Size: sizeLimit},
		}},
		total: 1,
	}
	f := setupEngine(t, []string{"^Show.Big", "^Show.Exact"}, st)
	ctx := context.Background()

	require.NoError(t, f.engine.RunOnce(ctx))
	assert.Equal(t, 1, f.queue.Count())

	subs, err := f.store.ListSubscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), subs[0].Matches)
	assert.Equal(t, int64(1), subs[1].Matches)
}

func TestEngine_QueueFailureKeepsCounters(t *testing.T) {
	tests := []struct {
		name  string
		site  *pagedSite
		queue *fakeQueue
	}{
		{
			name:  "site download fails",
			site:  &pagedSite{fetchErr: errors.New("site down")},
			queue: &fakeQueue{},
		},
		{
			name:  "daemon fails",
			site:  &pagedSite{},
			queue: &fakeQueue{err: transmission.ErrRPC},
		},
		{
			name:  "already queued",
			site:  &pagedSite{},
			queue: &fakeQueue{duplicate: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.site.name = "a"
			tt.site.pages = map[int][]site.Release{1: releases(1)}
			tt.site.total = 1

			f := setupEngine(t, []string{"^Show"}, tt.site)
			f.engine.queue = tt.queue
			ctx := context.Background()

			require.NoError(t, f.engine.RunOnce(ctx))

			subs, err := f.store.ListSubscriptions(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), subs[0].Matches)

			stats, err := f.store.GetDownloadStats(ctx, f.users[0].ID)
			require.NoError(t, err)
			assert.Equal(t, int64(0), stats.Count)
		})
	}
}

func TestEngine_SiteFailureDoesNotAbortOthers(t *testing.T) {
	broken := &pagedSite{name: "broken", browseErr: errors.New("unreachable")}
	healthy := &pagedSite{
		name:  "healthy",
		pages: map[int][]site.Release{1: releases(1)},
		total: 1,
	}
	f := setupEngine(t, []string{"^Show"}, broken, healthy)

	require.NoError(t, f.engine.RunOnce(context.Background()))
	assert.Equal(t, []int{1}, broken.Fetched())
	assert.Equal(t, []int{1}, healthy.Fetched())
	assert.Equal(t, 1, f.queue.Count())
	assert.Equal(t, 0, f.engine.cache.Len("broken"))
}

func TestEngine_InvalidStoredPatternIsSkipped(t *testing.T) {
	st := &pagedSite{
		name:  "a",
		pages: map[int][]site.Release{1: releases(1)},
		total: 1,
	}
	f := setupEngine(t, []string{"(", "^Show"}, st)

	require.NoError(t, f.engine.RunOnce(context.Background()))
	assert.Equal(t, 1, f.queue.Count())
}

func TestEngine_StartStop(t *testing.T) {
	f := setupEngine(t, nil)

	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.engine.Stop())
}

func TestSubscriberIDs(t *testing.T) {
	subs := []store.Subscription{
		{UserID: 3}, {UserID: 1}, {UserID: 3}, {UserID: 2}, {UserID: 1},
	}

	assert.Equal(t, []uint{3, 1, 2}, subscriberIDs(subs))
}

// blockingSite holds Browse open until released and reports how it ended.
type blockingSite struct {
	pagedSite

	started chan struct{}
	release chan struct{}
	result  chan error
}

func (s *blockingSite) Browse(ctx context.Context, _ int) (*site.Results, error) {
	select {
	case s.started <- struct{}{}:
	default:
	}

	select {
	case <-s.release:
		s.report(nil)

		return &site.Results{Pages: 1}, nil
	case <-ctx.Done():
		s.report(ctx.Err())

		return nil, ctx.Err()
	}
}

func (s *blockingSite) report(err error) {
	select {
	case s.result <- err:
	default:
	}
}

func TestEngine_StopLetsRunningPassFinish(t *testing.T) {
	st := &blockingSite{
		pagedSite: pagedSite{name: "slow"},
		started:   make(chan struct{}, 1),
		release:   make(chan struct{}),
		result:    make(chan error, 1),
	}

	f := setupEngine(t, []string{"^Show"}, st)
	f.engine.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.engine.Start(ctx))

	select {
	case <-st.started:
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not start")
	}

	cancel()

	select {
	case err := <-st.result:
		t.Fatalf("running browse ended early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(st.release)
	require.NoError(t, <-st.result)
	require.NoError(t, f.engine.Stop())
}
