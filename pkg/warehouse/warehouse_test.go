package warehouse_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/warehouse/pkg/config"
	"github.com/ethpandaops/warehouse/pkg/site"
	"github.com/ethpandaops/warehouse/pkg/warehouse"
)

type stubSite struct{ site.Site }

func (stubSite) Name() string { return "stub.example" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Server: config.ServerConfig{
			Listen:           "127.0.0.1:0",
			ExternalHostname: "warehouse.example.org",
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{
				Path: filepath.Join(t.TempDir(), "warehouse.db"),
			},
		},
		Sessions: config.SessionConfig{
			MaxAge:     config.DefaultSessionMaxAge,
			MaxPerUser: config.DefaultMaxSessionsPerUser,
		},
		Transmission:     config.TransmissionConfig{URL: config.DefaultTransmissionURL},
		Subscriptions:    config.SubscriptionConfig{Interval: "1h"},
		DiskSpace:        config.DiskSpaceConfig{Enabled: true, Path: t.TempDir(), Minimum: "1MiB", Interval: "1h"},
		TorrentSizeLimit: config.DefaultTorrentSizeLimit,
	}
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestService_StartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sites = []config.SiteConfig{{Name: "stub.example"}}
	require.NoError(t, cfg.Validate())

	svc := warehouse.New(testLogger(), cfg, warehouse.WithSiteFactory(
		"stub.example",
		func(_ logrus.FieldLogger, _ config.SiteConfig) (site.Site, error) {
			return stubSite{}, nil
		},
	))

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
}

func TestService_UnknownSite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sites = []config.SiteConfig{{Name: "nowhere.example"}}

	svc := warehouse.New(testLogger(), cfg)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, site.ErrUnknownSite)
	require.NoError(t, svc.Stop())
}

func TestNewStore(t *testing.T) {
	cfg := testConfig(t)

	st, err := warehouse.NewStore(context.Background(), testLogger(), cfg)
	require.NoError(t, err)

	count, err := st.CountSubscriptions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	require.NoError(t, st.Stop())
}

func TestService_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Subscriptions.Interval = ""

	svc := warehouse.New(testLogger(), cfg)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriptions.interval")
	require.NoError(t, svc.Stop())
}
