package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/warehouse/pkg/config"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		torrent string
		want    string
	}{
		{name: "default prefix", torrent: "Some.Release.720p", want: "torrents/Some.Release.720p.torrent"},
		{name: "custom prefix", prefix: "backup/tl", torrent: "A", want: "backup/tl/A.torrent"},
		{name: "trailing slash stripped", prefix: "backup/", torrent: "A", want: "backup/A.torrent"},
		{name: "separators replaced", torrent: "a/b\\c", want: "torrents/a_b_c.torrent"},
		{name: "empty name", torrent: "", want: "torrents/unnamed.torrent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, objectKey(tt.prefix, tt.torrent))
		})
	}
}

func TestS3Archiver_Store(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)

		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	a := NewS3Archiver(logrus.New(), &config.ArchiveConfig{
		Enabled:         true,
		Bucket:          "bucket",
		EndpointURL:     srv.URL,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		ForcePathStyle:  true,
	})

	require.NoError(t, a.Preflight(context.Background()))
	require.NoError(t, a.Store(context.Background(), "Some.Release", []byte("d8:announce0:e")))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{
		"PUT /bucket/" + writeTestKey,
		"PUT /bucket/torrents/Some.Release.torrent",
	}, paths)
}
