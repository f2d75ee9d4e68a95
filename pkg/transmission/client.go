// Package transmission is a small client for the Transmission RPC protocol.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionHeader carries the CSRF token of the daemon.
const SessionHeader = "X-Transmission-Session-Id"

const defaultTimeout = 30 * time.Second

var (
	// ErrRPC is returned when the daemon reports a non-success result.
	ErrRPC = errors.New("transmission rpc error")

	// ErrTagMismatch is returned when a response tag does not match its
	// request.
	ErrTagMismatch = errors.New("transmission response tag mismatch")
)

// Client talks to the download daemon.
type Client interface {
	// Get lists torrents. An empty ids slice selects all torrents. Only the
	// given fields are populated.
	Get(ctx context.Context, ids []int64, fields []string) ([]Torrent, error)
	// Add queues a torrent file and reports the resulting item, which may
	// be a duplicate of one already queued.
	Add(ctx context.Context, metainfo []byte) (*Torrent, error)
	// Remove deletes torrents, optionally with their downloaded data.
	Remove(ctx context.Context, ids []int64, deleteLocalData bool) error
}

// Config holds the daemon endpoint and credentials.
type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log  logrus.FieldLogger
	cfg  Config
	http *http.Client
	tag  atomic.Int64

	mu        sync.RWMutex
	sessionID string
}

// NewClient creates a new daemon client.
func NewClient(log logrus.FieldLogger, cfg Config) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &client{
		log:  log.WithField("component", "transmission"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type getArguments struct {
	IDs    []int64  `json:"ids,omitempty"`
	Fields []string `json:"fields"`
}

type getResult struct {
	Torrents []Torrent `json:"torrents"`
}

func (c *client) Get(
	ctx context.Context, ids []int64, fields []string,
) ([]Torrent, error) {
	var result getResult
	if err := c.call(ctx, "torrent-get", getArguments{
		IDs:    ids,
		Fields: fields,
	}, &result); err != nil {
		return nil, err
	}

	return result.Torrents, nil
}

type addArguments struct {
	Metainfo string `json:"metainfo"`
}

type addResult struct {
	Added     *Torrent `json:"torrent-added"`
	Duplicate *Torrent `json:"torrent-duplicate"`
}

func (c *client) Add(ctx context.Context, metainfo []byte) (*Torrent, error) {
	var result addResult
	if err := c.call(ctx, "torrent-add", addArguments{
		Metainfo: base64.StdEncoding.EncodeToString(metainfo),
	}, &result); err != nil {
		return nil, err
	}

	switch {
	case result.Added != nil:
		return result.Added, nil
	case result.Duplicate != nil:
		return result.Duplicate, nil
	default:
		return nil, fmt.Errorf("%w: torrent-add returned no torrent", ErrRPC)
	}
}

type removeArguments struct {
	IDs             []int64 `json:"ids"`
	DeleteLocalData bool    `json:"delete-local-data"`
}

func (c *client) Remove(
	ctx context.Context, ids []int64, deleteLocalData bool,
) error {
	if len(ids) == 0 {
		return nil
	}

	return c.call(ctx, "torrent-remove", removeArguments{
		IDs:             ids,
		DeleteLocalData: deleteLocalData,
	}, nil)
}

// call sends one request. A 409 carries a fresh session id which is adopted
// before the request is sent a second time.
func (c *client) call(
	ctx context.Context, method string, args, result any,
) error {
	req := Request{
		Method:    method,
		Arguments: args,
		Tag:       c.tag.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	status, data, err := c.post(ctx, body)
	if err != nil {
		return err
	}

	if status == http.StatusConflict {
		c.log.Debug("Refreshed session id")

		status, data, err = c.post(ctx, body)
		if err != nil {
			return err
		}
	}

	if status != http.StatusOK {
		return fmt.Errorf("%w: %s: unexpected status %d", ErrRPC, method, status)
	}

	resp, err := Parse(data)
	if err != nil {
		return err
	}

	if resp.Tag != req.Tag {
		return fmt.Errorf("%w: sent %d, got %d", ErrTagMismatch, req.Tag, resp.Tag)
	}

	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	if result == nil {
		return nil
	}

	return resp.ParseArguments(result)
}

func (c *client) post(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	c.mu.RLock()
	if c.sessionID != "" {
		req.Header.Set(SessionHeader, c.sessionID)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: sending request: %w", ErrRPC, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		c.mu.Lock()
		c.sessionID = resp.Header.Get(SessionHeader)
		c.mu.Unlock()
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading response: %w", ErrRPC, err)
	}

	return resp.StatusCode, data, nil
}
