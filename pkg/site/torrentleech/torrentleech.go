// Package torrentleech implements the site adapter for torrentleech.org.
package torrentleech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/config"
	"github.com/ethpandaops/warehouse/pkg/site"
)

const (
	// Name is the site name used in configuration.
	Name = "torrentleech.org"

	// DefaultBaseURL is the public endpoint of the site.
	DefaultBaseURL = "https://www.torrentleech.org"

	// DefaultUserAgent imitates a desktop browser.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	torrentContentType = "application/x-bittorrent"
	loginPath          = "/user/account/login/"
	addedLayout        = "2006-01-02 15:04:05"
)

var categories = []site.Category{
	{ID: 8, Name: "Cam"},
	{ID: 9, Name: "TS/TC"},
	{ID: 11, Name: "DVDRip/DVDScreener"},
	{ID: 37, Name: "WEBRip"},
	{ID: 43, Name: "HDRip"},
	{ID: 14, Name: "BlurayRip"},
	{ID: 12, Name: "DVD-R"},
	{ID: 13, Name: "Bluray"},
	{ID: 47, Name: "4K"},
	{ID: 15, Name: "Boxsets"},
	{ID: 29, Name: "Documentaries"},
	{ID: 26, Name: "Episodes"},
	{ID: 32, Name: "Episodes HD"},
	{ID: 27, Name: "Boxsets"},
	{ID: 17, Name: "PC"},
	{ID: 42, Name: "Mac"},
	{ID: 18, Name: "XBOX"},
	{ID: 19, Name: "XBOX360"},
	{ID: 40, Name: "XBOXONE"},
	{ID: 20, Name: "PS2"},
	{ID: 21, Name: "PS3"},
	{ID: 39, Name: "PS4"},
	{ID: 22, Name: "PSP"},
	{ID: 28, Name: "Wii"},
	{ID: 30, Name: "Nintendo DS"},
	{ID: 48, Name: "Nintendo Switch"},
	{ID: 23, Name: "PC-ISO"},
	{ID: 24, Name: "Mac"},
	{ID: 25, Name: "Mobile"},
	{ID: 33, Name: "0-day"},
	{ID: 34, Name: "Anime"},
	{ID: 35, Name: "Cartoons"},
	{ID: 45, Name: "EBooks"},
	{ID: 46, Name: "Comics"},
	{ID: 31, Name: "Audio"},
	{ID: 16, Name: "Music videos"},
	{ID: 36, Name: "Movies"},
	{ID: 44, Name: "TV Series"},
}

var (
	nameRe      = regexp.MustCompile(`<a .+? href="/download/\d+/(.+?)\.torrent">`)
	sizeRe      = regexp.MustCompile(`<td class="description">Size</td><td>([0-9.]+) (KB|MB|GB|TB)</td>`)
	seedersRe   = regexp.MustCompile(`<span class="seeders-text">(\d+)\s*</span>`)
	leechersRe  = regexp.MustCompile(`<span class="leechers-text">(\d+)</span>`)
	downloadsRe = regexp.MustCompile(`<td class="description">Downloaded</td><td>(\d+).+?</td>`)
)

var sizeUnits = map[string]float64{
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// Settings are the adapter specific options of the site configuration.
type Settings struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
}

// Client is the torrentleech.org adapter.
type Client struct {
	log      logrus.FieldLogger
	username string
	password string
	settings Settings
	http     *http.Client

	mu       sync.Mutex
	loggedIn bool
}

// Compile-time interface check.
var _ site.Site = (*Client)(nil)

// New creates the adapter from its site configuration. It is a
// site.Factory.
func New(log logrus.FieldLogger, cfg config.SiteConfig) (site.Site, error) {
	return NewClient(log, cfg)
}

// NewClient creates the adapter from its site configuration.
func NewClient(log logrus.FieldLogger, cfg config.SiteConfig) (*Client, error) {
	settings := Settings{
		BaseURL:   DefaultBaseURL,
		UserAgent: DefaultUserAgent,
	}

	if len(cfg.Options) > 0 {
		if err := mapstructure.Decode(cfg.Options, &settings); err != nil {
			return nil, fmt.Errorf("decoding options: %w", err)
		}
	}

	settings.BaseURL = strings.TrimSuffix(settings.BaseURL, "/")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &Client{
		log:      log.WithField("site", Name),
		username: cfg.Username,
		password: cfg.Password,
		settings: settings,
		http: &http.Client{
			Jar:     jar,
			Timeout: 60 * time.Second,
			// Redirects are inspected to detect login results and stale
			// sessions.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Name returns the site name.
func (c *Client) Name() string {
	return Name
}

// Categories returns the category table of the site.
func (c *Client) Categories() []site.Category {
	out := make([]site.Category, len(categories))
	copy(out, categories)

	return out
}

// Browse lists the newest releases.
func (c *Client) Browse(ctx context.Context, page int) (*site.Results, error) {
	return c.list(ctx, "/torrents/browse/index", "", nil, page)
}

// Search lists the releases matching the query within the categories.
func (c *Client) Search(
	ctx context.Context, query string, cats []int, page int,
) (*site.Results, error) {
	return c.list(ctx, "/torrents/browse/list", query, cats, page)
}

// Download fetches the torrent file of a release.
func (c *Client) Download(ctx context.Context, id int64) ([]byte, error) {
	resp, err := c.fetch(ctx, fmt.Sprintf("/download/%d/%d.torrent", id, id))
	if err != nil {
		return nil, err
	}

	if resp.status != http.StatusOK {
		return nil, fmt.Errorf(
			"%w: downloading torrent file: status %d",
			site.ErrUnexpectedResponse, resp.status,
		)
	}

	if ct := resp.header.Get("Content-Type"); ct != torrentContentType {
		return nil, fmt.Errorf(
			"%w: unexpected content type %q", site.ErrUnexpectedResponse, ct,
		)
	}

	return resp.body, nil
}

// Info scrapes the detail page of a release.
func (c *Client) Info(ctx context.Context, id int64) (*site.Info, error) {
	resp, err := c.fetch(ctx, fmt.Sprintf("/torrent/%d", id))
	if err != nil {
		return nil, err
	}

	if resp.status != http.StatusOK {
		return nil, fmt.Errorf(
			"%w: retrieving release info: status %d",
			site.ErrUnexpectedResponse, resp.status,
		)
	}

	return parseInfo(resp.body)
}

type torrentList struct {
	NumFound    int           `json:"numFound"`
	PerPage     int           `json:"perPage"`
	Page        int           `json:"page"`
	TorrentList []jsonTorrent `json:"torrentList"`
}

type jsonTorrent struct {
	FID            string `json:"fid"`
	Name           string `json:"name"`
	AddedTimestamp string `json:"addedTimestamp"`
	CategoryID     int    `json:"categoryID"`
	Size           int64  `json:"size"`
	Completed      int64  `json:"completed"`
	Seeders        int64  `json:"seeders"`
	Leechers       int64  `json:"leechers"`
}

func (c *Client) list(
	ctx context.Context, base, query string, cats []int, page int,
) (*site.Results, error) {
	resp, err := c.fetch(ctx, listPath(base, query, cats, page))
	if err != nil {
		return nil, err
	}

	if resp.status != http.StatusOK {
		c.setLoggedIn(false)

		return nil, fmt.Errorf(
			"%w: retrieving releases: status %d",
			site.ErrUnexpectedResponse, resp.status,
		)
	}

	var list torrentList
	if err := json.Unmarshal(resp.body, &list); err != nil {
		return nil, fmt.Errorf("%w: decoding release list: %w", site.ErrUnexpectedResponse, err)
	}

	releases := make([]site.Release, 0, len(list.TorrentList))

	for _, t := range list.TorrentList {
		id, err := strconv.ParseInt(t.FID, 10, 64)
		if err != nil {
			c.log.WithField("fid", t.FID).Warn("Skipping release with invalid id")

			continue
		}

		added, _ := time.Parse(addedLayout, t.AddedTimestamp)

		releases = append(releases, site.Release{
			ID:         id,
			Name:       t.Name,
			CategoryID: t.CategoryID,
			Size:       t.Size,
			Added:      added.UTC(),
			Downloads:  t.Completed,
			Seeders:    t.Seeders,
			Leechers:   t.Leechers,
		})
	}

	pages := 0
	if list.PerPage > 0 {
		pages = int(math.Ceil(float64(list.NumFound) / float64(list.PerPage)))
	}

	return &site.Results{Releases: releases, Pages: pages}, nil
}

// listPath builds /categories/<ids>/query/<q>/page/<n> below base. Page 1 is
// the base listing.
func listPath(base, query string, cats []int, page int) string {
	var b strings.Builder

	b.WriteString(base)

	if len(cats) > 0 {
		ids := make([]string, 0, len(cats))
		for _, id := range cats {
			ids = append(ids, strconv.Itoa(id))
		}

		b.WriteString("/categories/")
		b.WriteString(strings.Join(ids, ","))
	}

	if query != "" {
		b.WriteString("/query/")
		b.WriteString(url.PathEscape(query))
	}

	if page >= 2 {
		fmt.Fprintf(&b, "/page/%d", page)
	}

	return b.String()
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// fetch performs an authenticated GET. A response indicating a stale
// session triggers one re-login and one retry.
func (c *Client) fetch(ctx context.Context, path string) (*response, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	if !isStale(resp) {
		return resp, nil
	}

	c.log.WithField("status", resp.status).Debug("Session rejected, logging in again")
	c.setLoggedIn(false)

	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	return c.get(ctx, path)
}

func (c *Client) get(ctx context.Context, path string) (*response, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.settings.BaseURL+path, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) (*response, error) {
	req.Header.Set("User-Agent", c.settings.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: requesting %s: %w", site.ErrUnexpectedResponse, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %w", site.ErrUnexpectedResponse, err)
	}

	return &response{
		status: resp.StatusCode,
		header: resp.Header,
		body:   body,
	}, nil
}

func isStale(resp *response) bool {
	switch resp.status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return strings.Contains(resp.header.Get("Location"), "/user/account/login")
	default:
		return false
	}
}

func (c *Client) setLoggedIn(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loggedIn = v
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loggedIn {
		return nil
	}

	if err := c.login(ctx); err != nil {
		return err
	}

	c.loggedIn = true

	return nil
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{
		"username": {c.username},
		"password": {c.password},
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.settings.BaseURL+loginPath,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return fmt.Errorf("creating login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	if resp.status != http.StatusFound {
		return fmt.Errorf(
			"%w: unexpected login status %d", site.ErrUnexpectedResponse, resp.status,
		)
	}

	if loc := resp.header.Get("Location"); loc != "/" {
		return fmt.Errorf(
			"%w: unexpected login location %q", site.ErrUnexpectedResponse, loc,
		)
	}

	c.log.Debug("Logged in")

	return nil
}

func parseInfo(body []byte) (*site.Info, error) {
	page := string(body)

	name, err := extract("name", nameRe, page)
	if err != nil {
		return nil, err
	}

	sizeMatch := sizeRe.FindStringSubmatch(page)
	if sizeMatch == nil {
		return nil, fmt.Errorf("%w: failed to extract size", site.ErrUnexpectedResponse)
	}

	size, err := parseSize(sizeMatch[1], sizeMatch[2])
	if err != nil {
		return nil, err
	}

	info := &site.Info{Name: name, Size: size}

	for _, f := range []struct {
		name string
		re   *regexp.Regexp
		dst  *int64
	}{
		{"seeders", seedersRe, &info.Seeders},
		{"leechers", leechersRe, &info.Leechers},
		{"downloads", downloadsRe, &info.Downloads},
	} {
		raw, err := extract(f.name, f.re, page)
		if err != nil {
			return nil, err
		}

		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %w", site.ErrUnexpectedResponse, f.name, err)
		}

		*f.dst = n
	}

	return info, nil
}

func extract(name string, re *regexp.Regexp, page string) (string, error) {
	m := re.FindStringSubmatch(page)
	if m == nil {
		return "", fmt.Errorf("%w: failed to extract %s", site.ErrUnexpectedResponse, name)
	}

	return m[1], nil
}

// parseSize converts a value with a binary KB/MB/GB/TB unit to bytes.
func parseSize(value, unit string) (int64, error) {
	multiplier, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unknown size unit %q", site.ErrUnexpectedResponse, unit)
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing size: %w", site.ErrUnexpectedResponse, err)
	}

	return int64(f * multiplier), nil
}
