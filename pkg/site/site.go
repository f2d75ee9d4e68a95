// Package site defines the contract of an external release catalog and the
// registry of configured catalogs.
package site

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/config"
)

var (
	// ErrUnknownSite is returned when no site with the given name exists.
	ErrUnknownSite = errors.New("unknown site")

	// ErrUnexpectedResponse is returned when a site answers with a
	// non-success response.
	ErrUnexpectedResponse = errors.New("unexpected response from site")
)

// Release is a single listing on a site.
type Release struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	CategoryID int       `json:"categoryId"`
	Size       int64     `json:"size"`
	Added      time.Time `json:"added"`
	Downloads  int64     `json:"downloads"`
	Seeders    int64     `json:"seeders"`
	Leechers   int64     `json:"leechers"`
}

// Info is the authoritative detail of a single release.
type Info struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Seeders   int64  `json:"seeders"`
	Leechers  int64  `json:"leechers"`
	Downloads int64  `json:"downloads"`
}

// Results is one page of a listing.
type Results struct {
	Releases []Release
	// Pages is the total number of pages, authoritative for iteration.
	Pages int
}

// Category is a site specific release category.
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Site is an external release catalog. Page numbers start at 1.
// Implementations log in on demand and re-authenticate once when a request
// is rejected because of a stale session.
type Site interface {
	Name() string
	Categories() []Category
	Browse(ctx context.Context, page int) (*Results, error)
	Search(ctx context.Context, query string, categories []int, page int) (*Results, error)
	Download(ctx context.Context, id int64) ([]byte, error)
	Info(ctx context.Context, id int64) (*Info, error)
}

// Factory creates a Site from its configuration.
type Factory func(log logrus.FieldLogger, cfg config.SiteConfig) (Site, error)

// Registry maps site names to their adapters. It is built once at startup
// and read only afterwards.
type Registry struct {
	sites map[string]Site
}

// NewRegistry builds the registry for the configured sites using factories
// keyed by site name.
func NewRegistry(
	log logrus.FieldLogger,
	cfgs []config.SiteConfig,
	factories map[string]Factory,
) (*Registry, error) {
	r := &Registry{sites: make(map[string]Site, len(cfgs))}

	for _, cfg := range cfgs {
		factory, ok := factories[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSite, cfg.Name)
		}

		s, err := factory(log, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating site %s: %w", cfg.Name, err)
		}

		r.sites[s.Name()] = s
	}

	return r, nil
}

// NewStaticRegistry wraps already constructed sites.
func NewStaticRegistry(sites ...Site) *Registry {
	r := &Registry{sites: make(map[string]Site, len(sites))}
	for _, s := range sites {
		r.sites[s.Name()] = s
	}

	return r
}

// Get returns the site with the given name.
func (r *Registry) Get(name string) (Site, error) {
	s, ok := r.sites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, name)
	}

	return s, nil
}

// Names returns the registered site names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sites))
	for name := range r.sites {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// All returns the registered sites ordered by name.
func (r *Registry) All() []Site {
	names := r.Names()

	sites := make([]Site, 0, len(names))
	for _, name := range names {
		sites = append(sites, r.sites[name])
	}

	return sites
}
