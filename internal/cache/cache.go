// Package cache implements the worker's offline cache: a single versioned
// partition of app-shell and same-origin GET responses, served network-first.
//
// Only Manager writes partitions. The partition name is derived from the
// version string, so an old and a new version never share a partition, and
// concurrent fetches for the same key simply overwrite each other (last
// writer wins; values are re-fetches of the same URL). No further locking is
// needed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/chabapp/internal/model"
)

const defaultInstallConcurrency = 4

// Storage is a set of named partitions of cached responses.
type Storage interface {
	// Open creates the partition if absent.
	Open(ctx context.Context, partition string) error
	Put(ctx context.Context, entry *model.CacheEntry) error
	// Match returns nil, nil on a miss.
	Match(ctx context.Context, partition, key string) (*model.CacheEntry, error)
	Partitions(ctx context.Context) ([]string, error)
	DeletePartition(ctx context.Context, partition string) error
}

// Doer performs network requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config describes the partition and the app it caches.
type Config struct {
	Prefix  string
	Version string
	// Origin is the app's own origin; only its GET requests are cached.
	Origin *url.URL
	// AppShell lists the paths stored at install time.
	AppShell []string
	// OfflinePage is served for navigations that miss the cache while offline.
	// It should be part of AppShell.
	OfflinePage string
	// ExcludedHosts are never intercepted, even when they match Origin.
	ExcludedHosts      []string
	InstallConcurrency int
}

// DefaultExcludedHosts are time-sensitive or rate-limited third-party APIs
// whose responses must always come from the network.
var DefaultExcludedHosts = []string{
	"www.hebcal.com",
	"hebcal.com",
	"nominatim.openstreetmap.org",
	"worldtimeapi.org",
	"api.aladhan.com",
	"www.sefaria.org",
	"img.youtube.com",
	"www.youtube.com",
	"firestore.googleapis.com",
	"firebasestorage.googleapis.com",
}

// PartitionName returns the partition for a version, e.g. "chabapp-v1".
func PartitionName(prefix, version string) string {
	return prefix + "-" + version
}

// Manager owns the current cache partition.
type Manager struct {
	cfg       Config
	partition string
	storage   Storage
	client    Doer
	excluded  map[string]struct{}
	logger    *slog.Logger
}

// NewManager creates a cache manager for the partition named by cfg.
func NewManager(cfg Config, storage Storage, client Doer, logger *slog.Logger) *Manager {
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = defaultInstallConcurrency
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludedHosts))
	for _, h := range cfg.ExcludedHosts {
		excluded[strings.ToLower(h)] = struct{}{}
	}
	return &Manager{
		cfg:       cfg,
		partition: PartitionName(cfg.Prefix, cfg.Version),
		storage:   storage,
		client:    client,
		excluded:  excluded,
		logger:    logger,
	}
}

// Partition returns the name of the current partition.
func (m *Manager) Partition() string {
	return m.partition
}

// Install opens the partition and precaches the app shell. Failing to open
// the partition is fatal for this version; a failing asset is only logged.
// It returns the number of assets stored.
func (m *Manager) Install(ctx context.Context) (int, error) {
	if err := m.storage.Open(ctx, m.partition); err != nil {
		return 0, fmt.Errorf("install %s: %w", m.partition, err)
	}

	var stored atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.InstallConcurrency)
	for _, asset := range m.cfg.AppShell {
		g.Go(func() error {
			if err := m.add(gctx, asset); err != nil {
				m.logger.Warn("precache asset failed", "url", asset, "error", err)
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("app shell cached", "partition", m.partition, "stored", stored.Load(), "total", len(m.cfg.AppShell))
	return int(stored.Load()), nil
}

func (m *Manager) add(ctx context.Context, asset string) error {
	target, err := m.resolve(asset)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := m.network(req)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("status %d", resp.Status)
	}
	return m.storage.Put(ctx, m.entry(requestKey(http.MethodGet, target), resp))
}

// Activate deletes every partition except the current one.
func (m *Manager) Activate(ctx context.Context) error {
	names, err := m.storage.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	var errs error
	for _, name := range names {
		if name == m.partition {
			continue
		}
		if err := m.storage.DeletePartition(ctx, name); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.logger.Info("deleted stale cache partition", "partition", name)
	}
	return errs
}

// Intercepts reports whether r is handled by the cache: GET requests for
// the app's own origin that do not target an excluded host.
func (m *Manager) Intercepts(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	target := m.target(r)
	if _, skip := m.excluded[strings.ToLower(target.Hostname())]; skip {
		return false
	}
	return sameOrigin(target, m.cfg.Origin)
}

func (m *Manager) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return m.cfg.Origin.ResolveReference(ref), nil
}

// target returns the absolute URL r is asking for. Requests in origin form
// (path only) are relative to the app origin.
func (m *Manager) target(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	return m.cfg.Origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
}

func (m *Manager) entry(key string, resp *Response) *model.CacheEntry {
	return &model.CacheEntry{
		Partition: m.partition,
		Key:       key,
		Status:    resp.Status,
		Header:    storedHeader(resp.Header),
		Body:      append([]byte(nil), resp.Body...),
	}
}

func storedHeader(h http.Header) http.Header {
	out := h.Clone()
	out.Del("Set-Cookie")
	return out
}

// network performs req and buffers the body. Transport and body read errors
// both count as network failures.
func (m *Manager) network(req *http.Request) (*Response, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	header := resp.Header.Clone()
	stripHopHeaders(header)
	return &Response{Status: resp.StatusCode, Header: header, Body: body, Source: SourceNetwork}, nil
}

func requestKey(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return method + " " + c.String()
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// cacheable reports whether a network response may be stored. Partial
// responses and responses setting a cookie are returned but never stored.
func cacheable(resp *Response) bool {
	return resp.Status == http.StatusOK && len(resp.Header.Values("Set-Cookie")) == 0
}

// ErrNotCached is returned by Lookup on a miss.
var ErrNotCached = errors.New("not cached")

// Lookup returns the cached entry for a GET of path on the app origin.
func (m *Manager) Lookup(ctx context.Context, path string) (*model.CacheEntry, error) {
	target, err := m.resolve(path)
	if err != nil {
		return nil, err
	}
	entry, err := m.storage.Match(ctx, m.partition, requestKey(http.MethodGet, target))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotCached
	}
	return entry, nil
}
