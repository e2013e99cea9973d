package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"iptracker/internal/metrics"
	"iptracker/internal/models"
	"iptracker/internal/repository"

	"github.com/oschwald/geoip2-golang"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const GeoCityDB = "GeoLite2-City.mmdb"

var ErrGeoUnavailable = errors.New("geolocation provider unavailable")

// GeoProvider looks up the location of a public IP.
type GeoProvider interface {
	Lookup(ctx context.Context, ip string) (models.GeoResult, error)
}

type GeoCache interface {
	GetCache(ctx context.Context, key string, target interface{}) error
	SetCache(ctx context.Context, key string, val interface{}, expiration time.Duration) error
}

// GeoResolver resolves IPs to a country and city, consulting the cache first.
type GeoResolver struct {
	cache    GeoCache
	provider GeoProvider
	ttl      time.Duration
	failTTL  time.Duration
	group    singleflight.Group
}

func NewGeoResolver(cache GeoCache, provider GeoProvider, ttl, failTTL time.Duration) *GeoResolver {
	return &GeoResolver{
		cache:    cache,
		provider: provider,
		ttl:      ttl,
		failTTL:  failTTL,
	}
}

func geoCacheKey(ip string) string {
	return "geo:" + ip
}

// Resolve never fails. Local addresses resolve to the Local sentinel without
// touching the cache; provider failures resolve to Unknown.
func (g *GeoResolver) Resolve(ctx context.Context, ip string) models.GeoResult {
	if IsLocalIP(ip) {
		metrics.MetricGeoLookups.WithLabelValues("local").Inc()
		return models.GeoLocal
	}

	key := geoCacheKey(ip)
	if g.cache != nil {
		var cached models.GeoResult
		err := g.cache.GetCache(ctx, key, &cached)
		if err == nil {
			metrics.MetricGeoLookups.WithLabelValues("cache_hit").Inc()
			return cached
		}
		if !isCacheMiss(err) {
			zlog.Warn().Err(err).Str("ip", ip).Msg("Geo cache read failed")
		}
	}

	v, _, _ := g.group.Do(key, func() (interface{}, error) {
		return g.lookup(ctx, ip), nil
	})
	return v.(models.GeoResult)
}

func (g *GeoResolver) lookup(ctx context.Context, ip string) models.GeoResult {
	result := models.GeoUnknown
	ttl := g.failTTL

	if g.provider == nil {
		metrics.MetricGeoLookups.WithLabelValues("provider_error").Inc()
	} else if res, err := g.provider.Lookup(ctx, ip); err != nil {
		metrics.MetricGeoLookups.WithLabelValues("provider_error").Inc()
		zlog.Warn().Err(err).Str("ip", ip).Msg("Geolocation lookup failed")
	} else {
		metrics.MetricGeoLookups.WithLabelValues("provider_ok").Inc()
		result = normalizeGeo(res)
		ttl = g.ttl
	}

	if g.cache != nil && ttl > 0 {
		if err := g.cache.SetCache(ctx, geoCacheKey(ip), result, ttl); err != nil {
			zlog.Warn().Err(err).Str("ip", ip).Msg("Geo cache write failed")
		}
	}
	return result
}

func normalizeGeo(r models.GeoResult) models.GeoResult {
	if r.Country == "" {
		r.Country = models.GeoUnknown.Country
	}
	if r.City == "" {
		r.City = models.GeoUnknown.City
	}
	return r
}

func isCacheMiss(err error) bool {
	return errors.Is(err, repository.ErrCacheMiss)
}

// HTTPGeoProvider queries an ipapi.co compatible JSON endpoint. urlTemplate
// contains a single %s for the IP.
type HTTPGeoProvider struct {
	urlTemplate string
	client      *http.Client
}

func NewHTTPGeoProvider(urlTemplate string, timeout time.Duration) *HTTPGeoProvider {
	return &HTTPGeoProvider{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: timeout},
	}
}

type ipapiResponse struct {
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
	CountryName string `json:"country_name"`
	City        string `json:"city"`
}

func (p *HTTPGeoProvider) Lookup(ctx context.Context, ip string) (models.GeoResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(p.urlTemplate, url.PathEscape(ip)), nil)
	if err != nil {
		return models.GeoResult{}, err
	}
	req.Header.Set("User-Agent", "iptracker/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.GeoResult{}, fmt.Errorf("geo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.GeoResult{}, fmt.Errorf("geo provider returned status %d", resp.StatusCode)
	}

	var body ipapiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return models.GeoResult{}, fmt.Errorf("decode geo response: %w", err)
	}
	if body.Error {
		return models.GeoResult{}, fmt.Errorf("geo provider error: %s", body.Reason)
	}
	return models.GeoResult{Country: body.CountryName, City: body.City}, nil
}

// MaxMindProvider reads a local GeoLite2-City database. The reader is swapped
// in place by Reload after the database file is refreshed.
type MaxMindProvider struct {
	path   string
	mu     sync.RWMutex
	reader *geoip2.Reader
}

func NewMaxMindProvider(dir string) *MaxMindProvider {
	p := &MaxMindProvider{path: filepath.Join(dir, GeoCityDB)}
	if err := p.Reload(); err != nil {
		zlog.Warn().Err(err).Str("path", p.path).Msg("GeoLite2-City not loaded yet")
	}
	return p
}

func (p *MaxMindProvider) Path() string {
	return p.path
}

func (p *MaxMindProvider) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reader != nil
}

func (p *MaxMindProvider) Reload() error {
	if _, err := os.Stat(p.path); err != nil {
		return err
	}
	reader, err := geoip2.Open(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.reader
	p.reader = reader
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	zlog.Info().Str("path", p.path).Msg("Loaded GeoLite2-City")
	return nil
}

func (p *MaxMindProvider) Lookup(_ context.Context, ip string) (models.GeoResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.reader == nil {
		return models.GeoResult{}, ErrGeoUnavailable
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return models.GeoResult{}, fmt.Errorf("invalid IP %q", ip)
	}
	record, err := p.reader.City(parsed)
	if err != nil {
		return models.GeoResult{}, err
	}
	if record.Country.IsoCode == "" {
		return models.GeoResult{}, fmt.Errorf("no location for %s", ip)
	}
	return models.GeoResult{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
	}, nil
}

func (p *MaxMindProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reader == nil {
		return nil
	}
	err := p.reader.Close()
	p.reader = nil
	return err
}
