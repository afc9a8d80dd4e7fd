// Package news serves a short financial news feed for the dashboard.
//
// Articles are fetched from a configured JSON feed and cached. When the feed
// cannot be reached the last good articles are served, and when there are
// none a fixed sample set is. Both fallbacks are flagged as degraded.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fintrack/fintrack/internal/schema"
	"github.com/patrickmn/go-cache"
)

const (
	freshKey = "articles"
	staleKey = "articles-stale"

	// DefaultLimit is how many articles a response carries.
	DefaultLimit = 3
)

// Provider fetches and caches news articles.
type Provider struct {
	url    string
	limit  int
	http   *http.Client
	cache  *cache.Cache
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the client used to fetch the feed.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.http = c }
}

// WithLimit sets how many articles are returned.
func WithLimit(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithClock replaces the time source used for sample dates.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a provider for feedURL. An empty URL always serves samples.
// Fetched articles stay fresh for ttl.
func New(feedURL string, ttl time.Duration, opts ...Option) *Provider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	p := &Provider{
		url:    feedURL,
		limit:  DefaultLimit,
		http:   &http.Client{Timeout: 10 * time.Second},
		cache:  cache.New(ttl, 2*ttl),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Articles returns the current feed. It never fails: errors are logged and
// reported through the Degraded flag.
func (p *Provider) Articles(ctx context.Context) schema.NewsResponse {
	if cached, ok := p.cache.Get(freshKey); ok {
		return cached.(schema.NewsResponse)
	}

	if p.url != "" {
		articles, err := p.fetch(ctx)
		if err == nil {
			resp := schema.NewsResponse{Articles: articles, FetchedAt: p.now().UTC()}
			p.cache.SetDefault(freshKey, resp)
			p.cache.Set(staleKey, resp, cache.NoExpiration)
			return resp
		}
		p.logger.Warn("news feed unavailable", "url", p.url, "error", err)

		if stale, ok := p.cache.Get(staleKey); ok {
			resp := stale.(schema.NewsResponse)
			resp.Degraded = true
			return resp
		}
	}

	return schema.NewsResponse{
		Articles:  Samples(p.now()),
		Degraded:  true,
		FetchedAt: p.now().UTC(),
	}
}

// feedItem is one entry of an Alpha Vantage style NEWS_SENTIMENT feed.
type feedItem struct {
	Title         string `json:"title"`
	Summary       string `json:"summary"`
	URL           string `json:"url"`
	Source        string `json:"source"`
	TimePublished string `json:"time_published"`
}

type feed struct {
	Feed []feedItem `json:"feed"`
}

func (p *Provider) fetch(ctx context.Context) ([]schema.NewsArticle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned %s", resp.Status)
	}

	var f feed
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode feed: %w", err)
	}
	if len(f.Feed) == 0 {
		return nil, fmt.Errorf("feed has no articles")
	}

	n := min(len(f.Feed), p.limit)
	articles := make([]schema.NewsArticle, 0, n)
	for _, item := range f.Feed[:n] {
		articles = append(articles, schema.NewsArticle{
			Title:       item.Title,
			Summary:     item.Summary,
			URL:         item.URL,
			Source:      item.Source,
			PublishedAt: parsePublished(item.TimePublished, p.now()),
		})
	}
	return articles, nil
}

// parsePublished accepts the compact 20240131T154500 form as well as
// RFC 3339. Unparseable values fall back to now.
func parsePublished(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"20060102T150405", "20060102T1504", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return now.UTC()
}

// Samples returns the built-in articles, dated today and the two days
// before.
func Samples(now time.Time) []schema.NewsArticle {
	day := 24 * time.Hour
	return []schema.NewsArticle{
		{
			Title:       "Euro area inflation edges up",
			Summary:     "Eurostat's latest estimate puts annual inflation in the euro area at 2.5%, up from the previous month.",
			URL:         "https://www.ft.com",
			Source:      "Financial Times",
			PublishedAt: now.UTC(),
		},
		{
			Title:       "New banking capital rules take effect",
			Summary:     "Banks must meet the new reserve capital requirements starting next month.",
			URL:         "https://www.wsj.com",
			Source:      "Wall Street Journal",
			PublishedAt: now.Add(-day).UTC(),
		},
		{
			Title:       "Bitcoin climbs back above $60,000",
			Summary:     "The largest cryptocurrency crossed $60,000 again after a period of declines.",
			URL:         "https://www.bloomberg.com",
			Source:      "Bloomberg",
			PublishedAt: now.Add(-2 * day).UTC(),
		},
	}
}
