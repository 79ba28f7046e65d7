package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "venuecal/internal/log"
	"venuecal/internal/store"
)

// maxFeedBytes bounds a single feed download.
const maxFeedBytes = 16 << 20

// Source represents a single ICS subscription feed.
type Source struct {
	// ID is the feed identifier from config; imported events carry it as
	// their Source.
	ID   string
	Name string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
}

// FeedCache keeps the last good body of each feed together with its HTTP
// validators. *store.Store implements it.
type FeedCache interface {
	LoadFeed(ctx context.Context, feedID string) (store.FeedCache, error)
	SaveFeed(ctx context.Context, fc store.FeedCache) error
}

// Fetcher fetches ICS feeds with HTTP caching (ETag / Last-Modified),
// falling back to the cached body when the upstream is unavailable.
type Fetcher struct {
	client *http.Client
	cache  FeedCache
}

// NewFetcher creates a new Fetcher. A nil client gets a 15s timeout; a nil
// cache disables conditional requests and fallbacks.
func NewFetcher(cache FeedCache, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, cache: cache}
}

// FetchAll fetches all given sources. Failed sources are logged and their
// errors returned; results only holds sources that produced a body.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	errs := make([]error, 0)

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, err)
			appLog.Error("ics fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		results = append(results, res)
	}

	return results, errs
}

// FetchOne fetches a single feed, honoring ETag and Last-Modified.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, fmt.Errorf("feed %s: URL is empty", src.ID)
	}

	cached := f.loadCache(ctx, src)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("feed %s: %w", src.ID, err)
	}
	req.Header.Set("Accept", "text/calendar")
	if cached.ETag != "" {
		req.Header.Set("If-None-Match", cached.ETag)
	}
	if cached.LastModified != "" {
		req.Header.Set("If-Modified-Since", cached.LastModified)
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached.Body) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "id", src.ID, "url", redactURL(src.URL))
			return FetchResult{Source: src, Body: cached.Body, FromCache: true}, nil
		}
		return FetchResult{}, fmt.Errorf("feed %s: %w", src.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
		if readErr != nil {
			return FetchResult{}, fmt.Errorf("feed %s: read body: %w", src.ID, readErr)
		}

		if f.cache != nil {
			err := f.cache.SaveFeed(ctx, store.FeedCache{
				FeedID:       src.ID,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				Body:         body,
				FetchedAt:    time.Now().UTC(),
			})
			if err != nil {
				appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
			}
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cached.Body) == 0 {
			return FetchResult{}, fmt.Errorf("feed %s: received 304 Not Modified but no cached body available", src.ID)
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cached.Body, FromCache: true}, nil

	default:
		statusErr := errors.New(resp.Status)
		if len(cached.Body) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", statusErr, "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode)
			return FetchResult{Source: src, Body: cached.Body, FromCache: true}, nil
		}
		return FetchResult{}, fmt.Errorf("feed %s: %w", src.ID, statusErr)
	}
}

func (f *Fetcher) loadCache(ctx context.Context, src Source) store.FeedCache {
	if f.cache == nil {
		return store.FeedCache{}
	}
	fc, err := f.cache.LoadFeed(ctx, src.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			appLog.Error("ics cache load failed", err, "id", src.ID)
		}
		return store.FeedCache{}
	}
	return fc
}

// redactURL hides the path and query of a feed URL for logging; private
// calendar links usually carry their token there.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j != -1 {
		rest = rest[:j]
	}
	if at := strings.LastIndex(rest, "@"); at != -1 {
		rest = rest[at+1:]
	}
	return u[:i+3] + rest + redactedSuffix
}
