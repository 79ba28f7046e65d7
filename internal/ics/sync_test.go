package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venuecal/internal/store"
)

// feedServer serves body with an ETag and answers conditional requests.
type feedServer struct {
	body   atomic.Value
	status atomic.Int32
	hits   atomic.Int32
	ifNone atomic.Value
}

func newFeedServer(t *testing.T, body string) (*feedServer, *httptest.Server) {
	t.Helper()
	fs := &feedServer{}
	fs.body.Store(body)
	fs.ifNone.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		fs.ifNone.Store(r.Header.Get("If-None-Match"))
		if code := fs.status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		body := fs.body.Load().(string)
		etag := `"` + etagOf(body) + `"`
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func etagOf(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:8])
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFetcherUsesETagAndFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFeedServer(t, string(crlf(venueFeed)))
	st := openStore(t)
	f := NewFetcher(st, srv.Client())
	src := Source{ID: "venue", URL: srv.URL + "/venue.ics"}

	res, err := f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, string(crlf(venueFeed)), string(res.Body))

	cached, err := st.LoadFeed(ctx, "venue")
	require.NoError(t, err)
	assert.NotEmpty(t, cached.ETag)

	res, err = f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, cached.ETag, fs.ifNone.Load())

	fs.status.Store(http.StatusBadGateway)
	res, err = f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, string(crlf(venueFeed)), string(res.Body))
	assert.EqualValues(t, 3, fs.hits.Load())
}

func TestFetcherErrors(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFeedServer(t, "")
	fs.status.Store(http.StatusNotFound)
	f := NewFetcher(nil, srv.Client())

	_, err := f.FetchOne(ctx, Source{ID: "gone", URL: srv.URL})
	assert.ErrorContains(t, err, "404")

	_, err = f.FetchOne(ctx, Source{ID: "empty"})
	assert.Error(t, err)

	results, errs := f.FetchAll(ctx, []Source{{ID: "gone", URL: srv.URL}, {ID: "empty"}})
	assert.Empty(t, results)
	assert.Len(t, errs, 2)
}

func TestImporterSyncAll(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFeedServer(t, string(crlf(venueFeed)))
	st := openStore(t)
	loc := mustLoad(t, "America/New_York")
	im := NewImporter(NewFetcher(st, srv.Client()), st, loc)
	sources := []Source{{ID: "venue", URL: srv.URL}}

	report, err := im.SyncAll(ctx, sources)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Feeds)
	assert.Equal(t, 4, report.Imported)
	assert.Zero(t, report.Deactivated)

	active, err := st.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3, "the cancelled gala is stored inactive")

	trivia, err := st.GetEvent(ctx, "venue/trivia-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-09", "2024-01-16", "2024-01-23"}, trivia.Exceptions)

	// The closed-day event disappears from the feed.
	trimmed := strings.Replace(venueFeed, `BEGIN:VEVENT
UID:closed
DTSTAMP:20240101T000000Z
SUMMARY:Closed for the holiday
DTSTART;VALUE=DATE:20240101
DTEND;VALUE=DATE:20240102
END:VEVENT
`, "", 1)
	require.NotEqual(t, venueFeed, trimmed)
	fs.body.Store(string(crlf(trimmed)))

	report, err = im.SyncAll(ctx, sources)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Imported)
	assert.Equal(t, 1, report.Deactivated)

	closed, err := st.GetEvent(ctx, "venue/closed")
	require.NoError(t, err)
	assert.False(t, closed.IsActive)
}

func TestImporterReportsFailedFeeds(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFeedServer(t, "")
	fs.status.Store(http.StatusInternalServerError)
	st := openStore(t)
	im := NewImporter(NewFetcher(st, srv.Client()), st, mustLoad(t, "America/New_York"))

	report, err := im.SyncAll(ctx, []Source{{ID: "broken", URL: srv.URL}})
	assert.Error(t, err)
	assert.Equal(t, []string{"broken"}, report.FailedFeeds)
}

func TestImportBody(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	im := NewImporter(NewFetcher(st, nil), st, mustLoad(t, "America/New_York"))

	n, err := im.ImportBody(ctx, Source{ID: "file"}, crlf(venueFeed))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	all, err := st.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	for _, ev := range all {
		assert.Equal(t, "file", ev.Source)
	}

	_, err = im.ImportBody(ctx, Source{ID: "file"}, []byte("garbage"))
	assert.Error(t, err)
}
