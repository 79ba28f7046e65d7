package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"venuecal/internal/config"
	"venuecal/internal/ics"
	"venuecal/internal/listing"
	appLog "venuecal/internal/log"
	"venuecal/internal/model"
	"venuecal/internal/recurrence"
	"venuecal/internal/tzclock"
)

// maxCachedRanges bounds the response cache; it is cleared when full.
const maxCachedRanges = 64

// EventSource supplies the active event definitions to list.
// *store.Store implements it.
type EventSource interface {
	ListActive(ctx context.Context) ([]model.EventDefinition, error)
}

// Server provides the public listing API: /health, /api/events and
// /calendar.ics.
type Server struct {
	cfg      *config.Config
	loc      *time.Location
	events   EventSource
	expander *recurrence.Expander
	mux      *http.ServeMux
	limiter  *rate.Limiter
	now      func() time.Time

	// In-memory cache of expanded listings keyed by requested range, to
	// avoid reading the store and expanding on every request.
	cacheMu sync.RWMutex
	cache   map[string]*listingCache
}

// listingCache holds one expanded range and its timestamp.
type listingCache struct {
	result    listingResult
	updatedAt time.Time
}

type listingResult struct {
	resp        eventsResponse
	occurrences []model.Occurrence
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	RangeStart        time.Time            `json:"range_start"`
	RangeEnd          time.Time            `json:"range_end"`
	Timezone          string               `json:"timezone"`
	Months            []listing.MonthGroup `json:"months"`
	FailedEventIDs    []string             `json:"failed_event_ids"`
	TruncatedEventIDs []string             `json:"truncated_event_ids"`
}

// NewServer constructs a new Server. loc is the business timezone and
// must be the one cfg.Timezone names.
func NewServer(cfg *config.Config, loc *time.Location, events EventSource) *Server {
	s := &Server{
		cfg:      cfg,
		loc:      loc,
		events:   events,
		expander: recurrence.NewExpander(nil),
		mux:      http.NewServeMux(),
		now:      time.Now,
		cache:    make(map[string]*listingCache),
	}
	if cfg.RateLimit.PerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	if s.limiter != nil {
		h = s.rateLimitMiddleware(h)
	}
	return h
}

// InvalidateCache drops every cached listing. The feed sync calls it after
// the store changed.
func (s *Server) InvalidateCache() {
	s.cacheMu.Lock()
	s.cache = make(map[string]*listingCache)
	s.cacheMu.Unlock()
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="venuecal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects requests beyond the configured rate with 429.
// /health is never limited.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleEvents returns the occurrences of every active event within the
// requested business-timezone date range, grouped by month.
//
// GET /api/events?from=YYYY-MM-DD&to=YYYY-MM-DD
//   - from: first listed date (default today)
//   - to:   last listed date, inclusive (default from + horizon_days)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	res, status, err := s.listing(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res.resp)
}

// handleCalendar exports the same range as /api/events as an ICS feed.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	res, status, err := s.listing(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	var buf bytes.Buffer
	err = ics.WriteCalendar(&buf, res.occurrences, ics.ExportOptions{
		Name:     s.cfg.CalendarName,
		Timezone: s.loc.String(),
		Stamp:    s.now(),
	})
	if err != nil {
		appLog.Error("calendar export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="calendar.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// listing resolves the request range and returns the (possibly cached)
// expansion. On error it also returns the HTTP status to answer with.
func (s *Server) listing(r *http.Request) (listingResult, int, error) {
	from, to, err := s.parseRange(r)
	if err != nil {
		return listingResult{}, http.StatusBadRequest, err
	}
	key := from.Date() + "|" + to.Date()

	ttl := s.cfg.CacheTTL()
	if ttl > 0 {
		s.cacheMu.RLock()
		lc := s.cache[key]
		s.cacheMu.RUnlock()
		if lc != nil && s.now().Sub(lc.updatedAt) < ttl {
			return lc.result, http.StatusOK, nil
		}
	}

	rangeStart := tzclock.ToInstantParts(from, s.loc)
	rangeEnd := tzclock.ToInstant(to.Year, to.Month, to.Day, 23, 59, 59, s.loc)

	appLog.Debug("api events request",
		"from", from.Date(),
		"to", to.Date(),
		"timezone", s.loc.String(),
	)

	events, err := s.events.ListActive(r.Context())
	if err != nil {
		appLog.Error("api events: list active events failed", err)
		return listingResult{}, http.StatusInternalServerError, errors.New("failed to load events")
	}

	expanded, err := s.expander.ExpandAll(events, recurrence.ExpandConfig{
		Location:               s.loc,
		RangeStart:             rangeStart,
		RangeEnd:               rangeEnd,
		MaxOccurrencesPerEvent: s.cfg.MaxOccurrencesPerEvent,
	})
	if err != nil {
		appLog.Error("api events: expand failed", err)
		return listingResult{}, http.StatusInternalServerError, errors.New("failed to expand events")
	}

	res := listingResult{
		resp: eventsResponse{
			RangeStart:        rangeStart,
			RangeEnd:          rangeEnd,
			Timezone:          s.loc.String(),
			Months:            listing.GroupByMonth(expanded.Occurrences, s.loc),
			FailedEventIDs:    nonNil(expanded.FailedEvents),
			TruncatedEventIDs: nonNil(expanded.TruncatedEvents),
		},
		occurrences: expanded.Occurrences,
	}

	if ttl > 0 {
		s.cacheMu.Lock()
		if len(s.cache) >= maxCachedRanges {
			s.cache = make(map[string]*listingCache)
		}
		s.cache[key] = &listingCache{result: res, updatedAt: s.now()}
		s.cacheMu.Unlock()
	}
	return res, http.StatusOK, nil
}

// parseRange reads from/to as business-timezone dates. A missing from is
// today, a missing to is from plus horizon_days.
func (s *Server) parseRange(r *http.Request) (from, to tzclock.Parts, err error) {
	q := r.URL.Query()

	from = tzclock.WallClockParts(s.now(), s.loc).WithClock(tzclock.Parts{})
	if v := q.Get("from"); v != "" {
		if from, err = parseDate(v); err != nil {
			return from, to, fmt.Errorf("invalid from: %w", err)
		}
	}
	to = from.AddDays(s.cfg.HorizonDays)
	if v := q.Get("to"); v != "" {
		if to, err = parseDate(v); err != nil {
			return from, to, fmt.Errorf("invalid to: %w", err)
		}
	}

	span := tzclock.DaysBetween(from, to)
	if span < 0 {
		return from, to, errors.New("from must not be after to")
	}
	if span > s.cfg.MaxRangeDays {
		return from, to, fmt.Errorf("range spans %d days; the maximum is %d", span, s.cfg.MaxRangeDays)
	}
	return from, to, nil
}

func parseDate(v string) (tzclock.Parts, error) {
	t, err := time.Parse(tzclock.DateLayout, v)
	if err != nil {
		return tzclock.Parts{}, errors.New("expected YYYY-MM-DD")
	}
	return tzclock.FloatingParts(t), nil
}

func allowRead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
