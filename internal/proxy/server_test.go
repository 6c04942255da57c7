package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/raaihank/input-sentinel/internal/audit"
	"github.com/raaihank/input-sentinel/internal/cache"
	"github.com/raaihank/input-sentinel/internal/config"
	"github.com/raaihank/input-sentinel/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoed struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Query  string `json:"query"`
	Body   string `json:"body"`
	Length int64  `json:"length"`
}

type upstreamRecorder struct {
	mu    sync.Mutex
	calls []echoed
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	e := echoed{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body), Length: r.ContentLength}
	u.mu.Lock()
	u.calls = append(u.calls, e)
	u.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(e)
}

func (u *upstreamRecorder) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

func (u *upstreamRecorder) last() echoed {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[len(u.calls)-1]
}

type fakeOffenders struct {
	mu      sync.Mutex
	counts  map[string]int64
	banned  map[string]bool
	err     error
	forgave []string
}

func newFakeOffenders() *fakeOffenders {
	return &fakeOffenders{counts: map[string]int64{}, banned: map[string]bool{}}
}

func (f *fakeOffenders) Record(ctx context.Context, ip string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[ip]++
	return f.counts[ip], f.err
}

func (f *fakeOffenders) Count(ctx context.Context, ip string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[ip], f.err
}

func (f *fakeOffenders) IsBanned(ctx context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[ip], f.err
}

func (f *fakeOffenders) Forgive(ctx context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, ip)
	f.forgave = append(f.forgave, ip)
	return f.err
}

func (f *fakeOffenders) Close() error { return nil }

func (f *fakeOffenders) GetStats(ctx context.Context) (*cache.OffenderStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &cache.OffenderStats{TrackedClients: int64(len(f.counts))}, f.err
}

func (f *fakeOffenders) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = map[string]int64{}
	return f.err
}

type fakeSink struct {
	mu     sync.Mutex
	events []*audit.Event
	full   bool
}

func (f *fakeSink) Record(e *audit.Event) bool {
	if f.full {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return true
}

func (f *fakeSink) byKind(kind audit.Kind) []*audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*audit.Event
	for _, e := range f.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	server    *Server
	upstream  *upstreamRecorder
	offenders *fakeOffenders
	sink      *fakeSink
	metrics   *metrics.Collector
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	up := &upstreamRecorder{}
	upstream := httptest.NewServer(up)
	t.Cleanup(upstream.Close)

	cfg := config.GetDefaults()
	cfg.Upstream.URL = upstream.URL
	cfg.Filter.Deny = "<script,(?i)drop\\s+table"
	cfg.Admin = config.AdminConfig{Username: "ops", Password: "secret"}
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		upstream:  up,
		offenders: newFakeOffenders(),
		sink:      &fakeSink{},
		metrics:   metrics.NewCollector("test", nil),
	}

	s, err := New(cfg, nil, WithOffenders(f.offenders), WithAuditSink(f.sink), WithMetrics(f.metrics))
	require.NoError(t, err)
	f.server = s
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

// adminRequest builds a request to an operator endpoint carrying the
// fixture's credentials.
func adminRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.SetBasicAuth("ops", "secret")
	return req
}

func formRequest(target string, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestNewRejectsBadUpstream(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Upstream.URL = "not a url"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNewRejectsBadPattern(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Filter.Deny = "(unclosed"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestCleanRequestForwardedUnchanged(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/search?q=hello&page=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.upstream.count())
	assert.Equal(t, "/search", f.upstream.last().Path)
	assert.Equal(t, "q=hello&page=2", f.upstream.last().Query)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	assert.Contains(t, scrape(t, f), `test_requests_total{decision="admit"} 1`)
}

func TestDeniedValueBlocked(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/search?q="+url.QueryEscape("<script>alert(1)</script>"), nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := f.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 0, f.upstream.count())

	count, _ := f.offenders.Count(context.Background(), "192.0.2.10")
	assert.Equal(t, int64(1), count)

	events := f.sink.byKind(audit.KindRejection)
	require.Len(t, events, 1)
	assert.Equal(t, "q", events[0].Parameter)
	assert.Equal(t, "value", events[0].Field)
	assert.Equal(t, sourceQuery, events[0].Source)
	assert.Equal(t, "192.0.2.10", events[0].ClientIP)
	assert.Equal(t, config.ModeBlock, events[0].Mode)
	assert.NotEqual(t, "unknown", events[0].RequestID)
}

func TestDeniedNameBlocked(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/?"+url.QueryEscape("drop table users")+"=1", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	events := f.sink.byKind(audit.KindRejection)
	require.Len(t, events, 1)
	assert.Equal(t, "name", events[0].Field)
}

func TestAllowListDefaultsClosed(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Filter.Deny = ""
		cfg.Filter.Allow = `^[a-z0-9]+$`
	})

	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/?q=abc", nil)).Code)
	assert.Equal(t, http.StatusForbidden, f.do(httptest.NewRequest(http.MethodGet, "/?q=ABC", nil)).Code)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func TestQueryEscaped(t *testing.T) {
	f := newFixture(t, nil)

	q := url.Values{"q": {`<b>"hi"</b>`}}.Encode()
	rec := f.do(httptest.NewRequest(http.MethodGet, "/search?"+q, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	forwarded, err := url.ParseQuery(f.upstream.last().Query)
	require.NoError(t, err)
	assert.Equal(t, "&lt;b&gt;&quot;hi&quot;&lt;/b&gt;", forwarded.Get("q"))

	subs := f.sink.byKind(audit.KindSubstitution)
	require.NotEmpty(t, subs)
	assert.Equal(t, `"`, subs[0].Pattern)
}

func TestFormBodyEscaped(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(formRequest("/comment", "author=bob&text="+url.QueryEscape("it's")))

	require.Equal(t, http.StatusOK, rec.Code)
	got := f.upstream.last()
	assert.Equal(t, "author=bob&text=it%26%2339%3Bs", got.Body)
	assert.Equal(t, int64(len(got.Body)), got.Length)
}

func TestFormBodyDenied(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(formRequest("/comment", "text="+url.QueryEscape("DROP  TABLE accounts")))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	events := f.sink.byKind(audit.KindRejection)
	require.Len(t, events, 1)
	assert.Equal(t, sourceForm, events[0].Source)
}

func TestFormBodyNotScreenedWhenDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Filter.ScreenFormBody = false
	})

	body := "text=" + url.QueryEscape("<script>")
	rec := f.do(formRequest("/comment", body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, f.upstream.last().Body)
}

func TestNonFormBodyUntouched(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(`{"q":"<script>"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"q":"<script>"}`, f.upstream.last().Body)
}

func TestFormBodyTooLarge(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Filter.MaxBodyBytes = 8
	})

	rec := f.do(formRequest("/comment", "text=0123456789"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, f.upstream.count())
}

func TestRewriteOverLimitForwardsUnfiltered(t *testing.T) {
	body := "a=" + url.QueryEscape("<<<<")
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Filter.MaxBodyBytes = int64(len(body))
	})

	rec := f.do(formRequest("/comment", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, f.upstream.last().Body)
	assert.Len(t, f.sink.byKind(audit.KindHostError), 1)
	assert.Empty(t, f.sink.byKind(audit.KindSubstitution))
	assert.Contains(t, scrape(t, f), "test_host_integration_errors_total 1")
}

func TestMalformedQuery(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.RawQuery = "q=%zz"
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	f = newFixture(t, func(cfg *config.Config) { cfg.Filter.Mode = config.ModeLog })
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.RawQuery = "q=%zz"
	assert.Equal(t, http.StatusOK, f.do(req).Code)
}

func TestLogModeForwardsRejected(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Filter.Mode = config.ModeLog
	})

	q := "q=" + url.QueryEscape("<script>")
	rec := f.do(httptest.NewRequest(http.MethodGet, "/?"+q, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, q, f.upstream.last().Query)

	events := f.sink.byKind(audit.KindRejection)
	require.Len(t, events, 1)
	assert.Equal(t, config.ModeLog, events[0].Mode)
	assert.Contains(t, scrape(t, f), `test_requests_total{decision="logged"} 1`)
}

func TestFilterDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Filter.Enabled = false
	})

	q := "q=" + url.QueryEscape("<script>")
	rec := f.do(httptest.NewRequest(http.MethodGet, "/?"+q, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, q, f.upstream.last().Query)
}

func TestBannedClientRefused(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
	})
	f.offenders.banned["198.51.100.7"] = true

	req := httptest.NewRequest(http.MethodGet, "/?q=hello", nil)
	req.RemoteAddr = "10.0.0.2:40000"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	rec := f.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, f.upstream.count())
	events := f.sink.byKind(audit.KindBanned)
	require.Len(t, events, 1)
	assert.Equal(t, "198.51.100.7", events[0].ClientIP)
}

func TestBanSurvivesSpoofedForwardingHeaders(t *testing.T) {
	f := newFixture(t, nil)
	f.offenders.banned["203.0.113.9"] = true

	for _, header := range []string{"X-Forwarded-For", "X-Real-IP"} {
		req := httptest.NewRequest(http.MethodGet, "/?q=hello", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		req.Header.Set(header, "1.2.3.4")

		assert.Equal(t, http.StatusForbidden, f.do(req).Code, header)
	}
	assert.Equal(t, 0, f.upstream.count())

	// An untrusted client cannot lift its own ban either.
	req := httptest.NewRequest(http.MethodDelete, offendersPath+"/203.0.113.9", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	req = httptest.NewRequest(http.MethodDelete, offendersPath, nil)
	req.RemoteAddr = "203.0.113.9:5000"
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	assert.Empty(t, f.offenders.forgave)
}

func TestRejectionsKeyedOnPeerAddress(t *testing.T) {
	f := newFixture(t, nil)

	for _, spoofed := range []string{"1.1.1.1", "2.2.2.2"} {
		req := httptest.NewRequest(http.MethodGet, "/?q="+url.QueryEscape("<script>"), nil)
		req.RemoteAddr = "192.0.2.50:6000"
		req.Header.Set("X-Forwarded-For", spoofed)
		require.Equal(t, http.StatusForbidden, f.do(req).Code)
	}

	count, _ := f.offenders.Count(context.Background(), "192.0.2.50")
	assert.Equal(t, int64(2), count)
}

func TestOffenderStoreOutageFailsOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.offenders.err = errors.New("redis down")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/?q=hello", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerMin = 1
		cfg.RateLimit.Burst = 1
	})

	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestAuditDropCounted(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.full = true

	f.do(httptest.NewRequest(http.MethodGet, "/?q="+url.QueryEscape("<script>"), nil))
	assert.Contains(t, scrape(t, f), "test_audit_events_dropped_total 1")
}

func TestUpstreamUnavailable(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Upstream.URL = "http://127.0.0.1:1"
	s, err := New(cfg, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestReloadFilter(t *testing.T) {
	f := newFixture(t, nil)
	before := f.server.Engine()

	bad := f.server.config.Filter
	bad.Deny = "(unclosed"
	require.Error(t, f.server.ReloadFilter(bad))
	assert.Same(t, before, f.server.Engine())

	good := f.server.config.Filter
	good.Deny = "forbidden"
	require.NoError(t, f.server.ReloadFilter(good))
	assert.NotSame(t, before, f.server.Engine())

	assert.Equal(t, http.StatusForbidden, f.do(httptest.NewRequest(http.MethodGet, "/?q=forbidden", nil)).Code)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/?q="+url.QueryEscape("<script>"), nil)).Code)

	out := scrape(t, f)
	assert.Contains(t, out, `test_config_reloads_total{result="error"} 1`)
	assert.Contains(t, out, `test_config_reloads_total{result="success"} 1`)
}

func TestStopWithoutStart(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.server.Stop(context.Background()))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		header  map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, nil, "192.0.2.1:1234", "192.0.2.1"},
		{"no port", nil, nil, "192.0.2.2", "192.0.2.2"},
		{"forwarded for from untrusted peer", nil, map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.1:80", "192.0.2.1"},
		{"real ip from untrusted peer", nil, map[string]string{"X-Real-IP": "203.0.113.10"}, "192.0.2.1:80", "192.0.2.1"},
		{"forwarded for from trusted proxy", []string{"10.0.0.1"}, map[string]string{"X-Forwarded-For": "203.0.113.9"}, "10.0.0.1:80", "203.0.113.9"},
		{"spoofed leftmost hop skipped", []string{"10.0.0.0/8"}, map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.9, 10.0.0.5"}, "10.0.0.1:80", "203.0.113.9"},
		{"every hop trusted", []string{"10.0.0.0/8"}, map[string]string{"X-Forwarded-For": "10.0.0.7, 10.0.0.5"}, "10.0.0.1:80", "10.0.0.7"},
		{"garbage hop", []string{"10.0.0.0/8"}, map[string]string{"X-Forwarded-For": "not-an-ip, 10.0.0.5"}, "10.0.0.1:80", "10.0.0.5"},
		{"real ip from trusted proxy", []string{"10.0.0.1"}, map[string]string{"X-Real-IP": "203.0.113.10"}, "10.0.0.1:80", "203.0.113.10"},
		{"invalid real ip", []string{"10.0.0.1"}, map[string]string{"X-Real-IP": "unknown"}, "10.0.0.1:80", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(cfg *config.Config) {
				cfg.Server.TrustedProxies = tt.trusted
			})

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, f.server.clientIP(r))
		})
	}
}

func TestNewRejectsBadTrustedProxy(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Server.TrustedProxies = []string{"proxy.internal"}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func scrape(t *testing.T, f *fixture) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
