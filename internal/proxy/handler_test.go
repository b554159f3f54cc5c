package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/zyling-ai/install-relay/internal/cache"
	"github.com/zyling-ai/install-relay/internal/config"
	"github.com/zyling-ai/install-relay/internal/logging"
	"github.com/zyling-ai/install-relay/internal/server"
)

const (
	testScriptPath   = "/Zyling-ai/zyhive/main/scripts/install.sh"
	testLatestPath   = "/repos/Zyling-ai/zyhive/releases/latest"
	testDownloadPath = "/Zyling-ai/zyhive/releases/download/"
	testScriptBody   = "#!/bin/sh\necho install\n"
	testReleaseJSON  = `{"tag_name":"v0.9.7","published_at":"2024-05-01T08:00:00Z","assets":[]}`
)

var testBinary = strings.Repeat("zyhive-binary-", 4096)

// fakeUpstream 模拟 raw / api / download 三个上游，并统计每条路径的请求次数。
type fakeUpstream struct {
	*httptest.Server

	mu      sync.Mutex
	hits    map[string]int
	headers map[string]http.Header

	scriptStatus  int
	latestStatus  int
	latestBody    string
	downloadCode  int
	omitLength    bool
	downloadDelay time.Duration
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	up := &fakeUpstream{
		hits:         map[string]int{},
		headers:      map[string]http.Header{},
		scriptStatus: http.StatusOK,
		latestStatus: http.StatusOK,
		latestBody:   testReleaseJSON,
		downloadCode: http.StatusOK,
	}
	up.Server = httptest.NewServer(http.HandlerFunc(up.serve))
	t.Cleanup(up.Close)
	return up
}

func (u *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.hits[r.URL.Path]++
	u.headers[r.URL.Path] = r.Header.Clone()
	u.mu.Unlock()

	switch {
	case r.URL.Path == testScriptPath:
		if u.scriptStatus != http.StatusOK {
			w.WriteHeader(u.scriptStatus)
			return
		}
		w.Header().Set("Content-Type", "application/x-sh")
		_, _ = io.WriteString(w, testScriptBody)
	case r.URL.Path == testLatestPath:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(u.latestStatus)
		_, _ = io.WriteString(w, u.latestBody)
	case strings.HasPrefix(r.URL.Path, testDownloadPath):
		if u.downloadCode != http.StatusOK {
			http.Error(w, "missing", u.downloadCode)
			return
		}
		if u.downloadDelay > 0 {
			time.Sleep(u.downloadDelay)
		}
		if u.omitLength {
			// 分块写出，上游不提供 Content-Length。
			half := len(testBinary) / 2
			_, _ = io.WriteString(w, testBinary[:half])
			w.(http.Flusher).Flush()
			_, _ = io.WriteString(w, testBinary[half:])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(testBinary)))
		_, _ = io.WriteString(w, testBinary)
	default:
		http.NotFound(w, r)
	}
}

func (u *fakeUpstream) hitCount(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *fakeUpstream) totalHits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, n := range u.hits {
		total += n
	}
	return total
}

func (u *fakeUpstream) lastHeader(path string) http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.headers[path]
}

type relayHarness struct {
	app      *fiber.App
	store    cache.Store
	cfg      *config.Config
	upstream *fakeUpstream
}

func newRelayHarness(t *testing.T, up *fakeUpstream, store cache.Store) *relayHarness {
	t.Helper()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			RawBase:      up.URL,
			APIBase:      up.URL,
			DownloadBase: up.URL,
		},
		Cache: config.CacheConfig{
			CacheBackend: config.BackendMemory,
			SpoolPath:    t.TempDir(),
		},
	}
	config.ApplyDefaults(cfg)

	if store == nil {
		store = cache.NewMemoryStore(0, 0)
	}
	logger := logging.NewDiscardLogger()
	populator := cache.NewPopulator(store, cfg.Cache.CacheBackend, logger, cache.PopulatorOptions{
		Workers:   2,
		QueueSize: 32,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = populator.Close(ctx)
	})

	handler, err := NewHandler(Options{
		Client:    server.NewUpstreamClient(cfg.Upstream),
		Logger:    logger,
		Store:     store,
		Populator: populator,
		Upstream:  cfg.Upstream,
		Cache:     cfg.Cache,
	})
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Relay:    handler,
		Upstream: cfg.Upstream,
	})
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}

	return &relayHarness{app: app, store: store, cfg: cfg, upstream: up}
}

func (h *relayHarness) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://install.local"+target, nil)
	resp, err := h.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test(%s) failed: %v", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

// waitForEntry 轮询缓存直到后台写入完成。
func waitForEntry(t *testing.T, store cache.Store, key string) cache.Entry {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		res, err := store.Get(context.Background(), key)
		if err == nil {
			res.Reader.Close()
			return res.Entry
		}
		if !errors.Is(err, cache.ErrNotFound) {
			t.Fatalf("store.Get(%s): %v", key, err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache entry %s was not populated in time", key)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func expectNoEntry(t *testing.T, store cache.Store, key string) {
	t.Helper()
	if _, err := store.Get(context.Background(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected no cache entry for %s, got err=%v", key, err)
	}
}

func TestScriptRelaysBodyWithFixedHeaders(t *testing.T) {
	up := newFakeUpstream(t)
	h := newRelayHarness(t, up, nil)

	resp, body := h.get(t, "/zyhive.sh")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if body != testScriptBody {
		t.Fatalf("script body mismatch: %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("unexpected cache control %q", cc)
	}
	if served := resp.Header.Get("X-Served-By"); served != "install.zyling.ai" {
		t.Fatalf("unexpected X-Served-By %q", served)
	}

	sent := up.lastHeader(testScriptPath)
	if ua := sent.Get("User-Agent"); ua != config.DefaultUserAgent {
		t.Fatalf("upstream should receive relay user agent, got %q", ua)
	}
	if cc := sent.Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("upstream request should opt out of caching, got %q", cc)
	}

	// 脚本不缓存，第二次请求仍然回源。
	h.get(t, "/zyhive.sh")
	if hits := up.hitCount(testScriptPath); hits != 2 {
		t.Fatalf("expected 2 upstream fetches, got %d", hits)
	}
}

func TestScriptUpstreamFailureReturns502(t *testing.T) {
	up := newFakeUpstream(t)
	up.scriptStatus = http.StatusNotFound
	h := newRelayHarness(t, up, nil)

	resp, body := h.get(t, "/zyhive.sh")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body != "failed to fetch install script: 404" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestScriptTransportErrorReturns502(t *testing.T) {
	up := newFakeUpstream(t)
	h := newRelayHarness(t, up, nil)
	up.Close()

	resp, body := h.get(t, "/zyhive.sh")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body != "failed to fetch install script: 0" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestLatestCachesDescriptor(t *testing.T) {
	up := newFakeUpstream(t)
	h := newRelayHarness(t, up, nil)

	resp, first := h.get(t, "/latest")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, first)
	}
	want := `{"version":"v0.9.7","published_at":"2024-05-01T08:00:00Z"}`
	if first != want {
		t.Fatalf("unexpected body %s", first)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=300" {
		t.Fatalf("unexpected cache control %q", cc)
	}
	if acao := resp.Header.Get("Access-Control-Allow-Origin"); acao != "*" {
		t.Fatalf("unexpected CORS header %q", acao)
	}
	if accept := up.lastHeader(testLatestPath).Get("Accept"); accept != "application/vnd.github.v3+json" {
		t.Fatalf("unexpected Accept header %q", accept)
	}

	waitForEntry(t, h.store, LatestCacheKey(h.cfg.Upstream.Repository))

	resp, second := h.get(t, "/latest")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected cached 200, got %d", resp.StatusCode)
	}
	if second != first {
		t.Fatalf("cached body differs: %s vs %s", second, first)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=300" {
		t.Fatalf("cached response lost headers: %q", cc)
	}
	if hits := up.hitCount(testLatestPath); hits != 1 {
		t.Fatalf("expected exactly 1 upstream fetch, got %d", hits)
	}
}

func TestLatestUpstreamErrorIsNotCached(t *testing.T) {
	up := newFakeUpstream(t)
	up.latestStatus = http.StatusInternalServerError
	up.latestBody = `{"message":"boom"}`
	h := newRelayHarness(t, up, nil)

	resp, body := h.get(t, "/latest")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body != `{"error":"GitHub API error","status":500}` {
		t.Fatalf("unexpected error body %s", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	expectNoEntry(t, h.store, LatestCacheKey(h.cfg.Upstream.Repository))

	h.get(t, "/latest")
	if hits := up.hitCount(testLatestPath); hits != 2 {
		t.Fatalf("error responses must not be cached, got %d upstream fetches", hits)
	}
}

func TestLatestMissingFieldsStillCached(t *testing.T) {
	up := newFakeUpstream(t)
	up.latestBody = `{"name":"draft"}`
	h := newRelayHarness(t, up, nil)

	resp, body := h.get(t, "/latest")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != `{"published_at":null}` {
		t.Fatalf("unexpected body %s", body)
	}
	waitForEntry(t, h.store, LatestCacheKey(h.cfg.Upstream.Repository))
}

func TestLatestInvalidPayloadReturns502(t *testing.T) {
	up := newFakeUpstream(t)
	up.latestBody = `<html>rate limited</html>`
	h := newRelayHarness(t, up, nil)

	resp, body := h.get(t, "/latest")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body != `{"error":"GitHub API payload invalid","status":200}` {
		t.Fatalf("unexpected body %s", body)
	}
	expectNoEntry(t, h.store, LatestCacheKey(h.cfg.Upstream.Repository))
}

func TestDownloadRejectsMalformedPaths(t *testing.T) {
	up := newFakeUpstream(t)
	h := newRelayHarness(t, up, nil)

	cases := []struct {
		path string
		body string
	}{
		{"/dl/onlyversion", "Bad Request: path must be /dl/{version}/{filename}"},
		{"/dl//file", "Bad Request: path must be /dl/{version}/{filename}"},
		{"/dl/../file", "Bad Request: path must be /dl/{version}/{filename}"},
		{"/dl/v1.0.0/../etc/passwd", "Bad Request: illegal filename"},
		{"/dl/v1.0.0/sub/file", "Bad Request: illegal filename"},
		{"/dl/v1.0.0/", "Bad Request: illegal filename"},
		{"/dl/v1.0.0/%2e%2e%2fetc", "Bad Request: illegal filename"},
		{"/dl/v1.0.0/a%2Fb", "Bad Request: illegal filename"},
		{"/dl/v1.0.0/a%5cb", "Bad Request: illegal filename"},
	}
	for _, tc := range cases {
		resp, body := h.get(t, tc.path)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.path, resp.StatusCode)
		}
		if body != tc.body {
			t.Fatalf("%s: unexpected body %q", tc.path, body)
		}
	}
	if hits := up.totalHits(); hits != 0 {
		t.Fatalf("invalid paths must not reach upstream, got %d hits", hits)
	}
}

func TestDownloadMissThenHit(t *testing.T) {
	up := newFakeUpstream(t)
	h := newRelayHarness(t, up, nil)

	const target = "/dl/v0.9.7/aipanel-linux-amd64"
	upstreamURL := BuildDownloadURL(h.cfg.Upstream.DownloadPrefix(), "v0.9.7", "aipanel-linux-amd64")

	resp, body := h.get(t, target)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if body != testBinary {
		t.Fatalf("binary body mismatch (len=%d)", len(body))
	}
	if xc := resp.Header.Get("X-Cache"); xc != "MISS" {
		t.Fatalf("expected MISS, got %q", xc)
	}
	if src := resp.Header.Get("X-Source-URL"); src != upstreamURL {
		t.Fatalf("unexpected X-Source-URL %q", src)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename="aipanel-linux-amd64"` {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("unexpected Content-Type %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=86400" {
		t.Fatalf("unexpected Cache-Control %q", cc)
	}
	if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(testBinary)) {
		t.Fatalf("expected upstream Content-Length, got %q", cl)
	}
	if ua := up.lastHeader(testDownloadPath + "v0.9.7/aipanel-linux-amd64").Get("User-Agent"); ua != config.DefaultUserAgent {
		t.Fatalf("unexpected upstream user agent %q", ua)
	}

	entry := waitForEntry(t, h.store, DownloadCacheKey(upstreamURL))
	if entry.SizeBytes != int64(len(testBinary)) {
		t.Fatalf("cached size mismatch: %d", entry.SizeBytes)
	}

	resp, cached := h.get(t, target)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected cached 200, got %d", resp.StatusCode)
	}
	if cached != body {
		t.Fatalf("cached body differs from original")
	}
	if xc := resp.Header.Get("X-Cache"); xc != "HIT" {
		t.Fatalf("expected HIT, got %q", xc)
	}
	if src := resp.Header.Get("X-Source-URL"); src != upstreamURL {
		t.Fatalf("cached response lost X-Source-URL: %q", src)
	}
	if hits := up.totalHits(); hits != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", hits)
	}
}

func TestDownloadWithoutContentLength(t *testing.T) {
	up := newFakeUpstream(t)
	up.omitLength = true
	h := newRelayHarness(t, up, nil)

	resp, body := h.get(t, "/dl/v0.9.7/chunked.tar.gz")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != testBinary {
		t.Fatalf("body mismatch (len=%d)", len(body))
	}
	upstreamURL := BuildDownloadURL(h.cfg.Upstream.DownloadPrefix(), "v0.9.7", "chunked.tar.gz")
	entry := waitForEntry(t, h.store, DownloadCacheKey(upstreamURL))
	if entry.Header.Get("Content-Length") != "" {
		t.Fatalf("snapshot should not invent a Content-Length: %v", entry.Header)
	}
}

func TestDownloadUpstreamStatusPassthrough(t *testing.T) {
	up := newFakeUpstream(t)
	up.downloadCode = http.StatusNotFound
	h := newRelayHarness(t, up, nil)

	resp, body := h.get(t, "/dl/v9.9.9/missing")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected upstream 404 to pass through, got %d", resp.StatusCode)
	}
	upstreamURL := BuildDownloadURL(h.cfg.Upstream.DownloadPrefix(), "v9.9.9", "missing")
	if body != "download failed (404): "+upstreamURL {
		t.Fatalf("unexpected body %q", body)
	}
	expectNoEntry(t, h.store, DownloadCacheKey(upstreamURL))
}

func TestDownloadConcurrentMissesStayConsistent(t *testing.T) {
	up := newFakeUpstream(t)
	up.downloadDelay = 20 * time.Millisecond
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h := newRelayHarness(t, up, store)

	const workers = 8
	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "http://install.local/dl/v0.9.7/race.bin", nil)
			resp, err := h.app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
			if err != nil {
				atomic.AddInt32(&failures, 1)
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != fiber.StatusOK || string(body) != testBinary {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()
	if failures != 0 {
		t.Fatalf("%d concurrent requests returned corrupt or failed responses", failures)
	}

	upstreamURL := BuildDownloadURL(h.cfg.Upstream.DownloadPrefix(), "v0.9.7", "race.bin")
	waitForEntry(t, store, DownloadCacheKey(upstreamURL))

	res, err := store.Get(context.Background(), DownloadCacheKey(upstreamURL))
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	defer res.Reader.Close()
	stored, _ := io.ReadAll(res.Reader)
	if string(stored) != testBinary {
		t.Fatalf("cached body corrupted by concurrent writers (len=%d)", len(stored))
	}
}

// brokenStore 模拟后端故障：读取返回非 ErrNotFound 错误，写入总是失败。
type brokenStore struct {
	gets atomic.Int32
	puts atomic.Int32
}

func (s *brokenStore) Get(context.Context, string) (*cache.ReadResult, error) {
	s.gets.Add(1)
	return nil, errors.New("connection reset by peer")
}

func (s *brokenStore) Put(_ context.Context, _ string, body io.Reader, _ cache.PutOptions) (*cache.Entry, error) {
	s.puts.Add(1)
	_, _ = io.Copy(io.Discard, body)
	return nil, errors.New("no space left on device")
}

func (s *brokenStore) waitForPuts(t *testing.T, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for s.puts.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d cache writes, got %d", want, s.puts.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCacheFailuresDoNotAffectResponses(t *testing.T) {
	up := newFakeUpstream(t)
	store := &brokenStore{}
	h := newRelayHarness(t, up, store)

	for round := 1; round <= 2; round++ {
		resp, body := h.get(t, "/latest")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("round %d: expected 200 from /latest, got %d (%s)", round, resp.StatusCode, body)
		}
		if body != `{"version":"v0.9.7","published_at":"2024-05-01T08:00:00Z"}` {
			t.Fatalf("round %d: unexpected latest body %s", round, body)
		}

		resp, body = h.get(t, "/dl/v1/tool")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("round %d: expected 200 from download, got %d", round, resp.StatusCode)
		}
		if body != testBinary {
			t.Fatalf("round %d: download body truncated (len=%d)", round, len(body))
		}
		if xc := resp.Header.Get("X-Cache"); xc != "MISS" {
			t.Fatalf("round %d: unreadable cache must be treated as a miss, got %q", round, xc)
		}

		store.waitForPuts(t, int32(2*round))
	}

	if gets := store.gets.Load(); gets != 4 {
		t.Fatalf("expected every request to consult the cache, got %d reads", gets)
	}
	if hits := up.hitCount(testLatestPath); hits != 2 {
		t.Fatalf("expected latest to be fetched on every request, got %d", hits)
	}
	if hits := up.hitCount(testDownloadPath + "v1/tool"); hits != 2 {
		t.Fatalf("expected download to be fetched on every request, got %d", hits)
	}
}
