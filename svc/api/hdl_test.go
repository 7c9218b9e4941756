package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharebox/cfg"
	"sharebox/pkg/domain"
	"sharebox/svc/cache"
	"sharebox/svc/db"
	"sharebox/svc/lim"
	"sharebox/svc/share"
	"sharebox/svc/svc"
)

type testEnv struct {
	ts      *httptest.Server
	root    string
	outside string
}

// newShareTree lays out
//
//	root/alpha/inner.txt
//	root/beta/
//	root/hello.txt
//	root/b.bin
//	root/escape -> outside
//	root/leak.txt -> outside/secret.txt
func newShareTree(t *testing.T) (root, outside string) {
	t.Helper()
	base := t.TempDir()
	root = filepath.Join(base, "share")
	outside = filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "alpha"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "beta"), 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "alpha", "inner.txt"), []byte("inner"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi there"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.bin"), []byte{0, 1, 2}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "leak.txt")))
	return root, outside
}

func newTestEnv(t *testing.T, store svc.Store, limiter *lim.Limiter) *testEnv {
	t.Helper()
	return newTestEnvWithCfg(t, store, limiter, &cfg.Cfg{Host: "127.0.0.1", Port: 8080, ContextTimeout: 5 * time.Second})
}

func newTestEnvWithCfg(t *testing.T, store svc.Store, limiter *lim.Limiter, c *cfg.Cfg) *testEnv {
	t.Helper()
	root, outside := newShareTree(t)
	roots, err := share.New(root, nil)
	require.NoError(t, err)

	var sqlDB *db.SQLite
	if store == nil {
		sqlDB, err = db.NewSQLite(filepath.Join(t.TempDir(), "pastes.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { sqlDB.Close() })
		store = sqlDB
	}
	lru, err := cache.NewLRU(16)
	require.NoError(t, err)
	pastes := svc.NewPaste(store, lru, nil)

	s := NewServer(c, pastes, roots, limiter, sqlDB, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, root: root, outside: outside}
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) post(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/paste", "application/octet-stream", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func labels(entries []domain.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Label)
	}
	return out
}

func TestIndexListsShares(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	shares := decode[[]domain.Entry](t, resp)
	require.Len(t, shares, 1)
	assert.Equal(t, "share", shares[0].Label)
	assert.Equal(t, "/browse?path=0", shares[0].Link)
	assert.True(t, shares[0].Dir)
}

func TestBrowseRoot(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for _, path := range []string{"/browse", "/browse?path=0"} {
		resp := env.get(t, path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		listing := decode[domain.Listing](t, resp)
		assert.Equal(t, "0", listing.Path)
		assert.Equal(t, []string{"alpha", "beta"}, labels(listing.Dirs), "no parent link at a share root")
		assert.Equal(t, []string{"b.bin", "hello.txt"}, labels(listing.Files), "escaping symlinks are hidden")
		assert.Equal(t, "/browse?path=0%2Falpha", listing.Dirs[0].Link)
		assert.Equal(t, "/download?path=0%2Fhello.txt", listing.Files[1].Link)
		require.Len(t, listing.Shares, 1)
	}
}

func TestBrowseSubdirHasParentLink(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.get(t, "/browse?path=0/alpha")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decode[domain.Listing](t, resp)
	assert.Equal(t, "0/alpha", listing.Path)
	require.NotEmpty(t, listing.Dirs)
	assert.Equal(t, "..", listing.Dirs[0].Label)
	assert.Equal(t, "/browse?path=0", listing.Dirs[0].Link)
	assert.Equal(t, []string{"inner.txt"}, labels(listing.Files))
}

func TestBrowseDenied(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	cases := []string{
		"/browse?path=0/..",
		"/browse?path=0/../..",
		"/browse?path=0/escape",
		"/browse?path=/etc",
		"/browse?path=0/hello.txt",
		"/browse?path=0/missing",
	}
	for _, path := range cases {
		resp := env.get(t, path)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
}

func TestDownloadFile(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.get(t, "/download?path=0/hello.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi there", readBody(t, resp))
	disposition := resp.Header.Get("Content-Disposition")
	assert.True(t, strings.HasPrefix(disposition, "attachment"), disposition)
	assert.Contains(t, disposition, "hello.txt")
}

func TestDownloadByAbsolutePath(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.get(t, "/download?path="+filepath.ToSlash(filepath.Join(env.root, "alpha", "inner.txt")))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "inner", readBody(t, resp))
}

func TestDownloadRange(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/download?path=0/hello.txt", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "hi", readBody(t, resp))
}

func TestDownloadWithoutPath(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.get(t, "/download")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "no file specified", body["error"])
}

func TestDownloadDenied(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	cases := []string{
		"/download?path=0/leak.txt",
		"/download?path=0/escape/secret.txt",
		"/download?path=0/../outside/secret.txt",
		"/download?path=" + filepath.ToSlash(filepath.Join(env.outside, "secret.txt")),
		"/download?path=0/alpha",
		"/download?path=0/nope.txt",
	}
	for _, path := range cases {
		resp := env.get(t, path)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		assert.NotContains(t, readBody(t, resp), "secret", path)
	}
}

func TestPasteTextRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.post(t, "hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	url := readBody(t, resp)
	assert.Equal(t, env.ts.URL+"/download_paste/1", url)

	got, err := http.Get(url)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", got.Header.Get("Content-Type"))
	assert.Equal(t, "hello", readBody(t, got))
}

func TestPasteBinaryRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.post(t, "\xff")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	url := readBody(t, resp)

	got, err := http.Get(url)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "application/octet-stream", got.Header.Get("Content-Type"))
	assert.Equal(t, "\xff", readBody(t, got))
}

func TestPasteEmptyBody(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.post(t, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := env.get(t, "/download_paste/1")
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "", readBody(t, got))
}

func TestDownloadPasteNotFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for _, path := range []string{"/download_paste/99", "/download_paste/abc", "/download_paste/0"} {
		resp := env.get(t, path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestListPastesNewestFirst(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	require.Equal(t, http.StatusOK, env.post(t, "first").StatusCode)
	require.Equal(t, http.StatusOK, env.post(t, "\xfe\xff").StatusCode)

	resp := env.get(t, "/pastes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]domain.Summary](t, resp)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].ID)
	assert.False(t, list[0].IsText)
	assert.Empty(t, list[0].Content)
	assert.False(t, strings.HasSuffix(list[0].Name, ".txt"))
	assert.Equal(t, int64(1), list[1].ID)
	assert.Equal(t, "first", list[1].Content)
	assert.True(t, strings.HasSuffix(list[1].Name, ".txt"))
	assert.Equal(t, int64(0), list[1].MinutesAgo)
}

func TestListPastesEmpty(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.get(t, "/pastes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", readBody(t, resp))
}

type unavailableStore struct{}

func (unavailableStore) Generation() string { return "unavailable" }

func (unavailableStore) Insert(context.Context, *domain.Paste) (int64, error) {
	return 0, errors.Wrap(domain.ErrStoreUnavailable, "disk I/O error")
}
func (unavailableStore) Get(context.Context, int64) (*domain.Paste, error) {
	return nil, errors.Wrap(domain.ErrStoreUnavailable, "disk I/O error")
}
func (unavailableStore) List(context.Context) ([]*domain.Paste, error) {
	return nil, errors.Wrap(domain.ErrStoreUnavailable, "disk I/O error")
}

func TestPasteStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, unavailableStore{}, nil)
	resp := env.post(t, "hello")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, readBody(t, resp), "download_paste")

	assert.Equal(t, http.StatusServiceUnavailable, env.get(t, "/pastes").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, env.get(t, "/ready").StatusCode)
}

func TestPasteRateLimited(t *testing.T) {
	limiter := lim.New(1, 1, nil, nil)
	t.Cleanup(limiter.Stop)
	env := newTestEnv(t, nil, limiter)

	first := env.post(t, "one")
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.NotEmpty(t, first.Header.Get("X-RateLimit-Limit"))

	second := env.post(t, "two")
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))
	assert.Equal(t, http.StatusNotFound, env.get(t, "/download_paste/2").StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[HealthResponse](t, resp).Status)

	resp = env.get(t, "/ready")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decode[ReadyResponse](t, resp)
	assert.True(t, ready.Ready)
	assert.Equal(t, "up", ready.Database)
	assert.Equal(t, "unavailable", ready.Cache)
}

func TestResponseHeaders(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.get(t, "/browse")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.post(t, "counted")
	resp := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "sharebox_paste_ingested_total")
}

func TestProfilerOnlyWhenEnabled(t *testing.T) {
	off := newTestEnv(t, nil, nil)
	assert.Equal(t, http.StatusNotFound, off.get(t, "/debug/pprof/cmdline").StatusCode)

	on := newTestEnvWithCfg(t, nil, nil, &cfg.Cfg{Host: "127.0.0.1", Port: 8080, Profiling: true})
	assert.Equal(t, http.StatusOK, on.get(t, "/debug/pprof/cmdline").StatusCode)
}
