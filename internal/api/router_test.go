package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gem-registry/gem-registry/internal/cache"
	"github.com/gem-registry/gem-registry/internal/config"
	"github.com/gem-registry/gem-registry/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serverFixture struct {
	server *Server
	mock   sqlmock.Sqlmock
	store  *storage.Store
	cache  cache.Cache
}

func newServerFixture(t *testing.T, mutate func(*config.Config)) *serverFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Upstream.DefaultURL = "https://rubygems.org"
	cfg.Upstream.ConnectTimeout = 2 * time.Second
	cfg.Upstream.RequestTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	c := cache.NewMemory(32)
	server, _ := NewServer(cfg, db, c, store, nil)
	return &serverFixture{server: server, mock: mock, store: store, cache: c}
}

func (f *serverFixture) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t, nil)

	// sqlmock treats ping as a no-op success unless monitoring is enabled
	w := f.do("GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPrivateDependencies(t *testing.T) {
	f := newServerFixture(t, nil)
	f.mock.ExpectQuery("SELECT.*FROM rubygems.*JOIN versions").
		WillReturnRows(sqlmock.NewRows([]string{"name", "number", "platform", "rubygem_name", "requirements"}).
			AddRow("rack", "3.0.0", "ruby", "webrick", ">= 1.8"))

	w := f.do("GET", "/private/api/v1/dependencies?gems=rack", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var infos []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "rack", infos[0]["name"])
	assert.Equal(t, "3.0.0", infos[0]["number"])
}

func TestPrivateGemServing(t *testing.T) {
	f := newServerFixture(t, nil)
	require.NoError(t, f.store.For("private", "gems").Resource("rack-3.0.0").Save(
		map[string][]byte{"gem": []byte("gem bytes"), "spec": []byte("name: rack")},
		map[string]string{"indexed": "true"},
	))

	w := f.do("GET", "/private/gems/rack-3.0.0.gem", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gem bytes", w.Body.String())

	w = f.do("GET", "/private/quick/rack-3.0.0.gemspec", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "name: rack", w.Body.String())

	w = f.do("GET", "/private/gems/missing-1.0.0.gem", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrivateYankedGemNotServed(t *testing.T) {
	f := newServerFixture(t, nil)
	require.NoError(t, f.store.For("private", "gems").Resource("rack-3.0.0").Save(
		map[string][]byte{"gem": []byte("gem bytes")},
		map[string]string{"indexed": "false"},
	))

	w := f.do("GET", "/private/gems/rack-3.0.0.gem", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPushRequiresCredential(t *testing.T) {
	f := newServerFixture(t, nil)

	// Unknown credential: catalog lookup comes back empty
	f.mock.ExpectQuery("SELECT.*FROM auth_keys").
		WillReturnRows(sqlmock.NewRows([]string{"id", "auth_key", "permissions", "created_at", "updated_at"}))

	w := f.do("POST", "/private/api/v1/gems", []byte("not a gem"), map[string]string{"Authorization": "bad-key"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
}

func TestLifecycleRoutesNotOnUpstreamSources(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do("POST", "/upstream/https%3A%2F%2Fgems.example.com/api/v1/gems", []byte("x"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do("DELETE", "/api/v1/gems/yank?gem_name=rack&version=1.0.0", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDefaultSourceProxiesUpstreamDependencies(t *testing.T) {
	upstreamCalls := 0
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		assert.Equal(t, "/api/v1/dependencies", r.URL.Path)
		w.Write([]byte(`[{"name":"rails","number":"7.1.0","platform":"ruby","dependencies":[]}]`))
	}))
	defer upstreamServer.Close()

	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Upstream.DefaultURL = upstreamServer.URL
	})

	w := f.do("GET", "/api/v1/dependencies?gems=rails", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, upstreamCalls)
	assert.Contains(t, w.Body.String(), "rails")

	// Warm cache: no second upstream call
	w = f.do("GET", "/api/v1/dependencies?gems=rails", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, upstreamCalls)
}

func TestGemfileSourceHeaderSelectsUpstream(t *testing.T) {
	headerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer headerServer.Close()

	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Upstream.DefaultURL = "http://127.0.0.1:1" // unreachable; must not be used
	})

	w := f.do("GET", "/api/v1/dependencies?gems=rack", nil, map[string]string{
		"X-Gemfile-Source": headerServer.URL,
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpstreamGemMirroredThenServedLocally(t *testing.T) {
	upstreamCalls := 0
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		assert.Equal(t, "/gems/rack-3.0.0.gem", r.URL.Path)
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("mirrored bytes"))
	}))
	defer upstreamServer.Close()

	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Upstream.DefaultURL = upstreamServer.URL
	})
	// Upstream bookkeeping upsert
	f.mock.ExpectQuery("INSERT INTO upstreams").
		WillReturnRows(sqlmock.NewRows([]string{"id", "uri", "host_id", "created_at"}).
			AddRow(1, upstreamServer.URL, "abcd1234abcd1234", time.Now()))

	w := f.do("GET", "/gems/rack-3.0.0.gem", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mirrored bytes", w.Body.String())
	assert.Equal(t, `"v1"`, w.Header().Get("Etag"))
	assert.Equal(t, 1, upstreamCalls)

	// Second request serves the local mirror
	w = f.do("GET", "/gems/rack-3.0.0.gem", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mirrored bytes", w.Body.String())
	assert.Equal(t, 1, upstreamCalls)
}

func TestUpstreamErrorStatusMirrored(t *testing.T) {
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("unknown gem"))
	}))
	defer upstreamServer.Close()

	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Upstream.DefaultURL = upstreamServer.URL
	})
	f.mock.ExpectQuery("INSERT INTO upstreams").
		WillReturnRows(sqlmock.NewRows([]string{"id", "uri", "host_id", "created_at"}).
			AddRow(1, upstreamServer.URL, "abcd1234abcd1234", time.Now()))

	w := f.do("GET", "/gems/ghost-1.0.0.gem", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedirectSourceRedirectsDownloads(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do("GET", "/redirect/https%3A%2F%2Fgems.example.com/gems/rack-3.0.0.gem", nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://gems.example.com/gems/rack-3.0.0.gem", w.Header().Get("Location"))
}

func TestUpstreamSpecsRedirected(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do("GET", "/upstream/https%3A%2F%2Fgems.example.com/specs.json.gz", nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://gems.example.com/specs.json.gz", w.Header().Get("Location"))
}

func TestEncodedUpstreamStaysOneSegment(t *testing.T) {
	f := newServerFixture(t, nil)

	// net/http hands handlers the decoded URL.Path, where the upstream URL
	// contains slashes of its own. Matching must run on the escaped path or
	// the segment splits apart and the named-source matchers never fire.
	w := f.do("GET", "/redirect/https%3A%2F%2Finternal.example.com%3A8443/gems/rack-3.0.0.gem", nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://internal.example.com:8443/gems/rack-3.0.0.gem", w.Header().Get("Location"))
}

func TestPrivateSpecsServed(t *testing.T) {
	f := newServerFixture(t, nil)
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE v.indexed").
		WillReturnRows(sqlmock.NewRows([]string{"name", "number", "platform"}).
			AddRow("rack", "3.0.0", "ruby"))

	w := f.do("GET", "/private/specs.json.gz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())
}

func TestProtectedFetchGatesPrivateSpecs(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Auth.ProtectedFetch = true
	})

	// No credential at all: rejected before any catalog work
	f.mock.ExpectQuery("SELECT.*FROM auth_keys").
		WillReturnRows(sqlmock.NewRows([]string{"id", "auth_key", "permissions", "created_at", "updated_at"}))

	w := f.do("GET", "/private/specs.json.gz", nil, map[string]string{"Authorization": "no-such-key"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
