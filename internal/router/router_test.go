package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auth-broker/internal/autherr"
	"github.com/iliyamo/auth-broker/internal/config"
	"github.com/iliyamo/auth-broker/internal/handler"
	"github.com/iliyamo/auth-broker/internal/metrics"
	"github.com/iliyamo/auth-broker/internal/middleware"
	"github.com/iliyamo/auth-broker/internal/model"
	"github.com/iliyamo/auth-broker/internal/service"
	"github.com/iliyamo/auth-broker/internal/session"
	"github.com/iliyamo/auth-broker/internal/token"
)

// directory serves a fixed user set for every service call the routes make.
type directory map[uint64]model.SafeUser

func (d directory) ActiveUser(_ context.Context, id uint64) (model.SafeUser, error) {
	u, ok := d[id]
	if !ok || !u.IsActive {
		return model.SafeUser{}, autherr.ErrUserInactive
	}
	return u, nil
}

func (d directory) ListUsers(context.Context) ([]model.SafeUser, error) {
	out := make([]model.SafeUser, 0, len(d))
	for _, u := range d {
		out = append(out, u)
	}
	return out, nil
}

func (d directory) SetActive(_ context.Context, id uint64, active bool) (model.SafeUser, error) {
	u, ok := d[id]
	if !ok {
		return model.SafeUser{}, autherr.ErrUserNotFound
	}
	u.IsActive = active
	d[id] = u
	return u, nil
}

func (d directory) Register(context.Context, string, string, string) (service.AuthResult, error) {
	return service.AuthResult{}, autherr.ErrDuplicateEmail
}

func (d directory) Login(context.Context, string, string) (service.AuthResult, error) {
	return service.AuthResult{}, autherr.ErrInvalidCredentials
}

func (d directory) Logout(context.Context, string) {}

func (d directory) Refresh(context.Context, string) (service.TokenPair, error) {
	return service.TokenPair{}, autherr.ErrTokenNotFound
}

func (d directory) GetCurrentUser(ctx context.Context, id uint64) (model.SafeUser, error) {
	return d.ActiveUser(ctx, id)
}

func (d directory) UpdateProfile(ctx context.Context, id uint64, _ model.ProfileUpdate) (model.SafeUser, error) {
	return d.ActiveUser(ctx, id)
}

func (d directory) ChangePassword(context.Context, uint64, string, string) error { return nil }

var (
	alice = model.SafeUser{ID: 1, Username: "alice", Email: "alice@x.com", Role: model.RoleUser, IsActive: true}
	root  = model.SafeUser{ID: 2, Username: "root", Email: "root@x.com", Role: model.RoleAdmin, IsActive: true}
)

type server struct {
	e     *httptest.Server
	codec *token.Codec
	rdb   *redis.Client
	users directory
}

func newServer(t *testing.T) *server {
	t.Helper()
	cfg := &config.Config{
		AccessSecret: "access-secret", RefreshSecret: "refresh-secret",
		AccessTTL: 15 * time.Minute, RefreshTTL: time.Hour,
		CORSAllowedOrigins: []string{"*"},
		Session:            config.SessionConfig{Enabled: true, TTL: time.Hour, CookieName: "auth.sid"},
	}
	codec, err := token.NewCodec(cfg)
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sessions := session.NewRedisStore(rdb, "sess", time.Hour)

	reg := prometheus.NewRegistry()
	m := metrics.NewAuth(reg)
	m.Observe("login", nil)

	users := directory{alice.ID: alice, root.ID: root}
	cache := middleware.NewResponseCache(config.CacheConfig{
		Enabled: true, TTL: time.Minute, Prefix: "cache", MaxBodyBytes: 1 << 20,
		Methods: map[string]bool{http.MethodGet: true},
	}, rdb, log)

	h := Handlers{
		Auth:    handler.NewAuthHandler(cfg, users, sessions, log),
		Admin:   handler.NewAdminHandler(users, cache, log),
		Health:  handler.NewHealth(),
		Authn:   &middleware.Authenticator{Codec: codec, Users: users, Sessions: sessions, CookieName: "auth.sid", Metrics: m, Log: log},
		Cache:   cache,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	h.Health.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	e := New(cfg, log)
	RegisterRoutes(e, h)
	RegisterAuth(e, h)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &server{e: srv, codec: codec, rdb: rdb, users: users}
}

func (s *server) get(t *testing.T, path string, u *model.SafeUser) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.e.URL+path, nil)
	require.NoError(t, err)
	if u != nil {
		issued, err := s.codec.IssueAccess(token.Identity{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+issued.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	bs, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(bs)
}

func TestAdminUsers_RoleGate(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, http.StatusForbidden, s.get(t, "/auth/admin/users", &alice).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, s.get(t, "/auth/admin/users", nil).StatusCode)

	resp := s.get(t, "/auth/admin/users", &root)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b := body(t, resp)
	assert.Contains(t, b, `"username":"alice"`)
	assert.Contains(t, b, `"username":"root"`)
	assert.NotContains(t, strings.ToLower(b), "password")
}

func TestAdminUsers_CachedUntilStatusChange(t *testing.T) {
	s := newServer(t)

	first := s.get(t, "/auth/admin/users", &root)
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))
	second := s.get(t, "/auth/admin/users", &root)
	assert.Equal(t, "HIT", second.Header.Get("X-Cache"))

	issued, err := s.codec.IssueAccess(token.Identity{ID: root.ID, Username: root.Username, Email: root.Email, Role: root.Role})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPatch, s.e.URL+"/auth/admin/users/1/status", strings.NewReader(`{"active":false}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+issued.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	third := s.get(t, "/auth/admin/users", &root)
	assert.Equal(t, "MISS", third.Header.Get("X-Cache"))
	assert.Contains(t, body(t, third), `"isActive":false`)

	// the deactivated user's access token is no longer honoured
	assert.Equal(t, http.StatusUnauthorized, s.get(t, "/auth/me", &alice).StatusCode)
}

func TestMe_StrategyRoutes(t *testing.T) {
	s := newServer(t)

	resp := s.get(t, "/auth/me/jwt", &alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), `"authType":"jwt"`)

	assert.Equal(t, http.StatusUnauthorized, s.get(t, "/auth/me/session", &alice).StatusCode)
}

func TestPublicAuthFailureClasses(t *testing.T) {
	s := newServer(t)
	post := func(path, payload string) int {
		resp, err := http.Post(s.e.URL+path, "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusBadRequest, post("/auth/register", `{"username":"alice","email":"alice@x.com","password":"Secret123"}`))
	assert.Equal(t, http.StatusUnauthorized, post("/auth/login", `{"email":"alice@x.com","password":"nope"}`))
	assert.Equal(t, http.StatusForbidden, post("/auth/refresh-token", `{"refreshToken":"abc"}`))
	assert.Equal(t, http.StatusOK, post("/auth/logout", `{}`))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)

	resp := s.get(t, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.get(t, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), "auth_operations_total")
}

func TestRequestIDHeader(t *testing.T) {
	s := newServer(t)

	resp := s.get(t, "/healthz", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}
