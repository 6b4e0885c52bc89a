package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auth-broker/internal/autherr"
	"github.com/iliyamo/auth-broker/internal/config"
	"github.com/iliyamo/auth-broker/internal/metrics"
	"github.com/iliyamo/auth-broker/internal/model"
	"github.com/iliyamo/auth-broker/internal/session"
	"github.com/iliyamo/auth-broker/internal/token"
)

type fakeUsers map[uint64]model.SafeUser

func (f fakeUsers) ActiveUser(_ context.Context, id uint64) (model.SafeUser, error) {
	u, ok := f[id]
	if !ok || !u.IsActive {
		return model.SafeUser{}, autherr.ErrUserInactive
	}
	return u, nil
}

var (
	alice = model.SafeUser{ID: 1, Username: "alice", Email: "alice@x.com", Role: model.RoleUser, IsActive: true}
	root  = model.SafeUser{ID: 2, Username: "root", Email: "root@x.com", Role: model.RoleAdmin, IsActive: true}
	gone  = model.SafeUser{ID: 3, Username: "gone", Email: "gone@x.com", Role: model.RoleUser, IsActive: false}
)

type harness struct {
	e        *echo.Echo
	codec    *token.Codec
	sessions *session.RedisStore
	auth     *Authenticator
	m        *metrics.Auth
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := token.NewCodec(&config.Config{
		AccessSecret: "access-secret", RefreshSecret: "refresh-secret",
		AccessTTL: 15 * time.Minute, RefreshTTL: time.Hour,
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sessions := session.NewRedisStore(rdb, "sess", time.Hour)

	m := metrics.NewAuth(prometheus.NewRegistry())
	a := &Authenticator{
		Codec:      codec,
		Users:      fakeUsers{alice.ID: alice, root.ID: root, gone.ID: gone},
		Sessions:   sessions,
		CookieName: "auth.sid",
		Metrics:    m,
	}

	e := echo.New()
	who := func(c echo.Context) error {
		u, _ := CurrentUser(c)
		return c.JSON(http.StatusOK, echo.Map{"id": u.ID, "authType": CurrentAuthType(c), "token": BearerToken(c) != ""})
	}
	e.GET("/bearer", who, a.Bearer())
	e.GET("/session", who, a.Session())
	e.GET("/either", who, a.Either())
	e.GET("/admin", who, a.Either(), RequireRole(model.RoleAdmin))
	e.GET("/open", who, RequireRole(model.RoleAdmin))

	return &harness{e: e, codec: codec, sessions: sessions, auth: a, m: m}
}

func (h *harness) access(t *testing.T, u model.SafeUser) string {
	t.Helper()
	iss, err := h.codec.IssueAccess(token.Identity{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role})
	require.NoError(t, err)
	return iss.Token
}

func (h *harness) session(t *testing.T, u model.SafeUser) string {
	t.Helper()
	id, err := h.sessions.Create(context.Background(), session.Data{UserID: u.ID, Username: u.Username, Role: u.Role})
	require.NoError(t, err)
	return id
}

type reqOpt func(*http.Request)

func withBearer(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set(echo.HeaderAuthorization, "Bearer "+tok) }
}

func withSession(id string) reqOpt {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "auth.sid", Value: id}) }
}

func (h *harness) do(path string, opts ...reqOpt) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestBearer(t *testing.T) {
	h := newHarness(t)
	expired, err := h.codec.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }).
		IssueAccess(token.Identity{ID: alice.ID, Role: alice.Role})
	require.NoError(t, err)

	tests := []struct {
		name   string
		opts   []reqOpt
		status int
	}{
		{"valid", []reqOpt{withBearer(h.access(t, alice))}, http.StatusOK},
		{"missing header", nil, http.StatusUnauthorized},
		{"wrong scheme", []reqOpt{func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }}, http.StatusUnauthorized},
		{"expired", []reqOpt{withBearer(expired.Token)}, http.StatusUnauthorized},
		{"garbage", []reqOpt{withBearer("not.a.token")}, http.StatusForbidden},
		{"deactivated user", []reqOpt{withBearer(h.access(t, gone))}, http.StatusUnauthorized},
		{"session cookie is not enough", []reqOpt{withSession(h.session(t, alice))}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := h.do("/bearer", tt.opts...)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "jwt", body["authType"])
				assert.Equal(t, true, body["token"])
			} else {
				assert.Equal(t, false, body["success"])
				assert.NotEmpty(t, body["message"])
			}
		})
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Rejections.WithLabelValues("jwt", "expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Rejections.WithLabelValues("jwt", "invalid")))
}

func TestBearer_ExpiredMessageIsCoarse(t *testing.T) {
	h := newHarness(t)
	expired, err := h.codec.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }).
		IssueAccess(token.Identity{ID: alice.ID})
	require.NoError(t, err)

	_, body := h.do("/bearer", withBearer(expired.Token))

	assert.Equal(t, "token expired", body["message"])
}

func TestSession(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do("/session", withSession(h.session(t, alice)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session", body["authType"])

	rec, _ = h.do("/session")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do("/session", withSession("unknown"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do("/session", withSession(h.session(t, gone)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do("/session", withBearer(h.access(t, alice)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSession_DestroyedSessionRejected(t *testing.T) {
	h := newHarness(t)
	id := h.session(t, alice)
	require.NoError(t, h.sessions.Destroy(context.Background(), id))

	rec, _ := h.do("/session", withSession(id))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEither_PrefersSessionThenBearer(t *testing.T) {
	h := newHarness(t)

	_, body := h.do("/either", withSession(h.session(t, alice)), withBearer(h.access(t, root)))
	assert.Equal(t, "session", body["authType"])
	assert.EqualValues(t, alice.ID, body["id"])

	_, body = h.do("/either", withSession("stale"), withBearer(h.access(t, root)))
	assert.Equal(t, "jwt", body["authType"])
	assert.EqualValues(t, root.ID, body["id"])

	rec, _ := h.do("/either")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do("/either", withBearer("bogus"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEither_NoSessionStore(t *testing.T) {
	h := newHarness(t)
	h.auth.Sessions = nil

	rec, body := h.do("/either", withBearer(h.access(t, alice)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jwt", body["authType"])
}

func TestRequireRole(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do("/admin")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := h.do("/admin", withBearer(h.access(t, alice)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient permissions", body["message"])

	rec, _ = h.do("/admin", withBearer(h.access(t, root)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do("/admin", withSession(h.session(t, root)))
	assert.Equal(t, http.StatusOK, rec.Code)

	// gate without a strategy in front never has an identity
	rec, _ = h.do("/open", withBearer(h.access(t, root)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerFromHeader(t *testing.T) {
	tok, ok := bearerFromHeader("bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = bearerFromHeader("Bearer ")
	assert.False(t, ok)
	_, ok = bearerFromHeader("abc")
	assert.False(t, ok)
}
