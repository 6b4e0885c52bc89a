package service

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/auth-broker/internal/config"
	"github.com/iliyamo/auth-broker/internal/metrics"
	"github.com/iliyamo/auth-broker/internal/model"
	"github.com/iliyamo/auth-broker/internal/queue"
	"github.com/iliyamo/auth-broker/internal/repository"
	"github.com/iliyamo/auth-broker/internal/token"
	"github.com/iliyamo/auth-broker/internal/utils"
)

// memStore is an in-memory UserStore, TokenStore and Transactor with the
// same conditional-rotate semantics as the MySQL repository.
type memStore struct {
	mu       sync.Mutex
	users    map[uint64]model.User
	tokens   map[uint64]model.RefreshToken
	nextUser uint64
	nextTok  uint64
}

func newMemStore() *memStore {
	return &memStore{users: map[uint64]model.User{}, tokens: map[uint64]model.RefreshToken{}}
}

func (m *memStore) InTx(_ context.Context, fn func(repository.UserStore, repository.TokenStore) error) error {
	return fn(m, m)
}

func (m *memStore) Create(_ context.Context, username, email, password string, role model.Role) (model.User, error) {
	hash, err := utils.HashPassword(password, bcrypt.MinCost)
	if err != nil {
		return model.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	email = repository.NormalizeEmail(email)
	for _, u := range m.users {
		if u.Email == email {
			return model.User{}, repository.ErrEmailExists
		}
		if u.Username == username {
			return model.User{}, repository.ErrUsernameExists
		}
	}
	m.nextUser++
	now := time.Now().UTC()
	u := model.User{ID: m.nextUser, Username: username, Email: email, PasswordHash: hash,
		Role: role, IsActive: true, CreatedAt: now, UpdatedAt: now}
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) find(pred func(model.User) bool) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if pred(u) {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (m *memStore) GetByID(_ context.Context, id uint64) (model.User, error) {
	return m.find(func(u model.User) bool { return u.ID == id })
}

func (m *memStore) GetByEmail(_ context.Context, email string) (model.User, error) {
	email = repository.NormalizeEmail(email)
	return m.find(func(u model.User) bool { return u.Email == email })
}

func (m *memStore) GetByUsername(_ context.Context, username string) (model.User, error) {
	username = strings.TrimSpace(username)
	return m.find(func(u model.User) bool { return u.Username == username })
}

func (m *memStore) Update(_ context.Context, id uint64, upd model.ProfileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.Email != nil {
		u.Email = repository.NormalizeEmail(*upd.Email)
	}
	m.users[id] = u
	return nil
}

func (m *memStore) SetPassword(_ context.Context, id uint64, password string) error {
	hash, err := utils.HashPassword(password, bcrypt.MinCost)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.PasswordHash = hash
	m.users[id] = u
	return nil
}

func (m *memStore) SetActive(_ context.Context, id uint64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.IsActive = active
	m.users[id] = u
	return nil
}

func (m *memStore) SetRole(_ context.Context, email string, role model.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.Email == repository.NormalizeEmail(email) {
			u.Role = role
			m.users[id] = u
		}
	}
	return nil
}

func (m *memStore) List(_ context.Context) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Store(_ context.Context, userID uint64, hash string, exp time.Time) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTok++
	m.tokens[m.nextTok] = model.RefreshToken{ID: m.nextTok, UserID: userID, TokenHash: hash, ExpiresAt: exp}
	return m.nextTok, nil
}

func (m *memStore) FindByHash(_ context.Context, hash string) (model.RefreshToken, *model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == hash {
			if u, ok := m.users[t.UserID]; ok {
				return t, &u, nil
			}
			return t, nil, nil
		}
	}
	return model.RefreshToken{}, nil, repository.ErrNotFound
}

func (m *memStore) Rotate(_ context.Context, id uint64, oldHash, newHash string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.TokenHash != oldHash {
		return repository.ErrNotFound
	}
	t.TokenHash, t.ExpiresAt = newHash, exp
	m.tokens[id] = t
	return nil
}

func (m *memStore) DeleteByHash(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		if t.TokenHash == hash {
			delete(m.tokens, id)
		}
	}
	return nil
}

func (m *memStore) DeleteAllForUser(_ context.Context, userID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		if t.UserID == userID {
			delete(m.tokens, id)
		}
	}
	return nil
}

func (m *memStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if t.ExpiresAt.Before(now) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) tokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// expireAll moves every stored expiry into the past.
func (m *memStore) expireAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		t.ExpiresAt = time.Now().Add(-time.Minute)
		m.tokens[id] = t
	}
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.AuthEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.AuthEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// mockUserStore is a testify mock for store-failure paths.
type mockUserStore struct {
	mock.Mock
	repository.UserStore
}

func (m *mockUserStore) GetByEmail(ctx context.Context, email string) (model.User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *mockUserStore) GetByID(ctx context.Context, id uint64) (model.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.User), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestCodec(t *testing.T) *token.Codec {
	t.Helper()
	c, err := token.NewCodec(&config.Config{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	return c
}

type fixture struct {
	svc    *AuthService
	store  *memStore
	codec  *token.Codec
	events *recordingPublisher
	m      *metrics.Auth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	codec := newTestCodec(t)
	events := &recordingPublisher{}
	m := metrics.NewAuth(prometheus.NewRegistry())
	svc := NewAuthService(Deps{
		Users:   store,
		Tokens:  store,
		Tx:      store,
		Codec:   codec,
		Events:  events,
		Metrics: m,
		Log:     newTestLogger(),

		BcryptCost: bcrypt.MinCost,
	})
	return &fixture{svc: svc, store: store, codec: codec, events: events, m: m}
}
