package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu      sync.Mutex
	nextID  int64
	tokens  map[int64]*domain.RunnerRegistrationToken
	runners map[int64]*domain.Runner
	touches int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tokens:  map[int64]*domain.RunnerRegistrationToken{},
		runners: map[int64]*domain.Runner{},
	}
}

func (m *memoryStore) CreateRegistrationToken(_ context.Context, token string) (*domain.RunnerRegistrationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &domain.RunnerRegistrationToken{ID: m.nextID, RegistrationToken: token, CreatedAt: t0}
	m.tokens[t.ID] = t
	return t, nil
}

func (m *memoryStore) GetRegistrationToken(_ context.Context, token string) (*domain.RunnerRegistrationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.RegistrationToken == token {
			return t, nil
		}
	}
	return nil, domain.ErrInvalidRegistrationToken
}

func (m *memoryStore) ListRegistrationTokens(_ context.Context, _ ListOptions) ([]*domain.RunnerRegistrationToken, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Values(m.tokens), len(m.tokens), nil
}

func (m *memoryStore) DeleteRegistrationToken(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[id]; !ok {
		return domain.ErrRegistrationTokenNotFound
	}
	delete(m.tokens, id)
	for rid, r := range m.runners {
		if r.RunnerRegistrationTokenID == id {
			delete(m.runners, rid)
		}
	}
	return nil
}

func (m *memoryStore) Create(_ context.Context, r *domain.Runner) (*domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runners {
		if existing.Name == r.Name {
			return nil, domain.ErrRunnerNameTaken
		}
	}
	m.nextID++
	cp := *r
	cp.ID = m.nextID
	m.runners[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memoryStore) Get(_ context.Context, id int64) (*domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return nil, domain.ErrRunnerNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memoryStore) GetByToken(_ context.Context, token string) (*domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runners {
		if r.RunnerToken == token {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrInvalidRunnerToken
}

func (m *memoryStore) List(_ context.Context, _ ListOptions) ([]*domain.Runner, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Values(m.runners), len(m.runners), nil
}

func (m *memoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[id]; !ok {
		return domain.ErrRunnerNotFound
	}
	delete(m.runners, id)
	return nil
}

func (m *memoryStore) TouchLastContact(_ context.Context, id int64, ip string, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok || !r.LastContact.Before(staleBefore) {
		return false, nil
	}
	m.touches++
	r.LastContact = now
	r.IP = ip
	return true, nil
}

func newTestService(t *testing.T) (*Service, *memoryStore, string) {
	t.Helper()

	store := newMemoryStore()
	svc := NewService(store, 0, nil)
	svc.now = func() time.Time { return t0 }

	token, err := svc.GenerateRegistrationToken(context.Background())
	require.NoError(t, err)

	return svc, store, token.RegistrationToken
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		req         func(regToken string) RegisterRequest
		expectedErr error
	}{
		{
			name: "valid",
			req: func(regToken string) RegisterRequest {
				return RegisterRequest{RegistrationToken: regToken, Name: "runner-1", Description: lo.ToPtr("gpu box"), IP: "10.0.0.1"}
			},
		},
		{
			name: "unknown registration token",
			req: func(string) RegisterRequest {
				return RegisterRequest{RegistrationToken: "ptrrt-unknown", Name: "runner-1"}
			},
			expectedErr: domain.ErrInvalidRegistrationToken,
		},
		{
			name: "empty name",
			req: func(regToken string) RegisterRequest {
				return RegisterRequest{RegistrationToken: regToken, Name: "  "}
			},
			expectedErr: domain.ErrInvalidRunnerName,
		},
		{
			name: "name too long",
			req: func(regToken string) RegisterRequest {
				return RegisterRequest{RegistrationToken: regToken, Name: strings.Repeat("a", 101)}
			},
			expectedErr: domain.ErrInvalidRunnerName,
		},
		{
			name: "empty description",
			req: func(regToken string) RegisterRequest {
				return RegisterRequest{RegistrationToken: regToken, Name: "runner-1", Description: lo.ToPtr("")}
			},
			expectedErr: domain.ErrInvalidRunnerDescription,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, regToken := newTestService(t)

			r, err := svc.Register(ctx, tt.req(regToken))

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(r.RunnerToken, domain.RunnerTokenPrefix))
			assert.Equal(t, "runner-1", r.Name)
			assert.Equal(t, t0, r.LastContact)
		})
	}
}

func TestService_Register_RegistrationTokenIsReusable(t *testing.T) {
	ctx := context.Background()
	svc, _, regToken := newTestService(t)

	r1, err := svc.Register(ctx, RegisterRequest{RegistrationToken: regToken, Name: "runner-1"})
	require.NoError(t, err)
	r2, err := svc.Register(ctx, RegisterRequest{RegistrationToken: regToken, Name: "runner-2"})
	require.NoError(t, err)

	assert.NotEqual(t, r1.RunnerToken, r2.RunnerToken)

	_, err = svc.Register(ctx, RegisterRequest{RegistrationToken: regToken, Name: "runner-2"})
	assert.ErrorIs(t, err, domain.ErrRunnerNameTaken)
}

func TestService_Authenticate_ThrottlesLastContact(t *testing.T) {
	ctx := context.Background()
	svc, store, regToken := newTestService(t)

	r, err := svc.Register(ctx, RegisterRequest{RegistrationToken: regToken, Name: "runner-1", IP: "10.0.0.1"})
	require.NoError(t, err)

	svc.now = func() time.Time { return t0.Add(10 * time.Second) }
	got, err := svc.Authenticate(ctx, r.RunnerToken, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, t0, got.LastContact)
	assert.Equal(t, 0, store.touches)

	later := t0.Add(time.Minute)
	svc.now = func() time.Time { return later }
	got, err = svc.Authenticate(ctx, r.RunnerToken, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, later, got.LastContact)
	assert.Equal(t, "10.0.0.2", got.IP)
	assert.Equal(t, 1, store.touches)

	_, err = svc.Authenticate(ctx, "ptrt-unknown", "10.0.0.2")
	assert.ErrorIs(t, err, domain.ErrInvalidRunnerToken)
	_, err = svc.Authenticate(ctx, "", "10.0.0.2")
	assert.ErrorIs(t, err, domain.ErrInvalidRunnerToken)
}

func TestService_UnregisterAndDelete(t *testing.T) {
	ctx := context.Background()
	svc, _, regToken := newTestService(t)

	r1, err := svc.Register(ctx, RegisterRequest{RegistrationToken: regToken, Name: "runner-1"})
	require.NoError(t, err)
	r2, err := svc.Register(ctx, RegisterRequest{RegistrationToken: regToken, Name: "runner-2"})
	require.NoError(t, err)

	require.NoError(t, svc.Unregister(ctx, r1.RunnerToken))
	_, err = svc.Authenticate(ctx, r1.RunnerToken, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRunnerToken)

	require.NoError(t, svc.Delete(ctx, r2.ID))
	assert.ErrorIs(t, svc.Delete(ctx, r2.ID), domain.ErrRunnerNotFound)
}

func TestService_DeleteRegistrationToken_RemovesItsRunners(t *testing.T) {
	ctx := context.Background()
	svc, store, regToken := newTestService(t)

	r, err := svc.Register(ctx, RegisterRequest{RegistrationToken: regToken, Name: "runner-1"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRegistrationToken(ctx, r.RunnerRegistrationTokenID))

	_, err = svc.Authenticate(ctx, r.RunnerToken, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRunnerToken)
	assert.Empty(t, store.runners)
	assert.ErrorIs(t, svc.DeleteRegistrationToken(ctx, r.RunnerRegistrationTokenID), domain.ErrRegistrationTokenNotFound)
}

func TestService_List_ValidatesPagination(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.List(context.Background(), ListOptions{Pagination: domain.Pagination{Start: 0, Count: 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidPagination)

	_, total, err := svc.ListRegistrationTokens(context.Background(), ListOptions{Pagination: domain.Pagination{Count: 10}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
