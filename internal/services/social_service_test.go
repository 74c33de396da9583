package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStateStore is an in-process StateStore for tests.
type memoryStateStore struct {
	mu     sync.Mutex
	states map[string]StatePayload
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{states: make(map[string]StatePayload)}
}

func (m *memoryStateStore) Store(_ context.Context, provider, state string, payload StatePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[provider+":"+state] = payload
	return nil
}

func (m *memoryStateStore) Pop(_ context.Context, provider, state string) (*StatePayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + ":" + state
	payload, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	delete(m.states, key)
	return &payload, nil
}

func TestBuildAuthorizationURL(t *testing.T) {
	google := NewGoogleProvider("client-g", "secret-g", []string{"openid", "email", "profile"})
	raw := google.BuildAuthorizationURL("https://acham.uz/callback", "state-1")

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", parsed.Host)
	q := parsed.Query()
	assert.Equal(t, "client-g", q.Get("client_id"))
	assert.Equal(t, "https://acham.uz/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))

	facebook := NewFacebookProvider("client-f", "secret-f", []string{"email", "public_profile"})
	parsed, err = url.Parse(facebook.BuildAuthorizationURL("https://acham.uz/callback", "state-2"))
	require.NoError(t, err)
	assert.Equal(t, "www.facebook.com", parsed.Host)
	assert.Equal(t, "email,public_profile", parsed.Query().Get("scope"))
}

func TestAuthorizeStoresSingleUseState(t *testing.T) {
	store := newMemoryStateStore()
	svc := NewSocialService(nil, store, NewGoogleProvider("client-g", "secret-g", []string{"email"}))

	authURL, state, err := svc.Authorize(context.Background(), "google", "https://acham.uz/callback")
	require.NoError(t, err)
	assert.NotEmpty(t, state)
	assert.Contains(t, authURL, "state="+state)

	payload, err := store.Pop(context.Background(), "google", state)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "https://acham.uz/callback", payload.RedirectURI)

	// Popped once, gone for good.
	payload, err = store.Pop(context.Background(), "google", state)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestAuthorizeUnknownProvider(t *testing.T) {
	svc := NewSocialService(nil, newMemoryStateStore())
	_, _, err := svc.Authorize(context.Background(), "github", "https://acham.uz/callback")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCallbackRejectsBadState(t *testing.T) {
	store := newMemoryStateStore()
	svc := NewSocialService(nil, store, NewGoogleProvider("client-g", "secret-g", []string{"email"}))

	_, err := svc.Callback(context.Background(), "google", "code", "never-issued", "https://acham.uz/callback")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, state, err := svc.Authorize(context.Background(), "google", "https://acham.uz/callback")
	require.NoError(t, err)

	_, err = svc.Callback(context.Background(), "google", "code", state, "https://evil.example/callback")
	assert.ErrorIs(t, err, ErrRedirectMismatch)
}

func TestExchangeCodePostForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "auth-code", r.PostForm.Get("code"))
		assert.Equal(t, "client-g", r.PostForm.Get("client_id"))
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))

		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-1"})
	}))
	defer server.Close()

	provider := NewGoogleProvider("client-g", "secret-g", []string{"email"})
	provider.TokenURL = server.URL
	svc := NewSocialService(nil, newMemoryStateStore(), provider)

	token, err := svc.exchangeCode(context.Background(), provider, "auth-code", "https://acham.uz/callback")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
}

func TestExchangeCodeGetQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "auth-code", q.Get("code"))
		assert.Equal(t, "client-f", q.Get("client_id"))
		assert.Empty(t, q.Get("grant_type"))

		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-2"})
	}))
	defer server.Close()

	provider := NewFacebookProvider("client-f", "secret-f", []string{"email"})
	provider.TokenURL = server.URL
	svc := NewSocialService(nil, newMemoryStateStore(), provider)

	token, err := svc.exchangeCode(context.Background(), provider, "auth-code", "https://acham.uz/callback")
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
}

func TestExchangeCodeProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer server.Close()

	provider := NewGoogleProvider("client-g", "secret-g", []string{"email"})
	provider.TokenURL = server.URL
	svc := NewSocialService(nil, newMemoryStateStore(), provider)

	_, err := svc.exchangeCode(context.Background(), provider, "bad-code", "https://acham.uz/callback")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestFetchProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		switch r.URL.Query().Get("fields") {
		case "id,name,email":
			json.NewEncoder(w).Encode(map[string]string{"id": "fb-1", "name": "Ali", "email": "ali@example.com"})
		default:
			// Google userinfo uses "sub" instead of "id".
			json.NewEncoder(w).Encode(map[string]string{"sub": "g-1", "given_name": "Vali"})
		}
	}))
	defer server.Close()

	google := NewGoogleProvider("client-g", "secret-g", []string{"email"})
	google.UserinfoURL = server.URL
	facebook := NewFacebookProvider("client-f", "secret-f", []string{"email"})
	facebook.UserinfoURL = server.URL

	svc := NewSocialService(nil, newMemoryStateStore(), google, facebook)

	profile, err := svc.fetchProfile(context.Background(), facebook, "token-1")
	require.NoError(t, err)
	assert.Equal(t, "fb-1", profile.UID)
	assert.Equal(t, "ali@example.com", profile.Email)
	assert.Equal(t, "Ali", profile.Name)

	profile, err = svc.fetchProfile(context.Background(), google, "token-1")
	require.NoError(t, err)
	assert.Equal(t, "g-1", profile.UID)
	assert.Empty(t, profile.Email)
	assert.Equal(t, "Vali", profile.Name)
}

func TestFetchProfileMissingUID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"email": "anon@example.com"})
	}))
	defer server.Close()

	google := NewGoogleProvider("client-g", "secret-g", []string{"email"})
	google.UserinfoURL = server.URL
	svc := NewSocialService(nil, newMemoryStateStore(), google)

	_, err := svc.fetchProfile(context.Background(), google, "token-1")
	assert.ErrorIs(t, err, ErrNoProviderUID)
}
