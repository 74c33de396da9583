package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/STQT/acham/internal/models"
)

// Social login failures surfaced to the client as validation errors.
var (
	ErrUnknownProvider  = errors.New("unknown oauth provider")
	ErrInvalidState     = errors.New("invalid or expired state parameter")
	ErrRedirectMismatch = errors.New("redirect_uri mismatch")
	ErrNoProviderUID    = errors.New("unable to determine user identifier from provider response")
)

const oauthStateTTL = 5 * time.Minute

// StatePayload is the per-authorization data bound to an OAuth state value.
type StatePayload struct {
	RedirectURI string `json:"redirect_uri"`
}

// StateStore persists single-use OAuth state values.
type StateStore interface {
	Store(ctx context.Context, provider, state string, payload StatePayload) error
	Pop(ctx context.Context, provider, state string) (*StatePayload, error)
}

// RedisStateStore keeps OAuth state in Redis with a short TTL.
type RedisStateStore struct {
	rdb *redis.Client
}

// NewRedisStateStore constructs a RedisStateStore.
func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb}
}

func stateCacheKey(provider, state string) string {
	return fmt.Sprintf("oauth:%s:state:%s", provider, state)
}

func (s *RedisStateStore) Store(ctx context.Context, provider, state string, payload StatePayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, stateCacheKey(provider, state), raw, oauthStateTTL).Err()
}

func (s *RedisStateStore) Pop(ctx context.Context, provider, state string) (*StatePayload, error) {
	key := stateCacheKey(provider, state)
	raw, err := s.rdb.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var payload StatePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// OAuthProvider describes one external OAuth2 provider.
type OAuthProvider struct {
	Name             string
	AuthorizationURL string
	TokenURL         string
	UserinfoURL      string
	ClientID         string
	ClientSecret     string
	Scopes           []string
	ScopeSeparator   string
	// Facebook exchanges the code via GET query params, Google via POST form.
	TokenViaGet bool
	// Extra authorization query params (e.g. Google's access_type/prompt).
	ExtraAuthParams map[string]string
}

// NewGoogleProvider builds the Google OAuth provider description.
func NewGoogleProvider(clientID, clientSecret string, scopes []string) *OAuthProvider {
	return &OAuthProvider{
		Name:             "google",
		AuthorizationURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:         "https://oauth2.googleapis.com/token",
		UserinfoURL:      "https://www.googleapis.com/oauth2/v3/userinfo",
		ClientID:         clientID,
		ClientSecret:     clientSecret,
		Scopes:           scopes,
		ScopeSeparator:   " ",
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	}
}

// NewFacebookProvider builds the Facebook OAuth provider description.
func NewFacebookProvider(clientID, clientSecret string, scopes []string) *OAuthProvider {
	return &OAuthProvider{
		Name:             "facebook",
		AuthorizationURL: "https://www.facebook.com/v18.0/dialog/oauth",
		TokenURL:         "https://graph.facebook.com/v18.0/oauth/access_token",
		UserinfoURL:      "https://graph.facebook.com/me",
		ClientID:         clientID,
		ClientSecret:     clientSecret,
		Scopes:           scopes,
		ScopeSeparator:   ",",
		TokenViaGet:      true,
	}
}

// BuildAuthorizationURL assembles the provider redirect URL.
func (p *OAuthProvider) BuildAuthorizationURL(redirectURI, state string) string {
	params := url.Values{}
	params.Set("client_id", p.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(p.Scopes, p.ScopeSeparator))
	params.Set("state", state)
	for k, v := range p.ExtraAuthParams {
		params.Set(k, v)
	}
	return p.AuthorizationURL + "?" + params.Encode()
}

// SocialProfile is the normalized identity fetched from a provider.
type SocialProfile struct {
	UID   string
	Email string
	Name  string
	Raw   []byte
}

// SocialService bridges external OAuth providers to local accounts.
type SocialService struct {
	db         *gorm.DB
	states     StateStore
	providers  map[string]*OAuthProvider
	httpClient *http.Client
}

// NewSocialService constructs a SocialService.
func NewSocialService(db *gorm.DB, states StateStore, providers ...*OAuthProvider) *SocialService {
	byName := make(map[string]*OAuthProvider, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}
	return &SocialService{
		db:         db,
		states:     states,
		providers:  byName,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Provider returns the named provider description.
func (s *SocialService) Provider(name string) (*OAuthProvider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Authorize stores a fresh single-use state and returns the provider URL to
// redirect the client to.
func (s *SocialService) Authorize(ctx context.Context, providerName, redirectURI string) (authorizationURL, state string, err error) {
	p, err := s.Provider(providerName)
	if err != nil {
		return "", "", err
	}

	state = uuid.NewString()
	if err := s.states.Store(ctx, p.Name, state, StatePayload{RedirectURI: redirectURI}); err != nil {
		return "", "", err
	}
	return p.BuildAuthorizationURL(redirectURI, state), state, nil
}

// Callback exchanges the authorization code, fetches the provider profile,
// and creates or matches the local user.
func (s *SocialService) Callback(ctx context.Context, providerName, code, state, redirectURI string) (*models.User, error) {
	p, err := s.Provider(providerName)
	if err != nil {
		return nil, err
	}

	payload, err := s.states.Pop(ctx, p.Name, state)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, ErrInvalidState
	}
	if payload.RedirectURI != redirectURI {
		return nil, ErrRedirectMismatch
	}

	accessToken, err := s.exchangeCode(ctx, p, code, redirectURI)
	if err != nil {
		return nil, err
	}

	profile, err := s.fetchProfile(ctx, p, accessToken)
	if err != nil {
		return nil, err
	}

	return s.createOrMatchUser(ctx, p.Name, profile)
}

func (s *SocialService) exchangeCode(ctx context.Context, p *OAuthProvider, code, redirectURI string) (string, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)
	form.Set("redirect_uri", redirectURI)

	var req *http.Request
	var err error
	if p.TokenViaGet {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.TokenURL+"?"+form.Encode(), nil)
	} else {
		form.Set("grant_type", "authorization_code")
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return "", err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s token exchange failed: %w", p.Name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s token exchange failed: status %d: %s", p.Name, resp.StatusCode, truncate(string(body), 512))
	}

	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tokens); err != nil {
		return "", fmt.Errorf("%s token response decode: %w", p.Name, err)
	}
	if tokens.AccessToken == "" {
		return "", fmt.Errorf("%s did not return an access token", p.Name)
	}
	return tokens.AccessToken, nil
}

func (s *SocialService) fetchProfile(ctx context.Context, p *OAuthProvider, accessToken string) (*SocialProfile, error) {
	profileURL := p.UserinfoURL
	if p.Name == "facebook" {
		profileURL += "?fields=id,name,email"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s profile fetch failed: %w", p.Name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s profile fetch failed: status %d: %s", p.Name, resp.StatusCode, truncate(string(body), 512))
	}

	var data struct {
		ID        string `json:"id"`
		Sub       string `json:"sub"`
		Email     string `json:"email"`
		Name      string `json:"name"`
		GivenName string `json:"given_name"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%s profile decode: %w", p.Name, err)
	}

	uid := data.ID
	if uid == "" {
		uid = data.Sub
	}
	if uid == "" {
		return nil, ErrNoProviderUID
	}

	name := data.Name
	if name == "" {
		name = data.GivenName
	}

	return &SocialProfile{UID: uid, Email: data.Email, Name: name, Raw: body}, nil
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func (s *SocialService) createOrMatchUser(ctx context.Context, provider string, profile *SocialProfile) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		email := strings.ToLower(profile.Email)
		if email == "" {
			email = s.synthesizeEmail(tx, provider, profile.UID)
		}

		var account models.SocialAccount
		err := tx.Where("provider = ? AND uid = ?", provider, profile.UID).First(&account).Error
		if err == nil {
			if uerr := tx.Model(&account).Update("extra_data", profile.Raw).Error; uerr != nil {
				return uerr
			}
			return tx.First(&user, "id = ?", account.UserID).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		err = tx.Where("lower(email) = ?", email).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = models.User{
				Name:  profile.Name,
				Email: email,
			}
			if cerr := tx.Create(&user).Error; cerr != nil {
				return cerr
			}
		} else if err != nil {
			return err
		} else if profile.Name != "" && user.Name == "" {
			if uerr := tx.Model(&user).Update("name", profile.Name).Error; uerr != nil {
				return uerr
			}
		}

		return tx.Create(&models.SocialAccount{
			Provider:  provider,
			UID:       profile.UID,
			UserID:    user.ID,
			ExtraData: profile.Raw,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// synthesizeEmail builds a local placeholder address when the provider does
// not disclose one, keeping the email column unique.
func (s *SocialService) synthesizeEmail(tx *gorm.DB, provider, uid string) string {
	base := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(provider+"-"+uid), "-"), "-")
	if base == "" {
		base = provider + "-user"
	}
	domain := provider + ".oauth.local"

	candidate := base + "@" + domain
	for suffix := 1; ; suffix++ {
		var count int64
		if err := tx.Model(&models.User{}).Where("lower(email) = ?", candidate).Count(&count).Error; err != nil || count == 0 {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d@%s", base, suffix, domain)
	}
}
