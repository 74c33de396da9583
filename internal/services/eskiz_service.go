package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/STQT/acham/internal/utils"
)

const (
	defaultEskizAuthURL = "https://notify.eskiz.uz/api/auth/login"
	defaultEskizSMSURL  = "https://notify.eskiz.uz/api/message/sms/send"
	eskizTokenCacheKey  = "eskiz:api_token"
	eskizTokenTTL       = 12 * time.Hour
)

// ErrEskizNotConfigured is returned when Eskiz credentials are missing.
var ErrEskizNotConfigured = errors.New("eskiz credentials are not configured")

// SMSSender delivers a text message to a phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// EskizService sends SMS through the Eskiz.uz API. The bearer token is cached
// in Redis and refreshed on 401 responses.
type EskizService struct {
	email       string
	password    string
	sender      string
	callbackURL string

	rdb        *redis.Client
	httpClient *http.Client
	mu         sync.Mutex
}

// NewEskizService constructs an EskizService.
func NewEskizService(email, password, sender, callbackURL string, rdb *redis.Client) *EskizService {
	return &EskizService{
		email:       email,
		password:    password,
		sender:      sender,
		callbackURL: callbackURL,
		rdb:         rdb,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type eskizAuthResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// SendSMS sends a message to the given phone number.
func (s *EskizService) SendSMS(ctx context.Context, phone, message string) error {
	if s.email == "" || s.password == "" {
		return ErrEskizNotConfigured
	}

	token, err := s.getToken(ctx)
	if err != nil {
		return err
	}

	status, body, err := s.postSMS(ctx, token, phone, message)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		log.Println("[Eskiz] token expired, re-authenticating")
		if token, err = s.authenticate(ctx); err != nil {
			return err
		}
		if status, body, err = s.postSMS(ctx, token, phone, message); err != nil {
			return err
		}
	}

	if status >= 400 {
		return fmt.Errorf("eskiz send failed: status %d: %s", status, truncate(body, 512))
	}
	return nil
}

func (s *EskizService) postSMS(ctx context.Context, token, phone, message string) (int, string, error) {
	form := url.Values{}
	form.Set("mobile_phone", utils.NormalizePhone(phone))
	form.Set("message", message)
	form.Set("from", s.sender)
	if s.callbackURL != "" {
		form.Set("callback_url", s.callbackURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, defaultEskizSMSURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("eskiz request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), nil
}

func (s *EskizService) getToken(ctx context.Context) (string, error) {
	if s.rdb != nil {
		if token, err := s.rdb.Get(ctx, eskizTokenCacheKey).Result(); err == nil && token != "" {
			return token, nil
		}
	}
	return s.authenticate(ctx)
}

func (s *EskizService) authenticate(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	form := url.Values{}
	form.Set("email", s.email)
	form.Set("password", s.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, defaultEskizAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("eskiz auth failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("eskiz auth failed: status %d: %s", resp.StatusCode, truncate(string(body), 512))
	}

	var parsed eskizAuthResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("eskiz auth response decode: %w", err)
	}
	if parsed.Data.Token == "" {
		return "", fmt.Errorf("eskiz auth response missing token")
	}

	if s.rdb != nil {
		if err := s.rdb.Set(ctx, eskizTokenCacheKey, parsed.Data.Token, eskizTokenTTL).Err(); err != nil {
			log.Printf("[Eskiz] failed to cache token: %v", err)
		}
	}
	return parsed.Data.Token, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
