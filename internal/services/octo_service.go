package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OctoGateway is the capability interface for the OCTO payment API so that
// handlers and the payment service can run against a fake in tests.
type OctoGateway interface {
	PreparePayment(ctx context.Context, req OctoPrepareRequest) (*OctoResponse, error)
	Pay(ctx context.Context, transactionID string, card OctoCardData) (*OctoResponse, error)
	VerificationInfo(ctx context.Context, transactionID string) (*OctoResponse, error)
	CheckSMSKey(ctx context.Context, transactionID, smsKey string) (*OctoResponse, error)
	CheckTransaction(ctx context.Context, transactionID string) (*OctoResponse, error)
}

// OctoBasketItem describes one position of the prepared charge.
type OctoBasketItem struct {
	PositionDesc string  `json:"position_desc"`
	Count        int     `json:"count"`
	Price        float64 `json:"price"`
	Spic         string  `json:"spic"`
	INN          string  `json:"inn"`
	PackageCode  string  `json:"package_code"`
	NDS          int     `json:"nds"`
}

// OctoUserData identifies the paying customer.
type OctoUserData struct {
	UserID string `json:"user_id"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
}

// OctoCardData carries the card fields forwarded verbatim to the gateway.
type OctoCardData struct {
	CardNumber     string `json:"card_number"`
	Expire         string `json:"expire"`
	CardholderName string `json:"cardholder_name,omitempty"`
}

// OctoPrepareRequest is the input to prepare_payment.
type OctoPrepareRequest struct {
	ShopTransactionID string
	TotalSum          float64
	Currency          string
	Description       string
	UserData          OctoUserData
	Basket            []OctoBasketItem
	ReturnURL         string
	NotifyURL         string
	Language          string
	TTLMinutes        int
}

type octoData struct {
	ID              string  `json:"id"`
	TransactionID   string  `json:"transaction_id"`
	Status          string  `json:"status"`
	OctoPayURL      string  `json:"octo_pay_url"`
	OtpURL          string  `json:"otp_url"`
	VerificationURL *string `json:"verification_url"`
	SecondsLeft     *int    `json:"secondsLeft"`
	Message         string  `json:"message"`
}

// OctoResponse is the provider envelope shared by all OCTO endpoints. Raw
// preserves the verbatim body for the audit payload columns.
type OctoResponse struct {
	Error      int             `json:"error"`
	ErrMessage string          `json:"errMessage"`
	Data       octoData        `json:"data"`
	OctoPayURL string          `json:"octo_pay_url"`
	Raw        json.RawMessage `json:"-"`
}

// Failed reports whether the gateway rejected the call.
func (r *OctoResponse) Failed() bool {
	return r.Error != 0
}

// TransactionID returns the gateway transaction identifier regardless of
// which field the endpoint put it in.
func (r *OctoResponse) TransactionID() string {
	if r.Data.ID != "" {
		return r.Data.ID
	}
	return r.Data.TransactionID
}

// OctoService is the HTTP client for the OCTO payment gateway.
type OctoService struct {
	apiURL     string
	shopID     string
	secret     string
	testMode   bool
	httpClient *http.Client
}

// NewOctoService constructs an OctoService.
func NewOctoService(apiURL, shopID, secret string, testMode bool) *OctoService {
	return &OctoService{
		apiURL:     strings.TrimRight(apiURL, "/"),
		shopID:     shopID,
		secret:     secret,
		testMode:   testMode,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// PreparePayment registers a pending charge with the gateway.
func (s *OctoService) PreparePayment(ctx context.Context, req OctoPrepareRequest) (*OctoResponse, error) {
	if s.shopID == "" || s.secret == "" {
		log.Println("[OCTO] credentials not configured, simulating prepare_payment")
		return s.simulatePrepare(), nil
	}

	currency := req.Currency
	// OCTO accepts only UZS and CLS.
	if currency != "UZS" && currency != "CLS" {
		log.Printf("[OCTO] invalid currency %q, defaulting to UZS", currency)
		currency = "UZS"
	}

	ttl := req.TTLMinutes
	if ttl <= 0 {
		ttl = 15
	}

	payload := map[string]interface{}{
		"octo_shop_id":        s.shopID,
		"octo_secret":         s.secret,
		"shop_transaction_id": req.ShopTransactionID,
		"auto_capture":        true,
		"test":                s.testMode,
		"user_data":           req.UserData,
		"total_sum":           req.TotalSum,
		"currency":            currency,
		"description":         req.Description,
		"basket":              req.Basket,
		"payment_methods": []map[string]string{
			{"method": "bank_card"},
			{"method": "uzcard"},
			{"method": "humo"},
		},
		"return_url": req.ReturnURL,
		"notify_url": req.NotifyURL,
		"language":   req.Language,
		"ttl":        ttl,
	}

	return s.send(ctx, "/prepare_payment", payload)
}

// Pay forwards card data for the prepared transaction.
func (s *OctoService) Pay(ctx context.Context, transactionID string, card OctoCardData) (*OctoResponse, error) {
	if s.testMode {
		return s.simulatePay(transactionID, card), nil
	}

	payload := map[string]interface{}{
		"octo_shop_id":   s.shopID,
		"octo_secret":    s.secret,
		"transaction_id": transactionID,
		"card_data":      card,
	}
	return s.send(ctx, "/pay", payload)
}

// VerificationInfo fetches the OTP verification details for a transaction.
func (s *OctoService) VerificationInfo(ctx context.Context, transactionID string) (*OctoResponse, error) {
	if s.testMode {
		seconds := 300
		resp := &OctoResponse{Data: octoData{ID: transactionID, SecondsLeft: &seconds, Status: "verification_required"}}
		resp.Raw = mustMarshal(resp)
		return resp, nil
	}

	payload := map[string]interface{}{
		"octo_shop_id":   s.shopID,
		"octo_secret":    s.secret,
		"transaction_id": transactionID,
	}
	return s.send(ctx, "/verificationInfo", payload)
}

// CheckSMSKey submits the SMS OTP entered by the customer.
func (s *OctoService) CheckSMSKey(ctx context.Context, transactionID, smsKey string) (*OctoResponse, error) {
	if s.testMode {
		if smsKey == "123456" {
			resp := &OctoResponse{Data: octoData{TransactionID: transactionID, Status: "success"}}
			resp.Raw = mustMarshal(resp)
			return resp, nil
		}
		resp := &OctoResponse{Error: 1, ErrMessage: "Invalid SMS code"}
		resp.Raw = mustMarshal(resp)
		return resp, nil
	}

	payload := map[string]interface{}{
		"octo_shop_id":   s.shopID,
		"octo_secret":    s.secret,
		"transaction_id": transactionID,
		"sms_key":        smsKey,
	}
	return s.send(ctx, "/check_sms_key", payload)
}

// CheckTransaction polls the gateway-side transaction state.
func (s *OctoService) CheckTransaction(ctx context.Context, transactionID string) (*OctoResponse, error) {
	payload := map[string]interface{}{
		"octo_shop_id":   s.shopID,
		"octo_secret":    s.secret,
		"transaction_id": transactionID,
	}
	return s.send(ctx, "/check_transaction", payload)
}

func (s *OctoService) send(ctx context.Context, path string, payload map[string]interface{}) (*OctoResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal OCTO payload: %w", err)
	}

	url := s.apiURL + path
	log.Printf("[OCTO] POST %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create OCTO request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("octo request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read OCTO response: %w", err)
	}
	log.Printf("[OCTO] response status %d: %s", resp.StatusCode, truncate(string(raw), 1000))

	parsed := &OctoResponse{Raw: raw}
	if err := json.Unmarshal(raw, parsed); err != nil {
		if resp.StatusCode >= 400 {
			return &OctoResponse{Error: resp.StatusCode, ErrMessage: truncate(string(raw), 512), Raw: raw}, nil
		}
		return nil, fmt.Errorf("decode OCTO response: %w", err)
	}

	if resp.StatusCode >= 400 && parsed.Error == 0 {
		parsed.Error = resp.StatusCode
		if parsed.ErrMessage == "" {
			parsed.ErrMessage = http.StatusText(resp.StatusCode)
		}
	}
	return parsed, nil
}

func (s *OctoService) simulatePrepare() *OctoResponse {
	id := uuid.NewString()
	resp := &OctoResponse{
		// Simulation answers error=1 yet still provides the pay URL.
		Error:      1,
		Data:       octoData{ID: id, OctoPayURL: "https://pay2.octo.uz/pay/" + id},
		OctoPayURL: "https://pay2.octo.uz/pay/" + id,
	}
	resp.Raw = mustMarshal(resp)
	return resp
}

func (s *OctoService) simulatePay(transactionID string, card OctoCardData) *OctoResponse {
	var resp *OctoResponse
	if strings.HasPrefix(card.CardNumber, "4") {
		// Visa/MC flow: redirect to the gateway OTP form.
		resp = &OctoResponse{Data: octoData{
			Status:        "otp_required",
			TransactionID: transactionID,
			OtpURL:        fmt.Sprintf("https://pay2.octo.uz/otp-form/%s?language=uz", transactionID),
		}}
	} else {
		// Uzcard/Humo flow: SMS OTP follows.
		resp = &OctoResponse{Data: octoData{
			Status:        "processing",
			TransactionID: transactionID,
		}}
	}
	resp.Raw = mustMarshal(resp)
	return resp
}

// ComputeNotifySignature builds the webhook integrity signature: hex-encoded
// HMAC-SHA256 over octo_transaction_id + shop_transaction_id + status, keyed
// with the shop secret.
func ComputeNotifySignature(secret, octoTransactionID, shopTransactionID, status string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(octoTransactionID))
	mac.Write([]byte(shopTransactionID))
	mac.Write([]byte(status))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyNotifySignature compares signatures in constant time.
func VerifyNotifySignature(secret, octoTransactionID, shopTransactionID, status, signature string) bool {
	want := ComputeNotifySignature(secret, octoTransactionID, shopTransactionID, status)
	return hmac.Equal([]byte(want), []byte(signature))
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
