package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/STQT/acham/internal/models"
)

// ErrTransactionNotFound is returned when no payment transaction matches.
var ErrTransactionNotFound = errors.New("payment transaction not found")

// ErrOrderNotPayable is returned when payment is initiated for an order that
// is not awaiting payment.
var ErrOrderNotPayable = errors.New("order is not in pending payment status")

// StateConflictError signals a payment action invoked in the wrong state.
type StateConflictError struct {
	Current   models.PaymentStatus
	Attempted models.PaymentStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("illegal payment transition %s -> %s", e.Current, e.Attempted)
}

// GatewayError carries a provider rejection through to the API response.
type GatewayError struct {
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("octo error %d: %s", e.Code, e.Message)
}

// paymentTransitions is the allowed-transition table for payment statuses.
// Terminal statuses admit no gateway-driven change; SUCCESS may only move to
// REFUNDED through back-office flows.
var paymentTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentStatusPending: {
		models.PaymentStatusPrepared,
		models.PaymentStatusFailed,
		models.PaymentStatusCancelled,
	},
	models.PaymentStatusPrepared: {
		models.PaymentStatusVerificationRequired,
		models.PaymentStatusProcessing,
		models.PaymentStatusSuccess, // paid through the hosted gateway page
		models.PaymentStatusFailed,
		models.PaymentStatusCancelled,
	},
	models.PaymentStatusVerificationRequired: {
		models.PaymentStatusProcessing,
		models.PaymentStatusFailed,
		models.PaymentStatusCancelled,
	},
	models.PaymentStatusProcessing: {
		models.PaymentStatusSuccess,
		models.PaymentStatusFailed,
		models.PaymentStatusCancelled,
	},
	models.PaymentStatusSuccess: {
		models.PaymentStatusRefunded,
	},
}

// CanTransition reports whether the status graph permits from -> to.
func CanTransition(from, to models.PaymentStatus) bool {
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// liveStatuses are the non-terminal statuses of an in-flight payment attempt.
var liveStatuses = []models.PaymentStatus{
	models.PaymentStatusPending,
	models.PaymentStatusPrepared,
	models.PaymentStatusVerificationRequired,
	models.PaymentStatusProcessing,
}

// PaymentService orchestrates the OCTO payment lifecycle for orders.
type PaymentService struct {
	db          *gorm.DB
	gateway     OctoGateway
	octoSecret  string
	frontendURL string
	notifyURL   string
	telegram    *TelegramService
}

// NewPaymentService constructs a PaymentService.
func NewPaymentService(db *gorm.DB, gateway OctoGateway, octoSecret, frontendURL, notifyURL string, telegram *TelegramService) *PaymentService {
	return &PaymentService{
		db:          db,
		gateway:     gateway,
		octoSecret:  octoSecret,
		frontendURL: frontendURL,
		notifyURL:   notifyURL,
		telegram:    telegram,
	}
}

// FindLiveTransaction returns the in-flight transaction for an order, if any.
func (s *PaymentService) FindLiveTransaction(ctx context.Context, orderID interface{}) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := s.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, liveStatuses).
		Order("created_at desc").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// Initiate creates a pending transaction for the order and prepares the
// charge with OCTO. An already in-flight transaction is returned as is.
func (s *PaymentService) Initiate(ctx context.Context, order *models.Order, language string) (*models.PaymentTransaction, error) {
	if order.Status != models.OrderStatusPendingPayment {
		return nil, ErrOrderNotPayable
	}

	if existing, err := s.FindLiveTransaction(ctx, order.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	basket := make([]OctoBasketItem, 0, len(order.Items))
	for _, item := range order.Items {
		basket = append(basket, OctoBasketItem{
			PositionDesc: item.ProductName,
			Count:        item.Quantity,
			Price:        item.UnitPrice,
			Spic:         "00305001001000000",
			PackageCode:  "1425207",
			NDS:          1,
		})
	}

	userData := OctoUserData{
		Phone: order.CustomerPhone,
		Email: order.CustomerEmail,
	}
	if order.UserID != nil {
		userData.UserID = order.UserID.String()
	}

	request := OctoPrepareRequest{
		ShopTransactionID: order.Number,
		TotalSum:          order.TotalAmount,
		Currency:          order.Currency,
		Description:       fmt.Sprintf("Order %s", order.Number),
		UserData:          userData,
		Basket:            basket,
		ReturnURL:         fmt.Sprintf("%s/profile?order=%s", s.frontendURL, order.ID),
		NotifyURL:         s.notifyURL,
		Language:          language,
	}

	txn := models.PaymentTransaction{
		OrderID:           order.ID,
		ShopTransactionID: order.Number,
		Status:            models.PaymentStatusPending,
		Amount:            order.TotalAmount,
		Currency:          order.Currency,
		RequestPayload:    marshalPayload(request),
	}
	if err := s.db.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, err
	}

	resp, err := s.gateway.PreparePayment(ctx, request)
	if err != nil {
		// Provider unreachable: the pending row stays for retry/inspection.
		return &txn, fmt.Errorf("octo prepare_payment: %w", err)
	}

	if resp.Failed() {
		if terr := s.transition(ctx, &txn, models.PaymentStatusFailed, map[string]interface{}{
			"response_payload": []byte(resp.Raw),
			"error_code":       strconv.Itoa(resp.Error),
			"error_message":    resp.ErrMessage,
			"completed_at":     time.Now(),
		}); terr != nil {
			return nil, terr
		}
		return &txn, &GatewayError{Code: resp.Error, Message: resp.ErrMessage}
	}

	if err := s.transition(ctx, &txn, models.PaymentStatusPrepared, map[string]interface{}{
		"octo_transaction_id": resp.TransactionID(),
		"response_payload":    []byte(resp.Raw),
	}); err != nil {
		return nil, err
	}
	return &txn, nil
}

// Confirm forwards card data for a prepared transaction. Depending on the
// gateway answer the transaction moves to verification_required (OTP pending)
// or to processing until the webhook resolves it; either way the row takes a
// single step out of prepared.
func (s *PaymentService) Confirm(ctx context.Context, order *models.Order, transactionID string, card OctoCardData) (*models.PaymentTransaction, error) {
	txn, err := s.findByOctoID(ctx, order.ID, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status != models.PaymentStatusPrepared {
		return nil, &StateConflictError{Current: txn.Status, Attempted: models.PaymentStatusProcessing}
	}

	resp, err := s.gateway.Pay(ctx, transactionID, card)
	if err != nil {
		return txn, fmt.Errorf("octo pay: %w", err)
	}

	if resp.Failed() {
		if terr := s.transition(ctx, txn, models.PaymentStatusFailed, map[string]interface{}{
			"response_payload": []byte(resp.Raw),
			"error_code":       strconv.Itoa(resp.Error),
			"error_message":    resp.ErrMessage,
			"completed_at":     time.Now(),
		}); terr != nil {
			return nil, terr
		}
		return txn, &GatewayError{Code: resp.Error, Message: resp.ErrMessage}
	}

	info, err := s.gateway.VerificationInfo(ctx, transactionID)
	if err != nil || info.Failed() {
		// Verification info is best effort: without it the transaction keeps
		// processing until the webhook arrives.
		log.Printf("[Payment] verification info unavailable for %s: %v", transactionID, err)
		if terr := s.transition(ctx, txn, models.PaymentStatusProcessing, map[string]interface{}{
			"response_payload": []byte(resp.Raw),
		}); terr != nil {
			return nil, terr
		}
		return txn, nil
	}

	updates := map[string]interface{}{
		"octo_payment_id":  info.Data.ID,
		"seconds_left":     info.Data.SecondsLeft,
		"response_payload": []byte(info.Raw),
	}
	if info.Data.VerificationURL != nil {
		updates["verification_url"] = *info.Data.VerificationURL
	}
	if err := s.transition(ctx, txn, models.PaymentStatusVerificationRequired, updates); err != nil {
		return nil, err
	}
	return txn, nil
}

// VerifySMSKey submits the customer's SMS OTP to the gateway. Legal only in
// verification_required; the final outcome still arrives via webhook.
func (s *PaymentService) VerifySMSKey(ctx context.Context, order *models.Order, transactionID, smsKey string) (*models.PaymentTransaction, error) {
	txn, err := s.findByOctoID(ctx, order.ID, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status != models.PaymentStatusVerificationRequired {
		return nil, &StateConflictError{Current: txn.Status, Attempted: models.PaymentStatusProcessing}
	}

	resp, err := s.gateway.CheckSMSKey(ctx, transactionID, smsKey)
	if err != nil {
		return txn, fmt.Errorf("octo check_sms_key: %w", err)
	}

	if resp.Failed() {
		// Wrong code is not terminal: record the rejection, keep the state.
		if uerr := s.db.WithContext(ctx).Model(txn).Updates(map[string]interface{}{
			"response_payload": []byte(resp.Raw),
			"error_code":       strconv.Itoa(resp.Error),
			"error_message":    resp.ErrMessage,
		}).Error; uerr != nil {
			return nil, uerr
		}
		return txn, &GatewayError{Code: resp.Error, Message: resp.ErrMessage}
	}

	if err := s.transition(ctx, txn, models.PaymentStatusProcessing, map[string]interface{}{
		"response_payload": []byte(resp.Raw),
		"error_code":       "",
		"error_message":    "",
	}); err != nil {
		return nil, err
	}
	return txn, nil
}

// NotifyPayload is the webhook body posted by OCTO.
type NotifyPayload struct {
	TransactionID     string `json:"transaction_id"`
	ID                string `json:"id"`
	ShopTransactionID string `json:"shop_transaction_id"`
	Status            string `json:"status"`
	Error             int    `json:"error"`
	ErrMessage        string `json:"errMessage"`
	Signature         string `json:"signature"`
}

// GatewayTransactionID returns whichever identifier field the gateway filled.
func (p *NotifyPayload) GatewayTransactionID() string {
	if p.TransactionID != "" {
		return p.TransactionID
	}
	return p.ID
}

// TerminalStatus maps the webhook payload onto the transaction status it
// reports.
func (p *NotifyPayload) TerminalStatus() models.PaymentStatus {
	switch p.Status {
	case "success":
		return models.PaymentStatusSuccess
	case "cancelled":
		return models.PaymentStatusCancelled
	case "failed":
		return models.PaymentStatusFailed
	}
	if p.Error != 0 {
		return models.PaymentStatusFailed
	}
	return models.PaymentStatusSuccess
}

// Notify applies a gateway webhook. Duplicate notifications for a transaction
// that already reached a terminal status are a no-op; the status write is a
// compare-and-set so concurrent deliveries cannot apply the same edge twice.
func (s *PaymentService) Notify(ctx context.Context, payload *NotifyPayload, raw []byte) (*models.PaymentTransaction, error) {
	gatewayID := payload.GatewayTransactionID()
	if gatewayID == "" {
		return nil, ErrTransactionNotFound
	}

	applied := false
	var txn models.PaymentTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("octo_transaction_id = ?", gatewayID).First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransactionNotFound
			}
			return err
		}

		if txn.Status.Terminal() {
			return nil
		}

		target := payload.TerminalStatus()
		if !CanTransition(txn.Status, target) {
			return &StateConflictError{Current: txn.Status, Attempted: target}
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":           target,
			"response_payload": raw,
			"completed_at":     now,
		}
		if target == models.PaymentStatusFailed {
			updates["error_code"] = strconv.Itoa(payload.Error)
			updates["error_message"] = payload.ErrMessage
		}
		res := tx.Model(&models.PaymentTransaction{}).
			Where("id = ? AND status = ?", txn.ID, txn.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to a concurrent delivery.
			if err := tx.First(&txn, "id = ?", txn.ID).Error; err != nil {
				return err
			}
			if txn.Status.Terminal() {
				return nil
			}
			return &StateConflictError{Current: txn.Status, Attempted: target}
		}
		txn.Status = target
		applied = true

		return s.updateOrderAfterPayment(tx, &txn, target, now)
	})
	if err != nil {
		return nil, err
	}

	if applied && txn.Status == models.PaymentStatusSuccess && s.telegram != nil {
		go func(t models.PaymentTransaction) {
			if err := s.telegram.NotifyPaymentSuccess(t.ShopTransactionID, t.Amount, t.Currency); err != nil {
				log.Printf("[Payment] telegram notification failed: %v", err)
			}
		}(txn)
	}

	return &txn, nil
}

func (s *PaymentService) updateOrderAfterPayment(tx *gorm.DB, txn *models.PaymentTransaction, target models.PaymentStatus, now time.Time) error {
	var order models.Order
	if err := tx.First(&order, "id = ?", txn.OrderID).Error; err != nil {
		return err
	}
	if order.Status != models.OrderStatusPendingPayment {
		return nil
	}

	var toStatus string
	updates := map[string]interface{}{}
	switch target {
	case models.PaymentStatusSuccess:
		toStatus = models.OrderStatusPaymentConfirmed
		updates["status"] = toStatus
		updates["paid_at"] = now
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		toStatus = models.OrderStatusPaymentFailed
		updates["status"] = toStatus
	default:
		return nil
	}

	if err := tx.Model(&order).Updates(updates).Error; err != nil {
		return err
	}

	meta := marshalPayload(map[string]string{"payment_transaction_id": txn.ID.String()})
	return tx.Create(&models.OrderStatusHistory{
		OrderID:    order.ID,
		FromStatus: models.OrderStatusPendingPayment,
		ToStatus:   toStatus,
		Note:       "Payment update via OCTO",
		Metadata:   meta,
	}).Error
}

// LatestTransaction returns the newest payment transaction for the order.
func (s *PaymentService) LatestTransaction(ctx context.Context, orderID interface{}) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at desc").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (s *PaymentService) findByOctoID(ctx context.Context, orderID interface{}, transactionID string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := s.db.WithContext(ctx).
		Where("order_id = ? AND octo_transaction_id = ?", orderID, transactionID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// transition applies a compare-and-set status update so concurrent calls
// cannot take the same edge twice.
func (s *PaymentService) transition(ctx context.Context, txn *models.PaymentTransaction, to models.PaymentStatus, updates map[string]interface{}) error {
	if !CanTransition(txn.Status, to) {
		return &StateConflictError{Current: txn.Status, Attempted: to}
	}

	updates["status"] = to
	res := s.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("id = ? AND status = ?", txn.ID, txn.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var current models.PaymentTransaction
		if err := s.db.WithContext(ctx).First(&current, "id = ?", txn.ID).Error; err != nil {
			return err
		}
		return &StateConflictError{Current: current.Status, Attempted: to}
	}

	txn.Status = to
	return nil
}

func marshalPayload(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
