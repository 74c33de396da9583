package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/STQT/acham/internal/models"
)

// fakeGateway is a canned-response OctoGateway.
type fakeGateway struct {
	prepareResp *OctoResponse
	prepareErr  error
	payResp     *OctoResponse
	payErr      error
	verifyResp  *OctoResponse
	verifyErr   error
	smsResp     *OctoResponse
	smsErr      error
}

func (f *fakeGateway) PreparePayment(context.Context, OctoPrepareRequest) (*OctoResponse, error) {
	return f.prepareResp, f.prepareErr
}

func (f *fakeGateway) Pay(context.Context, string, OctoCardData) (*OctoResponse, error) {
	return f.payResp, f.payErr
}

func (f *fakeGateway) VerificationInfo(context.Context, string) (*OctoResponse, error) {
	return f.verifyResp, f.verifyErr
}

func (f *fakeGateway) CheckSMSKey(context.Context, string, string) (*OctoResponse, error) {
	return f.smsResp, f.smsErr
}

func (f *fakeGateway) CheckTransaction(context.Context, string) (*OctoResponse, error) {
	return f.smsResp, f.smsErr
}

func okResp(data octoData) *OctoResponse {
	resp := &OctoResponse{Data: data}
	resp.Raw = mustMarshal(resp)
	return resp
}

func newTestPaymentService(db *gorm.DB, gateway OctoGateway) *PaymentService {
	return NewPaymentService(db, gateway, "shop-secret", "http://localhost:4200", "http://localhost:8080/api/payments/notify", nil)
}

func seedPendingOrder(t *testing.T, db *gorm.DB) *models.Order {
	t.Helper()
	order := &models.Order{
		Number:      models.GenerateOrderNumber(time.Now()),
		Status:      models.OrderStatusPendingPayment,
		Currency:    "UZS",
		Subtotal:    100000,
		TotalAmount: 100000,
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func seedTransaction(t *testing.T, db *gorm.DB, order *models.Order, status models.PaymentStatus) *models.PaymentTransaction {
	t.Helper()
	txn := &models.PaymentTransaction{
		OrderID:           order.ID,
		ShopTransactionID: order.Number,
		OctoTransactionID: "octo-" + uuid.NewString(),
		Status:            status,
		Amount:            order.TotalAmount,
		Currency:          order.Currency,
	}
	require.NoError(t, db.Create(txn).Error)
	return txn
}

func reloadTransaction(t *testing.T, db *gorm.DB, id uuid.UUID) *models.PaymentTransaction {
	t.Helper()
	var txn models.PaymentTransaction
	require.NoError(t, db.First(&txn, "id = ?", id).Error)
	return &txn
}

func TestInitiatePreparesTransaction(t *testing.T) {
	db := newTestDB(t)
	gateway := &fakeGateway{
		prepareResp: okResp(octoData{ID: "octo-1", OctoPayURL: "https://pay2.octo.uz/pay/octo-1"}),
	}
	svc := newTestPaymentService(db, gateway)
	order := seedPendingOrder(t, db)

	txn, err := svc.Initiate(context.Background(), order, "uz")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPrepared, txn.Status)

	stored := reloadTransaction(t, db, txn.ID)
	assert.Equal(t, "octo-1", stored.OctoTransactionID)
	assert.Equal(t, models.PaymentStatusPrepared, stored.Status)
}

func TestInitiateReturnsExistingLiveTransaction(t *testing.T) {
	db := newTestDB(t)
	svc := newTestPaymentService(db, &fakeGateway{})
	order := seedPendingOrder(t, db)
	existing := seedTransaction(t, db, order, models.PaymentStatusPrepared)

	txn, err := svc.Initiate(context.Background(), order, "uz")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, txn.ID)
}

func TestConfirmMovesToVerificationRequired(t *testing.T) {
	db := newTestDB(t)
	order := seedPendingOrder(t, db)
	txn := seedTransaction(t, db, order, models.PaymentStatusPrepared)

	seconds := 300
	verifyURL := "https://pay2.octo.uz/otp-form/" + txn.OctoTransactionID
	gateway := &fakeGateway{
		payResp:    okResp(octoData{TransactionID: txn.OctoTransactionID, Status: "otp_required"}),
		verifyResp: okResp(octoData{ID: "pay-1", SecondsLeft: &seconds, VerificationURL: &verifyURL}),
	}
	svc := newTestPaymentService(db, gateway)

	got, err := svc.Confirm(context.Background(), order, txn.OctoTransactionID, OctoCardData{CardNumber: "4111111111111111", Expire: "12/29"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusVerificationRequired, got.Status)

	stored := reloadTransaction(t, db, txn.ID)
	assert.Equal(t, models.PaymentStatusVerificationRequired, stored.Status)
	assert.Equal(t, "pay-1", stored.OctoPaymentID)
	assert.Equal(t, verifyURL, stored.VerificationURL)
	require.NotNil(t, stored.SecondsLeft)
	assert.Equal(t, seconds, *stored.SecondsLeft)
}

func TestConfirmWithoutVerificationInfoKeepsProcessing(t *testing.T) {
	db := newTestDB(t)
	order := seedPendingOrder(t, db)
	txn := seedTransaction(t, db, order, models.PaymentStatusPrepared)

	gateway := &fakeGateway{
		payResp:   okResp(octoData{TransactionID: txn.OctoTransactionID, Status: "processing"}),
		verifyErr: context.DeadlineExceeded,
	}
	svc := newTestPaymentService(db, gateway)

	got, err := svc.Confirm(context.Background(), order, txn.OctoTransactionID, OctoCardData{CardNumber: "8600123412341234", Expire: "12/29"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, got.Status)
	assert.Equal(t, models.PaymentStatusProcessing, reloadTransaction(t, db, txn.ID).Status)
}

func TestConfirmOutsideOfPrepared(t *testing.T) {
	db := newTestDB(t)
	order := seedPendingOrder(t, db)
	txn := seedTransaction(t, db, order, models.PaymentStatusProcessing)

	svc := newTestPaymentService(db, &fakeGateway{})

	_, err := svc.Confirm(context.Background(), order, txn.OctoTransactionID, OctoCardData{CardNumber: "4111111111111111", Expire: "12/29"})
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.PaymentStatusProcessing, conflict.Current)
}

func TestVerifySMSKeyMovesToProcessing(t *testing.T) {
	db := newTestDB(t)
	order := seedPendingOrder(t, db)
	txn := seedTransaction(t, db, order, models.PaymentStatusVerificationRequired)

	gateway := &fakeGateway{
		smsResp: okResp(octoData{TransactionID: txn.OctoTransactionID, Status: "success"}),
	}
	svc := newTestPaymentService(db, gateway)

	got, err := svc.VerifySMSKey(context.Background(), order, txn.OctoTransactionID, "123456")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, got.Status)
}

func TestVerifySMSKeyWrongCodeKeepsState(t *testing.T) {
	db := newTestDB(t)
	order := seedPendingOrder(t, db)
	txn := seedTransaction(t, db, order, models.PaymentStatusVerificationRequired)

	gateway := &fakeGateway{
		smsResp: &OctoResponse{Error: 1, ErrMessage: "Invalid SMS code"},
	}
	svc := newTestPaymentService(db, gateway)

	_, err := svc.VerifySMSKey(context.Background(), order, txn.OctoTransactionID, "000000")
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)

	stored := reloadTransaction(t, db, txn.ID)
	assert.Equal(t, models.PaymentStatusVerificationRequired, stored.Status)
	assert.Equal(t, "Invalid SMS code", stored.ErrorMessage)
}

func TestNotifySuccessConfirmsOrder(t *testing.T) {
	db := newTestDB(t)
	order := seedPendingOrder(t, db)
	txn := seedTransaction(t, db, order, models.PaymentStatusProcessing)
	svc := newTestPaymentService(db, &fakeGateway{})

	payload := &NotifyPayload{
		TransactionID:     txn.OctoTransactionID,
		ShopTransactionID: txn.ShopTransactionID,
		Status:            "success",
	}
	got, err := svc.Notify(context.Background(), payload, []byte(`{"status":"success"}`))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, got.Status)

	stored := reloadTransaction(t, db, txn.ID)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	var updated models.Order
	require.NoError(t, db.First(&updated, "id = ?", order.ID).Error)
	assert.Equal(t, models.OrderStatusPaymentConfirmed, updated.Status)
	assert.NotNil(t, updated.PaidAt)

	var historyCount int64
	require.NoError(t, db.Model(&models.OrderStatusHistory{}).Where("order_id = ?", order.ID).Count(&historyCount).Error)
	assert.EqualValues(t, 1, historyCount)
}

func TestNotifyDuplicateDeliveryIsNoOp(t *testing.T) {
	db := newTestDB(t)
	order := seedPendingOrder(t, db)
	txn := seedTransaction(t, db, order, models.PaymentStatusProcessing)
	svc := newTestPaymentService(db, &fakeGateway{})

	payload := &NotifyPayload{
		TransactionID:     txn.OctoTransactionID,
		ShopTransactionID: txn.ShopTransactionID,
		Status:            "success",
	}
	_, err := svc.Notify(context.Background(), payload, []byte(`{"status":"success"}`))
	require.NoError(t, err)

	got, err := svc.Notify(context.Background(), payload, []byte(`{"status":"success"}`))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, got.Status)

	var historyCount int64
	require.NoError(t, db.Model(&models.OrderStatusHistory{}).Where("order_id = ?", order.ID).Count(&historyCount).Error)
	assert.EqualValues(t, 1, historyCount, "duplicate delivery must not write a second history row")
}

func TestNotifyFailureAfterSuccessIsIgnored(t *testing.T) {
	db := newTestDB(t)
	order := seedPendingOrder(t, db)
	txn := seedTransaction(t, db, order, models.PaymentStatusProcessing)
	svc := newTestPaymentService(db, &fakeGateway{})

	_, err := svc.Notify(context.Background(), &NotifyPayload{
		TransactionID: txn.OctoTransactionID,
		Status:        "success",
	}, []byte(`{"status":"success"}`))
	require.NoError(t, err)

	_, err = svc.Notify(context.Background(), &NotifyPayload{
		TransactionID: txn.OctoTransactionID,
		Status:        "failed",
		Error:         -31008,
	}, []byte(`{"status":"failed"}`))
	require.NoError(t, err)

	stored := reloadTransaction(t, db, txn.ID)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)

	var updated models.Order
	require.NoError(t, db.First(&updated, "id = ?", order.ID).Error)
	assert.Equal(t, models.OrderStatusPaymentConfirmed, updated.Status)
}

func TestNotifyIllegalEdgeConflicts(t *testing.T) {
	db := newTestDB(t)
	order := seedPendingOrder(t, db)
	txn := seedTransaction(t, db, order, models.PaymentStatusPending)
	svc := newTestPaymentService(db, &fakeGateway{})

	_, err := svc.Notify(context.Background(), &NotifyPayload{
		TransactionID: txn.OctoTransactionID,
		Status:        "success",
	}, []byte(`{"status":"success"}`))

	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.PaymentStatusPending, conflict.Current)
	assert.Equal(t, models.PaymentStatusSuccess, conflict.Attempted)
}

func TestNotifyUnknownTransaction(t *testing.T) {
	db := newTestDB(t)
	svc := newTestPaymentService(db, &fakeGateway{})

	_, err := svc.Notify(context.Background(), &NotifyPayload{
		TransactionID: "octo-missing",
		Status:        "success",
	}, []byte(`{"status":"success"}`))
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
