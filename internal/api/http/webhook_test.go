package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knigoland/order/internal/client/stripe"
	"github.com/knigoland/order/internal/repository/memory"
	"github.com/knigoland/order/internal/service"
	"github.com/knigoland/order/internal/service/mocks"
)

const webhookSecret = "whsec_test"

// sessionCompletedPayload собирает событие checkout.session.completed
func sessionCompletedPayload(t *testing.T, sessionID, userID string, amountTotal int64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": stripe.EventCheckoutSessionCompleted,
		"data": map[string]any{
			"object": map[string]any{
				"id":           sessionID,
				"amount_total": amountTotal,
				"metadata":     map[string]string{"user_id": userID},
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func postWebhook(t *testing.T, handler *WebhookHandler, payload []byte, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", header)
	rec := httptest.NewRecorder()
	handler.PostWebhook(rec, req)
	return rec
}

func TestWebhook_SessionCompleted(t *testing.T) {
	logger := zap.NewNop()
	now := time.Now()

	newHandler := func(repo *memory.MemoryRepository, provider service.PaymentProvider) *WebhookHandler {
		svc := service.NewOrderService(logger, provider, repo)
		h := NewWebhookHandler(svc, webhookSecret, logger)
		h.now = func() time.Time { return now }
		return h
	}

	t.Run("fulfills the order", func(t *testing.T) {
		repo := seededRepo()
		provider := mocks.NewPaymentProvider(t)
		provider.On("SessionLineItems", mock.Anything, "cs_1").Return([]service.SessionLineItem{
			{EditionID: testEdition, Quantity: 2, UnitPrice: decimal.NewFromFloat(39.90)},
		}, nil).Once()
		handler := newHandler(repo, provider)

		payload := sessionCompletedPayload(t, "cs_1", "user-1", 7980)
		rec := postWebhook(t, handler, payload, stripe.SignPayload(payload, webhookSecret, now))
		require.Equal(t, http.StatusOK, rec.Code)

		order, err := repo.GetBySessionID(context.Background(), "cs_1")
		require.NoError(t, err)
		require.Equal(t, "user-1", order.UserID)
		require.True(t, order.Total.Equal(decimal.NewFromFloat(79.80)))
		require.Equal(t, int32(3), repo.Stock(testEdition))
	})

	t.Run("bad signature means 400 and nothing happens", func(t *testing.T) {
		repo := seededRepo()
		handler := newHandler(repo, mocks.NewPaymentProvider(t))

		payload := sessionCompletedPayload(t, "cs_1", "user-1", 7980)
		rec := postWebhook(t, handler, payload, stripe.SignPayload(payload, "whsec_wrong", now))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, int32(5), repo.Stock(testEdition))
	})

	t.Run("duplicate delivery answered with 200", func(t *testing.T) {
		repo := seededRepo()
		provider := mocks.NewPaymentProvider(t)
		provider.On("SessionLineItems", mock.Anything, "cs_1").Return([]service.SessionLineItem{
			{EditionID: testEdition, Quantity: 1, UnitPrice: decimal.NewFromFloat(39.90)},
		}, nil).Twice()
		handler := newHandler(repo, provider)

		payload := sessionCompletedPayload(t, "cs_1", "user-1", 3990)
		header := stripe.SignPayload(payload, webhookSecret, now)

		require.Equal(t, http.StatusOK, postWebhook(t, handler, payload, header).Code)
		require.Equal(t, http.StatusOK, postWebhook(t, handler, payload, header).Code)

		orders, err := repo.ListByUser(context.Background(), "user-1")
		require.NoError(t, err)
		require.Len(t, orders, 1)
		require.Equal(t, int32(4), repo.Stock(testEdition))
	})

	t.Run("missing buyer metadata means 400", func(t *testing.T) {
		handler := newHandler(seededRepo(), mocks.NewPaymentProvider(t))

		payload := sessionCompletedPayload(t, "cs_1", "", 3990)
		rec := postWebhook(t, handler, payload, stripe.SignPayload(payload, webhookSecret, now))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stock underflow means 409", func(t *testing.T) {
		repo := seededRepo()
		provider := mocks.NewPaymentProvider(t)
		provider.On("SessionLineItems", mock.Anything, "cs_1").Return([]service.SessionLineItem{
			{EditionID: testEdition, Quantity: 6, UnitPrice: decimal.NewFromFloat(39.90)},
		}, nil).Once()
		handler := newHandler(repo, provider)

		payload := sessionCompletedPayload(t, "cs_1", "user-1", 23940)
		rec := postWebhook(t, handler, payload, stripe.SignPayload(payload, webhookSecret, now))
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, int32(5), repo.Stock(testEdition))
	})

	t.Run("line item fetch failure means 502", func(t *testing.T) {
		provider := mocks.NewPaymentProvider(t)
		provider.On("SessionLineItems", mock.Anything, "cs_1").
			Return(nil, errors.New("provider timeout")).Once()
		handler := newHandler(seededRepo(), provider)

		payload := sessionCompletedPayload(t, "cs_1", "user-1", 3990)
		rec := postWebhook(t, handler, payload, stripe.SignPayload(payload, webhookSecret, now))
		require.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("payment intent events acknowledged without side effects", func(t *testing.T) {
		repo := seededRepo()
		handler := newHandler(repo, mocks.NewPaymentProvider(t))

		for _, eventType := range []string{stripe.EventPaymentIntentSucceeded, stripe.EventPaymentIntentFailed} {
			payload := []byte(fmt.Sprintf(`{"id":"evt_2","type":%q,"data":{"object":{}}}`, eventType))
			rec := postWebhook(t, handler, payload, stripe.SignPayload(payload, webhookSecret, now))
			require.Equal(t, http.StatusOK, rec.Code)
		}

		orders, err := repo.ListAll(context.Background())
		require.NoError(t, err)
		require.Empty(t, orders)
		require.Equal(t, int32(5), repo.Stock(testEdition))
	})

	t.Run("unknown event type acknowledged with 200", func(t *testing.T) {
		handler := newHandler(seededRepo(), mocks.NewPaymentProvider(t))

		payload := []byte(`{"id":"evt_2","type":"charge.refunded","data":{"object":{}}}`)
		rec := postWebhook(t, handler, payload, stripe.SignPayload(payload, webhookSecret, now))
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("shipping details land on the order", func(t *testing.T) {
		repo := seededRepo()
		provider := mocks.NewPaymentProvider(t)
		provider.On("SessionLineItems", mock.Anything, "cs_1").Return([]service.SessionLineItem{
			{EditionID: testEdition, Quantity: 1, UnitPrice: decimal.NewFromFloat(39.90)},
		}, nil).Once()
		handler := newHandler(repo, provider)

		payload, err := json.Marshal(map[string]any{
			"id":   "evt_3",
			"type": stripe.EventCheckoutSessionCompleted,
			"data": map[string]any{
				"object": map[string]any{
					"id":           "cs_1",
					"amount_total": 3990,
					"metadata":     map[string]string{"user_id": "user-1"},
					"shipping_details": map[string]any{
						"name": "Иван Иванов",
						"address": map[string]string{
							"line1":       "ул. Ленина, 1",
							"city":        "Москва",
							"postal_code": "101000",
							"country":     "RU",
						},
					},
				},
			},
		})
		require.NoError(t, err)

		rec := postWebhook(t, handler, payload, stripe.SignPayload(payload, webhookSecret, now))
		require.Equal(t, http.StatusOK, rec.Code)

		order, getErr := repo.GetBySessionID(context.Background(), "cs_1")
		require.NoError(t, getErr)
		require.NotNil(t, order.ShippingAddress)
		require.Equal(t, "Москва", order.ShippingAddress.City)
	})
}
