package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Типы событий webhook-а, которые сервис различает.
// Остальные типы принимаются и игнорируются, чтобы провайдер
// не ретраил их бесконечно
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
)

// ErrInvalidSignature возвращается, когда подпись webhook-а не прошла проверку.
// Повтор доставки с той же подписью не поможет — событие отбрасывается
var ErrInvalidSignature = errors.New("invalid webhook signature")

// signatureTolerance — максимальный допустимый возраст подписи.
// Защита от replay-а перехваченных payload-ов
const signatureTolerance = 5 * time.Minute

// Event — конверт события webhook-а: {id, type, data}
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// SessionObject — полезная часть объекта checkout-сессии из события.
// Полной детализации позиций в payload-е нет: её нужно запрашивать
// отдельным вызовом SessionLineItems
type SessionObject struct {
	ID          string            `json:"id"`
	AmountTotal int64             `json:"amount_total"`
	Metadata    map[string]string `json:"metadata"`
	Shipping    *ShippingDetails  `json:"shipping_details"`
}

// ShippingDetails — адрес доставки, если покупатель ввёл его на hosted-странице
type ShippingDetails struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address struct {
		Line1      string `json:"line1"`
		Line2      string `json:"line2"`
		City       string `json:"city"`
		State      string `json:"state"`
		PostalCode string `json:"postal_code"`
		Country    string `json:"country"`
	} `json:"address"`
}

// VerifySignature проверяет заголовок подписи webhook-а до разбора
// бизнес-содержимого. Схема v1: заголовок "t=<unix>,v1=<hex>",
// подпись — HMAC-SHA256 от "<t>.<payload>" на общем секрете
func VerifySignature(payload []byte, header, secret string, now time.Time) error {
	var (
		timestamp  int64
		signatures [][]byte
	)

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignPayload строит валидный заголовок подписи для payload-а.
// Используется в тестах webhook-обработчика
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
