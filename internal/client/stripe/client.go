package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/knigoland/order/internal/service"
)

// Config содержит настройки клиента платёжного провайдера
type Config struct {
	// APIKey — секретный ключ API
	APIKey string
	// BaseURL — адрес API; переопределяется в тестах (по умолчанию https://api.stripe.com)
	BaseURL string
	// Currency — валюта магазина в нижнем регистре (например "rub")
	Currency string
	// Timeout — таймаут HTTP-запросов к провайдеру
	Timeout time.Duration
}

// Client реализует service.PaymentProvider поверх hosted-checkout API Stripe.
// API провайдера принимает form-encoded запросы и отвечает JSON-ом;
// SDK не используется — клиент собирается один раз и передаётся
// в service через DI, а не через глобальное состояние
type Client struct {
	apiKey     string
	baseURL    string
	currency   string
	httpClient *http.Client
}

// NewClient создаёт новый клиент провайдера
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	if cfg.Currency == "" {
		cfg.Currency = "rub"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		currency:   cfg.Currency,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// checkoutSession — ответ API на создание сессии
type checkoutSession struct {
	ID string `json:"id"`
}

// lineItemList — страница ответа API на запрос позиций сессии
type lineItemList struct {
	Data    []lineItem `json:"data"`
	HasMore bool       `json:"has_more"`
}

type lineItem struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
	Price    struct {
		UnitAmount int64 `json:"unit_amount"`
		Product    struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"product"`
	} `json:"price"`
}

// apiError — тело ошибки API провайдера
type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateCheckoutSession создаёт hosted-checkout сессию.
// Id покупателя кладётся в metadata сессии, id издания — в metadata
// каждой позиции: webhook и последующий запрос позиций — единственный
// способ восстановить этот контекст
func (c *Client) CreateCheckoutSession(ctx context.Context, req service.CheckoutSessionRequest) (string, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("metadata[user_id]", req.UserID)

	for i, item := range req.Items {
		prefix := fmt.Sprintf("line_items[%d]", i)
		form.Set(prefix+"[quantity]", strconv.FormatInt(int64(item.Quantity), 10))
		form.Set(prefix+"[price_data][currency]", c.currency)
		// API принимает суммы в минорных единицах валюты
		form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(toMinorUnits(item.UnitPrice), 10))
		form.Set(prefix+"[price_data][product_data][name]", item.Title)
		form.Set(prefix+"[price_data][product_data][metadata][edition_id]", item.EditionID.String())
	}

	var session checkoutSession
	if err := c.postForm(ctx, "/v1/checkout/sessions", form, &session); err != nil {
		return "", err
	}
	return session.ID, nil
}

// lineItemsPageLimit — размер страницы при запросе позиций сессии
const lineItemsPageLimit = 100

// SessionLineItems возвращает оплаченные позиции checkout-сессии.
// Позиции запрашиваются с expand по product, чтобы достать edition_id
// из metadata; API отдаёт список постранично, курсор — id последней позиции
func (c *Client) SessionLineItems(ctx context.Context, sessionID string) ([]service.SessionLineItem, error) {
	base := "/v1/checkout/sessions/" + url.PathEscape(sessionID) + "/line_items"
	params := url.Values{}
	params.Set("limit", strconv.Itoa(lineItemsPageLimit))
	params.Add("expand[]", "data.price.product")

	var items []service.SessionLineItem
	for {
		var list lineItemList
		if err := c.get(ctx, base+"?"+params.Encode(), &list); err != nil {
			return nil, err
		}

		for _, d := range list.Data {
			editionID, err := uuid.Parse(d.Price.Product.Metadata["edition_id"])
			if err != nil {
				return nil, fmt.Errorf("line item without edition_id metadata in session %s: %w", sessionID, err)
			}
			items = append(items, service.SessionLineItem{
				EditionID: editionID,
				Quantity:  int32(d.Quantity),
				UnitPrice: fromMinorUnits(d.Price.UnitAmount),
			})
		}

		if !list.HasMore || len(list.Data) == 0 {
			return items, nil
		}
		params.Set("starting_after", list.Data[len(list.Data)-1].ID)
	}
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("provider API %s: %s (%s)", resp.Status, apiErr.Error.Message, apiErr.Error.Type)
		}
		return fmt.Errorf("provider API %s", resp.Status)
	}

	return json.Unmarshal(body, out)
}

// toMinorUnits переводит сумму в минорные единицы валюты (копейки/центы)
func toMinorUnits(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// fromMinorUnits переводит минорные единицы в decimal-сумму
func fromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// AmountFromMinorUnits экспортирует конвертацию для webhook-обработчика
// (amount_total в событии приходит в минорных единицах)
func AmountFromMinorUnits(amount int64) decimal.Decimal {
	return fromMinorUnits(amount)
}
