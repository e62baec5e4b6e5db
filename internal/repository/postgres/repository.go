package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/knigoland/order/internal/repository"
)

// uniqueViolation — код ошибки PostgreSQL для нарушения unique constraint
const uniqueViolation = "23505"

// Repository реализует OrderRepository используя PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository создаёт новый PostgreSQL репозиторий
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
	}
}

// Editions возвращает издания каталога по списку id
func (r *Repository) Editions(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]repository.Edition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, publisher, price::text, stock
		 FROM editions
		 WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]repository.Edition, len(ids))
	for rows.Next() {
		var (
			e        repository.Edition
			priceStr string
		)
		if err := rows.Scan(&e.ID, &e.Title, &e.Publisher, &priceStr, &e.Stock); err != nil {
			return nil, err
		}
		e.Price, err = decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse edition price: %w", err)
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

// CreateFromCheckout выполняет fulfillment одной транзакцией:
// заказ + позиции + списание stock + outbox-событие.
// Уникальный constraint на provider_session_id — ключ идемпотентности:
// повторная доставка webhook-а упирается в 23505 и транзакция откатывается
// целиком, включая списание stock
func (r *Repository) CreateFromCheckout(ctx context.Context, order repository.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	// Гарантируем откат транзакции в случае ошибки
	defer tx.Rollback(ctx)

	var addrJSON []byte
	if order.ShippingAddress != nil {
		addrJSON, err = json.Marshal(order.ShippingAddress)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, total, status, shipping_address, provider_session_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		order.ID, order.UserID, order.Total.String(), string(repository.StatusCreated), addrJSON, order.ProviderSessionID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrAlreadyFulfilled
		}
		return err
	}

	for _, item := range order.Items {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, edition_id, quantity, unit_price)
			 VALUES ($1, $2, $3, $4)`,
			order.ID, item.EditionID, item.Quantity, item.UnitPrice.String())
		if err != nil {
			return err
		}

		// Списание stock условное: stock >= quantity проверяется в самом UPDATE.
		// Ноль затронутых строк означает, что списание увело бы stock в минус —
		// откатываем весь fulfillment
		tag, err := tx.Exec(ctx,
			`UPDATE editions
			 SET stock = stock - $2
			 WHERE id = $1 AND stock >= $2`,
			item.EditionID, item.Quantity)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &repository.InsufficientStockError{EditionID: item.EditionID}
		}
	}

	if err := insertOutbox(ctx, tx, repository.EventOrderFulfilled, fulfillmentPayload(order)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetByID получает заказ с позициями по id
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (repository.Order, error) {
	return r.getOrder(ctx, `WHERE o.id = $1`, id)
}

// GetBySessionID получает заказ по id checkout-сессии провайдера
func (r *Repository) GetBySessionID(ctx context.Context, sessionID string) (repository.Order, error) {
	return r.getOrder(ctx, `WHERE o.provider_session_id = $1`, sessionID)
}

func (r *Repository) getOrder(ctx context.Context, where string, arg any) (repository.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT o.id, o.user_id, o.total::text, o.status, o.shipping_address, o.provider_session_id, o.created_at, o.updated_at
		 FROM orders o `+where,
		arg)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Order{}, repository.ErrNotFound
		}
		return repository.Order{}, err
	}

	order.Items, err = r.orderItems(ctx, order.ID)
	if err != nil {
		return repository.Order{}, err
	}
	return order, nil
}

// ListByUser возвращает заказы пользователя, новые первыми
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]repository.Order, error) {
	return r.listOrders(ctx,
		`SELECT o.id, o.user_id, o.total::text, o.status, o.shipping_address, o.provider_session_id, o.created_at, o.updated_at
		 FROM orders o
		 WHERE o.user_id = $1
		 ORDER BY o.created_at DESC`,
		userID)
}

// ListAll возвращает все заказы, новые первыми
func (r *Repository) ListAll(ctx context.Context) ([]repository.Order, error) {
	return r.listOrders(ctx,
		`SELECT o.id, o.user_id, o.total::text, o.status, o.shipping_address, o.provider_session_id, o.created_at, o.updated_at
		 FROM orders o
		 ORDER BY o.created_at DESC`)
}

func (r *Repository) listOrders(ctx context.Context, query string, args ...any) ([]repository.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Items, err = r.orderItems(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateStatus переводит заказ из from в to.
// Compare-and-set: исходный статус проверяется в том же UPDATE,
// поэтому гонка двух конкурентных переходов разрешается сериализацией в БД
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to repository.Status) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	order, err := r.lockOrder(ctx, tx, id)
	if err != nil {
		return err
	}
	if order.Status != from {
		return repository.ErrStatusConflict
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(to))
	if err != nil {
		return err
	}

	if err := insertOutbox(ctx, tx, repository.EventOrderStatusChanged, statusPayload(order, to)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CancelOrder отменяет заказ одной транзакцией: статус + возврат stock + outbox.
// Заказ блокируется FOR UPDATE, статус перечитывается внутри транзакции,
// поэтому отмена, гоняющаяся с переводом в delivered, не вернёт stock
// для уже доставленного заказа. Из cancelled перехода нет — повторный
// возврат stock невозможен
func (r *Repository) CancelOrder(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	order, err := r.lockOrder(ctx, tx, id)
	if err != nil {
		return err
	}
	if !repository.CancellableFrom(order.Status) {
		return repository.ErrStatusConflict
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(repository.StatusCancelled))
	if err != nil {
		return err
	}

	// Возвращаем stock по каждой позиции заказа
	_, err = tx.Exec(ctx,
		`UPDATE editions e
		 SET stock = e.stock + oi.quantity
		 FROM order_items oi
		 WHERE oi.order_id = $1 AND oi.edition_id = e.id`,
		id)
	if err != nil {
		return err
	}

	if err := insertOutbox(ctx, tx, repository.EventOrderStatusChanged, statusPayload(order, repository.StatusCancelled)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetShippingAddress обновляет адрес доставки по id checkout-сессии.
// Идемпотентна: повторный вызов с тем же адресом ничего не меняет
func (r *Repository) SetShippingAddress(ctx context.Context, sessionID string, addr repository.Address) error {
	addrJSON, err := json.Marshal(addr)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET shipping_address = $2, updated_at = now() WHERE provider_session_id = $1`,
		sessionID, addrJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UserPurchasedEdition проверяет покупку издания в неотменённом заказе пользователя
func (r *Repository) UserPurchasedEdition(ctx context.Context, userID string, editionID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1
		   FROM order_items oi
		   JOIN orders o ON o.id = oi.order_id
		   WHERE o.user_id = $1 AND oi.edition_id = $2 AND o.status <> 'cancelled'
		 )`,
		userID, editionID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// UnpublishedOutbox возвращает неопубликованные outbox-события, старые первыми
func (r *Repository) UnpublishedOutbox(ctx context.Context, limit int) ([]repository.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, event_id, event_type, payload, created_at
		 FROM outbox
		 WHERE published_at IS NULL
		 ORDER BY id
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.OutboxEvent
	for rows.Next() {
		var e repository.OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOutboxPublished помечает события как опубликованные
func (r *Repository) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox SET published_at = now() WHERE id = ANY($1)`,
		ids)
	return err
}

// lockOrder читает заказ внутри транзакции с блокировкой FOR UPDATE
func (r *Repository) lockOrder(ctx context.Context, tx pgx.Tx, id uuid.UUID) (repository.Order, error) {
	row := tx.QueryRow(ctx,
		`SELECT o.id, o.user_id, o.total::text, o.status, o.shipping_address, o.provider_session_id, o.created_at, o.updated_at
		 FROM orders o
		 WHERE o.id = $1
		 FOR UPDATE`,
		id)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Order{}, repository.ErrNotFound
		}
		return repository.Order{}, err
	}
	return order, nil
}

// orderItems читает позиции заказа с денормализованными полями каталога
func (r *Repository) orderItems(ctx context.Context, orderID uuid.UUID) ([]repository.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT oi.edition_id, oi.quantity, oi.unit_price::text, e.title, e.publisher
		 FROM order_items oi
		 JOIN editions e ON e.id = oi.edition_id
		 WHERE oi.order_id = $1
		 ORDER BY oi.id`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []repository.OrderItem
	for rows.Next() {
		var (
			item     repository.OrderItem
			priceStr string
		)
		if err := rows.Scan(&item.EditionID, &item.Quantity, &priceStr, &item.Title, &item.Publisher); err != nil {
			return nil, err
		}
		item.UnitPrice, err = decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse unit price: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// rowScanner покрывает pgx.Row и pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (repository.Order, error) {
	var (
		order     repository.Order
		totalStr  string
		statusStr string
		addrJSON  []byte
	)
	err := row.Scan(&order.ID, &order.UserID, &totalStr, &statusStr, &addrJSON, &order.ProviderSessionID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return repository.Order{}, err
	}

	order.Total, err = decimal.NewFromString(totalStr)
	if err != nil {
		return repository.Order{}, fmt.Errorf("parse order total: %w", err)
	}
	order.Status, err = repository.ParseStatus(statusStr)
	if err != nil {
		return repository.Order{}, err
	}
	if len(addrJSON) > 0 {
		var addr repository.Address
		if err := json.Unmarshal(addrJSON, &addr); err != nil {
			return repository.Order{}, fmt.Errorf("parse shipping address: %w", err)
		}
		order.ShippingAddress = &addr
	}
	return order, nil
}

// insertOutbox пишет outbox-событие в текущей транзакции
func insertOutbox(ctx context.Context, tx pgx.Tx, eventType string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (event_id, event_type, payload) VALUES ($1, $2, $3)`,
		uuid.New(), eventType, payloadJSON)
	return err
}

func fulfillmentPayload(order repository.Order) map[string]any {
	items := make([]map[string]any, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]any{
			"edition_id": item.EditionID.String(),
			"quantity":   item.Quantity,
			"unit_price": item.UnitPrice.String(),
		})
	}
	return map[string]any{
		"order_id":    order.ID.String(),
		"user_id":     order.UserID,
		"total":       order.Total.String(),
		"session_id":  order.ProviderSessionID,
		"items":       items,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}
}

func statusPayload(order repository.Order, to repository.Status) map[string]any {
	return map[string]any{
		"order_id":    order.ID.String(),
		"user_id":     order.UserID,
		"from":        string(order.Status),
		"to":          string(to),
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}
}
