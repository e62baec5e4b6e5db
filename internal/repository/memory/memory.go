package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knigoland/order/internal/repository"
)

// MemoryRepository реализует OrderRepository используя in-memory хранилище
// Используется для разработки и unit-тестов service слоя.
// Семантика совпадает с postgres реализацией: fulfillment атомарен
// (под одним мьютексом), stock не уходит в минус, повторный fulfillment
// по той же сессии возвращает ErrAlreadyFulfilled
type MemoryRepository struct {
	mu        sync.Mutex
	editions  map[uuid.UUID]repository.Edition
	orders    map[uuid.UUID]repository.Order
	bySession map[string]uuid.UUID
	outbox    []repository.OutboxEvent
	outboxSeq int64
	published map[int64]bool
}

// NewMemoryRepository создаёт новый in-memory репозиторий
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		editions:  make(map[uuid.UUID]repository.Edition),
		orders:    make(map[uuid.UUID]repository.Order),
		bySession: make(map[string]uuid.UUID),
		published: make(map[int64]bool),
	}
}

// SeedEditions наполняет каталог изданий (для тестов и локальной разработки)
func (r *MemoryRepository) SeedEditions(editions ...repository.Edition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range editions {
		r.editions[e.ID] = e
	}
}

// Stock возвращает текущий stock издания (вспомогательный метод для тестов)
func (r *MemoryRepository) Stock(id uuid.UUID) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.editions[id].Stock
}

// Editions возвращает издания по списку id
func (r *MemoryRepository) Editions(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]repository.Edition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uuid.UUID]repository.Edition, len(ids))
	for _, id := range ids {
		if e, ok := r.editions[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

// CreateFromCheckout выполняет fulfillment атомарно под мьютексом
// Порядок проверок как в postgres реализации: сначала уникальность сессии,
// затем списание stock по каждой позиции
func (r *MemoryRepository) CreateFromCheckout(ctx context.Context, order repository.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySession[order.ProviderSessionID]; exists {
		return repository.ErrAlreadyFulfilled
	}

	// Проверяем суммарное количество по каждому изданию до изменения
	// состояния: заказ может содержать несколько позиций одного издания,
	// а частичное списание не должно быть наблюдаемо (эмуляция отката)
	need := make(map[uuid.UUID]int32, len(order.Items))
	for _, item := range order.Items {
		need[item.EditionID] += item.Quantity
	}
	for _, item := range order.Items {
		e, ok := r.editions[item.EditionID]
		if !ok || e.Stock < need[item.EditionID] {
			return &repository.InsufficientStockError{EditionID: item.EditionID}
		}
	}

	for _, item := range order.Items {
		e := r.editions[item.EditionID]
		e.Stock -= item.Quantity
		r.editions[item.EditionID] = e
	}

	now := time.Now()
	order.Status = repository.StatusCreated
	order.CreatedAt = now
	order.UpdatedAt = now
	r.orders[order.ID] = order
	r.bySession[order.ProviderSessionID] = order.ID
	r.appendOutbox(repository.EventOrderFulfilled)

	return nil
}

// GetByID получает заказ по ID из памяти
func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (repository.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return repository.Order{}, repository.ErrNotFound
	}
	return r.withTitles(order), nil
}

// GetBySessionID получает заказ по id checkout-сессии
func (r *MemoryRepository) GetBySessionID(ctx context.Context, sessionID string) (repository.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.bySession[sessionID]
	if !ok {
		return repository.Order{}, repository.ErrNotFound
	}
	return r.withTitles(r.orders[id]), nil
}

// ListByUser возвращает заказы пользователя
func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]repository.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []repository.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, r.withTitles(o))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListAll возвращает все заказы
func (r *MemoryRepository) ListAll(ctx context.Context) ([]repository.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]repository.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, r.withTitles(o))
	}
	sortNewestFirst(out)
	return out, nil
}

// sortNewestFirst упорядочивает заказы как postgres реализация: новые первыми
func sortNewestFirst(orders []repository.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

// UpdateStatus переводит заказ из from в to (compare-and-set)
func (r *MemoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to repository.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	if order.Status != from {
		return repository.ErrStatusConflict
	}

	order.Status = to
	order.UpdatedAt = time.Now()
	r.orders[id] = order
	r.appendOutbox(repository.EventOrderStatusChanged)
	return nil
}

// CancelOrder отменяет заказ и возвращает stock по каждой позиции
// Повторная отмена невозможна: из cancelled перехода нет, значит
// stock не может быть возвращён дважды
func (r *MemoryRepository) CancelOrder(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !repository.CancellableFrom(order.Status) {
		return repository.ErrStatusConflict
	}

	for _, item := range order.Items {
		e := r.editions[item.EditionID]
		e.Stock += item.Quantity
		r.editions[item.EditionID] = e
	}

	order.Status = repository.StatusCancelled
	order.UpdatedAt = time.Now()
	r.orders[id] = order
	r.appendOutbox(repository.EventOrderStatusChanged)
	return nil
}

// SetShippingAddress обновляет адрес доставки по id checkout-сессии
func (r *MemoryRepository) SetShippingAddress(ctx context.Context, sessionID string, addr repository.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.bySession[sessionID]
	if !ok {
		return repository.ErrNotFound
	}

	order := r.orders[id]
	order.ShippingAddress = &addr
	order.UpdatedAt = time.Now()
	r.orders[id] = order
	return nil
}

// UserPurchasedEdition проверяет покупку издания в неотменённом заказе пользователя
func (r *MemoryRepository) UserPurchasedEdition(ctx context.Context, userID string, editionID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range r.orders {
		if o.UserID != userID || o.Status == repository.StatusCancelled {
			continue
		}
		for _, item := range o.Items {
			if item.EditionID == editionID {
				return true, nil
			}
		}
	}
	return false, nil
}

// UnpublishedOutbox возвращает неопубликованные события
func (r *MemoryRepository) UnpublishedOutbox(ctx context.Context, limit int) ([]repository.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []repository.OutboxEvent
	for _, e := range r.outbox {
		if r.published[e.ID] {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkOutboxPublished помечает события как опубликованные
func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		r.published[id] = true
	}
	return nil
}

// appendOutbox добавляет outbox-событие; вызывать под мьютексом
func (r *MemoryRepository) appendOutbox(eventType string) {
	r.outboxSeq++
	r.outbox = append(r.outbox, repository.OutboxEvent{
		ID:        r.outboxSeq,
		EventID:   uuid.New(),
		EventType: eventType,
		CreatedAt: time.Now(),
	})
}

// withTitles дополняет позиции заказа денормализованными полями каталога;
// вызывать под мьютексом
func (r *MemoryRepository) withTitles(order repository.Order) repository.Order {
	items := make([]repository.OrderItem, len(order.Items))
	copy(items, order.Items)
	for i := range items {
		if e, ok := r.editions[items[i].EditionID]; ok {
			items[i].Title = e.Title
			items[i].Publisher = e.Publisher
		}
	}
	order.Items = items
	return order
}
