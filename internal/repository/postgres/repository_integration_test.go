//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib" //для goose миграций

	"github.com/knigoland/order/internal/repository"
)

// Издания из seed-миграции
var (
	masterIMargarita = uuid.MustParse("6a1f0a10-9e2b-4c51-8f7e-2d3b8c1a5e01") // stock 25
	sobachyeSerdtse  = uuid.MustParse("6a1f0a10-9e2b-4c51-8f7e-2d3b8c1a5e03") // stock 12
)

func TestRepository_Integration(t *testing.T) {
	ctx := context.Background()

	// Поднимаем PostgreSQL контейнер через testcontainers
	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("orders"),
		postgres.WithUsername("order_user"),
		postgres.WithPassword("order_password"),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, postgresContainer.Terminate(ctx))
	}()

	dsn, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Открываем *sql.DB через pgx stdlib для goose миграций
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	// Ждём готовности БД через ping с retry
	var pingErr error
	for i := 0; i < 10; i++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		time.Sleep(1 * time.Second)
	}
	require.NoError(t, pingErr, "Failed to ping database after retries")

	// Путь к migrations относительно текущего файла:
	// internal/repository/postgres -> корень модуля -> migrations
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "Failed to get current file path")
	moduleDir := filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(filename))))
	migrationsDir := filepath.Join(moduleDir, "migrations")

	require.NoError(t, goose.UpContext(ctx, db, migrationsDir), "Failed to run migrations")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	repo := NewRepository(pool)

	stock := func(id uuid.UUID) int32 {
		var s int32
		require.NoError(t, pool.QueryRow(ctx, `SELECT stock FROM editions WHERE id = $1`, id).Scan(&s))
		return s
	}

	newOrder := func(sessionID string, qty int32) repository.Order {
		return repository.Order{
			ID:                uuid.New(),
			UserID:            "user-1",
			Total:             decimal.NewFromFloat(39.90).Mul(decimal.NewFromInt32(qty)),
			ProviderSessionID: sessionID,
			Items: []repository.OrderItem{
				{EditionID: masterIMargarita, Quantity: qty, UnitPrice: decimal.NewFromFloat(39.90)},
			},
		}
	}

	t.Run("CreateFromCheckout and GetByID", func(t *testing.T) {
		before := stock(masterIMargarita)
		order := newOrder("cs_int_1", 2)

		require.NoError(t, repo.CreateFromCheckout(ctx, order))
		require.Equal(t, before-2, stock(masterIMargarita))

		got, err := repo.GetByID(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, order.UserID, got.UserID)
		require.Equal(t, repository.StatusCreated, got.Status)
		require.True(t, got.Total.Equal(order.Total))
		require.Len(t, got.Items, 1)
		require.Equal(t, "Мастер и Маргарита", got.Items[0].Title)
		require.Equal(t, "АСТ", got.Items[0].Publisher)
	})

	t.Run("duplicate session returns ErrAlreadyFulfilled without decrement", func(t *testing.T) {
		before := stock(masterIMargarita)

		err := repo.CreateFromCheckout(ctx, newOrder("cs_int_1", 2))
		require.ErrorIs(t, err, repository.ErrAlreadyFulfilled)
		require.Equal(t, before, stock(masterIMargarita))
	})

	t.Run("underflow aborts the whole transaction", func(t *testing.T) {
		before := stock(masterIMargarita)

		order := repository.Order{
			ID:                uuid.New(),
			UserID:            "user-1",
			Total:             decimal.NewFromInt(1000),
			ProviderSessionID: "cs_int_underflow",
			Items: []repository.OrderItem{
				{EditionID: masterIMargarita, Quantity: 1, UnitPrice: decimal.NewFromFloat(39.90)},
				{EditionID: sobachyeSerdtse, Quantity: 100, UnitPrice: decimal.NewFromFloat(19.90)},
			},
		}

		var stockErr *repository.InsufficientStockError
		err := repo.CreateFromCheckout(ctx, order)
		require.ErrorAs(t, err, &stockErr)
		require.Equal(t, sobachyeSerdtse, stockErr.EditionID)

		// Транзакция откатилась целиком: первая позиция тоже не списана
		require.Equal(t, before, stock(masterIMargarita))
		_, err = repo.GetBySessionID(ctx, "cs_int_underflow")
		require.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("cancel restores stock exactly once", func(t *testing.T) {
		order := newOrder("cs_int_cancel", 3)
		require.NoError(t, repo.CreateFromCheckout(ctx, order))
		afterFulfill := stock(masterIMargarita)

		require.NoError(t, repo.CancelOrder(ctx, order.ID))
		require.Equal(t, afterFulfill+3, stock(masterIMargarita))

		got, err := repo.GetByID(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, repository.StatusCancelled, got.Status)

		// Повторная отмена не возвращает stock ещё раз
		err = repo.CancelOrder(ctx, order.ID)
		require.Error(t, err)
		require.Equal(t, afterFulfill+3, stock(masterIMargarita))
	})

	t.Run("UpdateStatus enforces the expected from status", func(t *testing.T) {
		order := newOrder("cs_int_status", 1)
		require.NoError(t, repo.CreateFromCheckout(ctx, order))

		require.NoError(t, repo.UpdateStatus(ctx, order.ID, repository.StatusCreated, repository.StatusDelivering))

		err := repo.UpdateStatus(ctx, order.ID, repository.StatusCreated, repository.StatusDelivering)
		require.ErrorIs(t, err, repository.ErrStatusConflict)
	})

	t.Run("SetShippingAddress by session id", func(t *testing.T) {
		order := newOrder("cs_int_addr", 1)
		require.NoError(t, repo.CreateFromCheckout(ctx, order))

		addr := repository.Address{Name: "Иван Иванов", Line1: "ул. Ленина, 1", City: "Москва", PostalCode: "101000", Country: "RU"}
		require.NoError(t, repo.SetShippingAddress(ctx, "cs_int_addr", addr))

		got, err := repo.GetBySessionID(ctx, "cs_int_addr")
		require.NoError(t, err)
		require.NotNil(t, got.ShippingAddress)
		require.Equal(t, "Москва", got.ShippingAddress.City)

		require.ErrorIs(t, repo.SetShippingAddress(ctx, "cs_missing", addr), repository.ErrNotFound)
	})

	t.Run("UserPurchasedEdition ignores cancelled orders", func(t *testing.T) {
		order := repository.Order{
			ID:                uuid.New(),
			UserID:            "buyer-9",
			Total:             decimal.NewFromFloat(19.90),
			ProviderSessionID: "cs_int_purchase",
			Items: []repository.OrderItem{
				{EditionID: sobachyeSerdtse, Quantity: 1, UnitPrice: decimal.NewFromFloat(19.90)},
			},
		}
		require.NoError(t, repo.CreateFromCheckout(ctx, order))

		ok, err := repo.UserPurchasedEdition(ctx, "buyer-9", sobachyeSerdtse)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, repo.CancelOrder(ctx, order.ID))

		ok, err = repo.UserPurchasedEdition(ctx, "buyer-9", sobachyeSerdtse)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("outbox rows written and marked published", func(t *testing.T) {
		events, err := repo.UnpublishedOutbox(ctx, 100)
		require.NoError(t, err)
		require.NotEmpty(t, events)

		ids := make([]int64, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		require.NoError(t, repo.MarkOutboxPublished(ctx, ids))

		events, err = repo.UnpublishedOutbox(ctx, 100)
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("GetByID not found", func(t *testing.T) {
		_, err := repo.GetByID(ctx, uuid.New())
		require.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("ListByUser and ListAll", func(t *testing.T) {
		mine, err := repo.ListByUser(ctx, "user-1")
		require.NoError(t, err)
		require.NotEmpty(t, mine)
		for _, o := range mine {
			require.Equal(t, "user-1", o.UserID)
		}

		all, err := repo.ListAll(ctx)
		require.NoError(t, err)
		require.Greater(t, len(all), len(mine))
	})
}
