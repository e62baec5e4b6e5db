package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knigoland/order/internal/repository"
	"github.com/knigoland/order/internal/repository/memory"
	service "github.com/knigoland/order/internal/service"
	"github.com/knigoland/order/internal/service/mocks"
)

func TestOrderService_FulfillCheckout(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	t.Run("creates order, items and decrements stock atomically", func(t *testing.T) {
		repo := seededRepo()
		provider := mocks.NewPaymentProvider(t)
		provider.On("SessionLineItems", mock.Anything, "cs_1").Return([]service.SessionLineItem{
			{EditionID: editionA, Quantity: 2, UnitPrice: decimal.NewFromFloat(39.90)},
			{EditionID: editionB, Quantity: 1, UnitPrice: decimal.NewFromFloat(19.90)},
		}, nil).Once()

		svc := service.NewOrderService(logger, provider, repo)
		err := svc.FulfillCheckout(ctx, "cs_1", "user-1", decimal.NewFromFloat(99.70), nil)
		require.NoError(t, err)

		order, err := repo.GetBySessionID(ctx, "cs_1")
		require.NoError(t, err)
		require.Equal(t, "user-1", order.UserID)
		require.Equal(t, repository.StatusCreated, order.Status)
		require.True(t, order.Total.Equal(decimal.NewFromFloat(99.70)))
		require.Len(t, order.Items, 2)

		require.Equal(t, int32(3), repo.Stock(editionA))
		require.Equal(t, int32(1), repo.Stock(editionB))
	})

	t.Run("duplicate delivery: one order, stock decremented once", func(t *testing.T) {
		repo := seededRepo()
		provider := mocks.NewPaymentProvider(t)
		provider.On("SessionLineItems", mock.Anything, "cs_1").Return([]service.SessionLineItem{
			{EditionID: editionA, Quantity: 1, UnitPrice: decimal.NewFromFloat(39.90)},
		}, nil).Twice()

		svc := service.NewOrderService(logger, provider, repo)
		total := decimal.NewFromFloat(39.90)

		require.NoError(t, svc.FulfillCheckout(ctx, "cs_1", "user-1", total, nil))
		// Повторная доставка того же события — успех без побочных эффектов
		require.NoError(t, svc.FulfillCheckout(ctx, "cs_1", "user-1", total, nil))

		orders, err := repo.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, orders, 1)
		require.Equal(t, int32(4), repo.Stock(editionA))
	})

	t.Run("underflow aborts the whole fulfillment", func(t *testing.T) {
		repo := seededRepo()
		provider := mocks.NewPaymentProvider(t)
		provider.On("SessionLineItems", mock.Anything, "cs_1").Return([]service.SessionLineItem{
			{EditionID: editionA, Quantity: 1, UnitPrice: decimal.NewFromFloat(39.90)},
			{EditionID: editionB, Quantity: 3, UnitPrice: decimal.NewFromFloat(19.90)},
		}, nil).Once()

		svc := service.NewOrderService(logger, provider, repo)
		err := svc.FulfillCheckout(ctx, "cs_1", "user-1", decimal.NewFromFloat(99.60), nil)

		var stockErr *repository.InsufficientStockError
		require.True(t, errors.As(err, &stockErr))
		require.Equal(t, editionB, stockErr.EditionID)

		// Ни заказа, ни частичного списания
		orders, listErr := repo.ListAll(ctx)
		require.NoError(t, listErr)
		require.Empty(t, orders)
		require.Equal(t, int32(5), repo.Stock(editionA))
		require.Equal(t, int32(2), repo.Stock(editionB))
	})

	t.Run("missing buyer id in metadata", func(t *testing.T) {
		svc := service.NewOrderService(logger, mocks.NewPaymentProvider(t), seededRepo())
		err := svc.FulfillCheckout(ctx, "cs_1", "", decimal.NewFromInt(100), nil)
		require.ErrorIs(t, err, service.ErrMissingBuyerContext)
	})

	t.Run("line item fetch failure propagates as retryable", func(t *testing.T) {
		provider := mocks.NewPaymentProvider(t)
		fetchErr := errors.New("provider timeout")
		provider.On("SessionLineItems", mock.Anything, "cs_1").Return(nil, fetchErr).Once()

		svc := service.NewOrderService(logger, provider, seededRepo())
		err := svc.FulfillCheckout(ctx, "cs_1", "user-1", decimal.NewFromInt(100), nil)
		require.ErrorIs(t, err, fetchErr)
		require.ErrorIs(t, err, service.ErrProviderUnavailable)
	})

	t.Run("shipping address from the session is stored", func(t *testing.T) {
		repo := seededRepo()
		provider := mocks.NewPaymentProvider(t)
		provider.On("SessionLineItems", mock.Anything, "cs_1").Return([]service.SessionLineItem{
			{EditionID: editionA, Quantity: 2, UnitPrice: decimal.NewFromFloat(39.90)},
		}, nil).Once()

		addr := &repository.Address{Name: "Иван Иванов", Line1: "ул. Ленина, 1", City: "Москва", PostalCode: "101000", Country: "RU"}
		svc := service.NewOrderService(logger, provider, repo)
		require.NoError(t, svc.FulfillCheckout(ctx, "cs_1", "user-1", decimal.NewFromFloat(79.80), addr))

		order, err := repo.GetBySessionID(ctx, "cs_1")
		require.NoError(t, err)
		require.NotNil(t, order.ShippingAddress)
		require.Equal(t, "Москва", order.ShippingAddress.City)
	})
}

// Гонка двух fulfillment-ов за последний экземпляр: ровно один успевает,
// второй падает на проверке stock внутри своей транзакции
func TestOrderService_FulfillCheckout_LastUnitRace(t *testing.T) {
	ctx := context.Background()
	editionX := editionA

	repo := memory.NewMemoryRepository()
	repo.SeedEditions(repository.Edition{ID: editionX, Title: "Мы", Publisher: "АСТ", Price: decimal.NewFromFloat(59.00), Stock: 1})

	provider := mocks.NewPaymentProvider(t)
	line := []service.SessionLineItem{{EditionID: editionX, Quantity: 1, UnitPrice: decimal.NewFromFloat(59.00)}}
	provider.On("SessionLineItems", mock.Anything, "cs_a").Return(line, nil).Once()
	provider.On("SessionLineItems", mock.Anything, "cs_b").Return(line, nil).Once()

	svc := service.NewOrderService(zap.NewNop(), provider, repo)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, sessionID := range []string{"cs_a", "cs_b"} {
		wg.Add(1)
		go func(i int, sessionID string) {
			defer wg.Done()
			errs[i] = svc.FulfillCheckout(ctx, sessionID, "user-1", decimal.NewFromFloat(59.00), nil)
		}(i, sessionID)
	}
	wg.Wait()

	var succeeded, failed int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var stockErr *repository.InsufficientStockError
		require.True(t, errors.As(err, &stockErr))
		failed++
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, failed)

	require.Equal(t, int32(0), repo.Stock(editionX))
	orders, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
}
