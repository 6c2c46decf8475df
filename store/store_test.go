package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-saga/saga"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newOrder(id, userID string, minutes int) *saga.Order {
	items := []saga.OrderItem{
		{ProductID: "product-a", Quantity: 3, Price: decimal.RequireFromString("100")},
		{ProductID: "product-b", Quantity: 2, Price: decimal.RequireFromString("49.99")},
	}
	return saga.NewOrder(id, userID, items, base.Add(time.Duration(minutes)*time.Minute))
}

// runStoreSuite exercises the OrderStore contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) saga.OrderStore) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		order := newOrder(uuid.NewString(), "user-1", 0)
		require.NoError(t, s.Create(ctx, order))

		got, err := s.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusPending, got.Status)
		assert.Equal(t, "399.98", got.TotalAmount.StringFixed(2))
		require.Len(t, got.Items, 2)
		assert.Equal(t, "product-a", got.Items[0].ProductID)
		assert.True(t, got.Items[1].Price.Equal(decimal.RequireFromString("49.99")))
		assert.True(t, got.CreatedAt.Equal(order.CreatedAt))
	})

	t.Run("sub-cent prices keep the total equal to its lines", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		items := []saga.OrderItem{
			{ProductID: "product-a", Quantity: 3, Price: decimal.RequireFromString("0.125")},
			{ProductID: "product-b", Quantity: 1, Price: decimal.RequireFromString("10.005")},
		}
		order := saga.NewOrder(uuid.NewString(), "user-1", items, base)
		require.NoError(t, s.Create(ctx, order))

		got, err := s.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.True(t, got.Items[0].Price.Equal(decimal.RequireFromString("0.125")), "price %s", got.Items[0].Price)
		assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("10.38")), "total %s", got.TotalAmount)
		assert.True(t, got.TotalAmount.Equal(saga.Total(got.Items)))
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		s := newStore(t)
		order := newOrder(uuid.NewString(), "user-1", 0)
		require.NoError(t, s.Create(context.Background(), order))
		assert.ErrorIs(t, s.Create(context.Background(), order), saga.ErrConflict)
	})

	t.Run("missing order", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, saga.ErrNotFound)

		_, err = s.UpdateStatus(context.Background(), uuid.NewString(), saga.StatusPending, saga.StatusConfirmed, base)
		assert.ErrorIs(t, err, saga.ErrNotFound)
	})

	t.Run("update status compares current status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		order := newOrder(uuid.NewString(), "user-1", 0)
		require.NoError(t, s.Create(ctx, order))

		at := base.Add(time.Hour)
		updated, err := s.UpdateStatus(ctx, order.ID, saga.StatusPending, saga.StatusConfirmed, at)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusConfirmed, updated.Status)
		assert.True(t, updated.UpdatedAt.Equal(at))

		_, err = s.UpdateStatus(ctx, order.ID, saga.StatusPending, saga.StatusCancelled, at)
		assert.ErrorIs(t, err, saga.ErrConflict)

		got, err := s.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusConfirmed, got.Status)
	})

	t.Run("list pages newest first with filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := "user-" + uuid.NewString()
		var ids []string
		for i := 0; i < 5; i++ {
			order := newOrder(uuid.NewString(), user, i)
			require.NoError(t, s.Create(ctx, order))
			ids = append(ids, order.ID)
		}
		require.NoError(t, s.Create(ctx, newOrder(uuid.NewString(), "someone-else", 10)))
		_, err := s.UpdateStatus(ctx, ids[0], saga.StatusPending, saga.StatusCancelled, base)
		require.NoError(t, err)

		page, total, err := s.List(ctx, saga.ListQuery{UserID: user, Page: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, ids[4], page[0].ID)
		assert.Equal(t, ids[3], page[1].ID)
		assert.Len(t, page[0].Items, 2)

		page, _, err = s.List(ctx, saga.ListQuery{UserID: user, Page: 3, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[0], page[0].ID)

		page, total, err = s.List(ctx, saga.ListQuery{UserID: user, Status: saga.StatusCancelled, Page: 1, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, page, 1)
		assert.Equal(t, ids[0], page[0].ID)
	})
}

func TestMemory(t *testing.T) {
	runStoreSuite(t, func(*testing.T) saga.OrderStore { return NewMemory() })
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := NewMemory()
	order := newOrder("o-1", "user-1", 0)
	require.NoError(t, s.Create(context.Background(), order))
	order.Items[0].Quantity = 99

	got, err := s.Get(context.Background(), "o-1")
	require.NoError(t, err)
	got.Status = saga.StatusDelivered
	got.Items[0].ProductID = "changed"

	again, err := s.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusPending, again.Status)
	assert.Equal(t, 3, again.Items[0].Quantity)
	assert.Equal(t, "product-a", again.Items[0].ProductID)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("ORDERS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ORDERS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pg, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.Migrate(ctx))

	runStoreSuite(t, func(t *testing.T) saga.OrderStore {
		_, err := pg.pool.Exec(ctx, `TRUNCATE orders CASCADE`)
		require.NoError(t, err, fmt.Sprintf("reset %s", t.Name()))
		return pg
	})
}
