// Package store holds the OrderStore implementations used by the saga.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-saga/saga"
)

type Memory struct {
	mu     sync.RWMutex
	orders map[string]*saga.Order
}

func NewMemory() *Memory {
	return &Memory{orders: map[string]*saga.Order{}}
}

func (m *Memory) Create(_ context.Context, order *saga.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists: %w", order.ID, saga.ErrConflict)
	}
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*saga.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, saga.ErrNotFound)
	}
	return order.Clone(), nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, from, to saga.Status, at time.Time) (*saga.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, saga.ErrNotFound)
	}
	if order.Status != from {
		return nil, fmt.Errorf("order %s is %s, expected %s: %w", id, order.Status, from, saga.ErrConflict)
	}
	order.Status = to
	order.UpdatedAt = at
	return order.Clone(), nil
}

func (m *Memory) List(_ context.Context, q saga.ListQuery) ([]*saga.Order, int, error) {
	m.mu.RLock()
	matched := make([]*saga.Order, 0, len(m.orders))
	for _, order := range m.orders {
		if q.UserID != "" && order.UserID != q.UserID {
			continue
		}
		if q.Status != "" && order.Status != q.Status {
			continue
		}
		matched = append(matched, order.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := min(q.Offset(), total)
	end := min(start+q.Limit, total)
	return matched[start:end], total, nil
}
