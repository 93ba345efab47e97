package projection

import (
	"context"
	"sort"
	"sync"
	"time"
)

type categoryRow struct {
	Category
	deleted bool
}

type productRow struct {
	Product
	deleted bool
}

// MemoryStore is a Store for services running without a database, and for tests.
type MemoryStore struct {
	mu         sync.RWMutex
	categories map[int64]categoryRow
	products   map[int64]productRow
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		categories: make(map[int64]categoryRow),
		products:   make(map[int64]productRow),
	}
}

func (s *MemoryStore) UpsertCategory(_ context.Context, c Category) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.categories[c.ID]; ok && !supersedes(row.UpdatedAt, row.deleted, c.UpdatedAt) {
		return false, nil
	}
	s.categories[c.ID] = categoryRow{Category: c}
	return true, nil
}

func (s *MemoryStore) DeleteCategory(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.categories[id]
	if ok && !supersedes(row.UpdatedAt, row.deleted, at) {
		return false, nil
	}
	s.categories[id] = categoryRow{Category: Category{ID: id, UpdatedAt: at}, deleted: true}
	return true, nil
}

func (s *MemoryStore) Category(_ context.Context, id int64) (Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.categories[id]
	if !ok || row.deleted {
		return Category{}, ErrNotFound
	}
	return row.Category, nil
}

func (s *MemoryStore) UpsertProduct(_ context.Context, p Product) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.products[p.ID]; ok && !supersedes(row.UpdatedAt, row.deleted, p.UpdatedAt) {
		return false, nil
	}
	s.products[p.ID] = productRow{Product: p}
	return true, nil
}

func (s *MemoryStore) DeleteProduct(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.products[id]
	if ok && !supersedes(row.UpdatedAt, row.deleted, at) {
		return false, nil
	}
	s.products[id] = productRow{Product: Product{ID: id, UpdatedAt: at}, deleted: true}
	return true, nil
}

func (s *MemoryStore) Product(_ context.Context, id int64) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.products[id]
	if !ok || row.deleted {
		return Product{}, ErrNotFound
	}
	return row.Product, nil
}

func (s *MemoryStore) ProductsInCategory(_ context.Context, categoryID int64) ([]Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Product
	for _, row := range s.products {
		if row.deleted || row.CategoryID == nil || *row.CategoryID != categoryID {
			continue
		}
		out = append(out, row.Product)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
