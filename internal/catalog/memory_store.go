package catalog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryProductStore keeps products in a map. Development and tests only.
type MemoryProductStore struct {
	mu       sync.RWMutex
	products map[int64]Product
}

func NewMemoryProductStore(products ...Product) *MemoryProductStore {
	s := &MemoryProductStore{products: make(map[int64]Product, len(products))}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *MemoryProductStore) FindOne(_ context.Context, id int64) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
	}
	return p, nil
}

func (s *MemoryProductStore) Update(_ context.Context, p Product) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[p.ID]; !ok {
		return Product{}, fmt.Errorf("product %d: %w", p.ID, ErrProductNotFound)
	}
	s.products[p.ID] = p
	return p, nil
}

func (s *MemoryProductStore) AdjustStock(_ context.Context, id int64, delta int) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
	}
	p.Stock += delta
	s.products[id] = p
	return p, nil
}
