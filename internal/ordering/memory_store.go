package ordering

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordersync/internal/events"
)

// MemoryStore implements Store in process memory. Development and tests only.
// One mutex covers carts, orders and the outbox, so CreateOrder and
// UpdateOrder are atomic with their outbox writes.
type MemoryStore struct {
	mu          sync.Mutex
	carts       map[int64]Cart
	orders      map[int64]events.OrderWithLineItems
	outbox      map[string]OutboxMessage
	nextOrderID int64
	nextItemID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		carts:  make(map[int64]Cart),
		orders: make(map[int64]events.OrderWithLineItems),
		outbox: make(map[string]OutboxMessage),
	}
}

// PutCart stores cart, replacing any cart of the same customer.
func (s *MemoryStore) PutCart(cart Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cart.CustomerID] = cart
}

func (s *MemoryStore) FindCart(_ context.Context, customerID int64) (Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[customerID]
	if !ok {
		return Cart{}, fmt.Errorf("customer %d: %w", customerID, ErrCartNotFound)
	}
	cart.LineItems = append([]CartLineItem(nil), cart.LineItems...)
	return cart, nil
}

func (s *MemoryStore) ClearCartData(_ context.Context, customerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, customerID)
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, order events.OrderWithLineItems, msg OutboxMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.orders {
		if existing.OrderNumber == order.OrderNumber {
			return 0, fmt.Errorf("order number %d already used", order.OrderNumber)
		}
	}

	s.nextOrderID++
	order.ID = s.nextOrderID
	items := make([]events.OrderLineItem, len(order.OrderItems))
	for i, item := range order.OrderItems {
		s.nextItemID++
		item.ID = s.nextItemID
		items[i] = item
	}
	order.OrderItems = items
	s.orders[order.ID] = order
	s.addOutbox(msg)
	return order.ID, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, id int64, status events.OrderStatus, msg *OutboxMessage) (events.OrderWithLineItems, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return events.OrderWithLineItems{}, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	order.Status = status
	s.orders[id] = order
	if msg != nil {
		s.addOutbox(*msg)
	}
	return cloneOrder(order), nil
}

func (s *MemoryStore) FindOrder(_ context.Context, id int64) (events.OrderWithLineItems, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return events.OrderWithLineItems{}, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	return cloneOrder(order), nil
}

func (s *MemoryStore) FindOrders(_ context.Context, customerID int64) ([]events.OrderWithLineItems, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []events.OrderWithLineItems
	for _, order := range s.orders {
		if order.CustomerID == customerID {
			out = append(out, cloneOrder(order))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteOrder(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	delete(s.orders, id)
	return nil
}

func (s *MemoryStore) LastOrderNumber(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last int64
	for _, order := range s.orders {
		last = max(last, order.OrderNumber)
	}
	return last, nil
}

func (s *MemoryStore) PendingOutbox(_ context.Context, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []OutboxMessage
	for _, msg := range s.outbox {
		if msg.DeliveredAt == nil {
			pending = append(pending, msg)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	now := time.Now().UTC()
	msg.DeliveredAt = &now
	s.outbox[id] = msg
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	msg.Attempts++
	msg.LastError = reason
	s.outbox[id] = msg
	return nil
}

// Outbox returns every stored message, oldest first.
func (s *MemoryStore) Outbox() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, msg := range s.outbox {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) addOutbox(msg OutboxMessage) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.outbox[msg.ID] = msg
}

func cloneOrder(o events.OrderWithLineItems) events.OrderWithLineItems {
	o.OrderItems = append([]events.OrderLineItem(nil), o.OrderItems...)
	return o
}
