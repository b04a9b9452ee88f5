package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 5 * time.Second

type PostgresProductStore struct {
	pool *pgxpool.Pool
}

func NewPostgresProductStore(pool *pgxpool.Pool) *PostgresProductStore {
	return &PostgresProductStore{pool: pool}
}

func (s *PostgresProductStore) FindOne(ctx context.Context, id int64) (Product, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, name, description, price::text, stock
		FROM products
		WHERE id = $1
	`

	var p Product
	err := s.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
	}
	if err != nil {
		return Product{}, fmt.Errorf("failed to get product %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresProductStore) Update(ctx context.Context, p Product) (Product, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE products
		SET name = $2, description = $3, price = $4::numeric, stock = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, description, price::text, stock
	`

	var updated Product
	err := s.pool.QueryRow(ctx, query, p.ID, p.Name, p.Description, p.Price, p.Stock).
		Scan(&updated.ID, &updated.Name, &updated.Description, &updated.Price, &updated.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %d: %w", p.ID, ErrProductNotFound)
	}
	if err != nil {
		return Product{}, fmt.Errorf("failed to update product %d: %w", p.ID, err)
	}
	return updated, nil
}

func (s *PostgresProductStore) AdjustStock(ctx context.Context, id int64, delta int) (Product, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE products
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, description, price::text, stock
	`

	var p Product
	err := s.pool.QueryRow(ctx, query, id, delta).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
	}
	if err != nil {
		return Product{}, fmt.Errorf("failed to adjust stock of product %d: %w", id, err)
	}
	return p, nil
}

// Create inserts a product and returns it with its assigned id.
func (s *PostgresProductStore) Create(ctx context.Context, p Product) (Product, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO products (name, description, price, stock)
		VALUES ($1, $2, $3::numeric, $4)
		RETURNING id, name, description, price::text, stock
	`

	var created Product
	err := s.pool.QueryRow(ctx, query, p.Name, p.Description, p.Price, p.Stock).
		Scan(&created.ID, &created.Name, &created.Description, &created.Price, &created.Stock)
	if err != nil {
		return Product{}, fmt.Errorf("failed to create product: %w", err)
	}
	return created, nil
}
