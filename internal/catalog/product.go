package catalog

import (
	"context"
	"errors"
)

var ErrProductNotFound = errors.New("product not found")

type Product struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Stock       int    `json:"stock"`
}

// ProductStore is the part of the catalog repository the reconciler needs.
type ProductStore interface {
	// FindOne returns ErrProductNotFound when id is unknown.
	FindOne(ctx context.Context, id int64) (Product, error)
	Update(ctx context.Context, p Product) (Product, error)
	// AdjustStock adds delta to the stock of product id in one step and
	// returns the product as stored.
	AdjustStock(ctx context.Context, id int64, delta int) (Product, error)
}
