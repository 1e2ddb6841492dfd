// Package catalog serves the durable-goods product listing backing checkout.
package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wekeza-labs/backend-duka/internal/store"
)

// ErrNotFound indicates no product matches the given key.
var ErrNotFound = errors.New("catalog: product not found")

type queryProvider interface {
	GetProduct(ctx context.Context, id pgtype.UUID) (store.Product, error)
	GetProductBySlug(ctx context.Context, slug string) (store.Product, error)
	ListActiveProducts(ctx context.Context, limit, offset int32) ([]store.Product, error)
}

// Service orchestrates catalog queries, DTO assembly and caching.
type Service struct {
	Q     queryProvider
	Cache *Cache
}

// Product is the public product payload.
type Product struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
}

// Get returns one product by id, from cache when possible.
func (s *Service) Get(ctx context.Context, id pgtype.UUID) (Product, error) {
	key := "catalog:product:" + store.UUIDString(id)
	var cached Product
	if hit, err := s.Cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}
	row, err := s.Q.GetProduct(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	product := toProduct(row)
	_ = s.Cache.SetJSON(ctx, key, product)
	return product, nil
}

// GetBySlug returns one product by slug, from cache when possible.
func (s *Service) GetBySlug(ctx context.Context, slug string) (Product, error) {
	key := "catalog:product:slug:" + slug
	var cached Product
	if hit, err := s.Cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}
	row, err := s.Q.GetProductBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	product := toProduct(row)
	_ = s.Cache.SetJSON(ctx, key, product)
	return product, nil
}

// List returns the active products page.
func (s *Service) List(ctx context.Context, limit, offset int32) ([]Product, error) {
	rows, err := s.Q.ListActiveProducts(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	products := make([]Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, toProduct(row))
	}
	return products, nil
}

func toProduct(row store.Product) Product {
	return Product{
		ID:          store.UUIDString(row.ID),
		Title:       row.Title,
		Slug:        row.Slug,
		Description: row.Description.String,
		Price:       row.Price,
		Currency:    row.Currency,
	}
}
