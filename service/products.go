package service

import (
	"context"
	"strings"

	"github.com/c0deZ3R0/storefront-sync/entity"
	"github.com/c0deZ3R0/storefront-sync/storage"
)

// NewProduct is the create-product request.
type NewProduct struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	ImageURL    string  `json:"image_url,omitempty"`
	Category    string  `json:"category,omitempty"`
	Ingredients string  `json:"ingredients,omitempty"`
}

// ProductService manages the menu.
type ProductService struct {
	o *Orchestrator
}

// NewProductService returns a ProductService.
func NewProductService(o *Orchestrator) *ProductService {
	return &ProductService{o: o}
}

// Create adds an available product.
func (s *ProductService) Create(ctx context.Context, in NewProduct) (entity.Product, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return entity.Product{}, invalid("product name is required")
	}
	if in.Price < 0 {
		return entity.Product{}, invalid("product price cannot be negative")
	}

	p := entity.Product{
		ID:          s.o.newID(),
		Name:        name,
		Description: in.Description,
		Price:       in.Price,
		ImageURL:    in.ImageURL,
		Category:    strings.TrimSpace(in.Category),
		Ingredients: in.Ingredients,
		IsAvailable: true,
		CreatedAt:   s.o.timestamp(),
	}
	_, err := s.o.write(ctx, p.ID, func(context.Context) (writePlan, error) {
		m, err := entity.NewMutation(entity.MutationCreateProduct, p)
		if err != nil {
			return writePlan{}, err
		}
		return writePlan{
			write: storage.Write{Upsert: p, Mutation: m},
			call:  func(ctx context.Context) error { return s.o.remote.Products.Create(ctx, p) },
		}, nil
	})
	if err != nil {
		return entity.Product{}, err
	}
	return p, nil
}

// Get returns the product with id, preferring the remote copy.
func (s *ProductService) Get(ctx context.Context, id string) (entity.Product, error) {
	return readOne(ctx, s.o, entity.KindProduct, id, s.o.remote.Products.Get)
}

// List returns the available products, optionally of one category.
func (s *ProductService) List(ctx context.Context, category string) ([]entity.Product, error) {
	all, err := readMany(ctx, s.o, entity.KindProduct, storage.Filter{Index: strings.TrimSpace(category)}, s.o.remote.Products.List)
	if err != nil {
		return nil, err
	}
	out := make([]entity.Product, 0, len(all))
	for _, p := range all {
		if p.IsAvailable {
			out = append(out, p)
		}
	}
	return out, nil
}
