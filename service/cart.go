package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/c0deZ3R0/storefront-sync/entity"
	"github.com/c0deZ3R0/storefront-sync/storage"
)

// NewCartItem is the add-to-cart request.
type NewCartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Options   string `json:"options,omitempty"`
}

// CartItemUpdate changes the fields that are non-nil.
type CartItemUpdate struct {
	Quantity *int    `json:"quantity,omitempty"`
	Options  *string `json:"options,omitempty"`
}

// CartService manages cart lines.
type CartService struct {
	o *Orchestrator
}

// NewCartService returns a CartService.
func NewCartService(o *Orchestrator) *CartService {
	return &CartService{o: o}
}

// Add puts quantity of a product in the user's cart. Adding a product that is
// already in the cart increases its quantity.
func (s *CartService) Add(ctx context.Context, userID string, in NewCartItem) (entity.CartItem, error) {
	userID = strings.TrimSpace(userID)
	productID := strings.TrimSpace(in.ProductID)
	switch {
	case userID == "":
		return entity.CartItem{}, invalid("user id is required")
	case productID == "":
		return entity.CartItem{}, invalid("product id is required")
	case in.Quantity <= 0:
		return entity.CartItem{}, invalid("quantity must be positive")
	}

	id := entity.CartItemID(userID, productID)
	var item entity.CartItem
	_, err := s.o.write(ctx, id, func(ctx context.Context) (writePlan, error) {
		now := s.o.timestamp()
		existing, err := storage.Get[entity.CartItem](ctx, s.o.store, entity.KindCartItem, id)
		switch {
		case err == nil:
			item = existing
			item.Quantity += in.Quantity
			if in.Options != "" {
				item.Options = in.Options
			}
			item.UpdatedAt = now
		case storage.IsNotFound(err):
			item = entity.CartItem{
				ID:        id,
				UserID:    userID,
				ProductID: productID,
				Quantity:  in.Quantity,
				Options:   in.Options,
				CreatedAt: now,
				UpdatedAt: now,
			}
		default:
			return writePlan{}, err
		}

		m, err := entity.NewMutation(entity.MutationAddCartItem, item)
		if err != nil {
			return writePlan{}, err
		}
		snapshot := item
		return writePlan{
			write: storage.Write{Upsert: snapshot, Mutation: m},
			call:  func(ctx context.Context) error { return s.o.remote.Cart.Create(ctx, snapshot) },
		}, nil
	})
	if err != nil {
		return entity.CartItem{}, err
	}
	return item, nil
}

// Update merges upd onto the local cart line. It returns storage.ErrNotFound
// when the line is not in the local cache.
func (s *CartService) Update(ctx context.Context, itemID string, upd CartItemUpdate) (entity.CartItem, error) {
	if upd.Quantity != nil && *upd.Quantity <= 0 {
		return entity.CartItem{}, invalid("quantity must be positive")
	}

	var item entity.CartItem
	_, err := s.o.write(ctx, itemID, func(ctx context.Context) (writePlan, error) {
		existing, err := storage.Get[entity.CartItem](ctx, s.o.store, entity.KindCartItem, itemID)
		if err != nil {
			return writePlan{}, err
		}
		item = existing
		if upd.Quantity != nil {
			item.Quantity = *upd.Quantity
		}
		if upd.Options != nil {
			item.Options = *upd.Options
		}
		item.UpdatedAt = s.o.timestamp()

		m, err := entity.NewMutation(entity.MutationUpdateCartItem, item)
		if err != nil {
			return writePlan{}, err
		}
		snapshot := item
		return writePlan{
			write: storage.Write{Upsert: snapshot, Mutation: m},
			call:  func(ctx context.Context) error { return s.o.remote.Cart.Update(ctx, snapshot) },
		}, nil
	})
	if err != nil {
		return entity.CartItem{}, err
	}
	return item, nil
}

// Remove deletes a cart line. The removal is queued for the remote store
// even when the line is not cached locally.
func (s *CartService) Remove(ctx context.Context, itemID string) error {
	if strings.TrimSpace(itemID) == "" {
		return invalid("item id is required")
	}
	_, err := s.o.write(ctx, itemID, func(context.Context) (writePlan, error) {
		return writePlan{
			write: storage.Write{
				DeleteKind: entity.KindCartItem,
				DeleteKey:  itemID,
				Mutation:   entity.NewRemoval(entity.MutationRemoveCartItem, itemID),
			},
			call: func(ctx context.Context) error { return s.o.remote.Cart.Delete(ctx, itemID) },
		}, nil
	})
	return err
}

// Get returns the cart line itemID, preferring the remote copy.
func (s *CartService) Get(ctx context.Context, itemID string) (entity.CartItem, error) {
	if strings.TrimSpace(itemID) == "" {
		return entity.CartItem{}, invalid("item id is required")
	}
	return readOne(ctx, s.o, entity.KindCartItem, itemID, s.o.remote.Cart.Get)
}

// List returns the user's cart. Queued mutations are replayed first so the
// remote listing reflects them; a failed replay only means the local cache
// is consulted for the affected lines.
func (s *CartService) List(ctx context.Context, userID string) ([]entity.CartItem, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user id is required")
	}
	if s.o.drainer != nil {
		if err := s.o.drainer.Drain(ctx); err != nil {
			s.o.logger.WarnContext(ctx, "Pre-read drain failed", slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	return readMany(ctx, s.o, entity.KindCartItem, storage.Filter{Index: userID}, s.o.remote.Cart.List)
}
