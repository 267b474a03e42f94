// Package entity defines the storefront value snapshots kept locally and
// remotely, and the pending mutations that reconcile them.
package entity

import (
	"strings"
	"time"
)

// Kind identifies an entity collection.
type Kind string

const (
	KindUser     Kind = "user"
	KindProduct  Kind = "product"
	KindCartItem Kind = "cart_item"
)

// Valid reports whether k is a known collection.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindProduct, KindCartItem:
		return true
	}
	return false
}

// Entity is an immutable snapshot identified by a stable key.
type Entity interface {
	Key() string
	Kind() Kind
	// Index is the secondary lookup value used by list filters: the
	// lower-cased email for users, the category for products and the
	// owning user id for cart items.
	Index() string
}

// User is a storefront account.
type User struct {
	ID             string    `json:"id" dynamodbav:"id"`
	Email          string    `json:"email" dynamodbav:"email"`
	FullName       string    `json:"full_name,omitempty" dynamodbav:"full_name,omitempty"`
	HashedPassword string    `json:"hashed_password,omitempty" dynamodbav:"hashed_password,omitempty"`
	IsGoogleAuth   bool      `json:"is_google_auth" dynamodbav:"is_google_auth"`
	CreatedAt      time.Time `json:"created_at" dynamodbav:"created_at"`
}

func (u User) Key() string   { return u.ID }
func (u User) Kind() Kind    { return KindUser }
func (u User) Index() string { return NormalizeEmail(u.Email) }

// NormalizeEmail is the canonical form used for email lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Product is a menu item.
type Product struct {
	ID          string    `json:"id" dynamodbav:"id"`
	Name        string    `json:"name" dynamodbav:"name"`
	Description string    `json:"description,omitempty" dynamodbav:"description,omitempty"`
	Price       float64   `json:"price" dynamodbav:"price"`
	ImageURL    string    `json:"image_url,omitempty" dynamodbav:"image_url,omitempty"`
	Category    string    `json:"category,omitempty" dynamodbav:"category,omitempty"`
	Ingredients string    `json:"ingredients,omitempty" dynamodbav:"ingredients,omitempty"`
	IsAvailable bool      `json:"is_available" dynamodbav:"is_available"`
	CreatedAt   time.Time `json:"created_at" dynamodbav:"created_at"`
}

func (p Product) Key() string   { return p.ID }
func (p Product) Kind() Kind    { return KindProduct }
func (p Product) Index() string { return p.Category }

// CartItem is one product line in a user's cart.
type CartItem struct {
	ID        string    `json:"id" dynamodbav:"id"`
	UserID    string    `json:"user_id" dynamodbav:"user_id"`
	ProductID string    `json:"product_id" dynamodbav:"product_id"`
	Quantity  int       `json:"quantity" dynamodbav:"quantity"`
	Options   string    `json:"options,omitempty" dynamodbav:"options,omitempty"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

func (c CartItem) Key() string   { return c.ID }
func (c CartItem) Kind() Kind    { return KindCartItem }
func (c CartItem) Index() string { return c.UserID }

// CartItemID is the key of the cart line for userID and productID. A user
// holds at most one line per product.
func CartItemID(userID, productID string) string {
	return userID + "_" + productID
}
