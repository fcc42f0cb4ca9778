package model

import "time"

// CartItem is a denormalized copy of the product fields the cart needs for display.
type CartItem struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Image    string  `json:"image"`
	Category string  `json:"category"`
	Quantity int     `json:"quantity"`
}

type CartState struct {
	Items      []CartItem `json:"items"`
	TotalItems int        `json:"totalItems"`
	TotalPrice float64    `json:"totalPrice"`
}

// EmptyCart returns the canonical empty cart. Items is non-nil so the
// persisted form is always `"items":[]`.
func EmptyCart() CartState {
	return CartState{Items: []CartItem{}}
}

func (s CartState) Clone() CartState {
	items := make([]CartItem, len(s.Items))
	copy(items, s.Items)
	s.Items = items
	return s
}

func NewCartItem(p Product) CartItem {
	return CartItem{
		ID:       p.ID,
		Name:     p.Name,
		Price:    p.Price,
		Image:    p.Image,
		Category: p.Category,
		Quantity: 1,
	}
}

type Notification struct {
	Message   string    `json:"message"`
	ProductID int       `json:"productId"`
	CreatedAt time.Time `json:"createdAt"`
}
