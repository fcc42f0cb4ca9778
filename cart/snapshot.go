package cart

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
)

var ErrInvalidSnapshot = errors.New("invalid cart snapshot")

type snapshotItem struct {
	ID       *int     `json:"id"`
	Name     string   `json:"name"`
	Price    *float64 `json:"price"`
	Image    string   `json:"image"`
	Category string   `json:"category"`
	Quantity *int     `json:"quantity"`
}

type snapshot struct {
	Items      *[]snapshotItem `json:"items"`
	TotalItems *float64        `json:"totalItems"`
	TotalPrice *float64        `json:"totalPrice"`
}

// DecodeSnapshot parses a persisted cart and checks its shape before
// trusting it. The returned totals are recomputed from the items, so a
// snapshot whose stored totals drifted still yields a consistent state.
func DecodeSnapshot(raw string) (model.CartState, error) {
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return model.CartState{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	switch {
	case snap.Items == nil:
		return model.CartState{}, fmt.Errorf("%w: missing items", ErrInvalidSnapshot)
	case snap.TotalItems == nil:
		return model.CartState{}, fmt.Errorf("%w: missing totalItems", ErrInvalidSnapshot)
	case snap.TotalPrice == nil:
		return model.CartState{}, fmt.Errorf("%w: missing totalPrice", ErrInvalidSnapshot)
	}

	state := model.EmptyCart()
	seen := make(map[int]bool, len(*snap.Items))
	for i, it := range *snap.Items {
		switch {
		case it.ID == nil:
			return model.CartState{}, fmt.Errorf("%w: item %d missing id", ErrInvalidSnapshot, i)
		case it.Price == nil:
			return model.CartState{}, fmt.Errorf("%w: item %d missing price", ErrInvalidSnapshot, i)
		case it.Quantity == nil:
			return model.CartState{}, fmt.Errorf("%w: item %d missing quantity", ErrInvalidSnapshot, i)
		case *it.Quantity < 1:
			return model.CartState{}, fmt.Errorf("%w: item %d has quantity %d", ErrInvalidSnapshot, i, *it.Quantity)
		case *it.Price < 0:
			return model.CartState{}, fmt.Errorf("%w: item %d has negative price", ErrInvalidSnapshot, i)
		case seen[*it.ID]:
			return model.CartState{}, fmt.Errorf("%w: duplicate item id %d", ErrInvalidSnapshot, *it.ID)
		}
		seen[*it.ID] = true
		state.Items = append(state.Items, model.CartItem{
			ID:       *it.ID,
			Name:     it.Name,
			Price:    *it.Price,
			Image:    it.Image,
			Category: it.Category,
			Quantity: *it.Quantity,
		})
	}

	count, total := Totals(state.Items)
	state.TotalItems = count
	state.TotalPrice = total.InexactFloat64()
	return state, nil
}

// Totals recomputes the item count and price total of items.
func Totals(items []model.CartItem) (int, decimal.Decimal) {
	count := 0
	total := decimal.Zero
	for _, it := range items {
		count += it.Quantity
		total = total.Add(linePrice(it))
	}
	return count, total
}

func linePrice(it model.CartItem) decimal.Decimal {
	return decimal.NewFromFloat(it.Price).Mul(decimal.NewFromInt(int64(it.Quantity)))
}

func encodeSnapshot(state model.CartState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
