package repository

import (
	"context"
	"errors"
)

const (
	CartKey               = "cart"
	DynamicProductsKey    = "dynamicProducts"
	AdminAuthenticatedKey = "adminAuthenticated"
)

// ErrUnavailable is returned when the backing store is known to be down,
// e.g. its circuit breaker is open.
var ErrUnavailable = errors.New("slot storage unavailable")

// Slot is a named, string-valued, durable key-value location.
// A missing key is reported as ok == false, never as an error.
type Slot interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// CartKeyFor returns the slot key of a per-session cart.
func CartKeyFor(sessionID string) string {
	if sessionID == "" {
		return CartKey
	}
	return CartKey + ":" + sessionID
}
