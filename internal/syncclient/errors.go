package syncclient

import (
	"fmt"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
)

// NetworkError covers transport failures, timeouts, and 5xx responses.
// Transient and retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e NetworkError) Unwrap() error { return e.Err }

// AuthError covers 401/403 responses and a missing token. Not retryable;
// the store demotes to guest mode instead.
type AuthError struct {
	Op     string
	Status int
}

func (e AuthError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: no auth token", e.Op)
	}
	return fmt.Sprintf("%s: auth rejected (status %d)", e.Op, e.Status)
}

// ValidationError is a server-side rejection of an operation (stock
// exhausted, discontinued product, malformed request). When the server
// includes its post-rejection cart, Items carries it so the caller can
// correct local state to match server truth.
type ValidationError struct {
	Op      string
	Message string
	Items   []cart.CartItem
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Message)
}
