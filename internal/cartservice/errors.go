package cartservice

import (
	"fmt"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
)

// ValidationError rejects a mutation and carries the authoritative cart
// after any server-side correction. Handlers render it as a 422 so clients
// can adopt Items as the corrected truth.
type ValidationError struct {
	Message string
	Items   []cart.CartItem
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("cart validation: %s", e.Message)
}
