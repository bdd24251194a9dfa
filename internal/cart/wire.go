package cart

// Wire payloads shared by the sync client and the HTTP API.

// OpKind names a single-line cart mutation.
type OpKind string

const (
	OpAdd         OpKind = "add"
	OpRemove      OpKind = "remove"
	OpSetQuantity OpKind = "setQuantity"
)

// Op is the body of PATCH /v1/cart. Quantity is ignored for remove.
// For add, Item carries the display cache (name, image, price hint) so a
// freshly-created server line is renderable before the next full fetch.
type Op struct {
	Op         OpKind    `json:"op"`
	ProductID  string    `json:"productId"`
	VariantKey string    `json:"variantKey"`
	Quantity   int       `json:"quantity,omitempty"`
	Item       *CartItem `json:"item,omitempty"`
}

// CartEnvelope wraps cart items on the wire (GET/PUT/PATCH /v1/cart).
type CartEnvelope struct {
	Items []CartItem `json:"items"`
}

// FavoritesEnvelope wraps the favorites set on the wire.
type FavoritesEnvelope struct {
	ProductIDs []string `json:"productIds"`
}

// ToggleRequest is the body of POST /v1/favorites/toggle.
type ToggleRequest struct {
	ProductID string `json:"productId"`
}
