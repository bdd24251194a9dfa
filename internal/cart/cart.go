package cart

import "time"

// CartItem is a single purchasable line in a cart. Prices are in minor
// currency units (pence) to avoid float drift; timestamps are Unix
// milliseconds so snapshots and wire payloads agree without timezone fuss.
type CartItem struct {
	ProductID  string `json:"productId"`
	VariantKey string `json:"variantKey"`
	Name       string `json:"name,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int    `json:"quantity"`
	AddedAtMs  int64  `json:"addedAt"`
}

// LineKey identifies a distinct purchasable SKU within a cart.
// Duplicate adds for the same key increment quantity, never add a line.
type LineKey struct {
	ProductID  string
	VariantKey string
}

// Key returns the cart line identity of the item.
func (it CartItem) Key() LineKey {
	return LineKey{ProductID: it.ProductID, VariantKey: it.VariantKey}
}

// SyncStatus describes where a collection (or a single cart line) stands
// relative to the server.
type SyncStatus string

const (
	StatusLocalOnly SyncStatus = "local-only"
	StatusSyncing   SyncStatus = "syncing"
	StatusSynced    SyncStatus = "synced"
	StatusConflict  SyncStatus = "conflict"
	StatusError     SyncStatus = "error"
)

// SchemaVersion is the persisted snapshot format version. Unknown versions
// are rejected wholesale on load; there is no partial migration.
const SchemaVersion = 1

// Snapshot is the persisted and published view of cart + favorites state.
// Favorites persist as a plain productId list; the set semantics live in
// the store.
type Snapshot struct {
	SchemaVersion int        `json:"schemaVersion"`
	Cart          []CartItem `json:"cart"`
	Favorites     []string   `json:"favorites"`
	SavedAtMs     int64      `json:"savedAt"`
}

// NowMs returns the current time as Unix milliseconds (UTC).
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// Subtotal sums quantity-weighted unit prices across the cart, in pence.
func Subtotal(items []CartItem) int64 {
	var total int64
	for _, it := range items {
		total += it.UnitPrice * int64(it.Quantity)
	}
	return total
}

// Count returns the total number of units across all cart lines.
func Count(items []CartItem) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}
