// Package cartsync assembles the client-side cart and favorites core: an
// optimistic in-memory store, a file-backed snapshot, a remote sync client
// and the reconciliation engine that moves state across login, logout and
// sibling-process snapshot writes.
package cartsync

import (
	"context"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
	"github.com/aurelle-jewellery/cartsync/internal/cartstore"
	"github.com/aurelle-jewellery/cartsync/internal/localstore"
	"github.com/aurelle-jewellery/cartsync/internal/reconcile"
	"github.com/aurelle-jewellery/cartsync/internal/syncclient"
)

// Re-exported domain types for embedding applications.
type (
	CartItem   = cart.CartItem
	Op         = cart.Op
	SyncStatus = cart.SyncStatus
	View       = cartstore.View
	Line       = cartstore.Line
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource = syncclient.TokenSource

// StaticToken is a fixed-token TokenSource.
type StaticToken = syncclient.StaticToken

// Options configures a Client.
type Options struct {
	// BaseURL of the cart API, e.g. "https://api.aurelle.example".
	BaseURL string
	// SnapshotPath is the local snapshot file. Empty runs memory-only.
	SnapshotPath string
	// Tokens supplies bearer tokens once the user is authenticated.
	Tokens TokenSource
}

// Client is one storefront session's cart/favorites state.
type Client struct {
	store  *cartstore.Store
	engine *reconcile.Engine
}

// New builds a session seeded from the snapshot file, if one exists.
func New(opts Options) *Client {
	local := localstore.New(opts.SnapshotPath)
	remote := syncclient.New(opts.BaseURL, opts.Tokens)
	store := cartstore.New(local, remote)
	engine := reconcile.New(store, local, remote)
	return &Client{store: store, engine: engine}
}

// Subscribe registers a listener for state changes. The returned function
// cancels the subscription.
func (c *Client) Subscribe(fn func(View)) (cancel func()) {
	return c.store.Subscribe(fn)
}

// Snapshot returns the current view.
func (c *Client) Snapshot() View {
	return c.store.GetSnapshot()
}

// AddToCart adds qty units of the item.
func (c *Client) AddToCart(ctx context.Context, item CartItem, qty int) {
	c.store.AddToCart(ctx, item, qty)
}

// RemoveFromCart deletes the line for (productID, variantKey).
func (c *Client) RemoveFromCart(ctx context.Context, productID, variantKey string) {
	c.store.RemoveFromCart(ctx, productID, variantKey)
}

// SetQuantity sets a line's quantity; zero or less removes it.
func (c *Client) SetQuantity(ctx context.Context, productID, variantKey string, qty int) {
	c.store.SetQuantity(ctx, productID, variantKey, qty)
}

// ToggleFavorite flips set membership for the product.
func (c *Client) ToggleFavorite(ctx context.Context, productID string) {
	c.store.ToggleFavorite(ctx, productID)
}

// Retry re-pushes lines stuck in the error state.
func (c *Client) Retry(ctx context.Context) {
	c.store.Retry(ctx)
}

// SetAuthenticated signals a login (true) or logout (false). Login merges
// the guest state with the account's server state; logout wipes local
// state entirely.
func (c *Client) SetAuthenticated(ctx context.Context, authenticated bool) {
	c.engine.SetAuthenticated(ctx, authenticated)
}

// HandleStorageEvent reloads the snapshot after another process wrote it,
// adopting it when it is newer than this session's last write.
func (c *Client) HandleStorageEvent(ctx context.Context) {
	c.engine.HandleStorageEvent(ctx)
}
