package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
	"github.com/aurelle-jewellery/cartsync/internal/cartstore"
	"github.com/aurelle-jewellery/cartsync/internal/localstore"
	"github.com/aurelle-jewellery/cartsync/internal/syncclient"
)

type scriptedRemote struct {
	mu sync.Mutex

	fetchCartFn func() ([]cart.CartItem, error)
	fetchFavsFn func() ([]string, error)
	replaceFn   func([]cart.CartItem) ([]cart.CartItem, error)
	toggleFn    func(string) ([]string, error)

	replaced []([]cart.CartItem)
	toggled  []string
}

func (r *scriptedRemote) FetchCart(ctx context.Context) ([]cart.CartItem, error) {
	r.mu.Lock()
	fn := r.fetchCartFn
	r.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn()
}

func (r *scriptedRemote) FetchFavorites(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	fn := r.fetchFavsFn
	r.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn()
}

func (r *scriptedRemote) ReplaceCart(ctx context.Context, items []cart.CartItem) ([]cart.CartItem, error) {
	r.mu.Lock()
	r.replaced = append(r.replaced, items)
	fn := r.replaceFn
	r.mu.Unlock()
	if fn == nil {
		return items, nil
	}
	return fn(items)
}

func (r *scriptedRemote) PatchCart(ctx context.Context, op cart.Op) ([]cart.CartItem, error) {
	return nil, nil
}

func (r *scriptedRemote) ToggleFavorite(ctx context.Context, productID string) ([]string, error) {
	r.mu.Lock()
	r.toggled = append(r.toggled, productID)
	fn := r.toggleFn
	r.mu.Unlock()
	if fn == nil {
		return []string{productID}, nil
	}
	return fn(productID)
}

func newRig(t *testing.T) (*Engine, *cartstore.Store, *localstore.Store, *scriptedRemote) {
	t.Helper()
	remote := &scriptedRemote{}
	local := localstore.New(filepath.Join(t.TempDir(), "snapshot.json"))
	store := cartstore.New(local, remote)
	engine := New(store, local, remote)
	engine.retryBase = 5 * time.Millisecond
	return engine, store, local, remote
}

func TestLoginPushesGuestCartToEmptyAccount(t *testing.T) {
	engine, store, local, remote := newRig(t)
	ctx := context.Background()

	store.AddToCart(ctx, cart.CartItem{ProductID: "X", VariantKey: "v", Quantity: 1, AddedAtMs: 1}, 1)

	engine.SetAuthenticated(ctx, true)

	require.Len(t, remote.replaced, 1)
	require.Len(t, remote.replaced[0], 1)
	assert.Equal(t, "X", remote.replaced[0][0].ProductID)
	assert.Equal(t, 1, remote.replaced[0][0].Quantity)

	v := store.GetSnapshot()
	assert.Equal(t, cart.StatusSynced, v.CartStatus)
	require.Len(t, v.Lines, 1)
	assert.Equal(t, 1, v.Lines[0].Quantity)

	// The confirmed state is cached locally for the next startup.
	snap, err := local.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Cart, 1)
	assert.Equal(t, "X", snap.Cart[0].ProductID)
}

func TestLoginMergesGuestAndServerCarts(t *testing.T) {
	engine, store, _, remote := newRig(t)
	ctx := context.Background()

	store.AddToCart(ctx, cart.CartItem{ProductID: "A", VariantKey: "v", Quantity: 1, AddedAtMs: 2}, 2)
	remote.fetchCartFn = func() ([]cart.CartItem, error) {
		return []cart.CartItem{
			{ProductID: "A", VariantKey: "v", Quantity: 1, AddedAtMs: 1},
			{ProductID: "B", VariantKey: "v", Quantity: 3, AddedAtMs: 1},
		}, nil
	}

	engine.SetAuthenticated(ctx, true)

	require.Len(t, remote.replaced, 1)
	pushed := remote.replaced[0]
	byProduct := map[string]int{}
	for _, it := range pushed {
		byProduct[it.ProductID] = it.Quantity
	}
	assert.Equal(t, map[string]int{"A": 3, "B": 3}, byProduct)
}

func TestLoginTogglesOnlyMissingFavorites(t *testing.T) {
	engine, store, _, remote := newRig(t)
	ctx := context.Background()

	store.ToggleFavorite(ctx, "x")
	store.ToggleFavorite(ctx, "y")
	remote.fetchFavsFn = func() ([]string, error) { return []string{"y", "z"}, nil }
	remote.toggleFn = func(id string) ([]string, error) { return []string{"x", "y", "z"}, nil }

	engine.SetAuthenticated(ctx, true)

	assert.Equal(t, []string{"x"}, remote.toggled, "only the server-missing favorite is toggled")
	assert.ElementsMatch(t, []string{"x", "y", "z"}, store.GetSnapshot().Favorites)
}

func TestLogoutWipesMemoryAndDisk(t *testing.T) {
	engine, store, local, _ := newRig(t)
	ctx := context.Background()

	store.AddToCart(ctx, cart.CartItem{ProductID: "A", VariantKey: "v"}, 1)
	engine.SetAuthenticated(ctx, true)
	engine.SetAuthenticated(ctx, false)

	v := store.GetSnapshot()
	assert.Empty(t, v.Lines)
	assert.Empty(t, v.Favorites)
	assert.False(t, store.Authenticated())

	// Reset persists an empty guest snapshot; it must not contain the
	// previous user's cart.
	snap, err := local.Load()
	require.NoError(t, err)
	if snap != nil {
		assert.Empty(t, snap.Cart)
	}
}

func TestLoginPushFailureKeepsMergedStateAndRetries(t *testing.T) {
	engine, store, _, remote := newRig(t)
	ctx := context.Background()

	store.AddToCart(ctx, cart.CartItem{ProductID: "A", VariantKey: "v", AddedAtMs: 1}, 2)

	var failures int
	remote.replaceFn = func(items []cart.CartItem) ([]cart.CartItem, error) {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		if failures < 2 {
			failures++
			return nil, syncclient.NetworkError{Op: "replaceCart", Err: errors.New("down")}
		}
		return items, nil
	}

	engine.SetAuthenticated(ctx, true)

	// Immediately after the failed push the merged state is visible as a
	// conflict, not rolled back and not blocking.
	v := store.GetSnapshot()
	assert.Equal(t, cart.StatusConflict, v.CartStatus)
	require.Len(t, v.Lines, 1)
	assert.Equal(t, 2, v.Lines[0].Quantity)

	engine.WaitRetries()

	v = store.GetSnapshot()
	assert.Equal(t, cart.StatusSynced, v.CartStatus)
	require.Len(t, v.Lines, 1)
	assert.Equal(t, 2, v.Lines[0].Quantity)
}

func TestLoginFetchAuthFailureStaysGuest(t *testing.T) {
	engine, store, _, remote := newRig(t)
	ctx := context.Background()

	store.AddToCart(ctx, cart.CartItem{ProductID: "A", VariantKey: "v"}, 1)
	remote.fetchCartFn = func() ([]cart.CartItem, error) {
		return nil, syncclient.AuthError{Op: "fetchCart", Status: 401}
	}

	engine.SetAuthenticated(ctx, true)

	assert.False(t, store.Authenticated())
	v := store.GetSnapshot()
	require.Len(t, v.Lines, 1, "demotion preserves the cart")
	assert.Equal(t, cart.StatusLocalOnly, v.CartStatus)
}

func TestStorageEventAdoptsNewerSnapshot(t *testing.T) {
	engine, store, local, _ := newRig(t)
	ctx := context.Background()

	store.AddToCart(ctx, cart.CartItem{ProductID: "A", VariantKey: "v"}, 1)

	sibling := cart.Snapshot{
		SchemaVersion: cart.SchemaVersion,
		Cart:          []cart.CartItem{{ProductID: "B", VariantKey: "v", Quantity: 4}},
		Favorites:     []string{"B"},
		SavedAtMs:     store.LastSavedMs() + 1000,
	}
	require.NoError(t, local.Save(sibling))

	engine.HandleStorageEvent(ctx)

	v := store.GetSnapshot()
	require.Len(t, v.Lines, 1)
	assert.Equal(t, "B", v.Lines[0].ProductID)
	assert.Equal(t, 4, v.Lines[0].Quantity)
	assert.Equal(t, []string{"B"}, v.Favorites)
}

func TestStorageEventIgnoresOlderSnapshot(t *testing.T) {
	engine, store, local, _ := newRig(t)
	ctx := context.Background()

	store.AddToCart(ctx, cart.CartItem{ProductID: "A", VariantKey: "v"}, 1)

	stale := cart.Snapshot{
		SchemaVersion: cart.SchemaVersion,
		Cart:          []cart.CartItem{{ProductID: "B", VariantKey: "v", Quantity: 9}},
		SavedAtMs:     1, // far older than the store's own write
	}
	require.NoError(t, local.Save(stale))

	engine.HandleStorageEvent(ctx)

	v := store.GetSnapshot()
	require.Len(t, v.Lines, 1)
	assert.Equal(t, "A", v.Lines[0].ProductID)
}

func TestLoginRetryDoesNotRepeatAppliedToggles(t *testing.T) {
	engine, store, _, remote := newRig(t)
	ctx := context.Background()

	store.ToggleFavorite(ctx, "w")
	store.ToggleFavorite(ctx, "x")

	// Stateful server set: the toggle of x fails once after the toggle of
	// w has already landed. The retry must see the post-toggle set, or it
	// would toggle w a second time and remove it.
	var mu sync.Mutex
	server := map[string]bool{"y": true}
	failedOnce := false
	serverIDs := func() []string {
		ids := make([]string, 0, len(server))
		for id := range server {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids
	}
	remote.fetchFavsFn = func() ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		return serverIDs(), nil
	}
	remote.toggleFn = func(id string) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		if id == "x" && !failedOnce {
			failedOnce = true
			return nil, syncclient.NetworkError{Op: "toggleFavorite", Err: errors.New("down")}
		}
		if server[id] {
			delete(server, id)
		} else {
			server[id] = true
		}
		return serverIDs(), nil
	}

	engine.SetAuthenticated(ctx, true)
	engine.WaitRetries()

	mu.Lock()
	finalServer := serverIDs()
	mu.Unlock()
	assert.Equal(t, []string{"w", "x", "y"}, finalServer)

	v := store.GetSnapshot()
	assert.Equal(t, []string{"w", "x", "y"}, v.Favorites)
	assert.Equal(t, cart.StatusSynced, v.FavoritesStatus)
}
