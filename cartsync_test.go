package cartsync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	cartsync "github.com/aurelle-jewellery/cartsync"
	"github.com/aurelle-jewellery/cartsync/internal/cart"
)

func TestGuestCartSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	ctx := context.Background()

	c := cartsync.New(cartsync.Options{SnapshotPath: path})
	c.AddToCart(ctx, cartsync.CartItem{
		ProductID:  "ring-aurora",
		VariantKey: "gold-18ct|M",
		Name:       "Aurora Ring",
		UnitPrice:  124900,
	}, 2)
	c.ToggleFavorite(ctx, "pendant-lune")

	// A fresh session over the same snapshot file sees the same state.
	c2 := cartsync.New(cartsync.Options{SnapshotPath: path})
	v := c2.Snapshot()
	if len(v.Lines) != 1 || v.Lines[0].Quantity != 2 {
		t.Fatalf("restored cart = %+v", v.Lines)
	}
	if len(v.Favorites) != 1 || v.Favorites[0] != "pendant-lune" {
		t.Fatalf("restored favorites = %v", v.Favorites)
	}
	if v.CartStatus != cart.StatusLocalOnly {
		t.Errorf("restored cart status = %v, want local-only", v.CartStatus)
	}
}

// fakeAPI implements the wire contract over httptest, echoing pushed carts
// back as authoritative.
type fakeAPI struct {
	mu       sync.Mutex
	cart     []cart.CartItem
	favs     []string
	replaced int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/cart", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(cart.CartEnvelope{Items: f.cart})
	})
	mux.HandleFunc("PUT /v1/cart", func(w http.ResponseWriter, r *http.Request) {
		var req cart.CartEnvelope
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.cart = req.Items
		f.replaced++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(req)
	})
	mux.HandleFunc("GET /v1/favorites", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(cart.FavoritesEnvelope{ProductIDs: f.favs})
	})
	mux.HandleFunc("POST /v1/favorites/toggle", func(w http.ResponseWriter, r *http.Request) {
		var req cart.ToggleRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.favs = append(f.favs, req.ProductID)
		ids := append([]string(nil), f.favs...)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(cart.FavoritesEnvelope{ProductIDs: ids})
	})
	return mux
}

func TestLoginMergeEndToEnd(t *testing.T) {
	api := &fakeAPI{
		cart: []cart.CartItem{{ProductID: "pendant-lune", VariantKey: "", Quantity: 1, AddedAtMs: 1}},
		favs: []string{"pendant-lune"},
	}
	ts := httptest.NewServer(api.handler())
	defer ts.Close()

	ctx := context.Background()
	c := cartsync.New(cartsync.Options{
		BaseURL:      ts.URL,
		SnapshotPath: filepath.Join(t.TempDir(), "snapshot.json"),
		Tokens:       cartsync.StaticToken("token"),
	})

	c.AddToCart(ctx, cartsync.CartItem{ProductID: "ring-aurora", VariantKey: "M", AddedAtMs: 2}, 1)
	c.ToggleFavorite(ctx, "ring-aurora")

	c.SetAuthenticated(ctx, true)

	api.mu.Lock()
	replaced := api.replaced
	serverCart := append([]cart.CartItem(nil), api.cart...)
	api.mu.Unlock()

	if replaced != 1 {
		t.Fatalf("server saw %d cart pushes, want 1", replaced)
	}
	if len(serverCart) != 2 {
		t.Fatalf("merged server cart = %+v, want guest + account lines", serverCart)
	}

	v := c.Snapshot()
	if v.CartStatus != cart.StatusSynced {
		t.Errorf("cart status after login = %v, want synced", v.CartStatus)
	}
	if len(v.Favorites) != 2 {
		t.Errorf("favorites after login = %v, want union of guest and account", v.Favorites)
	}

	c.SetAuthenticated(ctx, false)
	if v := c.Snapshot(); len(v.Lines) != 0 || len(v.Favorites) != 0 {
		t.Errorf("state after logout = %+v, want empty", v)
	}
}
