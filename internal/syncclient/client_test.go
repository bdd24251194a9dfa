package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
)

func itemsJSON(items ...cart.CartItem) []byte {
	b, _ := json.Marshal(cart.CartEnvelope{Items: items})
	return b
}

func TestFetchCartRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(itemsJSON(cart.CartItem{ProductID: "p1", VariantKey: "v1", Quantity: 1}))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	items, err := c.FetchCart(context.Background())
	if err != nil {
		t.Fatalf("FetchCart() error: %v", err)
	}
	if len(items) != 1 || items[0].ProductID != "p1" {
		t.Errorf("FetchCart() = %+v, want one line p1", items)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestFetchCartGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	_, err := c.FetchCart(context.Background())

	var netErr NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("FetchCart() error = %v, want NetworkError", err)
	}
	if got := atomic.LoadInt32(&calls); got != FetchAttempts {
		t.Errorf("server saw %d calls, want %d", got, FetchAttempts)
	}
}

func TestPatchCartRetriedAtMostOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	_, err := c.PatchCart(context.Background(), cart.Op{Op: cart.OpRemove, ProductID: "p1", VariantKey: "v1"})

	var netErr NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("PatchCart() error = %v, want NetworkError", err)
	}
	if got := atomic.LoadInt32(&calls); got != MutationAttempts {
		t.Errorf("server saw %d calls, want %d", got, MutationAttempts)
	}
}

func TestAuthErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "forbidden", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(srv.URL, StaticToken("tok"))
			_, err := c.FetchFavorites(context.Background())

			var authErr AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("error = %v, want AuthError", err)
			}
			if authErr.Status != tt.status {
				t.Errorf("AuthError.Status = %d, want %d", authErr.Status, tt.status)
			}
			if got := atomic.LoadInt32(&calls); got != 1 {
				t.Errorf("server saw %d calls, want 1", got)
			}
		})
	}
}

func TestMissingTokenFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be reached without a token")
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken(""))
	_, err := c.FetchCart(context.Background())

	var authErr AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthError", err)
	}
}

func TestValidationErrorCarriesAuthoritativeItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "insufficient stock",
			"items": []cart.CartItem{{ProductID: "p1", VariantKey: "v1", Quantity: 3}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	_, err := c.PatchCart(context.Background(), cart.Op{Op: cart.OpSetQuantity, ProductID: "p1", VariantKey: "v1", Quantity: 99})

	var valErr ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if valErr.Message != "insufficient stock" {
		t.Errorf("Message = %q, want %q", valErr.Message, "insufficient stock")
	}
	if len(valErr.Items) != 1 || valErr.Items[0].Quantity != 3 {
		t.Errorf("Items = %+v, want server-corrected quantity 3", valErr.Items)
	}
}

func TestTimeoutSurfacesAsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, StaticToken("tok"))
	c.hc.Timeout = 50 * time.Millisecond

	_, err := c.ToggleFavorite(context.Background(), "p1")

	var netErr NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %v, want NetworkError", err)
	}
}

func TestToggleFavoriteReturnsFullSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cart.ToggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode toggle body: %v", err)
		}
		if req.ProductID != "necklace-lune" {
			t.Errorf("ProductID = %q, want necklace-lune", req.ProductID)
		}
		json.NewEncoder(w).Encode(cart.FavoritesEnvelope{ProductIDs: []string{"ring-aurora", "necklace-lune"}})
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	ids, err := c.ToggleFavorite(context.Background(), "necklace-lune")
	if err != nil {
		t.Fatalf("ToggleFavorite() error: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("ToggleFavorite() = %v, want 2 ids", ids)
	}
}
