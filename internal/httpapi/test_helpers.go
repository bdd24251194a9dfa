package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aurelle-jewellery/cartsync/internal/db"
)

const testUserSubject = "test-user"

// getTestDB connects to the test database or skips. The schema is migrated
// and all tables are emptied so tests start clean.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	if err := db.Migrate(dbURL); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	pool, err := db.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	ctx := context.Background()
	for _, table := range []string{"cart_item", "user_favorite", "app_user", "product"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("Failed to clean %s table: %v", table, err)
		}
	}

	return pool
}

func seedProduct(t *testing.T, pool *pgxpool.Pool, id string, pricePence int64, stock int, active bool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO product (id, name, image_url, price_pence, stock, active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, "Product "+id, "/img/"+id+".jpg", pricePence, stock, active)
	if err != nil {
		t.Fatalf("Failed to seed product %s: %v", id, err)
	}
}

// doJSON makes an authenticated (dev-mode) request against the router.
func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Debug-Sub", testUserSubject)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v (body: %s)", err, w.Body.String())
	}
	return v
}
