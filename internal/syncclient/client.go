// Package syncclient is the HTTP half of the cart/favorites sync core: a
// thin, authenticated wrapper over the backing API's cart and favorites
// endpoints. All calls are fallible and classified into the NetworkError /
// AuthError / ValidationError taxonomy so the store can decide the
// user-visible consequence.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
)

const (
	// DefaultTimeout bounds every request; a timeout is indistinguishable
	// from any other network failure to callers.
	DefaultTimeout = 10 * time.Second

	// RetryBase is the initial backoff for retryable failures.
	RetryBase = 500 * time.Millisecond

	// FetchAttempts applies to idempotent reads (fetch cart/favorites).
	FetchAttempts = 3

	// MutationAttempts applies to patch/toggle calls. At most one retry,
	// bounding duplicate-op risk.
	MutationAttempts = 2
)

// TokenSource supplies the current bearer token. ok=false means the
// session is unauthenticated and every call fails fast with AuthError.
type TokenSource interface {
	Token() (token string, ok bool)
}

// StaticToken is a fixed-token TokenSource, mostly for tests and CLIs.
type StaticToken string

func (t StaticToken) Token() (string, bool) { return string(t), t != "" }

// Client issues authenticated cart/favorites calls against the API.
type Client struct {
	baseURL string
	hc      *http.Client
	tokens  TokenSource
}

// New creates a sync client for the given API base URL.
func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: DefaultTimeout},
		tokens:  tokens,
	}
}

// FetchCart returns the server-side cart. Retried with backoff.
func (c *Client) FetchCart(ctx context.Context) ([]cart.CartItem, error) {
	var env cart.CartEnvelope
	if err := c.do(ctx, "fetchCart", http.MethodGet, "/v1/cart", nil, FetchAttempts, &env); err != nil {
		return nil, err
	}
	return env.Items, nil
}

// ReplaceCart overwrites the server-side cart and returns the authoritative
// post-write state (the server may have repriced, capped, or dropped
// lines). Callers must adopt the returned items as truth.
func (c *Client) ReplaceCart(ctx context.Context, items []cart.CartItem) ([]cart.CartItem, error) {
	body := cart.CartEnvelope{Items: items}
	var env cart.CartEnvelope
	if err := c.do(ctx, "replaceCart", http.MethodPut, "/v1/cart", body, MutationAttempts, &env); err != nil {
		return nil, err
	}
	return env.Items, nil
}

// PatchCart applies a single-line mutation and returns the authoritative
// cart. Used for interactive edits so concurrent tabs never race on
// full-cart snapshots.
func (c *Client) PatchCart(ctx context.Context, op cart.Op) ([]cart.CartItem, error) {
	var env cart.CartEnvelope
	if err := c.do(ctx, "patchCart", http.MethodPatch, "/v1/cart", op, MutationAttempts, &env); err != nil {
		return nil, err
	}
	return env.Items, nil
}

// FetchFavorites returns the server-side favorites set. Retried with backoff.
func (c *Client) FetchFavorites(ctx context.Context) ([]string, error) {
	var env cart.FavoritesEnvelope
	if err := c.do(ctx, "fetchFavorites", http.MethodGet, "/v1/favorites", nil, FetchAttempts, &env); err != nil {
		return nil, err
	}
	return env.ProductIDs, nil
}

// ToggleFavorite flips membership for one product and returns the full set.
func (c *Client) ToggleFavorite(ctx context.Context, productID string) ([]string, error) {
	body := cart.ToggleRequest{ProductID: productID}
	var env cart.FavoritesEnvelope
	if err := c.do(ctx, "toggleFavorite", http.MethodPost, "/v1/favorites/toggle", body, MutationAttempts, &env); err != nil {
		return nil, err
	}
	return env.ProductIDs, nil
}

// do runs one request with auth injection, error classification, and
// bounded retry. Only NetworkError is retried; auth and validation
// failures return immediately.
func (c *Client) do(ctx context.Context, op, method, path string, body any, attempts int, out any) error {
	token, ok := c.tokens.Token()
	if !ok {
		return AuthError{Op: op}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := RetryBase << (attempt - 1)
			log.Debug().
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying sync call")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return NetworkError{Op: op, Err: ctx.Err()}
			}
		}

		err := c.once(ctx, op, method, path, token, payload, out)
		if err == nil {
			return nil
		}
		if _, transient := err.(NetworkError); !transient {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, op, method, path, token string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		// Transport failures and timeouts look the same from here.
		return NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	log.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("sync call completed")

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return AuthError{Op: op, Status: resp.StatusCode}

	case resp.StatusCode == http.StatusUnprocessableEntity:
		var rej struct {
			Error string          `json:"error"`
			Items []cart.CartItem `json:"items"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&rej); err != nil {
			rej.Error = "unreadable rejection"
		}
		return ValidationError{Op: op, Message: rej.Error, Items: rej.Items}

	case resp.StatusCode >= 500:
		return NetworkError{Op: op, Err: fmt.Errorf("server status %d", resp.StatusCode)}

	default:
		var rej struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&rej); err != nil || rej.Error == "" {
			rej.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return ValidationError{Op: op, Message: rej.Error}
	}
}
