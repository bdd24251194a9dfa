// Package cartservice implements the authoritative cart and favorites
// operations on postgres. Prices and stock always come from the product
// table; client-supplied display fields are treated as a cache and never
// written back.
package cartservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
)

// Service runs cart and favorites operations against the database.
type Service struct {
	db *pgxpool.Pool
}

// New creates a service on the given pool.
func New(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// UpsertUser resolves a JWT subject to a stable user id, creating the row
// on first sight.
func (s *Service) UpsertUser(ctx context.Context, sub string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO app_user (sub) VALUES ($1)
		ON CONFLICT (sub) DO UPDATE SET sub = excluded.sub
		RETURNING id
	`, sub).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert user: %w", err)
	}
	return id, nil
}

// pgxQuerier covers both the pool and a transaction for reads.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetCart returns the user's cart lines in the order they were added,
// priced from the product table. Lines whose product has been discontinued
// are omitted.
func (s *Service) GetCart(ctx context.Context, userID string) ([]cart.CartItem, error) {
	return readCart(ctx, s.db, userID)
}

func readCart(ctx context.Context, q pgxQuerier, userID string) ([]cart.CartItem, error) {
	rows, err := q.Query(ctx, `
		SELECT c.product_id, c.variant_key, p.name, p.image_url, p.price_pence,
		       c.quantity, c.added_at_ms
		FROM cart_item c
		JOIN product p ON p.id = c.product_id
		WHERE c.user_id = $1 AND p.active
		ORDER BY c.added_at_ms, c.product_id, c.variant_key
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	defer rows.Close()

	items := make([]cart.CartItem, 0, 8)
	for rows.Next() {
		var it cart.CartItem
		if err := rows.Scan(&it.ProductID, &it.VariantKey, &it.Name, &it.ImageURL,
			&it.UnitPrice, &it.Quantity, &it.AddedAtMs); err != nil {
			return nil, fmt.Errorf("scan cart row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart rows: %w", err)
	}
	return items, nil
}

type productRow struct {
	pricePence int64
	stock      int
	active     bool
}

func loadProduct(ctx context.Context, q pgxQuerier, productID string) (*productRow, error) {
	var p productRow
	err := q.QueryRow(ctx,
		`SELECT price_pence, stock, active FROM product WHERE id = $1`,
		productID).Scan(&p.pricePence, &p.stock, &p.active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", productID, err)
	}
	return &p, nil
}

// ReplaceCart atomically replaces the user's cart with the given lines.
// Unknown and discontinued products are dropped, quantities are capped at
// stock, and duplicate (productId, variantKey) lines are summed before
// validation. The returned cart is authoritative; callers adopt it.
func (s *Service) ReplaceCart(ctx context.Context, userID string, items []cart.CartItem) ([]cart.CartItem, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM cart_item WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	for _, it := range mergeLines(items) {
		p, err := loadProduct(ctx, tx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if p == nil || !p.active {
			log.Debug().Str("productId", it.ProductID).Msg("dropping discontinued cart line")
			continue
		}

		qty := it.Quantity
		if qty > p.stock {
			qty = p.stock
		}
		if qty < 1 {
			continue
		}

		addedAt := it.AddedAtMs
		if addedAt == 0 {
			addedAt = cart.NowMs()
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO cart_item (user_id, product_id, variant_key, quantity, added_at_ms)
			VALUES ($1, $2, $3, $4, $5)
		`, userID, it.ProductID, it.VariantKey, qty, addedAt); err != nil {
			return nil, fmt.Errorf("insert cart line: %w", err)
		}
	}

	result, err := readCart(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}
	return result, nil
}

// mergeLines collapses duplicate (productId, variantKey) entries by summing
// quantities, keeping first-seen order.
func mergeLines(items []cart.CartItem) []cart.CartItem {
	byKey := make(map[cart.LineKey]int, len(items))
	out := make([]cart.CartItem, 0, len(items))
	for _, it := range items {
		key := it.Key()
		if idx, ok := byKey[key]; ok {
			out[idx].Quantity += it.Quantity
			continue
		}
		byKey[key] = len(out)
		out = append(out, it)
	}
	return out
}

// ApplyOp applies one incremental cart mutation and returns the resulting
// authoritative cart. A ValidationError carries the corrected cart for the
// client to adopt.
func (s *Service) ApplyOp(ctx context.Context, userID string, op cart.Op) ([]cart.CartItem, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin op: %w", err)
	}
	defer tx.Rollback(ctx)

	var opErr error
	switch op.Op {
	case cart.OpAdd:
		opErr = applyAdd(ctx, tx, userID, op)
	case cart.OpRemove:
		opErr = applyRemove(ctx, tx, userID, op)
	case cart.OpSetQuantity:
		opErr = applySetQuantity(ctx, tx, userID, op)
	default:
		opErr = ValidationError{Message: fmt.Sprintf("unknown op %q", op.Op)}
	}

	var valErr ValidationError
	if opErr != nil && !errors.As(opErr, &valErr) {
		return nil, opErr
	}

	result, err := readCart(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit op: %w", err)
	}

	if opErr != nil {
		valErr.Items = result
		return nil, valErr
	}
	return result, nil
}

func applyAdd(ctx context.Context, tx pgx.Tx, userID string, op cart.Op) error {
	p, err := loadProduct(ctx, tx, op.ProductID)
	if err != nil {
		return err
	}
	if p == nil || !p.active {
		return ValidationError{Message: "product is no longer available"}
	}
	if p.stock < 1 {
		// LEAST(..., 0) in the upsert would violate the quantity check.
		return ValidationError{Message: "product is out of stock"}
	}

	qty := op.Quantity
	if qty < 1 {
		qty = 1
	}

	// Upsert-increment, clamped at stock in the same statement pass.
	if _, err := tx.Exec(ctx, `
		INSERT INTO cart_item (user_id, product_id, variant_key, quantity, added_at_ms)
		VALUES ($1, $2, $3, LEAST($4, $6), $5)
		ON CONFLICT (user_id, product_id, variant_key) DO UPDATE SET
			quantity = LEAST(cart_item.quantity + excluded.quantity, $6)
	`, userID, op.ProductID, op.VariantKey, qty, cart.NowMs(), p.stock); err != nil {
		return fmt.Errorf("upsert cart line: %w", err)
	}
	return nil
}

func applyRemove(ctx context.Context, tx pgx.Tx, userID string, op cart.Op) error {
	// Idempotent: removing an absent line is fine.
	if _, err := tx.Exec(ctx,
		`DELETE FROM cart_item WHERE user_id = $1 AND product_id = $2 AND variant_key = $3`,
		userID, op.ProductID, op.VariantKey); err != nil {
		return fmt.Errorf("delete cart line: %w", err)
	}
	return nil
}

func applySetQuantity(ctx context.Context, tx pgx.Tx, userID string, op cart.Op) error {
	if op.Quantity <= 0 {
		return applyRemove(ctx, tx, userID, op)
	}

	p, err := loadProduct(ctx, tx, op.ProductID)
	if err != nil {
		return err
	}
	if p == nil || !p.active {
		return ValidationError{Message: "product is no longer available"}
	}

	qty := op.Quantity
	capped := false
	if qty > p.stock {
		qty, capped = p.stock, true
	}

	if qty < 1 {
		if err := applyRemove(ctx, tx, userID, op); err != nil {
			return err
		}
		return ValidationError{Message: "product is out of stock"}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE cart_item SET quantity = $4
		WHERE user_id = $1 AND product_id = $2 AND variant_key = $3
	`, userID, op.ProductID, op.VariantKey, qty); err != nil {
		return fmt.Errorf("update quantity: %w", err)
	}

	if capped {
		return ValidationError{Message: fmt.Sprintf("only %d in stock", p.stock)}
	}
	return nil
}

// GetFavorites returns the user's favorites in the order they were added.
func (s *Service) GetFavorites(ctx context.Context, userID string) ([]string, error) {
	return readFavorites(ctx, s.db, userID)
}

func readFavorites(ctx context.Context, q pgxQuerier, userID string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id FROM user_favorite
		WHERE user_id = $1
		ORDER BY created_at_ms, product_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query favorites: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate favorites: %w", err)
	}
	return ids, nil
}

// ToggleFavorite flips set membership for the product and returns the full
// resulting set.
func (s *Service) ToggleFavorite(ctx context.Context, userID, productID string) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin toggle: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM user_favorite WHERE user_id = $1 AND product_id = $2`,
		userID, productID)
	if err != nil {
		return nil, fmt.Errorf("delete favorite: %w", err)
	}

	if tag.RowsAffected() == 0 {
		p, err := loadProduct(ctx, tx, productID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, ValidationError{Message: "unknown product"}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_favorite (user_id, product_id, created_at_ms)
			VALUES ($1, $2, $3)
		`, userID, productID, cart.NowMs()); err != nil {
			return nil, fmt.Errorf("insert favorite: %w", err)
		}
	}

	ids, err := readFavorites(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit toggle: %w", err)
	}
	return ids, nil
}
