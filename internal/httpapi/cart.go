package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/aurelle-jewellery/cartsync/internal/auth"
	"github.com/aurelle-jewellery/cartsync/internal/cart"
	"github.com/aurelle-jewellery/cartsync/internal/cartservice"
)

// GetCart handles GET /v1/cart.
func (s *Server) GetCart(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	items, err := s.Cart.GetCart(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to load cart")
		writeError(w, r, http.StatusInternalServerError, "failed to load cart")
		return
	}
	writeJSON(w, http.StatusOK, cart.CartEnvelope{Items: items})
}

// ReplaceCart handles PUT /v1/cart. The body's cart replaces the stored one
// wholesale; the response carries the server-corrected result.
func (s *Server) ReplaceCart(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req cart.CartEnvelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	items, err := s.Cart.ReplaceCart(r.Context(), userID, req.Items)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to replace cart")
		writeError(w, r, http.StatusInternalServerError, "failed to replace cart")
		return
	}
	writeJSON(w, http.StatusOK, cart.CartEnvelope{Items: items})
}

// PatchCart handles PATCH /v1/cart with a single incremental op.
func (s *Server) PatchCart(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var op cart.Op
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if op.ProductID == "" {
		writeError(w, r, http.StatusBadRequest, "productId is required")
		return
	}

	items, err := s.Cart.ApplyOp(r.Context(), userID, op)
	if err != nil {
		var valErr cartservice.ValidationError
		if errors.As(err, &valErr) {
			writeJSON(w, http.StatusUnprocessableEntity, errorResp{
				Error: valErr.Message,
				Items: valErr.Items,
			})
			return
		}
		log.Error().Err(err).Str("userId", userID).Str("op", string(op.Op)).Msg("failed to apply cart op")
		writeError(w, r, http.StatusInternalServerError, "failed to apply cart op")
		return
	}
	writeJSON(w, http.StatusOK, cart.CartEnvelope{Items: items})
}
