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

// GetFavorites handles GET /v1/favorites.
func (s *Server) GetFavorites(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	ids, err := s.Cart.GetFavorites(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to load favorites")
		writeError(w, r, http.StatusInternalServerError, "failed to load favorites")
		return
	}
	writeJSON(w, http.StatusOK, cart.FavoritesEnvelope{ProductIDs: ids})
}

// ToggleFavorite handles POST /v1/favorites/toggle and returns the full
// resulting set.
func (s *Server) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req cart.ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ProductID == "" {
		writeError(w, r, http.StatusBadRequest, "productId is required")
		return
	}

	ids, err := s.Cart.ToggleFavorite(r.Context(), userID, req.ProductID)
	if err != nil {
		var valErr cartservice.ValidationError
		if errors.As(err, &valErr) {
			writeJSON(w, http.StatusUnprocessableEntity, errorResp{Error: valErr.Message})
			return
		}
		log.Error().Err(err).Str("userId", userID).Str("productId", req.ProductID).Msg("failed to toggle favorite")
		writeError(w, r, http.StatusInternalServerError, "failed to toggle favorite")
		return
	}
	writeJSON(w, http.StatusOK, cart.FavoritesEnvelope{ProductIDs: ids})
}
