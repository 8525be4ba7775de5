package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go-where/identity"
	"go-where/middleware"
	"go-where/models"
	"go-where/services"
	"go-where/store"
	"go-where/utils/errors"
)

const defaultNearbyRadiusKm = 5.0

type UserHandler struct {
	userService     *services.UserService
	locationService *services.LocationService
}

func NewUserHandler(userService *services.UserService, locationService *services.LocationService) *UserHandler {
	return &UserHandler{userService: userService, locationService: locationService}
}

// currentUser returns the authenticated key or writes a 401.
func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, ok := identity.UserKeyFrom(r.Context())
	if !ok {
		middleware.WriteError(w, errors.ErrUnauthorized)
	}
	return key, ok
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	user, err := h.userService.GetUser(r.Context(), key)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, user)
}

func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	var input struct {
		DisplayName     *string `json:"display_name"`
		ProfileImageURL *string `json:"profile_image_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	user, err := h.userService.UpdateProfile(r.Context(), key, store.ProfileUpdate{
		DisplayName:     input.DisplayName,
		ProfileImageURL: input.ProfileImageURL,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, user)
}

func (h *UserHandler) PingLocation(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	written, err := h.locationService.Report(r.Context(), key, sample)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"written": written})
}

func (h *UserHandler) ClearLocation(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.locationService.Clear(r.Context(), key); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) GetNearbyFriends(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}
	radius := defaultNearbyRadiusKm
	if raw := q.Get("radius"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			middleware.WriteError(w, errors.ErrInvalidInput)
			return
		}
		radius = parsed
	}

	nearby, err := h.userService.NearbyFriends(r.Context(), key, models.Coordinate{Lat: lat, Lon: lon}, radius)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, nearby)
}
