package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"go-where/middleware"
	"go-where/models"
	"go-where/presence"
	"go-where/services"
	"go-where/utils/errors"
)

type FriendHandler struct {
	relationships *services.RelationshipService
	policy        presence.Policy
	now           func() time.Time
}

func NewFriendHandler(relationships *services.RelationshipService, policy presence.Policy) *FriendHandler {
	return &FriendHandler{relationships: relationships, policy: policy, now: time.Now}
}

func (h *FriendHandler) SendRequest(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	var input struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	req, err := h.relationships.SendRequest(r.Context(), key, input.To)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, req)
}

func (h *FriendHandler) IncomingRequests(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	reqs, err := h.relationships.IncomingRequests(r.Context(), key)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, nonNil(reqs))
}

func (h *FriendHandler) OutgoingRequests(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	reqs, err := h.relationships.OutgoingRequests(r.Context(), key)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, nonNil(reqs))
}

func (h *FriendHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	req, err := h.relationships.AcceptRequest(r.Context(), key, mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, req)
}

func (h *FriendHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.relationships.RejectRequest(r.Context(), key, mux.Vars(r)["id"]); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFriends returns the friend list with derived online status, read
// straight from the store rather than a live session.
func (h *FriendHandler) ListFriends(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	friends, err := h.relationships.Friends(r.Context(), key)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	entries := make([]models.PresenceEntry, 0, len(friends))
	for _, f := range friends {
		entries = append(entries, models.EntryFromUser(f))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DisplayName != entries[j].DisplayName {
			return entries[i].DisplayName < entries[j].DisplayName
		}
		return entries[i].Key < entries[j].Key
	})
	middleware.WriteJSON(w, http.StatusOK, h.policy.View(entries, h.now()))
}

func (h *FriendHandler) RemoveFriend(w http.ResponseWriter, r *http.Request) {
	key, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.relationships.RemoveFriend(r.Context(), key, mux.Vars(r)["key"]); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil(reqs []*models.FriendRequest) []*models.FriendRequest {
	if reqs == nil {
		return []*models.FriendRequest{}
	}
	return reqs
}
