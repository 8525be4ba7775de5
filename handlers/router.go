package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-where/middleware"
)

type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
}

func NewRouter(cfg RouterConfig, auth *AuthHandler, user *UserHandler, friend *FriendHandler, presence *PresenceHandler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(middleware.ErrorMiddleware())
	r.Use(middleware.MetricsMiddleware())

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	// Auth routes
	authRouter := r.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/register", auth.RegisterUser).Methods("POST", "OPTIONS")
	authRouter.HandleFunc("/login", auth.LoginUser).Methods("POST", "OPTIONS")

	// User routes
	userRouter := r.PathPrefix("/user").Subrouter()
	userRouter.Use(middleware.JWTMiddleware(cfg.JWTSecret))
	userRouter.HandleFunc("/profile", user.GetProfile).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/profile", user.UpdateProfile).Methods("PATCH", "OPTIONS")
	userRouter.HandleFunc("/ping", user.PingLocation).Methods("POST", "OPTIONS")
	userRouter.HandleFunc("/location", user.ClearLocation).Methods("DELETE", "OPTIONS")
	userRouter.HandleFunc("/nearby-friends", user.GetNearbyFriends).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/ws", presence.ServeWS).Methods("GET")

	// Friend routes
	userRouter.HandleFunc("/friends", friend.ListFriends).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/friends/{key}", friend.RemoveFriend).Methods("DELETE", "OPTIONS")
	userRouter.HandleFunc("/friends/requests", friend.SendRequest).Methods("POST", "OPTIONS")
	userRouter.HandleFunc("/friends/requests/incoming", friend.IncomingRequests).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/friends/requests/outgoing", friend.OutgoingRequests).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/friends/requests/{id}/accept", friend.AcceptRequest).Methods("POST", "OPTIONS")
	userRouter.HandleFunc("/friends/requests/{id}/reject", friend.RejectRequest).Methods("POST", "OPTIONS")

	return r
}
