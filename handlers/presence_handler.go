package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-where/identity"
	"go-where/middleware"
	"go-where/models"
	"go-where/presence"
	"go-where/services"
	"go-where/store"
	"go-where/utils/errors"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WSMessage is the envelope for both directions of the presence socket.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type presencePayload struct {
	Friends []presence.FriendView `json:"friends"`
	Health  presence.Health       `json:"health"`
	At      time.Time             `json:"at"`
}

type PresenceHandler struct {
	store          store.Store
	locations      *services.LocationService
	policy         presence.Policy
	backoff        presence.BackoffConfig
	pushInterval   time.Duration
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

func NewPresenceHandler(st store.Store, locations *services.LocationService, policy presence.Policy, cfg presence.BackoffConfig, pushInterval time.Duration, allowedOrigins []string) *PresenceHandler {
	if pushInterval <= 0 {
		pushInterval = 30 * time.Second
	}
	h := &PresenceHandler{
		store:          st,
		locations:      locations,
		policy:         policy,
		backoff:        cfg,
		pushInterval:   pushInterval,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin accepts non-browser clients and the configured CORS origins.
func (h *PresenceHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	return middleware.OriginAllowed(h.allowedOrigins, origin)
}

// ServeWS upgrades the request and runs one presence session for it. The
// session follows the connection's identity, so a sign_out message tears
// down the subscription without closing the socket.
func (h *PresenceHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	key, ok := identity.UserKeyFrom(r.Context())
	if !ok {
		middleware.WriteError(w, errors.ErrUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for user %s: %v", key, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := identity.NewContext(key)
	session := presence.NewSession(id, h.store, h.policy, h.backoff)
	if err := session.Start(ctx); err != nil {
		log.Printf("Failed to start presence session for %s: %v", key, err)
		cancel()
		conn.Close()
		return
	}

	client := &presenceClient{
		ID:       uuid.New(),
		Conn:     conn,
		Send:     make(chan []byte, 64),
		identity: id,
		session:  session,
		handler:  h,
		ctx:      ctx,
		cancel:   cancel,
	}
	log.Printf("Presence client %s connected for user %s", client.ID, key)

	go client.readPump()
	go client.writePump()
}

type presenceClient struct {
	ID       uuid.UUID
	Conn     *websocket.Conn
	Send     chan []byte
	identity *identity.Context
	session  *presence.Session
	handler  *PresenceHandler

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *presenceClient) readPump() {
	defer func() {
		c.cancel()
		c.session.Close()
		if key, ok := c.identity.CurrentUserKey(); ok {
			c.handler.locations.Forget(key)
		}
		c.Conn.Close()
		log.Printf("Presence client %s disconnected", c.ID)
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("Presence client %s unexpected close: %v", c.ID, err)
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError(errors.ErrInvalidInput)
			continue
		}

		switch msg.Type {
		case "heartbeat":
		case "location":
			c.handleLocation(msg.Data)
		case "location_off":
			c.handleLocationOff()
		case "sign_out":
			if key, ok := c.identity.CurrentUserKey(); ok {
				c.handler.locations.Forget(key)
			}
			c.identity.SignOut()
		default:
			c.sendError(errors.ErrInvalidInput)
		}
	}
}

func (c *presenceClient) handleLocation(data json.RawMessage) {
	key, ok := c.identity.CurrentUserKey()
	if !ok {
		c.sendError(errors.ErrUnauthorized)
		return
	}
	var sample models.LocationSample
	if err := json.Unmarshal(data, &sample); err != nil {
		c.sendError(errors.ErrInvalidInput)
		return
	}

	written, err := c.handler.locations.Report(c.ctx, key, sample)
	if err != nil {
		c.sendError(err)
		return
	}
	c.send("location_ack", map[string]bool{"written": written})
}

func (c *presenceClient) handleLocationOff() {
	key, ok := c.identity.CurrentUserKey()
	if !ok {
		c.sendError(errors.ErrUnauthorized)
		return
	}
	if err := c.handler.locations.Clear(c.ctx, key); err != nil {
		c.sendError(err)
		return
	}
	c.send("location_ack", map[string]bool{"written": true})
}

// writePump is the only goroutine writing to the connection. It pushes a
// fresh presence view whenever the cache changes and on a fixed interval so
// online flags age out without new events.
func (c *presenceClient) writePump() {
	ping := time.NewTicker(pingPeriod)
	push := time.NewTicker(c.handler.pushInterval)
	defer func() {
		ping.Stop()
		push.Stop()
		c.Conn.Close()
	}()

	if err := c.writePresence(); err != nil {
		return
	}
	changes := c.session.Cache().Changes()

	for {
		select {
		case <-c.ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-changes:
			if err := c.writePresence(); err != nil {
				return
			}

		case <-push.C:
			if err := c.writePresence(); err != nil {
				return
			}

		case <-ping.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *presenceClient) writePresence() error {
	data, err := json.Marshal(WSMessage{Type: "presence", Data: mustMarshal(presencePayload{
		Friends: c.session.View(time.Now()),
		Health:  c.session.Health(),
		At:      time.Now().UTC(),
	})})
	if err != nil {
		return err
	}
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

func (c *presenceClient) send(msgType string, v any) {
	data, err := json.Marshal(WSMessage{Type: msgType, Data: mustMarshal(v)})
	if err != nil {
		log.Printf("Failed to encode %s message: %v", msgType, err)
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Printf("Presence client %s send buffer full, dropping %s", c.ID, msgType)
	}
}

func (c *presenceClient) sendError(err error) {
	var apiErr *errors.APIError
	if !errors.As(err, &apiErr) {
		apiErr = errors.Wrap(err, "UNKNOWN_ERROR", "Unexpected error", errors.ErrInternal.Status)
	}
	c.send("error", apiErr)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
