// Package notify maintains live WebSocket connections per account and pushes
// credit balance updates to them.
package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds a balance push so a stalled peer cannot hang the
// request that triggered it.
const writeTimeout = 5 * time.Second

// creditsUpdate is the wire format of a balance push.
type creditsUpdate struct {
	Type    string `json:"type"`
	Credits int    `json:"credits"`
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Registry tracks at most one routed connection per account. A later
// connection for the same account overwrites the routing entry; the earlier
// connection stays open but stops receiving pushes.
type Registry struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn // user id -> routed connection
}

type conn struct {
	userID string
	ws     *websocket.Conn
	mu     sync.Mutex // guards writes
}

// New creates a connection registry.
func New(logger *slog.Logger, allowedOrigins []string) *Registry {
	return &Registry{
		logger:   logger.With("component", "notify"),
		upgrader: makeUpgrader(allowedOrigins),
		conns:    make(map[string]*conn),
	}
}

// ServeUser upgrades the request to a WebSocket for an already-authenticated
// account and blocks until the connection closes. The caller is responsible
// for authentication.
func (r *Registry) ServeUser(w http.ResponseWriter, req *http.Request, userID string) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	c := &conn{userID: userID, ws: ws}

	r.mu.Lock()
	r.conns[userID] = c
	r.mu.Unlock()

	r.logger.Info("client connected", "user_id", userID)

	defer func() {
		// Deregister only if this connection is still the routed one; a newer
		// tab may have taken over the entry.
		r.mu.Lock()
		if r.conns[userID] == c {
			delete(r.conns, userID)
		}
		r.mu.Unlock()
		r.logger.Info("client disconnected", "user_id", userID)
	}()

	// Drain incoming frames until the peer closes. Clients only listen on
	// this channel; anything they send is ignored.
	ws.SetReadLimit(4096)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// PushCredits sends the new balance to the account's routed connection, if
// any. Delivery is best effort; a failed write only logs.
func (r *Registry) PushCredits(userID string, credits int) {
	r.mu.RLock()
	c, ok := r.conns[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteJSON(creditsUpdate{Type: "creditsUpdate", Credits: credits})
	c.mu.Unlock()
	if err != nil {
		r.logger.Debug("credits push failed", "user_id", userID, "error", err)
	}
}

// Connected reports whether the account currently has a routed connection.
func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}
