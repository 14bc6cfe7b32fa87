package realtime

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"campus/internal/eventbus"
)

const maxClientMessage = 4096

// NewUpgrader accepts websocket handshakes from the given origins; "*" allows any.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || allowed[origin]
		},
	}
}

// ServeWS upgrades the request and keeps the observer registered until the
// client goes away. Client text is logged and otherwise ignored.
func (h *Hub) ServeWS(upgrader *websocket.Upgrader) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already answered with an HTTP error.
			log.Printf("realtime: websocket upgrade failed: %v", err)
			return
		}
		o := h.Connect(conn)
		if o == nil {
			return
		}
		defer h.Disconnect(o)

		conn.SetReadLimit(maxClientMessage)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			log.Printf("realtime: message from %s: %s", o.ID, msg)
		}
	}
}

// Subscriber is the receiving side of the event bus.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan eventbus.Message, error)
}

// Relay broadcasts every bus message on hub until ctx is done. Messages are
// broadcast one at a time, so observers see events in publish order.
func Relay(ctx context.Context, bus Subscriber, hub *Hub) error {
	msgs, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			hub.Broadcast(msg.Body)
		}
	}()
	return nil
}
