package webapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the budget for one write to the peer
	writeWait = 10 * time.Second

	// pongWait is how long the peer has to answer a ping
	pongWait = 60 * time.Second

	// pingPeriod keeps the connection alive. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// browser clients load the map from a different origin than the api
	CheckOrigin: func(*http.Request) bool { return true },
}

// vehicleStreamHandler upgrades /ws/vehicles requests and pipes the
// subscriber's frame queue onto the connection
type vehicleStreamHandler struct {
	log *log.Logger
	hub *Hub
}

func (h *vehicleStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Printf("ws: upgrade failed: %v", err)
		return
	}

	sub := h.hub.Subscribe()
	h.log.Printf("ws: client %s subscribed", conn.RemoteAddr())

	go h.writePump(conn, sub)
	h.readPump(conn, sub)
}

// readPump discards inbound messages, the stream is one way. It returns
// when the client goes away, which tears the subscription down and ends
// the write pump through the closed queue
func (h *vehicleStreamHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.hub.Unsubscribe(sub)
		_ = conn.Close()
		h.log.Printf("ws: client %s unsubscribed", conn.RemoteAddr())
	}()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the subscriber queue onto the connection and keeps
// the peer alive with pings
func (h *vehicleStreamHandler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sub.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
