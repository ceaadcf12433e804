package realtime

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gavelhq/gavel/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client ties one websocket connection to a hub subscriber.
type Client struct {
	sub  *Subscriber
	conn *websocket.Conn
	hub  *Hub
}

// clientMessage is what a connected client may send: join or leave requests
// for an auction's topic.
type clientMessage struct {
	Action    string `json:"action"`
	AuctionID int64  `json:"auctionId"`
}

func newClient(sub *Subscriber, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{sub: sub, conn: conn, hub: hub}
}

// writePump forwards hub events to the socket and keeps the connection alive
// with pings. It exits when the subscriber's channel is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.sub.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles join/leave requests and detects disconnects. On exit the
// subscriber is removed from every topic it joined.
func (c *Client) readPump() {
	metrics.ConnectedClients.Inc()
	defer func() {
		metrics.ConnectedClients.Dec()
		c.hub.Disconnect(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("Websocket closed unexpectedly",
					slog.String("type", "hub"),
					slog.String("connection_id", c.sub.ID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.AuctionID <= 0 {
			continue
		}

		switch msg.Action {
		case "join":
			c.hub.Join(c.sub, msg.AuctionID)
		case "leave":
			c.hub.Leave(c.sub, msg.AuctionID)
		}
	}
}
