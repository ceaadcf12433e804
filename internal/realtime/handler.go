package realtime

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests into hub-connected websocket clients.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeWS upgrades the connection and starts the client pumps. An optional
// auctionId query parameter joins the corresponding topic immediately;
// further joins happen over the socket.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Websocket upgrade failed",
			slog.String("type", "hub"),
			slog.String("error", err.Error()))
		return
	}

	sub := NewSubscriber(uuid.New().String())
	h.hub.Register(sub)
	client := newClient(sub, conn, h.hub)

	go client.writePump()
	go client.readPump()

	if raw := r.URL.Query().Get("auctionId"); raw != "" {
		if auctionID, err := strconv.ParseInt(raw, 10, 64); err == nil && auctionID > 0 {
			h.hub.Join(sub, auctionID)
		}
	}
}
