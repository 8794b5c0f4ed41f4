package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/ports"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback runner, no cross-origin policy
	},
}

// Handler streams orchestration events to WebSocket clients.
type Handler struct {
	bus    ports.EventBus
	logger *zap.Logger
}

// NewHandler creates a WebSocket event stream handler.
func NewHandler(bus ports.EventBus, logger *zap.Logger) *Handler {
	return &Handler{bus: bus, logger: logger}
}

// HandleEvents upgrades the connection and forwards every lifecycle
// event as one JSON text message. The optional ?service= query narrows
// the stream to a single service.
func (h *Handler) HandleEvents(c *gin.Context) {
	serviceFilter := c.Query("service")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("event stream connected",
		zap.String("client", c.ClientIP()),
		zap.String("service_filter", serviceFilter))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := make(chan ports.Event, 64)
	if err := h.bus.Subscribe(ctx, ports.TopicLifecycle, func(ctx context.Context, event ports.Event) error {
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Slow client; dropping beats blocking the bus.
			h.logger.Warn("event stream client lagging, dropping event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	}); err != nil {
		h.logger.Error("failed to subscribe to events", zap.Error(err))
		return
	}

	// Reads are discarded; a read error is the disconnect signal.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if serviceFilter != "" && event.Service != serviceFilter {
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("event stream client gone", zap.Error(err))
				return
			}
		}
	}
}
