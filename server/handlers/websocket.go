package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/inspection"
	"github.com/athena-uvm/hotspot-inspector/server/middleware"
	"github.com/athena-uvm/hotspot-inspector/server/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	maxMessage   = 64 * 1024
)

// WebSocketHandler drives one inspection workspace per connection. Launch
// and analyze run on the dispatcher; every state change is pushed back as a
// "state" message.
type WebSocketHandler struct {
	manager    *inspection.Manager
	dispatcher *inspection.Dispatcher
	jobTimeout time.Duration
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

type ClientMessage struct {
	Type      string `json:"type"`
	HotspotID string `json:"hotspot_id,omitempty"`
	ImageID   string `json:"image_id,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsClient serializes writes; gorilla connections allow one concurrent
// writer.
type wsClient struct {
	conn      *websocket.Conn
	workspace *inspection.Workspace
	logger    *zap.Logger

	writeMutex sync.Mutex
	closed     bool
	done       chan struct{}
	closeOnce  sync.Once
}

func NewWebSocketHandler(manager *inspection.Manager, dispatcher *inspection.Dispatcher, jobTimeout time.Duration, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:    manager,
		dispatcher: dispatcher,
		jobTimeout: jobTimeout,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	workspace := h.manager.Create()
	workspace.Hold()
	defer func() {
		workspace.Release()
		if err := h.manager.Delete(workspace.ID()); err != nil && !errors.Is(err, inspection.ErrSessionNotFound) {
			h.logger.Warn("Failed to drop workspace", zap.Error(err))
		}
	}()

	client := &wsClient{
		conn:      conn,
		workspace: workspace,
		logger:    h.logger.With(zap.String("session_id", workspace.ID()), zap.String("client_ip", c.ClientIP())),
		done:      make(chan struct{}),
	}
	defer client.close()

	client.logger.Info("WebSocket client connected")

	workspace.Session.OnStateChanged(func(snap inspection.Snapshot) {
		client.send("state", snap)
	})
	workspace.Selection.OnSelectionChanged(func(feature *models.HotspotFeature) {
		client.send("selection", gin.H{"hotspot": feature})
	})
	client.send("state", workspace.Session.Snapshot())

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go client.pingRoutine()

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			client.logger.Info("WebSocket client disconnected")
			return
		}
		h.handleMessage(client, &message)
	}
}

func (h *WebSocketHandler) handleMessage(client *wsClient, message *ClientMessage) {
	workspace := client.workspace

	switch message.Type {
	case "select":
		if _, err := workspace.Selection.Select(message.HotspotID); err != nil {
			client.sendError(err)
		}
	case "clear":
		workspace.Selection.Clear()
	case "launch":
		h.dispatch(client, "launch", workspace.Session.LaunchAt)
	case "analyze":
		h.dispatch(client, "analyze", workspace.Session.AnalyzeAt)
	case "image_loaded":
		if err := workspace.Session.ReportImageDimensions(message.ImageID, message.Width, message.Height); err != nil {
			client.sendError(err)
		}
	case "ping":
		client.send("pong", gin.H{"timestamp": time.Now().Unix()})
	default:
		client.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		client.sendError(errors.New("unknown message type: " + message.Type))
	}
}

// dispatch queues a command tagged with the generation current on the read
// loop, so a select that lands while the command waits for a worker turns it
// into a silent no-op.
func (h *WebSocketHandler) dispatch(client *wsClient, name string, command func(context.Context, uint64) error) {
	generation := client.workspace.Session.Generation()
	job := &inspection.Job{
		Name:       name,
		SessionID:  client.workspace.ID(),
		Generation: generation,
		Run: func(ctx context.Context) {
			if h.jobTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, h.jobTimeout)
				defer cancel()
			}
			if err := command(ctx, generation); err != nil {
				client.sendError(err)
			}
		},
	}

	if err := h.dispatcher.Submit(job); err != nil {
		client.logger.Warn("Session command rejected", zap.String("command", name), zap.Error(err))
		client.sendError(err)
	}
}

func (c *wsClient) send(messageType string, data any) {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if c.closed {
		return
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		c.logger.Error("Failed to send WebSocket message", zap.String("type", messageType), zap.Error(err))
	}
}

func (c *wsClient) sendError(err error) {
	c.send("error", gin.H{
		"message":   err.Error(),
		"status":    statusFor(err),
		"timestamp": time.Now().Unix(),
	})
}

func (c *wsClient) pingRoutine() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMutex.Lock()
			if c.closed {
				c.writeMutex.Unlock()
				return
			}
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMutex.Unlock()
			if err != nil {
				c.logger.Warn("Failed to send ping", zap.Error(err))
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close stops further writes. Handlers registered on the session outlive
// the connection and become no-ops.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.writeMutex.Lock()
		c.closed = true
		c.writeMutex.Unlock()
		close(c.done)
	})
}
