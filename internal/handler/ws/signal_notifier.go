package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wellcall-backend/internal/domain"
	"wellcall-backend/internal/middleware"
	apperrors "wellcall-backend/pkg/errors"
	"wellcall-backend/pkg/logger"
	"wellcall-backend/pkg/response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// EventSignal tells the client a signal is waiting; it still fetches it
	// through the status poll
	EventSignal = "signal"
)

// CallWatcher authorizes a subscription to a call
type CallWatcher interface {
	WatchCall(ctx context.Context, caller domain.Participant, sessionID string) (*domain.Call, error)
}

// SignalSubscriber yields signal arrival notices for a call. Payloads carry
// the recipient role.
type SignalSubscriber interface {
	Subscribe(ctx context.Context, callID uuid.UUID) *redis.PubSub
}

// SignalEvent is written to the socket on every signal for the caller
type SignalEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// SignalNotifier pushes "signal waiting" events over WebSocket so clients can
// poll on demand instead of on a timer
type SignalNotifier struct {
	watcher    CallWatcher
	subscriber SignalSubscriber
	upgrader   websocket.Upgrader

	maxConnections int
	semaphore      chan struct{}
}

// NewSignalNotifier creates a notifier accepting handshakes from origins only
func NewSignalNotifier(watcher CallWatcher, subscriber SignalSubscriber, origins []string, maxConnections int) *SignalNotifier {
	if maxConnections <= 0 {
		maxConnections = 1000
	}

	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}

	return &SignalNotifier{
		watcher:    watcher,
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return allowed[r.Header.Get("Origin")]
			},
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// RegisterRoutes mounts the event stream next to the call routes
func (n *SignalNotifier) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/calls/:session_id/events", n.ServeWS)
}

// ServeWS upgrades the request and streams events until either side closes
// GET /v1/calls/:session_id/events
func (n *SignalNotifier) ServeWS(c *gin.Context) {
	select {
	case n.semaphore <- struct{}{}:
		defer func() { <-n.semaphore }()
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", n.maxConnections))
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}

	caller, ok := middleware.GetParticipant(c)
	if !ok {
		response.Unauthenticated(c, "Not authenticated")
		return
	}

	sessionID := c.Param("session_id")
	call, err := n.watcher.WatchCall(c.Request.Context(), caller, sessionID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	role := call.RoleOf(caller.ID)

	conn, err := n.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.String("participant_id", caller.ID.String()),
			zap.Error(err))
		return
	}
	defer conn.Close()

	// The request context ends with the handshake timeout; the stream lives
	// until the client goes away.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := n.subscriber.Subscribe(ctx, call.CallID)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to signal channel",
			zap.String("session_id", sessionID),
			zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(writeWait))
		return
	}

	go readPump(conn, cancel)
	writePump(ctx, conn, pubsub.Channel(), sessionID, role)
}

// readPump discards client frames and cancels the stream on disconnect
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed", zap.Error(err))
			}
			return
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, messages <-chan *redis.Message, sessionID string, role domain.Role) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Payload != string(role) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(SignalEvent{
				Type:      EventSignal,
				SessionID: sessionID,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
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
