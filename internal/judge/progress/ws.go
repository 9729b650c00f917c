package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"codejudge/pkg/errors"
	"codejudge/pkg/utils/contextkey"
	"codejudge/pkg/utils/logger"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ViewPolicy decides whether userID may follow a submission. A nil policy
// allows every authenticated user.
type ViewPolicy func(ctx context.Context, userID, submissionID string) (bool, error)

// SocketConfig holds websocket endpoint settings.
type SocketConfig struct {
	JWTSecret    string        `yaml:"jwtSecret"`
	JWTIssuer    string        `yaml:"jwtIssuer"`
	SendBuffer   int           `yaml:"sendBuffer"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PongTimeout  time.Duration `yaml:"pongTimeout"`
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

func (c *SocketConfig) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
}

type clientMessage struct {
	Action       string `json:"action"`
	SubmissionID string `json:"submissionId"`
}

// SocketHandler upgrades authenticated requests and serves subscribe and
// unsubscribe messages.
type SocketHandler struct {
	hub      *Hub
	verifier *TokenVerifier
	canView  ViewPolicy
	cfg      SocketConfig
	upgrader websocket.Upgrader
}

func NewSocketHandler(hub *Hub, cfg SocketConfig, canView ViewPolicy) *SocketHandler {
	cfg.applyDefaults()
	h := &SocketHandler{
		hub:      hub,
		verifier: NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		canView:  canView,
		cfg:      cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *SocketHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Serve handles GET /ws/submissions.
func (h *SocketHandler) Serve(c *gin.Context) {
	raw := c.Query("token")
	if raw == "" {
		raw = bearerToken(c.GetHeader("Authorization"))
	}
	userID, err := h.verifier.Verify(raw)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	ctx := context.WithValue(context.WithoutCancel(c.Request.Context()), contextkey.UserID, userID)
	sub := NewSubscriber(userID, h.cfg.SendBuffer)
	logger.Debug(ctx, "progress subscriber connected")

	go h.writeLoop(ctx, conn, sub)
	h.readLoop(ctx, conn, sub)

	h.hub.Remove(sub)
	sub.Close()
	logger.Debug(ctx, "progress subscriber disconnected")
}

func (h *SocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug(ctx, "websocket read failed", zap.Error(err))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || strings.TrimSpace(msg.SubmissionID) == "" {
			h.reply(sub, "error", gin.H{"message": "expected {action, submissionId}"})
			continue
		}

		switch msg.Action {
		case "subscribe":
			if !h.allowed(ctx, sub.UserID, msg.SubmissionID) {
				h.reply(sub, "error", gin.H{"message": errors.Forbidden.Message(), "submissionId": msg.SubmissionID})
				continue
			}
			h.hub.Subscribe(sub, msg.SubmissionID)
			h.reply(sub, "subscribed", gin.H{"submissionId": msg.SubmissionID})
		case "unsubscribe":
			h.hub.Unsubscribe(sub, msg.SubmissionID)
			h.reply(sub, "unsubscribed", gin.H{"submissionId": msg.SubmissionID})
		default:
			h.reply(sub, "error", gin.H{"message": "unknown action " + msg.Action})
		}
	}
}

func (h *SocketHandler) allowed(ctx context.Context, userID, submissionID string) bool {
	if h.canView == nil {
		return true
	}
	ok, err := h.canView(ctx, userID, submissionID)
	if err != nil {
		logger.Warn(ctx, "subscription check failed", zap.String("submission_id", submissionID), zap.Error(err))
		return false
	}
	return ok
}

func (h *SocketHandler) reply(sub *Subscriber, event string, data interface{}) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return
	}
	sub.enqueue(frame)
}

// writeLoop owns all writes to conn.
func (h *SocketHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	ping := time.NewTicker(h.cfg.PongTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-sub.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-sub.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug(ctx, "websocket write failed", zap.Error(err))
				sub.Close()
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		}
	}
}
