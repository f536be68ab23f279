package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"matcha/internal/auth"
	"matcha/internal/call"
	"matcha/internal/config"
	"matcha/internal/metrics"
	"matcha/internal/models"
	"matcha/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB，SDP 与 ICE 候选都远小于此
	storeTimeout   = 5 * time.Second
	// ICE 候选会成批到达，突发额度要留够
	eventRate  = 50
	eventBurst = 200
)

// UserStore 是 socket 层需要的用户读写能力。
type UserStore interface {
	Lookup(ctx context.Context, id uint) (*models.User, error)
	SetOnline(ctx context.Context, id uint) error
	SetOffline(ctx context.Context, id uint, at time.Time) error
}

// SystemLogger 把通话记录写入双方的会话。
type SystemLogger interface {
	LogSystemMessage(ctx context.Context, a, b uint, content string) (*service.MessageDTO, error)
}

type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	id      string
	userID  uint
	uname   string
	avatar  string
}

func newClient(h *Hub, conn *websocket.Conn, u *models.User) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(eventRate, eventBurst),
		id:      uuid.NewString(),
		userID:  u.ID,
		uname:   u.Username,
		avatar:  u.AvatarURL,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server 处理实时连接：在线状态、通话信令以及通话记录。
type Server struct {
	hub    *Hub
	users  UserStore
	chat   SystemLogger
	calls  *call.Registry
	secret string
	now    func() time.Time
}

func NewServer(h *Hub, users UserStore, chat SystemLogger, calls *call.Registry, cfg config.Config) *Server {
	return &Server{hub: h, users: users, chat: chat, calls: calls, secret: cfg.JWTSecret, now: time.Now}
}

// Serve 在升级前完成认证，失败时不会建立 socket。
func (s *Server) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := auth.ParseAccessToken(auth.TokenFromRequest(c.Request), s.secret)
		if err != nil {
			auth.AbortUnauthenticated(c, err)
			return
		}
		user, err := s.users.Lookup(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Uint("user_id", user.ID).Msg("websocket upgrade failed")
			return
		}
		client := newClient(s.hub, conn, user)
		s.connect(client)

		go client.writePump()
		s.readPump(client)
	}
}

func (s *Server) readPump(c *Client) {
	defer func() {
		s.disconnect(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", c.id).Msg("websocket closed")
			}
			break
		}
		if !c.limiter.Allow() {
			metrics.WsEventsTotal.WithLabelValues("rate_limited").Inc()
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			continue
		}
		s.dispatch(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
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

// dispatch 按事件名分发，未知事件忽略。
func (s *Server) dispatch(c *Client, env Envelope) {
	var handle func(*Client, json.RawMessage)
	switch env.Event {
	case EventCallUser:
		handle = s.onCallUser
	case EventAnswerCall:
		handle = s.onAnswerCall
	case EventIceCandidate:
		handle = s.onIceCandidate
	case EventCallDeclined:
		handle = s.onCallDeclined
	case EventCallEnded:
		handle = s.onCallEnded
	default:
		metrics.WsEventsTotal.WithLabelValues("unknown").Inc()
		return
	}
	metrics.WsEventsTotal.WithLabelValues(env.Event).Inc()
	handle(c, env.Data)
}

// storeCtx 与连接生命周期无关，断开时的清理也能完成写库。
func storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}
