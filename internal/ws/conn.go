package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"securedrop/internal/auth"
	"securedrop/internal/config"
	"securedrop/internal/presence"
	"securedrop/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	readLimit  = 64 << 10
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	// touchEvery 限制同一连接写在线状态的频率，远小于在线 TTL。
	touchEvery = 10 * time.Second
)

type Client struct {
	hub      *ChatHub
	conn     *websocket.Conn
	send     chan []byte
	tracker  *presence.Tracker
	userID   uuid.UUID
	uname    string
	lastSeen time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundMessage 是客户端可以发送的帧。消息本身走 REST 接口，这里只有输入状态。
type InboundMessage struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// Serve 处理 GET /ws?chat_id=&token=。token 也可以放在 Authorization 头里。
func Serve(h *Hub, db *gorm.DB, chats *service.ChatService, tracker *presence.Tracker, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID, err := uuid.Parse(c.Query("chat_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_id"})
			return
		}

		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c)
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		user, err := auth.Authenticate(c.Request.Context(), db, cfg, token)
		if err != nil {
			auth.AbortWithAuthError(c, err)
			return
		}

		ok, err := chats.IsParticipant(c.Request.Context(), chatID, user.ID)
		if err != nil {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": service.ReasonOf(err)})
			return
		}
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "you are not a participant of this chat"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{conn: conn, send: make(chan []byte, 256), tracker: tracker, userID: user.ID, uname: user.Username}
		h.join(chatID, client)
		client.touch()

		go client.writePump()
		client.readPump()
	}
}

// touch 把连接上的活动记为用户在线，按 touchEvery 节流。
func (c *Client) touch() {
	now := time.Now()
	if now.Sub(c.lastSeen) < touchEvery {
		return
	}
	c.lastSeen = now
	c.tracker.Touch(context.Background(), c.userID)
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.touch()
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "typing" {
			continue
		}
		evt := service.Event{
			Type:    "typing",
			ChatID:  c.hub.chatID,
			Payload: map[string]interface{}{"user_id": c.userID, "username": c.uname, "is_typing": in.IsTyping},
		}
		if b, err := json.Marshal(evt); err == nil {
			c.hub.send(b)
		}
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
