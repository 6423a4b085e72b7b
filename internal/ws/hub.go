package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"securedrop/internal/metrics"
	"securedrop/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Hub 管理会话级别的子 Hub，实现延迟创建与并发安全。
// 它实现 service.Publisher，把 service 层的事件转发给在线订阅者。
type Hub struct {
	mu    sync.RWMutex
	chats map[uuid.UUID]*ChatHub
}

func NewHub() *Hub { return &Hub{chats: make(map[uuid.UUID]*ChatHub)} }

var _ service.Publisher = (*Hub)(nil)

// Chat 若会话 Hub 未初始化则懒加载一个。
func (h *Hub) Chat(chatID uuid.UUID) *ChatHub {
	h.mu.RLock()
	ch := h.chats[chatID]
	h.mu.RUnlock()
	if ch != nil {
		return ch
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch = h.chats[chatID]
	if ch != nil {
		return ch
	}
	ch = NewChatHub(chatID)
	ch.onIdle = h.retire
	h.chats[chatID] = ch
	go ch.run()
	return ch
}

// join 把客户端注册到会话 Hub。Hub 可能刚好因为空闲被回收，这时换一个新的重试。
func (h *Hub) join(chatID uuid.UUID, c *Client) *ChatHub {
	for {
		ch := h.Chat(chatID)
		c.hub = ch
		select {
		case ch.register <- c:
			return ch
		case <-ch.done:
		}
	}
}

// retire 在最后一个客户端离开后移除并停止会话 Hub。
func (h *Hub) retire(ch *ChatHub) {
	h.mu.Lock()
	if h.chats[ch.chatID] == ch {
		delete(h.chats, ch.chatID)
	}
	h.mu.Unlock()
	ch.Close()
}

func (h *Hub) Online(chatID uuid.UUID) int {
	h.mu.RLock()
	ch := h.chats[chatID]
	h.mu.RUnlock()
	if ch == nil {
		return 0
	}
	return ch.Online()
}

// Publish 把事件投递给会话的订阅者。没有人订阅的会话直接忽略，不会创建 Hub。
func (h *Hub) Publish(chatID uuid.UUID, evt service.Event) {
	h.mu.RLock()
	ch := h.chats[chatID]
	h.mu.RUnlock()
	if ch == nil {
		return
	}
	b, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("type", evt.Type).Msg("marshal event")
		return
	}
	ch.send(b)
	if evt.Type == service.EventChatDeleted {
		h.mu.Lock()
		delete(h.chats, chatID)
		h.mu.Unlock()
		ch.Close()
	}
}

// Close 停止全部会话 Hub，用于优雅停服。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.chats {
		ch.Close()
		delete(h.chats, id)
	}
}

type ChatHub struct {
	chatID     uuid.UUID
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	online     int32
	onIdle     func(*ChatHub)
}

func NewChatHub(chatID uuid.UUID) *ChatHub {
	return &ChatHub{
		chatID:     chatID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// send 不阻塞调用方：缓冲区满时丢弃事件，客户端可以通过 REST 重新拉取。
func (ch *ChatHub) send(b []byte) {
	select {
	case ch.broadcast <- b:
	case <-ch.done:
	default:
		metrics.WsEventsDroppedTotal.Inc()
		log.Warn().Str("chat_id", ch.chatID.String()).Msg("chat hub buffer full, event dropped")
	}
}

// Close 断开所有客户端并停止 run 循环。可重复调用。
func (ch *ChatHub) Close() {
	ch.closeOnce.Do(func() { close(ch.done) })
}

func (ch *ChatHub) run() {
	for {
		select {
		case <-ch.done:
			ch.shutdown()
			return
		default:
		}
		select {
		case c := <-ch.register:
			ch.clients[c] = true
			ch.setOnline()
			metrics.WsConnections.Inc()
			ch.fanout(ch.presenceEvent("join", c))
		case c := <-ch.unregister:
			if _, ok := ch.clients[c]; ok {
				ch.drop(c)
				ch.fanout(ch.presenceEvent("leave", c))
			}
		case msg := <-ch.broadcast:
			ch.fanout(msg)
		case <-ch.done:
			ch.shutdown()
			return
		}
		if len(ch.clients) == 0 && ch.onIdle != nil {
			ch.onIdle(ch)
		}
	}
}

func (ch *ChatHub) shutdown() {
	ch.flush()
	for c := range ch.clients {
		ch.drop(c)
	}
}

// flush 在关闭前把已排队的事件发完，例如会话删除通知。
func (ch *ChatHub) flush() {
	for {
		select {
		case msg := <-ch.broadcast:
			ch.fanout(msg)
		default:
			return
		}
	}
}

func (ch *ChatHub) presenceEvent(typ string, c *Client) []byte {
	evt := map[string]interface{}{"type": typ, "chat_id": ch.chatID, "user_id": c.userID, "username": c.uname, "online": ch.Online()}
	b, _ := json.Marshal(evt)
	return b
}

// fanout 发送给全部客户端，写不进去的慢客户端被断开。
func (ch *ChatHub) fanout(msg []byte) {
	for c := range ch.clients {
		select {
		case c.send <- msg:
		default:
			ch.drop(c)
		}
	}
}

func (ch *ChatHub) drop(c *Client) {
	delete(ch.clients, c)
	close(c.send)
	ch.setOnline()
	metrics.WsConnections.Dec()
}

func (ch *ChatHub) setOnline() { atomic.StoreInt32(&ch.online, int32(len(ch.clients))) }

// Online 返回会话当前的 websocket 连接数。
func (ch *ChatHub) Online() int { return int(atomic.LoadInt32(&ch.online)) }
