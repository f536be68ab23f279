package ws

import (
	"sync"

	"matcha/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Relay 把房间事件转发给其他实例，nil 表示单实例部署。
type Relay interface {
	Publish(room string, payload []byte) error
}

type roomMessage struct {
	room    string
	payload []byte
}

type registerRequest struct {
	client *Client
	done   chan struct{}
}

type unregisterRequest struct {
	client *Client
	done   chan int
}

// Hub 维护所有连接及其所在房间：每个用户一个私有房间，外加全体房间 AllRoom。
// rooms 只在 run 协程内读写，online 计数可被其他协程读取。
type Hub struct {
	rooms      map[string]map[*Client]struct{}
	register   chan registerRequest
	unregister chan unregisterRequest
	emit       chan roomMessage

	mu     sync.RWMutex
	online map[uint]int

	relay Relay
}

func NewHub() *Hub {
	h := &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan registerRequest),
		unregister: make(chan unregisterRequest),
		emit:       make(chan roomMessage, 256),
		online:     make(map[uint]int),
	}
	go h.run()
	return h
}

// SetRelay 需在开始接受连接前调用。
func (h *Hub) SetRelay(r Relay) { h.relay = r }

func (h *Hub) run() {
	for {
		select {
		case req := <-h.register:
			c := req.client
			h.join(c, AllRoom)
			h.join(c, UserRoom(c.userID))
			h.mu.Lock()
			h.online[c.userID]++
			h.mu.Unlock()
			metrics.WsConnections.Inc()
			close(req.done)
		case req := <-h.unregister:
			h.remove(req.client)
			req.done <- h.Online(req.client.userID)
		case m := <-h.emit:
			for c := range h.rooms[m.room] {
				select {
				case c.send <- m.payload:
				default:
					// 慢客户端直接断开，由 readPump 完成后续清理
					h.remove(c)
					metrics.WsDroppedClients.Inc()
				}
			}
		}
	}
}

func (h *Hub) join(c *Client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

// remove 可重复调用，只有第一次会关闭 send。
func (h *Hub) remove(c *Client) {
	if _, ok := h.rooms[AllRoom][c]; !ok {
		return
	}
	for _, room := range []string{AllRoom, UserRoom(c.userID)} {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	close(c.send)
	h.mu.Lock()
	if h.online[c.userID]--; h.online[c.userID] <= 0 {
		delete(h.online, c.userID)
	}
	h.mu.Unlock()
	metrics.WsConnections.Dec()
}

// Register 把连接加入 AllRoom 和用户私有房间，返回时 Online 已计入该连接。
func (h *Hub) Register(c *Client) {
	done := make(chan struct{})
	h.register <- registerRequest{client: c, done: done}
	<-done
}

// Unregister 移除连接，返回该用户剩余的连接数。
func (h *Hub) Unregister(c *Client) int {
	done := make(chan int, 1)
	h.unregister <- unregisterRequest{client: c, done: done}
	return <-done
}

// Online 返回用户当前的连接数。
func (h *Hub) Online(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online[userID]
}

// EmitToUser 向用户的所有连接推送事件。
func (h *Hub) EmitToUser(userID uint, event string, data interface{}) {
	h.publish(UserRoom(userID), event, data)
}

// EmitToUsers 对每个用户各推送一次，重复的 id 只发一次。
func (h *Hub) EmitToUsers(userIDs []uint, event string, data interface{}) {
	seen := make(map[uint]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		h.EmitToUser(id, event, data)
	}
}

// Broadcast 向所有在线连接推送事件。
func (h *Hub) Broadcast(event string, data interface{}) {
	h.publish(AllRoom, event, data)
}

func (h *Hub) publish(room, event string, data interface{}) {
	b, err := encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode socket event failed")
		return
	}
	h.emit <- roomMessage{room: room, payload: b}
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(room, b); err != nil {
		log.Warn().Err(err).Str("room", room).Msg("relay publish failed")
	}
}

// Deliver 投递来自其他实例的事件，只发给本地连接，不再转发。
func (h *Hub) Deliver(room string, payload []byte) {
	h.emit <- roomMessage{room: room, payload: payload}
}
