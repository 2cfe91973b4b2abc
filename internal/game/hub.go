package game

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

const (
	BROADCAST_BUFFER = 100
	DIRECT_BUFFER    = 1024
	CLIENT_BUFFER    = 64
	REPLY_BUFFER     = 16
	WRITE_WAIT       = 10 * time.Second
	// how long a direct message may wait for room in the hub queue
	DIRECT_WAIT = time.Second
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one registered connection, addressed by a stable handle so
// nothing outside the transport holds socket references.
type Client struct {
	handle string
	conn   Conn
	userID string
	send   chan []byte
	// replies and user messages bypass queued broadcasts
	reply  chan []byte
	once   sync.Once
}

type directMessage struct {
	userID  string
	handle  string
	message interface{}
}

type Hub struct {
	clients    map[string]*Client
	broadcast  chan interface{}
	direct     chan directMessage
	register   chan *Client
	unregister chan string
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan interface{}, BROADCAST_BUFFER),
		direct:     make(chan directMessage, DIRECT_BUFFER),
		register:   make(chan *Client),
		unregister: make(chan string),
		stop:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for handle, client := range h.clients {
				client.close()
				delete(h.clients, handle)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.handle] = client
			total := len(h.clients)
			h.mu.Unlock()
			go client.writePump()
			log.Printf("[WS] Client connected: %s as %s (Total: %d)", client.userID, client.handle, total)

		case handle := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[handle]; ok {
				delete(h.clients, handle)
				client.close()
				log.Printf("[WS] Client disconnected: %s (Total: %d)", client.userID, len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				log.Printf("[WS] Marshal error: %v", err)
				continue
			}
			h.mu.RLock()
			for _, client := range h.clients {
				client.enqueue(data)
			}
			h.mu.RUnlock()

		case msg := <-h.direct:
			data, err := json.Marshal(msg.message)
			if err != nil {
				log.Printf("[WS] Marshal error: %v", err)
				continue
			}
			h.mu.RLock()
			if client, ok := h.clients[msg.handle]; ok {
				client.enqueueReply(data)
			} else if msg.userID != "" {
				for _, client := range h.clients {
					if client.userID == msg.userID {
						client.enqueueReply(data)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast queues message for every client. It never blocks; when the
// queue is full the message is dropped.
func (h *Hub) Broadcast(message interface{}) {
	select {
	case h.broadcast <- message:
	default:
		log.Println("[WS] Broadcast channel full, dropping message")
	}
}

// SendToUser queues message for every connection of userID. Unlike
// Broadcast it waits up to DIRECT_WAIT for room before dropping.
func (h *Hub) SendToUser(userID string, message interface{}) {
	if !h.sendDirect(directMessage{userID: userID, message: message}) {
		log.Printf("[WS] Direct channel full, dropping message for %s", userID)
	}
}

// Reply queues message for a single connection.
func (h *Hub) Reply(handle string, message interface{}) {
	if !h.sendDirect(directMessage{handle: handle, message: message}) {
		log.Printf("[WS] Direct channel full, dropping reply to %s", handle)
	}
}

func (h *Hub) sendDirect(msg directMessage) bool {
	select {
	case h.direct <- msg:
		return true
	default:
	}

	timer := time.NewTimer(DIRECT_WAIT)
	defer timer.Stop()
	select {
	case h.direct <- msg:
		return true
	case <-timer.C:
		return false
	case <-h.stop:
		return false
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient adds conn and returns its handle.
func (h *Hub) RegisterClient(conn Conn, userID string) string {
	client := &Client{
		handle: uuid.NewString(),
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, CLIENT_BUFFER),
		reply:  make(chan []byte, REPLY_BUFFER),
	}
	select {
	case h.register <- client:
	case <-h.stop:
	}
	return client.handle
}

func (h *Hub) UnregisterClient(handle string) {
	select {
	case h.unregister <- handle:
	case <-h.stop:
	}
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("[WS] Client %s too slow, dropping message", c.handle)
	}
}

func (c *Client) enqueueReply(data []byte) {
	select {
	case c.reply <- data:
	default:
		log.Printf("[WS] Client %s not reading replies, dropping message", c.handle)
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// writePump is the only writer to the connection. Broadcasts keep their
// order; a pending reply is written before the next queued broadcast.
func (c *Client) writePump() {
	for {
		select {
		case data := <-c.reply:
			c.write(data)
			continue
		default:
		}

		select {
		case data := <-c.reply:
			c.write(data)
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.write(data)
		}
	}
}

func (c *Client) write(data []byte) {
	c.conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[WS] Write error for user %s: %v", c.userID, err)
	}
}
