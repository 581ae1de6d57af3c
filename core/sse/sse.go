package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

type (
	// Listener defines the interface for the receiving end.
	Listener interface {
		ID() string
		Chan() chan Envelope
	}

	// Envelope defines the interface for content that can be broadcast to clients.
	Envelope interface {
		String() string // Represent the envelope contents as a string for transmission.
	}

	// Manager broadcasts messages to the subscribers of one room.
	// Subscription is kept separate from the transport so routing and
	// duplicate-suppression logic can be tested without a live socket.
	Manager interface {
		Send(message Envelope)
		Subscribe(cl Listener)
		Unsubscribe(id string)
		Handle(ctx *fiber.Ctx, cl Listener)
		Clients() []string
		Close()
	}
)

type Client struct {
	id string
	ch chan Envelope
}

func NewClient(id string) Listener {
	return &Client{
		id: id,
		ch: make(chan Envelope, 50),
	}
}

func (c *Client) ID() string          { return c.id }
func (c *Client) Chan() chan Envelope { return c.ch }

// Message represents a simple message implementation.
type Message struct {
	Event string
	Time  time.Time
	Data  string
}

// NewMessage returns a new message instance.
func NewMessage(data string) *Message {
	return &Message{
		Data: data,
		Time: time.Now(),
	}
}

// NewEvent builds a named event carrying a JSON payload.
func NewEvent(event string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return NewMessage(string(data)).WithEvent(event)
}

// String returns the message as a string.
func (m *Message) String() string {
	sb := strings.Builder{}

	if m.Event != "" {
		sb.WriteString(fmt.Sprintf("event: %s\n", m.Event))
	}
	sb.WriteString(fmt.Sprintf("data: %v\n\n", m.Data))

	return sb.String()
}

// WithEvent sets the event name for the message.
func (m *Message) WithEvent(event string) Envelope {
	m.Event = event
	return m
}

// AdminRoom is the room id of the administrative feed.
const AdminRoom = "admin"

// Hub hands out one broadcast manager per room. Rooms are keyed by
// session id, plus the admin feed.
type Hub struct {
	rooms       sync.Map
	historySize int
}

func NewHub(historySize int) *Hub {
	return &Hub{
		historySize: historySize,
	}
}

// Room returns the manager for the given room id, creating it on first use.
func (h *Hub) Room(id string) Manager {
	if m, ok := h.rooms.Load(id); ok {
		return m.(Manager)
	}
	m := newRoomManager(h.historySize)
	actual, loaded := h.rooms.LoadOrStore(id, m)
	if loaded {
		m.Close()
		return actual.(Manager)
	}
	return m
}

// Admin returns the administrative feed room.
func (h *Hub) Admin() Manager {
	return h.Room(AdminRoom)
}

// Drop disconnects every subscriber of a room and removes it. Used when
// a session is closed.
func (h *Hub) Drop(id string) {
	if m, ok := h.rooms.LoadAndDelete(id); ok {
		m.(Manager).Close()
	}
}

// roomManager manages the clients of one room and broadcasts messages to them.
type roomManager struct {
	clients        sync.Map
	broadcast      chan Envelope
	done           chan struct{}
	closeOnce      sync.Once
	messageHistory *history
}

func newRoomManager(historySize int) Manager {
	manager := &roomManager{
		broadcast:      make(chan Envelope),
		done:           make(chan struct{}),
		messageHistory: newHistory(historySize),
	}

	go manager.deliver()

	return manager
}

// Send broadcasts a message to all subscribers of the room.
func (manager *roomManager) Send(message Envelope) {
	select {
	case manager.broadcast <- message:
	case <-manager.done:
	}
}

// Subscribe adds a listener to the room and replays the retained history.
func (manager *roomManager) Subscribe(cl Listener) {
	manager.clients.Store(cl.ID(), cl)
	manager.messageHistory.Send(cl)
}

// Unsubscribe removes a listener from the room.
func (manager *roomManager) Unsubscribe(id string) {
	manager.clients.Delete(id)
}

// Close disconnects every subscriber and stops the workers.
func (manager *roomManager) Close() {
	manager.closeOnce.Do(func() {
		close(manager.done)
		manager.clients.Range(func(key, value any) bool {
			manager.clients.Delete(key)
			return true
		})
	})
}

// Handle sets up a new client and streams the room to it over SSE.
func (manager *roomManager) Handle(c *fiber.Ctx, cl Listener) {
	manager.Subscribe(cl)
	ctx := c.Context()

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
	ctx.Response.Header.Set("Access-Control-Allow-Headers", "Cache-Control")
	ctx.Response.Header.Set("Access-Control-Allow-Credentials", "true")
	ctx.Response.Header.Set("X-Accel-Buffering", "no") // Disable proxy buffering

	ctx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer manager.Unsubscribe(cl.ID())

		// Send an initial connection message
		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
		w.Flush()

		for {
			select {
			case msg, ok := <-cl.Chan():
				if !ok {
					return
				}
				_, err := fmt.Fprint(w, msg.String())
				if err != nil {
					return
				}
				w.Flush()

			case <-ctx.Done():
				return
			case <-manager.done:
				return
			}
		}
	}))
}

// Clients lists the subscribed client IDs.
func (manager *roomManager) Clients() []string {
	var clients []string
	manager.clients.Range(func(key, value any) bool {
		id, ok := key.(string)
		if ok {
			clients = append(clients, id)
		}
		return true
	})
	return clients
}

// deliver is the room's single delivery goroutine. One consumer per
// room keeps broadcasts and the replay history in emission order;
// rooms are per-session, so independent sessions still fan out in
// parallel.
func (manager *roomManager) deliver() {
	for {
		select {
		case <-manager.done:
			return
		case message := <-manager.broadcast:
			manager.messageHistory.Add(message)
			manager.clients.Range(func(key, value any) bool {
				client, ok := value.(Listener)
				if !ok {
					return true // Continue iteration
				}
				select {
				case client.Chan() <- message:
				default:
					// If the client's channel is full, drop the message
				}
				return true // Continue iteration
			})
		}
	}
}

type history struct {
	mu       sync.Mutex
	messages []Envelope
	maxSize  int // Maximum number of messages to retain
}

func newHistory(maxSize int) *history {
	return &history{
		messages: []Envelope{},
		maxSize:  maxSize,
	}
}

func (h *history) Add(message Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, message)
	// Ensure history does not exceed maxSize
	if len(h.messages) > h.maxSize {
		h.messages = h.messages[len(h.messages)-h.maxSize:]
	}
}

func (h *history) Send(c Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, msg := range h.messages {
		select {
		case c.Chan() <- msg:
		default:
		}
	}
}
