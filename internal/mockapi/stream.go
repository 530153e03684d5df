package mockapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

const streamWriteTimeout = 5 * time.Second

// streamEvent is the wire shape pushed to stream clients.
type streamEvent struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// controlFrame is the subscribe/unsubscribe shape clients send.
type controlFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	ID     string `json:"id,omitempty"`
}

type subKey struct {
	Topic string
	ID    string
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[subKey]bool
}

func (c *streamClient) subscribed(topic, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A topic-wide subscription also covers per-resource events.
	return c.subs[subKey{Topic: topic}] || (id != "" && c.subs[subKey{Topic: topic, ID: id}])
}

func (c *streamClient) setSubscription(frame controlFrame, on bool) {
	key := subKey{Topic: frame.Topic, ID: frame.ID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[key] = true
	} else {
		delete(c.subs, key)
	}
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

type streamHub struct {
	mu      sync.Mutex
	clients map[*streamClient]bool
}

func newStreamHub() *streamHub {
	return &streamHub{clients: make(map[*streamClient]bool)}
}

func (h *streamHub) add(client *streamClient) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Debug().Int("clientCount", count).Msg("mockapi: stream client connected")
}

func (h *streamHub) remove(client *streamClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *streamHub) broadcast(event streamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("mockapi: encode stream event")
		return
	}

	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.subscribed(event.Topic, event.ID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.Warn().Msg("mockapi: stream client buffer full, dropping event")
		}
	}
}

func (h *streamHub) dropAll() {
	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*streamClient]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *streamHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *streamHub) close() {
	h.dropAll()
}

// handleStream upgrades to a websocket, honors subscribe/unsubscribe
// frames, and forwards broadcast events to subscribed clients.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Warn().Err(err).Msg("mockapi: stream upgrade failed")
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, 100),
		done: make(chan struct{}),
		subs: make(map[subKey]bool),
	}
	s.hub.add(client)
	defer s.hub.remove(client)

	go writeLoop(client)

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("mockapi: dropping malformed control frame")
			continue
		}

		switch frame.Action {
		case "subscribe":
			client.setSubscription(frame, true)
		case "unsubscribe":
			client.setSubscription(frame, false)
		default:
			log.Warn().Str("action", frame.Action).Msg("mockapi: unknown control action")
		}
	}
}

func writeLoop(client *streamClient) {
	for {
		select {
		case <-client.done:
			client.conn.Close(websocket.StatusGoingAway, "stream closed")
			return
		case data := <-client.send:
			ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
			err := client.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
