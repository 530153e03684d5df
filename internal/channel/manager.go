// Package channel maintains the single logical push connection to the
// platform API's stream endpoint and multiplexes refcounted topic
// subscriptions over it. Lost messages are not replayed after a
// disconnect; the poll scheduler restores correctness while the
// Connected flag is false.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsdesk/console-client-go/internal/config"
)

// Topics and event types carried by the stream.
const (
	TopicOrder = "order"

	EventNewRecord       = "new-record"
	EventRecordUpdated   = "record-updated"
	EventResourceUpdated = "resource-updated"
)

// Event is one typed message from the stream.
type Event struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// controlFrame is the outbound subscribe/unsubscribe wire shape.
type controlFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	ID     string `json:"id,omitempty"`
}

type subKey struct {
	Topic string
	ID    string
}

type eventListener struct {
	id  int
	typ string
	fn  func(Event)
}

type connListener struct {
	id int
	fn func(bool)
}

// Options tune the manager; zero values fall back to the shared
// defaults in config.
type Options struct {
	Dial          Dialer
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Manager owns zero-or-one stream connection per process. Subscriptions
// are refcounted per (topic, id) pair so independent callers cannot
// prematurely unsubscribe each other; the shared connection is torn
// down only when no subscriptions remain or on Close.
type Manager struct {
	streamURL    string
	dial         Dialer
	dialTimeout  time.Duration
	writeTimeout time.Duration
	base         time.Duration
	max          time.Duration

	mu         sync.Mutex
	closed     bool
	conn       Conn
	gen        int // connection generation; stale read loops check it
	credential string
	connected  bool
	subs       map[subKey]int
	events     []eventListener
	connList   []connListener
	nextID     int
	stopRetry  chan struct{}
}

// New builds a manager for the given stream URL. Options left zero use
// the shared defaults; a nil Dial gets the production websocket dialer.
func New(streamURL string, opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = config.StreamDialTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = config.StreamWriteTimeout
	}
	if opts.ReconnectBase == 0 {
		opts.ReconnectBase = config.ReconnectBaseDelay
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = config.ReconnectMaxDelay
	}
	return &Manager{
		streamURL:    streamURL,
		dial:         opts.Dial,
		dialTimeout:  opts.DialTimeout,
		writeTimeout: opts.WriteTimeout,
		base:         opts.ReconnectBase,
		max:          opts.ReconnectMax,
		subs:         make(map[subKey]int),
	}
}

// Connect dials the stream with the given credential. Calling while
// already connected with the same credential is a no-op; a different
// credential tears the current connection down and redials.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("channel manager is closed")
	}
	if m.connected && m.credential == credential {
		m.mu.Unlock()
		return nil
	}
	m.credential = credential
	wasConnected := m.teardownLocked()
	m.mu.Unlock()

	if wasConnected {
		m.notifyConnection(false)
	}

	return m.establish(ctx, credential, nil)
}

// Connected reports whether the stream is currently up. This flag is
// the sole signal the poll scheduler keys off.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe adds one reference to the (topic, id) pair; the subscribe
// frame goes out only on the 0 to 1 transition.
func (m *Manager) Subscribe(topic, id string) {
	key := subKey{Topic: topic, ID: id}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.subs[key]++
	first := m.subs[key] == 1
	conn, connected := m.conn, m.connected
	m.mu.Unlock()

	if first && connected {
		m.writeFrame(conn, controlFrame{Action: "subscribe", Topic: topic, ID: id})
	}
}

// Unsubscribe drops one reference; a pair not held is a no-op. The
// unsubscribe frame goes out on the 1 to 0 transition, and the shared
// connection closes once no subscriptions remain.
func (m *Manager) Unsubscribe(topic, id string) {
	key := subKey{Topic: topic, ID: id}

	m.mu.Lock()
	count, held := m.subs[key]
	if !held {
		m.mu.Unlock()
		return
	}
	count--
	last := count == 0
	if last {
		delete(m.subs, key)
	} else {
		m.subs[key] = count
	}
	empty := len(m.subs) == 0
	conn, connected := m.conn, m.connected
	m.mu.Unlock()

	if last && connected && !empty {
		m.writeFrame(conn, controlFrame{Action: "unsubscribe", Topic: topic, ID: id})
	}

	if empty {
		m.mu.Lock()
		wasConnected := m.teardownLocked()
		m.mu.Unlock()
		if wasConnected {
			log.Info().Str("stream", m.streamURL).Msg("no subscriptions remain, closing stream")
			m.notifyConnection(false)
		}
	}
}

// OnEvent registers fn for one event type. Events dispatch in transport
// arrival order. The returned func removes the listener.
func (m *Manager) OnEvent(eventType string, fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.events = append(m.events, eventListener{id: id, typ: eventType, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.events {
			if l.id == id {
				m.events = append(m.events[:i], m.events[i+1:]...)
				return
			}
		}
	}
}

// OnConnectionChange registers fn to run on every connected-flag
// transition. The returned func removes the listener.
func (m *Manager) OnConnectionChange(fn func(connected bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.connList = append(m.connList, connListener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.connList {
			if l.id == id {
				m.connList = append(m.connList[:i], m.connList[i+1:]...)
				return
			}
		}
	}
}

// Close tears the connection down and drops all listeners and
// subscriptions. The manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	wasConnected := m.teardownLocked()
	m.subs = make(map[subKey]int)
	m.events = nil
	m.mu.Unlock()

	if wasConnected {
		m.notifyConnection(false)
	}

	m.mu.Lock()
	m.connList = nil
	m.mu.Unlock()
}

// establish dials once and installs the connection if the manager still
// wants it by the time the dial returns. A retry-path caller passes its
// stop channel; a teardown that raced the dial then wins and the fresh
// connection is discarded instead of installed.
func (m *Manager) establish(ctx context.Context, credential string, stop chan struct{}) error {
	target, err := streamTarget(m.streamURL, credential)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx, target)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}

	m.mu.Lock()
	if m.closed || m.credential != credential || (stop != nil && stop != m.stopRetry) {
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connection superseded during dial")
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.connected = true
	replay := make([]controlFrame, 0, len(m.subs))
	for key := range m.subs {
		replay = append(replay, controlFrame{Action: "subscribe", Topic: key.Topic, ID: key.ID})
	}
	m.mu.Unlock()

	log.Info().Str("stream", m.streamURL).Int("subscriptions", len(replay)).Msg("stream connected")
	m.notifyConnection(true)

	for _, frame := range replay {
		m.writeFrame(conn, frame)
	}

	go m.readLoop(conn, gen)
	return nil
}

// readLoop is the single reader for one connection; dispatching from
// here keeps delivery in transport arrival order.
func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			m.handleReadError(conn, gen, err)
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			log.Warn().Err(err).Msg("dropping malformed stream message")
			continue
		}
		m.dispatch(event)
	}
}

func (m *Manager) handleReadError(conn Conn, gen int, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.conn = nil
	conn.Close()
	credential := m.credential
	stop := make(chan struct{})
	m.stopRetry = stop
	m.mu.Unlock()

	log.Warn().Err(cause).Msg("stream connection lost, reconnecting")
	m.notifyConnection(false)

	go m.retryLoop(credential, stop)
}

// retryLoop redials with exponential backoff until it succeeds, the
// manager is torn down, or the credential changes under it.
func (m *Manager) retryLoop(credential string, stop chan struct{}) {
	delay := m.base
	for {
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		err := m.establish(context.Background(), credential, stop)

		m.mu.Lock()
		current := m.stopRetry == stop
		if err == nil || !current {
			if current {
				m.stopRetry = nil
			}
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		log.Warn().Err(err).Dur("nextDelay", delay).Msg("stream reconnect failed")
		delay *= 2
		if delay > m.max {
			delay = m.max
		}
	}
}

// teardownLocked closes the connection and stops any reconnect loop.
// It reports whether the manager was connected, so the caller can fire
// connection-change listeners outside the lock.
func (m *Manager) teardownLocked() bool {
	if m.stopRetry != nil {
		close(m.stopRetry)
		m.stopRetry = nil
	}
	wasConnected := m.connected
	m.connected = false
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.gen++
	return wasConnected
}

func (m *Manager) dispatch(event Event) {
	m.mu.Lock()
	listeners := make([]func(Event), 0, len(m.events))
	for _, l := range m.events {
		if l.typ == event.Type {
			listeners = append(listeners, l.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

func (m *Manager) notifyConnection(connected bool) {
	m.mu.Lock()
	listeners := make([]func(bool), 0, len(m.connList))
	for _, l := range m.connList {
		listeners = append(listeners, l.fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(connected)
	}
}

func (m *Manager) writeFrame(conn Conn, frame controlFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("encode control frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, data); err != nil {
		log.Warn().Err(err).Str("action", frame.Action).Str("topic", frame.Topic).Msg("control frame write failed")
	}
}

func streamTarget(rawURL, credential string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
