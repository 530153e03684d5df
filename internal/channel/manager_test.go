package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes []controlFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []controlFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]controlFrame(nil), c.writes...)
}

// push delivers one server event and waits for the read loop to pick
// it up and dispatch it.
func (c *fakeConn) push(t *testing.T, event Event) {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	c.inbound <- data
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	urls    []string
	fail    bool
	started int
	block   chan struct{}
}

func (d *fakeDialer) dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	d.started++
	fail, block := d.fail, d.block
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.New("dial refused")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	d.urls = append(d.urls, rawURL)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) dialsStarted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

// setBlock makes subsequent dials wait on gate before completing.
func (d *fakeDialer) setBlock(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = gate
}

func newTestManager(d *fakeDialer) *Manager {
	return New("ws://api.test/v1/stream", Options{
		Dial:          d.dial,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  40 * time.Millisecond,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestConnectIsIdempotentForEqualCredentials(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	require.NoError(t, m.Connect(context.Background(), "tok-1"))

	assert.Equal(t, 1, dialer.dialCount())
	assert.True(t, m.Connected())
}

func TestConnectCarriesCredentialAsQueryToken(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "tok-1"))

	u, err := url.Parse(dialer.urls[0])
	require.NoError(t, err)
	assert.Equal(t, "tok-1", u.Query().Get("token"))
	assert.True(t, strings.HasSuffix(u.Path, "/v1/stream"))
}

func TestConnectWithNewCredentialRedials(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	first := dialer.conn(0)

	require.NoError(t, m.Connect(context.Background(), "tok-2"))

	assert.Equal(t, 2, dialer.dialCount())
	select {
	case <-first.closed:
	default:
		t.Fatal("expected the first connection to be torn down")
	}
	assert.True(t, m.Connected())
}

func TestSubscribeIsRefcounted(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	conn := dialer.conn(0)

	m.Subscribe(TopicOrder, "")
	m.Subscribe(TopicOrder, "") // second holder, no second frame
	m.Subscribe(TopicOrder, "order-7")

	frames := conn.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, controlFrame{Action: "subscribe", Topic: TopicOrder}, frames[0])
	assert.Equal(t, controlFrame{Action: "subscribe", Topic: TopicOrder, ID: "order-7"}, frames[1])

	// First release keeps the subscription alive for the other holder.
	m.Unsubscribe(TopicOrder, "")
	assert.Len(t, conn.frames(), 2)

	m.Unsubscribe(TopicOrder, "order-7")
	frames = conn.frames()
	require.Len(t, frames, 3)
	assert.Equal(t, controlFrame{Action: "unsubscribe", Topic: TopicOrder, ID: "order-7"}, frames[2])
}

func TestUnsubscribeOfUnheldPairIsNoOp(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	m.Unsubscribe(TopicOrder, "never-held")

	assert.Empty(t, dialer.conn(0).frames())
	assert.True(t, m.Connected())
}

func TestConnectionClosesWhenLastSubscriptionReleased(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	conn := dialer.conn(0)

	m.Subscribe(TopicOrder, "")
	m.Unsubscribe(TopicOrder, "")

	select {
	case <-conn.closed:
	default:
		t.Fatal("expected teardown once no subscriptions remain")
	}
	assert.False(t, m.Connected())
}

func TestEventsDispatchInArrivalOrder(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	var mu sync.Mutex
	var got []string
	m.OnEvent(EventRecordUpdated, func(e Event) {
		mu.Lock()
		got = append(got, e.ID)
		mu.Unlock()
	})
	m.OnEvent(EventNewRecord, func(e Event) {
		mu.Lock()
		got = append(got, "new:"+e.ID)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	conn := dialer.conn(0)

	conn.push(t, Event{Type: EventNewRecord, Topic: TopicOrder, ID: "1"})
	conn.push(t, Event{Type: EventRecordUpdated, Topic: TopicOrder, ID: "1"})
	conn.push(t, Event{Type: EventRecordUpdated, Topic: TopicOrder, ID: "2"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "all events to dispatch")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new:1", "1", "2"}, got)
}

func TestOnEventRemoveStopsDelivery(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	var mu sync.Mutex
	count := 0
	remove := m.OnEvent(EventNewRecord, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	conn := dialer.conn(0)

	conn.push(t, Event{Type: EventNewRecord, Topic: TopicOrder, ID: "1"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, "first event")

	remove()
	conn.push(t, Event{Type: EventNewRecord, Topic: TopicOrder, ID: "2"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestReconnectAfterTransportLossReplaysSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	var mu sync.Mutex
	var transitions []bool
	m.OnConnectionChange(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	m.Subscribe(TopicOrder, "")

	dialer.conn(0).Close()

	waitFor(t, func() bool { return dialer.dialCount() == 2 && m.Connected() }, "reconnect")

	frames := dialer.conn(1).frames()
	require.Len(t, frames, 1)
	assert.Equal(t, controlFrame{Action: "subscribe", Topic: TopicOrder}, frames[0])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, transitions)
}

func TestReconnectBacksOffWhileDialsFail(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	m.Subscribe(TopicOrder, "")

	dialer.setFail(true)
	dialer.conn(0).Close()

	waitFor(t, func() bool { return !m.Connected() }, "disconnect to register")
	time.Sleep(100 * time.Millisecond)
	assert.False(t, m.Connected())

	dialer.setFail(false)
	waitFor(t, func() bool { return m.Connected() }, "eventual reconnect")
}

func TestTeardownDuringRedialDiscardsTheFreshConnection(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	m.Subscribe(TopicOrder, "")

	// Sever the transport with the next dial held open.
	gate := make(chan struct{})
	dialer.setBlock(gate)
	dialer.conn(0).Close()
	waitFor(t, func() bool { return !m.Connected() }, "disconnect to register")
	waitFor(t, func() bool { return dialer.dialsStarted() == 2 }, "redial to start")

	// The last subscription goes away while the redial is in flight; the
	// dial still completes, but its connection must not be installed.
	m.Unsubscribe(TopicOrder, "")
	close(gate)

	waitFor(t, func() bool { return dialer.dialCount() == 2 }, "redial to finish")
	waitFor(t, func() bool {
		select {
		case <-dialer.conn(1).closed:
			return true
		default:
			return false
		}
	}, "superseded connection to be discarded")
	assert.False(t, m.Connected())
}

func TestCloseStopsReconnectAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer)

	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	m.Subscribe(TopicOrder, "")

	dialer.setFail(true)
	dialer.conn(0).Close()
	waitFor(t, func() bool { return !m.Connected() }, "disconnect to register")

	m.Close()
	dials := dialer.dialCount()
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, dials, dialer.dialCount())
	assert.False(t, m.Connected())
	assert.Error(t, m.Connect(context.Background(), "tok-1"))
}
