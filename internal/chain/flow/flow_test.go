package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvzzle/txmonitor/internal/chain"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

func TestGetTransactionResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/transaction_results/aa":
			fmt.Fprint(w, `{"block_id":"01","status":"Sealed","status_code":1,"execution":"Failure","error_message":"script panic"}`)
		case "/v1/transaction_results/bb":
			http.Error(w, `{"code":404,"message":"not found"}`, http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	obs, err := c.GetTransactionResult(ctx, "0xaa")
	require.NoError(t, err)
	assert.Equal(t, txstate.StatusSealed, obs.Status)
	assert.Equal(t, txstate.OutcomeFailure, obs.Outcome)
	assert.Equal(t, "script panic", obs.ErrorMessage)

	_, err = c.GetTransactionResult(ctx, "bb")
	require.ErrorIs(t, err, chain.ErrNotFound)

	_, err = c.GetTransactionResult(ctx, "cc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

// fakeNode acks subscriptions and lets the test push raw frames.
type fakeNode struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  map[string]string // tx id -> subscription id
	unsub []string
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	n := &fakeNode{t: t, subs: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	c, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n.mu.Lock()
	n.conn = c
	n.mu.Unlock()

	for {
		var req wsRequest
		if err := c.ReadJSON(&req); err != nil {
			return
		}
		n.mu.Lock()
		switch req.Action {
		case actionSubscribe:
			switch req.Arguments["tx_id"] {
			case "silent":
				n.mu.Unlock()
				continue
			case "hangup":
				_ = c.Close()
				n.mu.Unlock()
				return
			}
			if req.Arguments["tx_id"] == "bad" {
				_ = c.WriteJSON(map[string]any{
					"subscription_id": req.SubscriptionID,
					"action":          req.Action,
					"error":           map[string]any{"code": 400, "message": "invalid tx id"},
				})
				break
			}
			n.subs[req.Arguments["tx_id"]] = req.SubscriptionID
			_ = c.WriteJSON(map[string]any{"subscription_id": req.SubscriptionID, "action": req.Action})
		case actionUnsubscribe:
			n.unsub = append(n.unsub, req.SubscriptionID)
			_ = c.WriteJSON(map[string]any{"subscription_id": req.SubscriptionID, "action": req.Action})
		}
		n.mu.Unlock()
	}
}

func (n *fakeNode) send(raw string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NoError(n.t, n.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (n *fakeNode) status(txID, status, execution string) {
	n.mu.Lock()
	sub := n.subs[txID]
	n.mu.Unlock()
	n.send(fmt.Sprintf(`{"subscription_id":%q,"topic":"transaction_statuses","payload":{"transaction_result":{"status":%q,"execution":%q}}}`, sub, status, execution))
}

func (n *fakeNode) drop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	_ = n.conn.Close()
}

type eventLog struct {
	ch chan chain.Event
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan chain.Event, 16)} }

func (l *eventLog) on(ev chain.Event) { l.ch <- ev }

func (l *eventLog) next(t *testing.T) chain.Event {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return chain.Event{}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamSubscribeAndReceive(t *testing.T) {
	node, srv := newFakeNode(t)
	events := newEventLog()
	s := NewStream(wsURL(srv), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, events.on))
	require.NoError(t, s.Open(ctx, events.on), "open is idempotent")

	hA, err := s.Subscribe(ctx, "0xaa")
	require.NoError(t, err)
	hB, err := s.Subscribe(ctx, "0xbb")
	require.NoError(t, err)
	require.NotEqual(t, hA, hB)

	node.status("bb", "Executed", "Success")
	ev := events.next(t)
	assert.Equal(t, "0xbb", ev.TxID)
	assert.Equal(t, hB, ev.Handle)
	assert.Equal(t, txstate.StatusExecuted, ev.Status)
	assert.Equal(t, txstate.OutcomeSuccess, ev.Outcome)

	// a broken payload only affects its own subscription
	node.send(fmt.Sprintf(`{"subscription_id":%q,"topic":"transaction_statuses","payload":{"transaction_result":"nope"}}`, hA))
	ev = events.next(t)
	assert.Equal(t, "0xaa", ev.TxID)
	assert.Error(t, ev.Err)
	assert.False(t, ev.ConnectionLost())

	node.status("aa", "Pending", "")
	ev = events.next(t)
	assert.Equal(t, "0xaa", ev.TxID)
	assert.Equal(t, txstate.StatusPending, ev.Status)

	require.NoError(t, s.Unsubscribe(ctx, hA))
	node.mu.Lock()
	assert.Equal(t, []string{hA}, node.unsub)
	node.mu.Unlock()

	// events for a dropped handle are ignored
	node.status("aa", "Sealed", "Success")
	node.status("bb", "Sealed", "Success")
	ev = events.next(t)
	assert.Equal(t, "0xbb", ev.TxID)

	require.NoError(t, s.Close())
	select {
	case ev := <-events.ch:
		t.Fatalf("unexpected event after close: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamSubscribeRejected(t *testing.T) {
	_, srv := newFakeNode(t)
	s := NewStream(wsURL(srv), zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, newEventLog().on))
	defer s.Close()

	_, err := s.Subscribe(ctx, "0xbad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tx id")
}

func TestStreamSubscribeAckTimeout(t *testing.T) {
	node, srv := newFakeNode(t)
	events := newEventLog()
	s := NewStream(wsURL(srv), zerolog.Nop())
	s.ackTimeout = 100 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, events.on))
	defer s.Close()

	_, err := s.Subscribe(ctx, "0xsilent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reply")

	// the connection itself is still usable
	h, err := s.Subscribe(ctx, "0xaa")
	require.NoError(t, err)
	node.status("aa", "Finalized", "")
	ev := events.next(t)
	assert.Equal(t, h, ev.Handle)
}

func TestStreamDroppedWhileSubscribing(t *testing.T) {
	_, srv := newFakeNode(t)
	events := newEventLog()
	s := NewStream(wsURL(srv), zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, events.on))

	_, err := s.Subscribe(ctx, "0xhangup")
	require.ErrorIs(t, err, chain.ErrStreamClosed)

	ev := events.next(t)
	assert.True(t, ev.ConnectionLost())
}

func TestStreamConnectionLost(t *testing.T) {
	node, srv := newFakeNode(t)
	events := newEventLog()
	s := NewStream(wsURL(srv), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, events.on))
	_, err := s.Subscribe(ctx, "0xaa")
	require.NoError(t, err)

	node.drop()
	ev := events.next(t)
	require.True(t, ev.ConnectionLost())
	assert.True(t, errors.Is(ev.Err, chain.ErrStreamClosed))

	_, err = s.Subscribe(ctx, "0xbb")
	require.ErrorIs(t, err, chain.ErrStreamClosed)

	// reopening dials a fresh connection
	require.NoError(t, s.Open(ctx, events.on))
	_, err = s.Subscribe(ctx, "0xbb")
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStreamOpenFails(t *testing.T) {
	s := NewStream("ws://127.0.0.1:1/v1/ws", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, s.Open(ctx, func(chain.Event) {}))

	_, err := s.Subscribe(ctx, "0xaa")
	require.ErrorIs(t, err, chain.ErrStreamClosed)
}
