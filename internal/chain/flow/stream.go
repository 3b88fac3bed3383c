package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/chain"
)

const (
	topicTransactionStatuses = "transaction_statuses"

	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	writeTimeout = 5 * time.Second
)

type wsRequest struct {
	SubscriptionID string            `json:"subscription_id"`
	Action         string            `json:"action"`
	Topic          string            `json:"topic,omitempty"`
	Arguments      map[string]string `json:"arguments,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string { return fmt.Sprintf("stream error %d: %s", e.Code, e.Message) }

type wsMessage struct {
	SubscriptionID string          `json:"subscription_id"`
	Action         string          `json:"action,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          *wsError        `json:"error,omitempty"`
}

type statusPayload struct {
	TransactionResult *transactionResult `json:"transaction_result"`
}

// Stream is a chain.Stream over the access node websocket API. Subscription
// handles are client-chosen ids; the node echoes them on every message.
type Stream struct {
	url        string
	dialer     *websocket.Dialer
	ackTimeout time.Duration
	log        zerolog.Logger

	nextID atomic.Uint64

	mu  sync.Mutex
	cur *session
}

var _ chain.Stream = (*Stream)(nil)

func NewStream(url string, log zerolog.Logger) *Stream {
	return &Stream{
		url:        url,
		dialer:     websocket.DefaultDialer,
		ackTimeout: 10 * time.Second,
		log:        log.With().Str("component", "flow-stream").Logger(),
	}
}

// session is one websocket connection and the subscriptions on it.
type session struct {
	conn    *websocket.Conn
	onEvent func(chain.Event)
	done    chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	subs   map[string]string     // handle -> tx id
	acks   map[string]chan error // handle/action -> waiter
}

func ackKey(handle, action string) string { return handle + "/" + action }

func (s *Stream) Open(ctx context.Context, onEvent func(chain.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil {
		return nil
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	sess := &session{
		conn:    conn,
		onEvent: onEvent,
		done:    make(chan struct{}),
		subs:    make(map[string]string),
		acks:    make(map[string]chan error),
	}
	s.cur = sess
	go s.readLoop(sess)

	s.log.Info().Str("url", s.url).Msg("stream connected")
	return nil
}

func (s *Stream) session() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil, chain.ErrStreamClosed
	}
	return s.cur, nil
}

func (s *Stream) Subscribe(ctx context.Context, txID string) (string, error) {
	sess, err := s.session()
	if err != nil {
		return "", err
	}

	handle := "tx-" + strconv.FormatUint(s.nextID.Add(1), 10)
	ack := make(chan error, 1)

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return "", chain.ErrStreamClosed
	}
	sess.subs[handle] = txID
	sess.acks[ackKey(handle, actionSubscribe)] = ack
	sess.mu.Unlock()

	req := wsRequest{
		SubscriptionID: handle,
		Action:         actionSubscribe,
		Topic:          topicTransactionStatuses,
		Arguments:      map[string]string{"tx_id": stripHex(txID)},
	}
	err = sess.write(req)
	if err == nil {
		err = s.waitAck(ctx, sess, ack)
	}
	if err != nil {
		sess.mu.Lock()
		delete(sess.subs, handle)
		delete(sess.acks, ackKey(handle, actionSubscribe))
		sess.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", txID, err)
	}
	return handle, nil
}

// Unsubscribe stops delivering events for handle right away, then asks the
// node to drop the subscription.
func (s *Stream) Unsubscribe(ctx context.Context, handle string) error {
	sess, err := s.session()
	if err != nil {
		return err
	}

	ack := make(chan error, 1)
	sess.mu.Lock()
	if _, ok := sess.subs[handle]; !ok {
		sess.mu.Unlock()
		return nil
	}
	delete(sess.subs, handle)
	sess.acks[ackKey(handle, actionUnsubscribe)] = ack
	sess.mu.Unlock()

	defer func() {
		sess.mu.Lock()
		delete(sess.acks, ackKey(handle, actionUnsubscribe))
		sess.mu.Unlock()
	}()

	if err := sess.write(wsRequest{SubscriptionID: handle, Action: actionUnsubscribe}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", handle, err)
	}
	if err := s.waitAck(ctx, sess, ack); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", handle, err)
	}
	return nil
}

// Close drops the connection without reporting it as lost.
func (s *Stream) Close() error {
	s.mu.Lock()
	sess := s.cur
	s.cur = nil
	s.mu.Unlock()

	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()

	sess.writeMu.Lock()
	_ = sess.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	sess.writeMu.Unlock()

	s.log.Info().Msg("stream closed")
	return sess.conn.Close()
}

func (s *Stream) waitAck(ctx context.Context, sess *session, ack <-chan error) error {
	t := time.NewTimer(s.ackTimeout)
	defer t.Stop()

	select {
	case err := <-ack:
		return err
	case <-sess.done:
		return chain.ErrStreamClosed
	case <-t.C:
		return fmt.Errorf("no reply within %s", s.ackTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sess *session) write(req wsRequest) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sess.conn.WriteJSON(req)
}

func (s *Stream) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			s.fail(sess, err)
			return
		}
		s.handle(sess, data)
	}
}

func (s *Stream) handle(sess *session, data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Msg("undecodable stream message")
		return
	}

	if msg.Action != "" {
		sess.mu.Lock()
		ack, ok := sess.acks[ackKey(msg.SubscriptionID, msg.Action)]
		delete(sess.acks, ackKey(msg.SubscriptionID, msg.Action))
		sess.mu.Unlock()
		if ok {
			if msg.Error != nil {
				ack <- msg.Error
			} else {
				ack <- nil
			}
		}
		return
	}

	sess.mu.Lock()
	txID, ok := sess.subs[msg.SubscriptionID]
	sess.mu.Unlock()
	if !ok {
		return
	}

	ev := chain.Event{TxID: txID, Handle: msg.SubscriptionID}
	switch {
	case msg.Error != nil:
		ev.Err = msg.Error
	default:
		var p statusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			ev.Err = fmt.Errorf("decode status payload: %w", err)
		} else if p.TransactionResult == nil {
			ev.Err = fmt.Errorf("status payload without transaction_result")
		} else {
			ev.Observation = p.TransactionResult.observation()
		}
	}
	sess.onEvent(ev)
}

func (s *Stream) fail(sess *session, cause error) {
	sess.mu.Lock()
	wasClosed := sess.closed
	sess.closed = true
	sess.subs = map[string]string{}
	sess.acks = map[string]chan error{}
	sess.mu.Unlock()
	close(sess.done)

	s.mu.Lock()
	if s.cur == sess {
		s.cur = nil
	}
	s.mu.Unlock()

	if wasClosed {
		return
	}
	s.log.Warn().Err(cause).Msg("stream connection lost")
	sess.onEvent(chain.Event{Err: fmt.Errorf("%w: %v", chain.ErrStreamClosed, cause)})
}
