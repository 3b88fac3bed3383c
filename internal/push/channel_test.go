package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvzzle/txmonitor/internal/chain"
	"github.com/pvzzle/txmonitor/internal/txstate"
	"github.com/pvzzle/txmonitor/internal/workqueue"
)

type fakeStream struct {
	mu         sync.Mutex
	opens      int
	closes     int
	openErr    error
	subErr     error
	onEvent    func(chain.Event)
	subs       map[string]string
	unsubs     []string
	unsubErr   error
	nextHandle int
}

func (f *fakeStream) Open(ctx context.Context, onEvent func(chain.Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	f.onEvent = onEvent
	f.subs = map[string]string{}
	return nil
}

func (f *fakeStream) Subscribe(ctx context.Context, txID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return "", f.subErr
	}
	f.nextHandle++
	h := fmt.Sprintf("h%d", f.nextHandle)
	f.subs[txID] = h
	return h, nil
}

func (f *fakeStream) Unsubscribe(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, handle)
	return f.unsubErr
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeStream) emit(ev chain.Event) {
	f.mu.Lock()
	on := f.onEvent
	if ev.TxID != "" && ev.Handle == "" {
		ev.Handle = f.subs[ev.TxID]
	}
	f.mu.Unlock()
	on(ev)
}

type recordingSink struct {
	updates  []txstate.Observation
	failures []error
}

func (r *recordingSink) sink() Sink {
	return Sink{
		OnUpdate:  func(obs txstate.Observation) { r.updates = append(r.updates, obs) },
		OnFailure: func(err error) { r.failures = append(r.failures, err) },
	}
}

func TestSubscribeSharesConnection(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStream{}
	c := New(fs, workqueue.Inline{}, zerolog.Nop())

	var a, b recordingSink
	hA, err := c.Subscribe(ctx, "0xaa", a.sink())
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, "0xbb", b.sink())
	require.NoError(t, err)
	assert.Equal(t, 1, fs.opens)
	assert.Equal(t, 2, c.Len())

	again, err := c.Subscribe(ctx, "0xaa", a.sink())
	require.NoError(t, err)
	assert.Equal(t, hA, again)
	assert.Equal(t, 2, c.Len())

	fs.emit(chain.Event{TxID: "0xbb", Observation: txstate.Observation{Status: txstate.StatusPending}})
	assert.Empty(t, a.updates)
	require.Len(t, b.updates, 1)
	assert.Equal(t, txstate.StatusPending, b.updates[0].Status)

	// a stale handle for the same id is ignored
	fs.emit(chain.Event{TxID: "0xaa", Handle: "h99"})
	assert.Empty(t, a.updates)
}

func TestUnsubscribeClosesWhenEmpty(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStream{unsubErr: errors.New("server said no")}
	c := New(fs, workqueue.Inline{}, zerolog.Nop())

	var s recordingSink
	_, err := c.Subscribe(ctx, "0xaa", s.sink())
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, "0xbb", s.sink())
	require.NoError(t, err)

	c.Unsubscribe(ctx, "0xaa")
	assert.Equal(t, 0, fs.closes)
	assert.True(t, c.Connected())

	c.Unsubscribe(ctx, "0xbb")
	c.Unsubscribe(ctx, "0xbb")
	assert.Equal(t, 1, fs.closes)
	assert.False(t, c.Connected())
	assert.Equal(t, []string{"h1", "h2"}, fs.unsubs)

	// re-subscribing reopens
	_, err = c.Subscribe(ctx, "0xcc", s.sink())
	require.NoError(t, err)
	assert.Equal(t, 2, fs.opens)
}

func TestConnectFailure(t *testing.T) {
	fs := &fakeStream{openErr: errors.New("dial tcp: refused")}
	c := New(fs, workqueue.Inline{}, zerolog.Nop())

	var s recordingSink
	_, err := c.Subscribe(context.Background(), "0xaa", s.sink())
	require.Error(t, err)
	assert.Zero(t, c.Len())
	assert.False(t, c.Connected())
}

func TestSubscribeFailureClosesIdleConnection(t *testing.T) {
	fs := &fakeStream{subErr: errors.New("rejected")}
	c := New(fs, workqueue.Inline{}, zerolog.Nop())

	var s recordingSink
	_, err := c.Subscribe(context.Background(), "0xaa", s.sink())
	require.Error(t, err)
	assert.Zero(t, c.Len())
	assert.Equal(t, 1, fs.closes)
}

func TestSubscriptionErrorFailsOnlyThatTransaction(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStream{}
	c := New(fs, workqueue.Inline{}, zerolog.Nop())

	var a, b recordingSink
	_, err := c.Subscribe(ctx, "0xaa", a.sink())
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, "0xbb", b.sink())
	require.NoError(t, err)

	fs.emit(chain.Event{TxID: "0xaa", Err: errors.New("decode status payload")})
	require.Len(t, a.failures, 1)
	assert.Empty(t, b.failures)
	assert.False(t, c.Subscribed("0xaa"))
	assert.True(t, c.Subscribed("0xbb"))
	assert.True(t, c.Connected())

	fs.emit(chain.Event{TxID: "0xbb", Observation: txstate.Observation{Status: txstate.StatusSealed}})
	assert.Len(t, b.updates, 1)
}

func TestConnectionLostFailsEverySubscription(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStream{}
	c := New(fs, workqueue.Inline{}, zerolog.Nop())

	var a, b recordingSink
	_, err := c.Subscribe(ctx, "0xaa", a.sink())
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, "0xbb", b.sink())
	require.NoError(t, err)

	lost := chain.Event{Err: chain.ErrStreamClosed}
	fs.emit(lost)
	assert.Len(t, a.failures, 1)
	assert.Len(t, b.failures, 1)
	assert.Zero(t, c.Len())
	assert.False(t, c.Connected())

	// a duplicate report from the same dead connection is ignored
	fs.emit(lost)
	assert.Len(t, a.failures, 1)
}

func TestSubscribeOnDeadStreamFailsOverOthers(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStream{}
	c := New(fs, workqueue.Inline{}, zerolog.Nop())

	var a, b, cc recordingSink
	_, err := c.Subscribe(ctx, "0xaa", a.sink())
	require.NoError(t, err)

	fs.mu.Lock()
	fs.subErr = fmt.Errorf("subscribe 0xbb: %w", chain.ErrStreamClosed)
	oldOnEvent := fs.onEvent
	fs.mu.Unlock()

	_, err = c.Subscribe(ctx, "0xbb", b.sink())
	require.ErrorIs(t, err, chain.ErrStreamClosed)
	assert.Empty(t, b.failures, "the caller gets the error, not a callback")
	require.Len(t, a.failures, 1)
	assert.ErrorIs(t, a.failures[0], chain.ErrStreamClosed)
	assert.False(t, c.Subscribed("0xaa"))
	assert.False(t, c.Connected())

	fs.mu.Lock()
	fs.subErr = nil
	fs.mu.Unlock()

	_, err = c.Subscribe(ctx, "0xcc", cc.sink())
	require.NoError(t, err)
	assert.Equal(t, 2, fs.opens)

	// the dead connection's own loss report arrives late and changes nothing
	oldOnEvent(chain.Event{Err: chain.ErrStreamClosed})
	assert.Len(t, a.failures, 1)
	assert.Empty(t, cc.failures)
	assert.True(t, c.Subscribed("0xcc"))
	assert.True(t, c.Connected())
}

func TestRegistryAddReturnsExisting(t *testing.T) {
	r := NewRegistry()
	_, added := r.Add("0xaa", Sink{})
	require.True(t, added)
	require.True(t, r.Bind("0xaa", "h1"))

	h, added := r.Add("0xaa", Sink{})
	assert.False(t, added)
	assert.Equal(t, "h1", h)

	_, ok := r.Lookup("0xaa", "h2")
	assert.False(t, ok)
	_, ok = r.Lookup("0xaa", "h1")
	assert.True(t, ok)

	h, ok = r.Remove("0xaa")
	assert.True(t, ok)
	assert.Equal(t, "h1", h)
	assert.False(t, r.Bind("0xaa", "h3"))
}
