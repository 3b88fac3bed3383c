package tg

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvzzle/txmonitor/internal/bus"
	"github.com/pvzzle/txmonitor/internal/monitor"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

func drain(ch chan bus.Notification) []bus.Notification {
	var out []bus.Notification
	for {
		select {
		case n := <-ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestNotifierSendsToWatchersAndBroadcast(t *testing.T) {
	ch := make(chan bus.Notification, 10)
	n := NewNotifier(ch, []int64{100, 7}, zerolog.Nop())

	n.Watch("0xaa", 7)
	n.Watch("0xaa", 7)
	n.Watch("0xaa", 8)

	n.OnSettled(context.Background(), monitor.Settlement{
		ID: "0xaa", Status: txstate.StatusSealed, Success: true,
	})

	got := drain(ch)
	require.Len(t, got, 3)
	var chats []int64
	for _, g := range got {
		chats = append(chats, g.ChatID)
		assert.Contains(t, g.Text, "confirmed")
	}
	assert.ElementsMatch(t, []int64{7, 8, 100}, chats)

	// watchers are forgotten once the transaction settled
	n.OnSettled(context.Background(), monitor.Settlement{ID: "0xaa", Status: txstate.StatusSealed})
	assert.Len(t, drain(ch), 2)
}

func TestNotifierStopsOnCancel(t *testing.T) {
	ch := make(chan bus.Notification)
	n := NewNotifier(ch, []int64{1}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n.OnSettled(ctx, monitor.Settlement{ID: "0xaa"})
	assert.Empty(t, drain(ch))
}
