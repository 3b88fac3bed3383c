package tg

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/bus"
	"github.com/pvzzle/txmonitor/internal/monitor"
)

// Notifier turns settlements into chat messages: one per chat that tracked
// the transaction plus one per broadcast chat.
type Notifier struct {
	notifyCh  chan<- bus.Notification
	broadcast []int64
	log       zerolog.Logger

	mu       sync.Mutex
	watchers map[string][]int64
}

var _ monitor.SettlementHook = (*Notifier)(nil)

func NewNotifier(notifyCh chan<- bus.Notification, broadcast []int64, log zerolog.Logger) *Notifier {
	return &Notifier{
		notifyCh:  notifyCh,
		broadcast: broadcast,
		log:       log.With().Str("component", "tg-notify").Logger(),
		watchers:  make(map[string][]int64),
	}
}

// Watch asks for a message to chatID when txID settles.
func (n *Notifier) Watch(txID string, chatID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range n.watchers[txID] {
		if id == chatID {
			return
		}
	}
	n.watchers[txID] = append(n.watchers[txID], chatID)
}

func (n *Notifier) recipients(txID string) []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	seen := make(map[int64]bool)
	var out []int64
	for _, id := range append(n.watchers[txID], n.broadcast...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	delete(n.watchers, txID)
	return out
}

func (n *Notifier) OnSettled(ctx context.Context, s monitor.Settlement) {
	text := FormatSettlement(s)
	for _, chatID := range n.recipients(s.ID) {
		select {
		case n.notifyCh <- bus.Notification{ChatID: chatID, Text: text}:
		case <-ctx.Done():
			return
		}
	}
}
