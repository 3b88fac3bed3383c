package tg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/bus"
	"github.com/pvzzle/txmonitor/internal/storage"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

const (
	cbTrack      = "track"
	cbPending    = "pending"
	cbHistory    = "history"
	cbBackToMain = "back_main"

	historyLimit = 10
)

// prompts remembers chats that were asked for a transaction id and whose
// next plain message is the answer.
type prompts struct {
	mu      sync.Mutex
	waiting map[int64]bool
}

func newPrompts() *prompts { return &prompts{waiting: make(map[int64]bool)} }

func (p *prompts) ask(chatID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiting[chatID] = true
}

func (p *prompts) clear(chatID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiting, chatID)
}

// take reports whether chatID was asked and forgets the question.
func (p *prompts) take(chatID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	asked := p.waiting[chatID]
	delete(p.waiting, chatID)
	return asked
}

// Tracker is the part of the monitor the bot drives.
type Tracker interface {
	Register(ctx context.Context, rec txstate.Record) (bool, error)
	GetByID(id string) (txstate.Record, bool)
	ListProcessing() []txstate.Record
	Monitoring(id string) string
}

type Service struct {
	bot      *tgbot.Bot
	tracker  Tracker
	notifier *Notifier
	notifyCh <-chan bus.Notification

	// outcomes may be nil when the store keeps no outcome log
	outcomes storage.OutcomeRepository

	prompts *prompts
	log     zerolog.Logger
}

func NewService(
	b *tgbot.Bot,
	tracker Tracker,
	notifier *Notifier,
	notifyCh <-chan bus.Notification,
	outcomes storage.OutcomeRepository,
	log zerolog.Logger,
) *Service {
	s := &Service{
		bot:      b,
		tracker:  tracker,
		notifier: notifier,
		notifyCh: notifyCh,
		outcomes: outcomes,
		prompts:  newPrompts(),
		log:      log.With().Str("component", "tg").Logger(),
	}
	s.registerHandlers()
	return s
}

func (s *Service) registerHandlers() {
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypeExact, s.onStart)
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/track", tgbot.MatchTypePrefix, s.onTrack)
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/status", tgbot.MatchTypePrefix, s.onStatus)
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/pending", tgbot.MatchTypeExact, s.onPending)
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/history", tgbot.MatchTypeExact, s.onHistory)

	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbTrack, tgbot.MatchTypeExact, s.onCbTrack)
	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbPending, tgbot.MatchTypeExact, s.onCbPending)
	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbHistory, tgbot.MatchTypeExact, s.onCbHistory)
	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbBackToMain, tgbot.MatchTypeExact, s.onCbBackToMain)

	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "", tgbot.MatchTypePrefix, s.onAnyText)
}

func (s *Service) StartNotifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.notifyCh:
			_, err := s.bot.SendMessage(ctx, &tgbot.SendMessageParams{
				ChatID: n.ChatID,
				Text:   n.Text,
			})
			if err != nil {
				s.log.Warn().Err(err).Int64("chat_id", n.ChatID).Msg("send notification")
			}
		}
	}
}

var mainMenu = &models.InlineKeyboardMarkup{
	InlineKeyboard: [][]models.InlineKeyboardButton{
		{
			{Text: "Track", CallbackData: cbTrack},
			{Text: "In flight", CallbackData: cbPending},
		},
		{
			{Text: "History", CallbackData: cbHistory},
		},
	},
}

var backMenu = &models.InlineKeyboardMarkup{
	InlineKeyboard: [][]models.InlineKeyboardButton{
		{{Text: "Back", CallbackData: cbBackToMain}},
	},
}

func (s *Service) send(ctx context.Context, b *tgbot.Bot, chatID int64, text string, markup models.ReplyMarkup) {
	params := &tgbot.SendMessageParams{ChatID: chatID, Text: text}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := b.SendMessage(ctx, params); err != nil {
		s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("send message")
	}
}

// callbackChat answers the callback and returns its chat, or false for
// callbacks on messages the bot can no longer see.
func (s *Service) callbackChat(ctx context.Context, b *tgbot.Bot, upd *models.Update) (int64, bool) {
	cb := upd.CallbackQuery
	if cb == nil || cb.Message.Type == models.MaybeInaccessibleMessageTypeInaccessibleMessage {
		return 0, false
	}
	_, _ = b.AnswerCallbackQuery(ctx, &tgbot.AnswerCallbackQueryParams{CallbackQueryID: cb.ID})
	return cb.Message.Message.Chat.ID, true
}

func (s *Service) onStart(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	chatID := upd.Message.Chat.ID
	s.prompts.clear(chatID)

	s.send(ctx, b, chatID, "Hi! I watch transactions until they are sealed and tell you how they ended.\n\nPick an action:", mainMenu)
}

func (s *Service) onTrack(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	chatID := upd.Message.Chat.ID
	if len(strings.Fields(upd.Message.Text)) < 2 {
		s.prompts.ask(chatID)
		s.send(ctx, b, chatID, "Send the transaction id (hex), optionally followed by its kind, e.g. transfer_coin.", nil)
		return
	}
	s.handleTrack(ctx, b, chatID, upd.Message.Text)
}

func (s *Service) onCbTrack(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.prompts.ask(chatID)
	s.send(ctx, b, chatID, "Send the transaction id (hex), optionally followed by its kind, e.g. transfer_coin.", nil)
}

func (s *Service) onAnyText(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	chatID := upd.Message.Chat.ID
	text := strings.TrimSpace(upd.Message.Text)

	if strings.HasPrefix(text, "/") {
		return
	}

	if !s.prompts.take(chatID) {
		s.send(ctx, b, chatID, "Use /start to open the menu.", nil)
		return
	}
	s.handleTrack(ctx, b, chatID, text)
}

func (s *Service) handleTrack(ctx context.Context, b *tgbot.Bot, chatID int64, text string) {
	id, kind, err := ParseTrackArgs(text)
	switch {
	case errors.Is(err, ErrUnknownKind):
		s.send(ctx, b, chatID, "Unknown kind. Try transfer_coin, nft, stake_flow or a number.", nil)
		return
	case err != nil:
		s.send(ctx, b, chatID, "That does not look like a transaction id. Expected hex, e.g. 0x1a2b...", nil)
		return
	}

	s.notifier.Watch(id, chatID)
	added, err := s.tracker.Register(ctx, txstate.Record{ID: id, Kind: kind})
	if err != nil {
		s.log.Error().Err(err).Str("tx_id", id).Msg("register from chat")
		s.send(ctx, b, chatID, fmt.Sprintf("Could not start tracking: %v", err), nil)
		return
	}

	msg := fmt.Sprintf("👀 Tracking %s (%s). I will message you when it settles.", shortenID(id), kind)
	if !added {
		msg = fmt.Sprintf("Already tracking %s. I will message you when it settles.", shortenID(id))
		if rec, ok := s.tracker.GetByID(id); ok && txstate.IsSettled(rec) {
			msg = FormatRecord(rec, "")
		}
	}
	s.send(ctx, b, chatID, msg, backMenu)
}

func (s *Service) onStatus(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	chatID := upd.Message.Chat.ID

	id, _, err := ParseTrackArgs(upd.Message.Text)
	if err != nil {
		s.send(ctx, b, chatID, "Usage: /status <tx id>", nil)
		return
	}
	rec, ok := s.tracker.GetByID(id)
	if !ok {
		s.send(ctx, b, chatID, "Not tracked. Use /track to start.", nil)
		return
	}
	s.send(ctx, b, chatID, FormatRecord(rec, s.tracker.Monitoring(id)), backMenu)
}

func (s *Service) onPending(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	s.sendPending(ctx, b, upd.Message.Chat.ID)
}

func (s *Service) onCbPending(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.sendPending(ctx, b, chatID)
}

func (s *Service) sendPending(ctx context.Context, b *tgbot.Bot, chatID int64) {
	s.send(ctx, b, chatID, FormatPending(s.tracker.ListProcessing()), backMenu)
}

func (s *Service) onHistory(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	s.sendHistory(ctx, b, upd.Message.Chat.ID)
}

func (s *Service) onCbHistory(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.sendHistory(ctx, b, chatID)
}

func (s *Service) sendHistory(ctx context.Context, b *tgbot.Bot, chatID int64) {
	if s.outcomes == nil {
		s.send(ctx, b, chatID, "History needs a database store (sqlite or postgres).", backMenu)
		return
	}

	items, err := s.outcomes.ListOutcomes(ctx, historyLimit)
	if err != nil {
		s.send(ctx, b, chatID, fmt.Sprintf("Could not read history: %v", err), backMenu)
		return
	}
	if len(items) == 0 {
		s.send(ctx, b, chatID, "History is empty.", backMenu)
		return
	}
	s.send(ctx, b, chatID, FormatHistory(items), backMenu)
}

func (s *Service) onCbBackToMain(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.prompts.clear(chatID)
	s.send(ctx, b, chatID, "Main menu:", mainMenu)
}
