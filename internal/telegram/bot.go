package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"talkready/internal/auth"
	"talkready/internal/session"
)

// Bot is a chat frontend for practice calls: text messages are typed turns, voice notes go
// through the recording pipeline and replies come back as text plus a voice note.
type Bot struct {
	api      *tgbotapi.BotAPI
	s        sender
	download downloader
	authSvc  *auth.Service
	sessions *session.Manager
	logger   *slog.Logger

	mu    sync.Mutex
	chats map[int64]*session.Session
}

func New(botToken string, authSvc *auth.Service, sessions *session.Manager, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}
	b := newBot(botAPISender{api: api}, botAPIDownloader(api, &http.Client{Timeout: 30 * time.Second}), authSvc, sessions, logger)
	b.api = api
	return b, nil
}

func newBot(s sender, dl downloader, authSvc *auth.Service, sessions *session.Manager, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		s:        s,
		download: dl,
		authSvc:  authSvc,
		sessions: sessions,
		logger:   logger.With("component", "telegram"),
		chats:    make(map[int64]*session.Session),
	}
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram bot started", "username", b.api.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleIncomingMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) chat(chatID int64) *session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chats[chatID]
}

func (b *Bot) bind(chatID int64, s *session.Session) {
	b.mu.Lock()
	b.chats[chatID] = s
	b.mu.Unlock()
}

func (b *Bot) unbind(chatID int64, s *session.Session) {
	b.mu.Lock()
	if b.chats[chatID] == s {
		delete(b.chats, chatID)
	}
	b.mu.Unlock()
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.s.Send(msg); err != nil {
		b.logger.Warn("failed to send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) sendVoice(chatID int64, name string, data []byte) {
	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	if _, err := b.s.Send(voice); err != nil {
		b.logger.Warn("failed to send voice", "chat_id", chatID, "error", err)
	}
}
