package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"talkready/internal/capture"
	"talkready/internal/history"
	"talkready/internal/session"
	"talkready/internal/storage"
)

const helpText = "Practice a phone call in English.\n\n" +
	"/start <scenario> starts a call\n" +
	"/retry removes your last answer and the reply to it\n" +
	"/end finishes the call and shows feedback\n\n" +
	"During a call send voice notes or text."

func userKey(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.ID, 10)
}

func (b *Bot) handleIncomingMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.Chat == nil {
		return
	}
	uid := userKey(msg.From)
	if b.authSvc != nil && !b.authSvc.IsAllowed(uid) {
		b.logger.Warn("unauthorized access attempt", "user_id", uid)
		b.sendMessage(msg.Chat.ID, "You are not allowed to use this bot.")
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	sess := b.chat(msg.Chat.ID)
	if sess == nil {
		b.sendMessage(msg.Chat.ID, "No call in progress. "+b.scenarioHint())
		return
	}
	switch {
	case msg.Voice != nil:
		b.handleVoice(ctx, msg, sess)
	case strings.TrimSpace(msg.Text) != "":
		if _, err := sess.SendText(ctx, msg.Text); err != nil {
			b.replyError(msg.Chat.ID, err)
		}
	}
}

func (b *Bot) handleVoice(ctx context.Context, msg *tgbotapi.Message, sess *session.Session) {
	data, err := b.download(ctx, msg.Voice.FileID)
	if err != nil {
		b.logger.Error("voice download failed", "session_id", sess.ID(), "error", err)
		b.sendMessage(msg.Chat.ID, "Could not download your voice note. Please try again.")
		return
	}
	mime := msg.Voice.MimeType
	if mime == "" {
		mime = "audio/ogg"
	}
	if err := sess.SubmitAudio(ctx, capture.Blob{Data: data, MIMEType: mime}); err != nil {
		b.replyError(msg.Chat.ID, err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		b.startCall(ctx, msg)
	case "end":
		sess := b.chat(chatID)
		if sess == nil {
			b.sendMessage(chatID, "No call in progress.")
			return
		}
		if err := sess.End(ctx, session.ReasonUser); err != nil {
			b.replyError(chatID, err)
		}
	case "retry":
		sess := b.chat(chatID)
		if sess == nil {
			b.sendMessage(chatID, "No call in progress.")
			return
		}
		n, err := sess.Retry(ctx)
		if err != nil {
			b.replyError(chatID, err)
			return
		}
		b.sendMessage(chatID, fmt.Sprintf("Removed %d messages. Answer again.", n))
	default:
		b.sendMessage(chatID, helpText+"\n\n"+b.scenarioHint())
	}
}

func (b *Bot) scenarioHint() string {
	return "Scenarios: " + strings.Join(b.sessions.Scenarios().Keys(), ", ")
}

func (b *Bot) startCall(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	inquiry := strings.TrimSpace(msg.CommandArguments())
	if inquiry == "" {
		b.sendMessage(chatID, helpText+"\n\n"+b.scenarioHint())
		return
	}
	if old := b.chat(chatID); old != nil {
		b.sendMessage(chatID, "A call is already in progress. Send /end first.")
		return
	}
	sess, err := b.sessions.Start(ctx, userKey(msg.From), inquiry)
	if err != nil {
		if errors.Is(err, session.ErrUnknownScenario) {
			b.sendMessage(chatID, "Unknown scenario. "+b.scenarioHint())
			return
		}
		b.replyError(chatID, err)
		return
	}
	b.bind(chatID, sess)
	events, unsubscribe := sess.Subscribe()
	sc := sess.Scenario()
	b.sendMessage(chatID, fmt.Sprintf("Calling %s (%s). You have %d seconds.", sc.Counterpart, sc.Title, sess.Snapshot().RemainingSeconds))
	// the opening turn may already be out
	seen := make(map[string]bool)
	for _, t := range sess.Turns() {
		seen[t.ID] = true
		if t.Sender == history.SenderCounterpart {
			b.sendMessage(chatID, t.Text)
		}
	}
	go b.forward(chatID, sess, events, unsubscribe, seen)
}

// forward relays session events to the chat until the session ends.
func (b *Bot) forward(chatID int64, sess *session.Session, events <-chan session.Event, unsubscribe func(), seen map[string]bool) {
	defer unsubscribe()
	defer b.unbind(chatID, sess)
	for ev := range events {
		switch ev.Type {
		case session.EventTurn:
			if ev.Turn == nil || seen[ev.Turn.ID] {
				continue
			}
			seen[ev.Turn.ID] = true
			if ev.Turn.Sender == history.SenderCounterpart {
				b.sendMessage(chatID, ev.Turn.Text)
			} else if ev.Turn.AudioURL != "" {
				b.sendMessage(chatID, "You said: "+ev.Turn.Text)
			}
		case session.EventSpeech:
			if ev.Audio != nil && len(ev.Audio.Data) > 0 {
				b.sendVoice(chatID, "reply.mp3", ev.Audio.Data)
			}
		case session.EventTurnsRemoved:
		case session.EventNotice:
			if ev.Notice != nil {
				b.sendMessage(chatID, ev.Notice.Message)
			}
		case session.EventState:
			if ev.State == storage.StateEnded {
				b.sendMessage(chatID, "Call ended. Preparing your feedback...")
			}
		case session.EventAnalysis:
			if ev.Analysis != nil {
				b.sendMessage(chatID, formatAnalysis(*ev.Analysis))
			}
		}
	}
}

func formatAnalysis(a storage.AnalysisRecord) string {
	var bld strings.Builder
	bld.WriteString("Feedback\n")
	if a.Scores.Grammar != "" || a.Scores.Vocabulary != "" || a.Scores.Structure != "" {
		fmt.Fprintf(&bld, "Grammar: %s\nVocabulary: %s\nStructure: %s\n", a.Scores.Grammar, a.Scores.Vocabulary, a.Scores.Structure)
	}
	if a.Feedback != "" {
		bld.WriteString("\n" + a.Feedback + "\n")
	}
	if a.Details != "" {
		bld.WriteString("\n" + a.Details)
	}
	return strings.TrimSpace(bld.String())
}

func (b *Bot) replyError(chatID int64, err error) {
	switch {
	case errors.Is(err, session.ErrNotActive):
		b.sendMessage(chatID, "The call has ended. Send /start to begin a new one.")
	case errors.Is(err, session.ErrCaptureInProgress):
		b.sendMessage(chatID, "Still processing your last recording. Please wait.")
	case errors.Is(err, capture.ErrNoAudioCaptured):
		b.sendMessage(chatID, "That voice note was empty.")
	default:
		// pipeline failures already arrive as notices
		b.logger.Debug("telegram request failed", "chat_id", chatID, "error", err)
	}
}
