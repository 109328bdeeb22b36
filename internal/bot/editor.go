package bot

import (
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// maxMessageLength is the Bot API limit for one text message, counted in
// UTF-16 code units.
const maxMessageLength = 4096

// messenger is the part of *tgbotapi.BotAPI the editor needs.
type messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// replyEditor shows a streamed reply in one message, posted on the first
// partial and edited at most once per interval after that. Final always
// lands.
type replyEditor struct {
	api      messenger
	chatID   int64
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	messageID int
	last      time.Time
	shown     string
}

func (b *Bot) newEditor(chatID int64) *replyEditor {
	return newReplyEditor(b.api, chatID, b.editInterval, b.logger)
}

func newReplyEditor(api messenger, chatID int64, interval time.Duration, logger *zap.Logger) *replyEditor {
	return &replyEditor{
		api:      api,
		chatID:   chatID,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

func (e *replyEditor) Update(partial string) {
	text := firstPart(partial)
	if text == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.messageID == 0 {
		e.post(text)
		return
	}
	if text == e.shown || e.now().Sub(e.last) < e.interval {
		return
	}
	e.edit(text)
}

func (e *replyEditor) Final(text string) {
	parts := splitMessage(text, maxMessageLength)
	if len(parts) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.messageID == 0 {
		e.post(parts[0])
	} else if parts[0] != e.shown {
		e.edit(parts[0])
	}
	for _, part := range parts[1:] {
		if _, err := e.api.Send(tgbotapi.NewMessage(e.chatID, part)); err != nil {
			e.logger.Error("Failed to send message", zap.Error(err), zap.Int64("chat_id", e.chatID))
		}
	}
}

// Discard removes the placeholder, if one was posted.
func (e *replyEditor) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.messageID == 0 {
		return
	}
	if _, err := e.api.Request(tgbotapi.NewDeleteMessage(e.chatID, e.messageID)); err != nil {
		e.logger.Warn("Failed to delete placeholder", zap.Error(err), zap.Int64("chat_id", e.chatID))
	}
	e.messageID = 0
}

func (e *replyEditor) post(text string) {
	msg, err := e.api.Send(tgbotapi.NewMessage(e.chatID, text))
	if err != nil {
		e.logger.Error("Failed to send message", zap.Error(err), zap.Int64("chat_id", e.chatID))
		return
	}
	e.messageID = msg.MessageID
	e.last = e.now()
	e.shown = text
}

func (e *replyEditor) edit(text string) {
	if _, err := e.api.Request(tgbotapi.NewEditMessageText(e.chatID, e.messageID, text)); err != nil {
		e.logger.Warn("Failed to edit message", zap.Error(err), zap.Int64("chat_id", e.chatID))
		return
	}
	e.last = e.now()
	e.shown = text
}

func firstPart(text string) string {
	parts := splitMessage(text, maxMessageLength)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// splitMessage cuts text into chunks of at most limit UTF-16 code units,
// breaking after a newline when one is available in the second half of a
// chunk. Runes are never split.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var parts []string
	for textLength(text) > limit {
		cut := byteOffset(text, limit)
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(text)
		}
		if nl := strings.LastIndex(text[:cut], "\n"); nl > cut/2 {
			cut = nl + 1
		}
		parts = append(parts, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// textLength counts s the way Telegram does, in UTF-16 code units.
func textLength(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// byteOffset returns the byte index of the longest prefix of s that fits in
// limit UTF-16 code units.
func byteOffset(s string, limit int) int {
	n := 0
	for pos, r := range s {
		n += utf16.RuneLen(r)
		if n > limit {
			return pos
		}
	}
	return len(s)
}
