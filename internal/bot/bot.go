package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/avo-bot/internal/chat"
	"github.com/xaenox/avo-bot/internal/classifier"
	"github.com/xaenox/avo-bot/internal/completion"
	"github.com/xaenox/avo-bot/internal/models"
	"go.uber.org/zap"
)

const (
	// maxDownloadSize is the Bot API limit for getFile.
	maxDownloadSize = 20 * 1024 * 1024
	typingInterval  = 4 * time.Second
)

type Bot struct {
	api          *tgbotapi.BotAPI
	chat         *chat.Service
	editInterval time.Duration
	httpClient   *http.Client
	logger       *zap.Logger

	locks *chatLocks
}

func New(token string, service *chat.Service, editInterval time.Duration, debug bool, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = debug

	return &Bot{
		api:          api,
		chat:         service,
		editInterval: editInterval,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		logger:       logger,
		locks:        newChatLocks(),
	}, nil
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}

			wg.Add(1)
			go func(message *tgbotapi.Message) {
				defer wg.Done()
				b.handleMessage(ctx, message)
			}(update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	// One message per chat at a time, so a session is never read and
	// written by two handlers at once.
	release := b.locks.Acquire(message.Chat.ID)
	defer release()

	switch {
	case message.IsCommand():
		b.handleCommand(ctx, message)
	case len(message.Photo) > 0:
		b.handlePhoto(ctx, message)
	case message.Document != nil:
		b.handleDocument(ctx, message)
	case message.Voice != nil:
		b.handleVoice(ctx, message)
	case message.Text != "":
		b.handleText(ctx, message)
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "language":
		b.handleLanguage(ctx, message)
	case "remaining":
		b.handleRemaining(ctx, message)
	case "files":
		b.handleFiles(ctx, message)
	case "remove":
		b.handleRemove(ctx, message)
	case "clear":
		b.reply(message.Chat.ID, b.chat.Clear(ctx, message.Chat.ID))
	case "plant":
		b.sendMessage(message.Chat.ID, "Send me a photo with the caption /plant and I will try to identify it.")
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to AVO AI! 🌋
I know the Canary Islands: culture, history, geography, tourism and local customs.

Ask me anything, send a voice note, share a TXT file or a photo to add context, or send a plant photo with the caption /plant.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/language <code> - Change the answer language (` + strings.Join(completion.Languages(), ", ") + `)
/remaining - Show what is left of today's quota
/files - List the files used as context
/remove <n> - Remove a file
/clear - Forget the conversation and files

You can send:
- Text messages and voice notes
- TXT files and photos, used as context
- A photo with the caption /plant to identify a plant`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleLanguage(ctx context.Context, message *tgbotapi.Message) {
	code := strings.TrimSpace(message.CommandArguments())
	if code == "" {
		current := b.chat.Language(ctx, message.Chat.ID)
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Current language: %s. Available: %s",
			completion.LanguageName(current), strings.Join(completion.Languages(), ", ")))
		return
	}
	b.reply(message.Chat.ID, b.chat.SetLanguage(ctx, message.Chat.ID, code))
}

func (b *Bot) handleRemaining(ctx context.Context, message *tgbotapi.Message) {
	questions, plants := b.chat.Remaining(ctx, message.From.ID)
	b.sendMessage(message.Chat.ID, formatRemaining(questions, plants))
}

func (b *Bot) handleFiles(ctx context.Context, message *tgbotapi.Message) {
	b.sendMessage(message.Chat.ID, formatDocuments(b.chat.Documents(ctx, message.Chat.ID)))
}

func (b *Bot) handleRemove(ctx context.Context, message *tgbotapi.Message) {
	n, err := strconv.Atoi(strings.TrimSpace(message.CommandArguments()))
	if err != nil {
		b.sendMessage(message.Chat.ID, "Usage: /remove <file number>. Use /files to see the numbers.")
		return
	}
	b.reply(message.Chat.ID, b.chat.RemoveDocument(ctx, message.Chat.ID, n))
}

func (b *Bot) handleText(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	stopTyping := b.keepTyping(ctx, chatID)
	defer stopTyping()

	editor := b.newEditor(chatID)
	reply := b.chat.Ask(ctx, chatID, message.From.ID, message.Text, editor.Update)
	b.finish(chatID, editor, reply, "")
}

func (b *Bot) handleVoice(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	stopTyping := b.keepTyping(ctx, chatID)
	defer stopTyping()

	body, err := b.openFile(ctx, message.Voice.FileID)
	if err != nil {
		b.logger.Error("Failed to download voice note", zap.Error(err), zap.Int64("chat_id", chatID))
		b.sendErrorMessage(chatID, "Sorry, I couldn't download your voice message.")
		return
	}
	defer body.Close()

	editor := b.newEditor(chatID)
	reply := b.chat.Dictate(ctx, chatID, message.From.ID, "voice.ogg", body, editor.Update)
	b.finish(chatID, editor, reply, reply.Transcript)
}

func (b *Bot) handlePhoto(ctx context.Context, message *tgbotapi.Message) {
	// Telegram lists sizes smallest first.
	photo := message.Photo[len(message.Photo)-1]
	name := fmt.Sprintf("photo_%s.jpg", photo.FileUniqueID)
	b.handleImage(ctx, message, photo.FileID, name, "image/jpeg")
}

func (b *Bot) handleDocument(ctx context.Context, message *tgbotapi.Message) {
	doc := message.Document
	if classifier.IsSupportedImage(doc.MimeType) {
		b.handleImage(ctx, message, doc.FileID, doc.FileName, doc.MimeType)
		return
	}

	chatID := message.Chat.ID
	data, err := b.downloadFile(ctx, doc.FileID)
	if err != nil {
		b.logger.Error("Failed to download document", zap.Error(err), zap.Int64("chat_id", chatID))
		b.sendErrorMessage(chatID, fmt.Sprintf("Sorry, I couldn't download the file %q.", doc.FileName))
		return
	}
	b.reply(chatID, b.chat.AttachDocument(ctx, chatID, doc.FileName, doc.MimeType, data))
}

func (b *Bot) handleImage(ctx context.Context, message *tgbotapi.Message, fileID, name, mimeType string) {
	chatID := message.Chat.ID
	stopTyping := b.keepTyping(ctx, chatID)
	defer stopTyping()

	data, err := b.downloadFile(ctx, fileID)
	if err != nil {
		b.logger.Error("Failed to download image", zap.Error(err), zap.Int64("chat_id", chatID))
		b.sendErrorMessage(chatID, fmt.Sprintf("Sorry, I couldn't download the file %q.", name))
		return
	}

	if isPlantRequest(message.Caption) {
		b.reply(chatID, b.chat.IdentifyPlant(ctx, chatID, message.From.ID, name, data))
		return
	}
	b.reply(chatID, b.chat.AttachImage(ctx, chatID, classifier.Image{Name: name, MIMEType: mimeType, Data: data}))
}

func isPlantRequest(caption string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(caption)), "/plant")
}

// keepTyping shows the typing indicator until the returned func is called.
func (b *Bot) keepTyping(ctx context.Context, chatID int64) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
				b.logger.Debug("Failed to send chat action", zap.Error(err), zap.Int64("chat_id", chatID))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func (b *Bot) openFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	fileURL, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to download file: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	body, err := b.openFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > maxDownloadSize {
		return nil, fmt.Errorf("file exceeds %d bytes", maxDownloadSize)
	}
	return data, nil
}

func (b *Bot) reply(chatID int64, reply chat.Reply) {
	switch reply.Kind {
	case chat.ReplyIgnored:
	case chat.ReplyFailure:
		b.sendErrorMessage(chatID, reply.Text)
	default:
		b.sendMessage(chatID, reply.Text)
	}
}

// finish writes the final reply into the placeholder, or sends it when no
// placeholder was needed.
func (b *Bot) finish(chatID int64, editor *replyEditor, reply chat.Reply, transcript string) {
	text := reply.Text
	if transcript != "" {
		text = fmt.Sprintf("🎤 %s\n\n%s", transcript, text)
	}
	if reply.Kind == chat.ReplyFailure {
		text = "⚠️ " + text
	}
	if reply.Kind == chat.ReplyIgnored || text == "" {
		editor.Discard()
		return
	}
	editor.Final(text)
}

func (b *Bot) sendMessage(chatID int64, text string) {
	for _, part := range splitMessage(text, maxMessageLength) {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := b.api.Send(msg); err != nil {
			b.logger.Error("Failed to send message",
				zap.Error(err),
				zap.Int64("chat_id", chatID))
		}
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func formatRemaining(questions, plants int) string {
	return fmt.Sprintf("Today you have %d question(s) and %d plant identification(s) left.", questions, plants)
}

func formatDocuments(docs []models.Document) string {
	if len(docs) == 0 {
		return "You haven't shared any files yet."
	}

	var b strings.Builder
	b.WriteString("Files used as context:\n")
	for i, doc := range docs {
		fmt.Fprintf(&b, "%d. %s", i+1, doc.Name)
		if doc.Analysis != "" {
			fmt.Fprintf(&b, " (%s)", doc.Analysis)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
