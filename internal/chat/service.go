// Package chat composes the quota trackers, the completion client and the
// optional media capabilities into the conversation a chat front-end drives.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xaenox/avo-bot/internal/classifier"
	"github.com/xaenox/avo-bot/internal/completion"
	"github.com/xaenox/avo-bot/internal/models"
	"github.com/xaenox/avo-bot/internal/plantnet"
	"github.com/xaenox/avo-bot/internal/quota"
	"github.com/xaenox/avo-bot/internal/speech"
	"github.com/xaenox/avo-bot/internal/storage"
	"go.uber.org/zap"
)

const (
	DefaultMaxDocuments = 5
	DefaultMaxHistory   = 40
)

// Completer produces assistant replies.
type Completer interface {
	StreamText(ctx context.Context, req completion.Request, onPartial func(partial string)) (string, error)
	Complete(ctx context.Context, req completion.Request) (string, error)
}

type PlantIdentifier interface {
	Identify(ctx context.Context, filename string, image []byte) (*plantnet.Result, error)
}

type Config struct {
	// Streaming selects StreamText over Complete.
	Streaming       bool
	MaxDocuments    int
	MaxHistory      int
	DefaultLanguage string
}

type ReplyKind int

const (
	ReplyIgnored ReplyKind = iota
	ReplyAnswer
	ReplyInfo
	ReplyLimitReached
	ReplyFailure
)

// Reply is what the front-end shows for one user action.
type Reply struct {
	Kind ReplyKind
	Text string
	// Remaining is the quota left after a successful answer or identification.
	Remaining int
	// Transcript is set by Dictate.
	Transcript string
}

type Option func(*Service)

func WithPlantIdentifier(p PlantIdentifier) Option {
	return func(s *Service) { s.plants = p }
}

func WithClassifier(c classifier.Classifier) Option {
	return func(s *Service) { s.classifier = c }
}

func WithTranscriber(t speech.Transcriber) Option {
	return func(s *Service) { s.transcriber = t }
}

type Service struct {
	store          storage.Store
	completer      Completer
	questionsQuota *quota.Tracker
	plantsQuota    *quota.Tracker
	plants         PlantIdentifier
	classifier     classifier.Classifier
	transcriber    speech.Transcriber
	cfg            Config
	logger         *zap.Logger
}

func NewService(store storage.Store, completer Completer, questions, plants *quota.Tracker, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = DefaultMaxDocuments
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = completion.DefaultLanguage
	}

	s := &Service{
		store:          store,
		completer:      completer,
		questionsQuota: questions,
		plantsQuota:    plants,
		cfg:            cfg,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func owner(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// Ask sends text to the assistant. onPartial, when not nil, receives the
// growing reply while it streams. The quota is only charged for a reply that
// arrived in full.
func (s *Service) Ask(ctx context.Context, chatID, userID int64, text string, onPartial func(string)) Reply {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{Kind: ReplyIgnored}
	}

	tracker := s.questionsQuota.For(owner(userID))
	if tracker.HasReachedLimit(ctx) {
		return Reply{Kind: ReplyLimitReached, Text: msgDailyLimitReached}
	}

	session := s.loadSession(ctx, chatID)
	requestID := uuid.New().String()
	logger := s.logger.With(
		zap.String("request_id", requestID),
		zap.Int64("chat_id", chatID),
		zap.Int64("user_id", userID))

	req := completion.Request{
		RequestID: requestID,
		History:   session.History,
		Prompt:    text,
		Language:  session.Language,
		Documents: session.Documents,
	}

	var (
		answer string
		err    error
	)
	if s.cfg.Streaming {
		if onPartial == nil {
			onPartial = func(string) {}
		}
		answer, err = s.completer.StreamText(ctx, req, onPartial)
	} else {
		answer, err = s.completer.Complete(ctx, req)
	}
	if err != nil {
		logger.Error("Completion failed", zap.Error(err))
		return Reply{Kind: ReplyFailure, Text: fmt.Sprintf(fmtRequestFailed, err.Error())}
	}

	remaining := tracker.Increment(ctx)

	session.History = append(session.History, models.UserMessage(text), models.AssistantMessage(answer))
	if err := s.saveSession(ctx, session); err != nil {
		logger.Error("Failed to save conversation", zap.Error(err))
	}

	logger.Info("Answered question", zap.Int("remaining", remaining))
	return Reply{Kind: ReplyAnswer, Text: answer, Remaining: remaining}
}

// IdentifyPlant charges the plant quota only when the service answered.
func (s *Service) IdentifyPlant(ctx context.Context, chatID, userID int64, filename string, image []byte) Reply {
	if s.plants == nil {
		return Reply{Kind: ReplyInfo, Text: msgPlantUnavailable}
	}

	tracker := s.plantsQuota.For(owner(userID))
	if tracker.HasReachedLimit(ctx) {
		return Reply{Kind: ReplyLimitReached, Text: msgPlantLimitReached}
	}

	result, err := s.plants.Identify(ctx, filename, image)
	if err != nil {
		s.logger.Error("Plant identification failed",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
		var apiErr *plantnet.Error
		if errors.As(err, &apiErr) {
			return Reply{Kind: ReplyFailure, Text: apiErr.Message}
		}
		return Reply{Kind: ReplyFailure, Text: fmt.Sprintf(fmtRequestFailed, err.Error())}
	}

	remaining := tracker.Increment(ctx)
	return Reply{Kind: ReplyAnswer, Text: result.String(), Remaining: remaining}
}

func (s *Service) documentsFull(session *models.Session) bool {
	return len(session.Documents) >= s.cfg.MaxDocuments
}

// AttachDocument adds a plain text file to the chat context.
func (s *Service) AttachDocument(ctx context.Context, chatID int64, name, mimeType string, content []byte) Reply {
	session := s.loadSession(ctx, chatID)
	if s.documentsFull(session) {
		return Reply{Kind: ReplyInfo, Text: msgMaxFilesReached}
	}

	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil || mediaType != "text/plain" {
		return Reply{Kind: ReplyInfo, Text: msgOnlyText}
	}

	text := string(content)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}

	session.Documents = append(session.Documents, models.Document{
		Name:    name,
		Type:    mediaType,
		Content: text,
	})
	if err := s.saveSession(ctx, session); err != nil {
		s.logger.Error("Failed to save document", zap.Error(err), zap.Int64("chat_id", chatID))
		return Reply{Kind: ReplyFailure, Text: fmt.Sprintf(fmtFileFailed, name, err.Error())}
	}

	return Reply{Kind: ReplyInfo, Text: fmt.Sprintf(fmtFileUploaded, name)}
}

// AttachImage classifies an image and keeps the labels as chat context.
func (s *Service) AttachImage(ctx context.Context, chatID int64, image classifier.Image) Reply {
	session := s.loadSession(ctx, chatID)
	if s.documentsFull(session) {
		return Reply{Kind: ReplyInfo, Text: msgMaxFilesReached}
	}
	if !classifier.IsSupportedImage(image.MIMEType) {
		return Reply{Kind: ReplyInfo, Text: msgOnlyImages}
	}
	if s.classifier == nil {
		return Reply{Kind: ReplyInfo, Text: msgImageUnavailable}
	}

	predictions, err := s.classifier.Classify(ctx, image)
	if err != nil {
		s.logger.Error("Image classification failed",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.String("file", image.Name))
		return Reply{Kind: ReplyFailure, Text: fmt.Sprintf(fmtFileFailed, image.Name, err.Error())}
	}

	analysis := classifier.FormatPredictions(predictions)
	session.Documents = append(session.Documents, models.Document{
		Name:     image.Name,
		Type:     image.MIMEType,
		Content:  imageAnalysisPrefix + analysis,
		Analysis: analysis,
	})
	if err := s.saveSession(ctx, session); err != nil {
		s.logger.Error("Failed to save image analysis", zap.Error(err), zap.Int64("chat_id", chatID))
		return Reply{Kind: ReplyFailure, Text: fmt.Sprintf(fmtFileFailed, image.Name, err.Error())}
	}

	return Reply{Kind: ReplyInfo, Text: fmt.Sprintf(fmtImageAnalyzed, image.Name, analysis)}
}

// Dictate transcribes a voice note in the chat language and asks it.
func (s *Service) Dictate(ctx context.Context, chatID, userID int64, filename string, audio io.Reader, onPartial func(string)) Reply {
	if s.transcriber == nil {
		return Reply{Kind: ReplyInfo, Text: msgVoiceUnavailable}
	}
	if s.questionsQuota.For(owner(userID)).HasReachedLimit(ctx) {
		return Reply{Kind: ReplyLimitReached, Text: msgDailyLimitReached}
	}

	session := s.loadSession(ctx, chatID)
	transcript, err := s.transcriber.Transcribe(ctx, filename, audio, session.Language)
	if err != nil {
		s.logger.Warn("Transcription failed", zap.Error(err), zap.Int64("chat_id", chatID))
		return Reply{Kind: ReplyFailure, Text: msgVoiceNotUnderstood}
	}

	reply := s.Ask(ctx, chatID, userID, transcript, onPartial)
	reply.Transcript = transcript
	return reply
}

func (s *Service) SetLanguage(ctx context.Context, chatID int64, language string) Reply {
	language = strings.ToLower(strings.TrimSpace(language))
	if !completion.IsSupported(language) {
		return Reply{Kind: ReplyInfo, Text: fmt.Sprintf(fmtLanguageBad, language, strings.Join(completion.Languages(), ", "))}
	}

	session := s.loadSession(ctx, chatID)
	session.Language = language
	if err := s.saveSession(ctx, session); err != nil {
		s.logger.Error("Failed to save language", zap.Error(err), zap.Int64("chat_id", chatID))
		return Reply{Kind: ReplyFailure, Text: fmt.Sprintf(fmtRequestFailed, err.Error())}
	}
	return Reply{Kind: ReplyInfo, Text: fmt.Sprintf(fmtLanguageSet, completion.LanguageName(language))}
}

// Documents lists the files attached to a chat.
func (s *Service) Documents(ctx context.Context, chatID int64) []models.Document {
	return s.loadSession(ctx, chatID).Documents
}

// RemoveDocument drops the n-th attached file, counting from 1.
func (s *Service) RemoveDocument(ctx context.Context, chatID int64, n int) Reply {
	session := s.loadSession(ctx, chatID)
	if n < 1 || n > len(session.Documents) {
		return Reply{Kind: ReplyInfo, Text: fmt.Sprintf(fmtNoSuchFile, n)}
	}

	removed := session.Documents[n-1]
	session.Documents = append(session.Documents[:n-1], session.Documents[n:]...)
	if err := s.saveSession(ctx, session); err != nil {
		s.logger.Error("Failed to remove document", zap.Error(err), zap.Int64("chat_id", chatID))
		return Reply{Kind: ReplyFailure, Text: fmt.Sprintf(fmtRequestFailed, err.Error())}
	}
	return Reply{Kind: ReplyInfo, Text: fmt.Sprintf(fmtFileRemoved, removed.Name)}
}

// Clear forgets history and files but keeps the chosen language.
func (s *Service) Clear(ctx context.Context, chatID int64) Reply {
	session := s.loadSession(ctx, chatID)
	fresh := s.newSession(chatID)
	fresh.Language = session.Language
	if err := s.saveSession(ctx, fresh); err != nil {
		s.logger.Error("Failed to clear session", zap.Error(err), zap.Int64("chat_id", chatID))
		return Reply{Kind: ReplyFailure, Text: fmt.Sprintf(fmtRequestFailed, err.Error())}
	}
	return Reply{Kind: ReplyInfo, Text: msgCleared}
}

// Remaining reports the questions and plant identifications left today.
func (s *Service) Remaining(ctx context.Context, userID int64) (questions, plants int) {
	return s.questionsQuota.For(owner(userID)).Remaining(ctx),
		s.plantsQuota.For(owner(userID)).Remaining(ctx)
}

// Language returns the chat's current language code.
func (s *Service) Language(ctx context.Context, chatID int64) string {
	return s.loadSession(ctx, chatID).Language
}
