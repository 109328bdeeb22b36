// Package speech turns voice notes into text for dictation.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var ErrEmptyTranscript = errors.New("no speech recognised")

type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader, language string) (string, error)
}

// recognitionLanguages maps chat language codes to ISO-639-1 hints.
var recognitionLanguages = map[string]string{
	"en":      "en",
	"es":      "es",
	"it":      "it",
	"fr":      "fr",
	"de":      "de",
	"pl":      "pl",
	"palmero": "es",
}

// RecognitionLanguage returns the language hint for a chat language, "en"
// when unknown.
func RecognitionLanguage(language string) string {
	if code, ok := recognitionLanguages[language]; ok {
		return code
	}
	return "en"
}

type WhisperTranscriber struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewWhisperTranscriber(apiKey, baseURL, model string, logger *zap.Logger) *WhisperTranscriber {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}

	return &WhisperTranscriber{
		client: openai.NewClientWithConfig(config),
		model:  model,
		logger: logger,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, filename string, audio io.Reader, language string) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   audio,
		Language: RecognitionLanguage(language),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		w.logger.Error("Transcription failed", zap.Error(err), zap.String("file", filename))
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}
