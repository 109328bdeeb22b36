package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/xaenox/avo-bot/internal/models"
	"go.uber.org/zap"
)

func sessionKey(chatID int64) string {
	return "session:" + strconv.FormatInt(chatID, 10)
}

func (s *Service) newSession(chatID int64) *models.Session {
	return &models.Session{
		ChatID:    chatID,
		Language:  s.cfg.DefaultLanguage,
		History:   []models.Message{},
		Documents: []models.Document{},
		UpdatedAt: time.Now(),
	}
}

// loadSession never fails: unreadable sessions are replaced by fresh ones.
func (s *Service) loadSession(ctx context.Context, chatID int64) *models.Session {
	raw, ok, err := s.store.Get(ctx, sessionKey(chatID))
	if err != nil {
		s.logger.Error("Failed to load session", zap.Error(err), zap.Int64("chat_id", chatID))
		return s.newSession(chatID)
	}
	if !ok {
		return s.newSession(chatID)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		s.logger.Warn("Corrupt session, starting a new one", zap.Error(err), zap.Int64("chat_id", chatID))
		return s.newSession(chatID)
	}

	session.ChatID = chatID
	if session.Language == "" {
		session.Language = s.cfg.DefaultLanguage
	}
	return &session
}

func (s *Service) saveSession(ctx context.Context, session *models.Session) error {
	if s.cfg.MaxHistory > 0 && len(session.History) > s.cfg.MaxHistory {
		session.History = session.History[len(session.History)-s.cfg.MaxHistory:]
	}
	session.UpdatedAt = time.Now()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.store.Set(ctx, sessionKey(session.ChatID), string(data)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}
