package completion

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// Stream is the reply to a single streamed request. Recv yields the non-empty
// text deltas in arrival order; Text is their concatenation so far.
//
// A Stream is not safe for concurrent use and cannot be restarted.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	watchdog *watchdog
	body     io.ReadCloser
	reader *bufio.Reader
	text   strings.Builder
	done   bool
	closed bool
	logger *zap.Logger
}

func newStream(ctx context.Context, body io.ReadCloser, logger *zap.Logger) *Stream {
	return &Stream{
		ctx:    ctx,
		body:   body,
		reader: bufio.NewReader(body),
		logger: logger,
	}
}

// Recv returns the next text delta. It returns io.EOF once the server sent
// [DONE] or closed the body; in both cases Text holds the final reply. Only a
// cancelled or expired context, or a server silent for longer than the
// client timeout, is reported as an error.
func (s *Stream) Recv() (string, error) {
	for !s.done {
		line, err := s.reader.ReadString('\n')
		s.watchdog.Reset()
		if err != nil {
			s.done = true
			if s.watchdog.Fired() {
				s.Close()
				return "", timeoutError(err)
			}
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				s.Close()
				return "", ctxErr
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("Stream closed unexpectedly, keeping partial reply",
					zap.Error(err),
					zap.Int("received", s.text.Len()))
			}
		}

		delta, finished := s.parseLine(line)
		if finished {
			s.done = true
			break
		}
		if delta != "" {
			s.text.WriteString(delta)
			return delta, nil
		}
	}

	s.Close()
	return "", io.EOF
}

// parseLine decodes one protocol line. Lines without the data marker are
// ignored, as are records that fail to decode.
func (s *Stream) parseLine(line string) (delta string, finished bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneSentinel {
		return "", true
	}
	if payload == "" {
		return "", false
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		s.logger.Warn("Skipping malformed stream record",
			zap.Error(err),
			zap.String("payload", payload))
		return "", false
	}

	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, false
}

// Text returns everything received so far.
func (s *Stream) Text() string {
	return s.text.String()
}

// Close releases the connection. It may be called at any time and more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.done = true
	s.watchdog.Stop()
	err := s.body.Close()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// watchdog cancels a request once it has been silent for longer than
// timeout. A nil watchdog never fires.
type watchdog struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newWatchdog(timeout time.Duration, cancel context.CancelFunc) *watchdog {
	if timeout <= 0 {
		return nil
	}
	w := &watchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.fired.Store(true)
		cancel()
	})
	return w
}

// Reset restarts the silence window after data arrived.
func (w *watchdog) Reset() {
	if w == nil || w.fired.Load() {
		return
	}
	w.timer.Reset(w.timeout)
}

func (w *watchdog) Stop() {
	if w != nil {
		w.timer.Stop()
	}
}

func (w *watchdog) Fired() bool {
	return w != nil && w.fired.Load()
}
