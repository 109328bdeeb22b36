package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/avo-bot/internal/models"
	"go.uber.org/zap"
)

type capturedRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Stream      bool    `json:"stream"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		APIKey:  "test-key",
		BaseURL: url,
		Model:   "deepseek-chat",
	}, nil, zap.NewNop())
}

func writeSSE(t *testing.T, w http.ResponseWriter, chunks ...string) {
	t.Helper()
	flusher, ok := w.(http.Flusher)
	assert.True(t, ok)

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, chunk := range chunks {
		_, _ = io.WriteString(w, chunk)
		if ok {
			flusher.Flush()
		}
	}
}

func TestStreamRequestAndPartials(t *testing.T) {
	var captured capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		writeSSE(t, w,
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n",
			"data: {\"choices\":[{\"delta\":{\"con",
			"tent\":\"lo\"}}]}\n",
			"data: [DONE]\n",
		)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	var partials []string
	text, err := client.StreamText(context.Background(), Request{
		History: []models.Message{
			models.UserMessage("Where is Teide?"),
			models.AssistantMessage("On Tenerife."),
		},
		Prompt:   "How high is it?",
		Language: "de",
	}, func(partial string) {
		partials = append(partials, partial)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "Hello"}, partials)

	assert.Equal(t, "deepseek-chat", captured.Model)
	assert.True(t, captured.Stream)
	assert.Equal(t, DefaultMaxTokens, captured.MaxTokens)
	assert.InDelta(t, 0.7, captured.Temperature, 1e-6)

	require.Len(t, captured.Messages, 4)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Contains(t, captured.Messages[0].Content, Directive("de"))
	assert.Contains(t, captured.Messages[0].Content, "Canary Islands")
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, "Where is Teide?", captured.Messages[1].Content)
	assert.Equal(t, "assistant", captured.Messages[2].Role)
	assert.Equal(t, "user", captured.Messages[3].Role)
	assert.Equal(t, "How high is it?", captured.Messages[3].Content)
}

func TestStreamPalmeroTemperature(t *testing.T) {
	var captured capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		writeSSE(t, w, "data: [DONE]\n")
	}))
	defer server.Close()

	text, err := newTestClient(server.URL).StreamText(context.Background(), Request{Prompt: "¿Qué hay, mi niño?", Language: Palmero}, nil)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.InDelta(t, 0.8, captured.Temperature, 1e-6)
}

func TestStreamStatusErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"structured", http.StatusInternalServerError, `{"error":{"message":"boom"}}`, "boom"},
		{"unparseable", http.StatusInternalServerError, `<html>Bad Gateway</html>`, "API request failed with status 500"},
		{"empty message", http.StatusUnauthorized, `{"error":{"message":""}}`, "API request failed with status 401"},
		{"empty body", http.StatusTooManyRequests, ``, "API request failed with status 429"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			stream, err := newTestClient(server.URL).Stream(context.Background(), Request{Prompt: "hi"})
			require.Error(t, err)
			assert.Nil(t, stream)
			assert.Equal(t, tt.wantMessage, err.Error())

			var cerr *Error
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, KindStatus, cerr.Kind)
			assert.Equal(t, tt.status, cerr.Status)
		})
	}
}

func TestStreamTextReturnsNoPartialOnStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom"}}`)
	}))
	defer server.Close()

	called := false
	text, err := newTestClient(server.URL).StreamText(context.Background(), Request{Prompt: "hi"}, func(string) {
		called = true
	})
	assert.EqualError(t, err, "boom")
	assert.Empty(t, text)
	assert.False(t, called)
}

func TestStreamTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url).Stream(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindTransport, cerr.Kind)
	assert.NotEmpty(t, cerr.Message)
}

func TestStreamContextCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n")
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	stream, err := newTestClient(server.URL).Stream(ctx, Request{Prompt: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	delta, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hel", delta)

	_, err = stream.Recv()
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, "Hel", stream.Text())
}

func TestComplete(t *testing.T) {
	var captured capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "cmpl-1",
			"object": "chat.completion",
			"model": "deepseek-chat",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Seven main islands."},
				"finish_reason": "stop"
			}]
		}`)
	}))
	defer server.Close()

	text, err := newTestClient(server.URL).Complete(context.Background(), Request{Prompt: "How many islands?", Language: "es"})
	require.NoError(t, err)
	assert.Equal(t, "Seven main islands.", text)

	assert.False(t, captured.Stream)
	require.NotEmpty(t, captured.Messages)
	assert.Contains(t, captured.Messages[0].Content, Directive("es"))
}

func TestCompleteStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom"}}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Complete(context.Background(), Request{Prompt: "hi"})
	assert.EqualError(t, err, "boom")

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindStatus, cerr.Kind)
	assert.Equal(t, http.StatusInternalServerError, cerr.Status)
}

func TestCompleteWithoutChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cmpl-1","choices":[]}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Complete(context.Background(), Request{Prompt: "hi"})
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindMalformed, cerr.Kind)
}

func TestErrorFromBody(t *testing.T) {
	assert.Equal(t, "boom", errorFromBody(500, []byte(`{"error":{"message":"boom"}}`)).Message)
	assert.Contains(t, errorFromBody(500, []byte(`not json`)).Message, "500")
	assert.Contains(t, errorFromBody(502, nil).Message, "502")
}

func TestStreamTextEmptyReplyIsMalformed(t *testing.T) {
	cases := map[string]func(w http.ResponseWriter){
		"done only": func(w http.ResponseWriter) {
			writeSSE(t, w, "data: [DONE]\n")
		},
		"plain json body": func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"Hello"}}]}`)
		},
		"empty deltas": func(w http.ResponseWriter) {
			writeSSE(t, w,
				"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n",
				"data: [DONE]\n",
			)
		},
	}

	for name, respond := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respond(w)
			}))
			defer server.Close()

			text, err := newTestClient(server.URL).StreamText(context.Background(), Request{Prompt: "hi"}, nil)
			assert.Empty(t, text)
			assert.EqualError(t, err, "malformed response: empty reply")

			var cerr *Error
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, KindMalformed, cerr.Kind)
		})
	}
}

func TestCompleteEmptyContentIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":""}}]}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Complete(context.Background(), Request{Prompt: "hi"})
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindMalformed, cerr.Kind)
}

func TestStreamStalledAfterHeadersTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n")
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 200 * time.Millisecond}, nil, zap.NewNop())

	done := make(chan struct{})
	var (
		text string
		err  error
	)
	go func() {
		defer close(done)
		text, err = client.StreamText(context.Background(), Request{Prompt: "hi"}, nil)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not time out")
	}

	assert.Equal(t, "Hel", text)
	assert.EqualError(t, err, "request timed out")
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindTransport, cerr.Kind)
}

func TestStreamStalledBeforeHeadersTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 200 * time.Millisecond}, nil, zap.NewNop())

	start := time.Now()
	_, err := client.Stream(context.Background(), Request{Prompt: "hi"})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.EqualError(t, err, "request timed out")
}

func TestStreamSlowButSteadyDoesNotTimeOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, word := range []string{"Ten", "eri", "fe"} {
			time.Sleep(120 * time.Millisecond)
			_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\""+word+"\"}}]}\n")
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n")
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 300 * time.Millisecond}, nil, zap.NewNop())
	text, err := client.StreamText(context.Background(), Request{Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Tenerife", text)
}
