package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFormatPredictions(t *testing.T) {
	got := FormatPredictions([]Prediction{
		{ClassName: "volcano", Probability: 0.8123},
		{ClassName: "seashore", Probability: 0.04},
	})
	assert.Equal(t, "volcano (81.2%), seashore (4.0%)", got)
	assert.Empty(t, FormatPredictions(nil))
}

func TestIsSupportedImage(t *testing.T) {
	for _, mime := range []string{"image/jpeg", "image/png", "image/gif", "image/webp", "IMAGE/PNG"} {
		assert.True(t, IsSupportedImage(mime), mime)
	}
	for _, mime := range []string{"image/bmp", "text/plain", ""} {
		assert.False(t, IsSupportedImage(mime), mime)
	}
}

func TestParsePredictions(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     []Prediction
	}{
		{
			name:     "bare array",
			response: `[{"className":"cat","probability":0.2},{"className":"dog","probability":0.7}]`,
			want:     []Prediction{{"dog", 0.7}, {"cat", 0.2}},
		},
		{
			name:     "fenced",
			response: "```json\n[{\"className\":\"banana\",\"probability\":0.9}]\n```",
			want:     []Prediction{{"banana", 0.9}},
		},
		{
			name:     "wrapped object",
			response: `{"predictions":[{"className":"palm tree","probability":1.4},{"className":" ","probability":0.5}]}`,
			want:     []Prediction{{"palm tree", 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePredictions(tt.response)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parsePredictions("I think this is a cat.")
	assert.Error(t, err)

	_, err = parsePredictions("[]")
	assert.True(t, errors.Is(err, ErrNoPredictions))
}

func TestVisionClassifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Content []struct {
					Type     string `json:"type"`
					Text     string `json:"text"`
					ImageURL struct {
						URL string `json:"url"`
					} `json:"image_url"`
				} `json:"content"`
			} `json:"messages"`
		}
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) && assert.Len(t, body.Messages, 1) {
			parts := body.Messages[0].Content
			if assert.Len(t, parts, 2) {
				assert.Equal(t, "text", parts[0].Type)
				assert.Contains(t, parts[0].Text, "at most 2 labels")
				assert.Equal(t, "image_url", parts[1].Type)
				assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))
			}
		}
		assert.Equal(t, "vision-model", body.Model)

		reply, _ := json.Marshal(`[{"className":"volcano","probability":0.9},{"className":"mountain","probability":0.6},{"className":"alp","probability":0.1}]`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":`+string(reply)+`},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	clf := NewVisionClassifier("key", server.URL, "vision-model", 300, 2, zap.NewNop())
	predictions, err := clf.Classify(context.Background(), Image{Name: "teide.png", MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}})
	require.NoError(t, err)
	assert.Equal(t, []Prediction{{"volcano", 0.9}, {"mountain", 0.6}}, predictions)
}

func TestVisionClassifierRejectsUnsupportedType(t *testing.T) {
	clf := NewVisionClassifier("key", "http://127.0.0.1:1", "vision-model", 300, 2, zap.NewNop())
	_, err := clf.Classify(context.Background(), Image{Name: "x.bmp", MIMEType: "image/bmp"})
	assert.Error(t, err)
}
