package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var ErrNoPredictions = errors.New("no predictions returned")

// VisionClassifier asks a vision capable chat model for image labels.
type VisionClassifier struct {
	client    *openai.Client
	model     string
	maxTokens int
	maxLabels int
	logger    *zap.Logger
}

func NewVisionClassifier(apiKey, baseURL, model string, maxTokens, maxLabels int, logger *zap.Logger) *VisionClassifier {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if maxLabels <= 0 {
		maxLabels = 3
	}

	return &VisionClassifier{
		client:    openai.NewClientWithConfig(config),
		model:     model,
		maxTokens: maxTokens,
		maxLabels: maxLabels,
		logger:    logger,
	}
}

func (c *VisionClassifier) Classify(ctx context.Context, image Image) ([]Prediction, error) {
	if !IsSupportedImage(image.MIMEType) {
		return nil, fmt.Errorf("unsupported image type %q", image.MIMEType)
	}

	prompt := fmt.Sprintf(`Classify the main content of this image.
Return at most %d labels as a JSON array, most likely first:
[{"className": "label", "probability": 0.0}]
Probabilities are between 0 and 1. Return only the JSON array.`, c.maxLabels)

	dataURL := "data:" + image.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(image.Data)

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{
							Type: openai.ChatMessagePartTypeText,
							Text: prompt,
						},
						{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    dataURL,
								Detail: openai.ImageURLDetailLow,
							},
						},
					},
				},
			},
			MaxTokens:   c.maxTokens,
			Temperature: 0,
		},
	)
	if err != nil {
		c.logger.Error("Failed to get vision response", zap.Error(err), zap.String("image", image.Name))
		return nil, fmt.Errorf("image classification failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoPredictions
	}

	response := resp.Choices[0].Message.Content
	predictions, err := parsePredictions(response)
	if err != nil {
		c.logger.Error("Failed to parse vision response",
			zap.Error(err),
			zap.String("response", response))
		return nil, err
	}

	if len(predictions) > c.maxLabels {
		predictions = predictions[:c.maxLabels]
	}
	return predictions, nil
}

// parsePredictions accepts a bare JSON array, optionally wrapped in a
// markdown code fence or in a {"predictions": [...]} object.
func parsePredictions(response string) ([]Prediction, error) {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	var predictions []Prediction
	if err := json.Unmarshal([]byte(response), &predictions); err != nil {
		var wrapped struct {
			Predictions []Prediction `json:"predictions"`
		}
		if werr := json.Unmarshal([]byte(response), &wrapped); werr != nil {
			return nil, fmt.Errorf("unparseable predictions: %w", err)
		}
		predictions = wrapped.Predictions
	}

	out := predictions[:0]
	for _, p := range predictions {
		p.ClassName = strings.TrimSpace(p.ClassName)
		if p.ClassName == "" {
			continue
		}
		if p.Probability < 0 {
			p.Probability = 0
		}
		if p.Probability > 1 {
			p.Probability = 1
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrNoPredictions
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Probability > out[j].Probability
	})
	return out, nil
}
